package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"gpuboot/internal/cloud"
	"gpuboot/internal/config"
	"gpuboot/internal/orchestrator"
)

// CloudFlags are the switches of the `cloud` commands. Zero values keep the
// configured cloud section.
type CloudFlags struct {
	GPU       string
	GPUCount  int
	VCPUs     int
	RAM       int
	Storage   int
	Name      string
	SSHKey    string
	BinaryURL string
	InfoFile  string
	ScriptOut string
	NoWait    bool
	DryRun    bool
	Yes       bool
	JSON      bool
	AllGPUs   bool
}

func (cf *CloudFlags) apply(c *config.CloudConfig) {
	if cf.GPU != "" {
		c.GPUModel = cf.GPU
	}
	if cf.GPUCount > 0 {
		c.GPUCount = cf.GPUCount
	}
	if cf.VCPUs > 0 {
		c.VCPUs = cf.VCPUs
	}
	if cf.RAM > 0 {
		c.RAMGB = cf.RAM
	}
	if cf.Storage > 0 {
		c.StorageGB = cf.Storage
	}
	if cf.SSHKey != "" {
		c.SSHKeyFile = cf.SSHKey
	}
	if cf.BinaryURL != "" {
		c.BinaryURL = cf.BinaryURL
	}
	if cf.InfoFile != "" {
		c.InfoFile = cf.InfoFile
	}
}

func (s *session) cloudClient() (*cloud.Client, error) {
	c, err := cloud.NewClient(s.cfg.Cloud, s.log, s.rec)
	if err != nil {
		return nil, &orchestrator.UsageError{Err: err}
	}
	return c, nil
}

// bootstrap collects what the instance needs to run `gpuboot up`: the
// binary location, this run's config file and the download credentials.
func (s *session) bootstrap(configPath string) (cloud.Bootstrap, error) {
	b := cloud.Bootstrap{BinaryURL: s.cfg.Cloud.BinaryURL, Env: map[string]string{}}
	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return b, &orchestrator.UsageError{Err: err}
		}
		b.Config, b.ConfigName = raw, configPath
	}
	if s.cfg.Assets.Credential != "" {
		b.Env["CIVITAI_API_KEY"] = s.cfg.Assets.Credential
	}
	if s.cfg.Assets.HFToken != "" {
		b.Env["HF_TOKEN"] = s.cfg.Assets.HFToken
	}
	return b, nil
}

func buildCloudCmd(ctx context.Context, f *Flags) *cobra.Command {
	cf := &f.Cloud
	cloudCmd := &cobra.Command{
		Use:   "cloud",
		Short: "Rent a TensorDock GPU instance that provisions itself with gpuboot",
		Long: "Rent and manage TensorDock GPU instances. A deployed instance downloads gpuboot on first boot " +
			"and runs `gpuboot up -y --reboot` from a boot unit until the service is up.\n" +
			"The API token is read from TENSORDOCK_API_TOKEN or cloud.token.",
	}

	locationsCmd := &cobra.Command{
		Use:   "locations",
		Short: "List locations with GPU stock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := load(f, false)
			if err != nil {
				return err
			}
			cf.apply(&s.cfg.Cloud)
			client, err := s.cloudClient()
			if err != nil {
				return err
			}
			locs, err := client.Locations(ctx)
			if err != nil {
				return err
			}
			if !cf.AllGPUs {
				locs = matching(locs, s.cfg.Cloud.GPUModel)
			}
			if cf.JSON {
				return writeJSON(cmd.OutOrStdout(), locs)
			}
			return printLocations(cmd.OutOrStdout(), locs)
		},
	}
	locationsCmd.Flags().StringVar(&cf.GPU, "gpu", "", "GPU model to look for (default cloud.gpu_model)")
	locationsCmd.Flags().BoolVar(&cf.AllGPUs, "all", false, "Show every GPU model in stock")
	locationsCmd.Flags().BoolVar(&cf.JSON, "json", false, "Print JSON")

	deployCmd := &cobra.Command{
		Use:   "deploy",
		Short: "Rent an instance and bootstrap it with gpuboot",
		Example: "  gpuboot --config site.yaml cloud deploy --binary-url https://example.com/gpuboot\n" +
			"  gpuboot cloud deploy --gpu a6000 --vcpus 16 --ram 64 --storage 500 --dry-run",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := load(f, false)
			if err != nil {
				return err
			}
			cf.apply(&s.cfg.Cloud)
			err = runDeploy(ctx, cmd.OutOrStdout(), s, f)
			s.finish("cloud_deploy", orchestrator.Outcome(err))
			return err
		},
	}
	deployCmd.Flags().StringVar(&cf.GPU, "gpu", "", "GPU model, matched against provider names (default cloud.gpu_model)")
	deployCmd.Flags().IntVar(&cf.GPUCount, "gpu-count", 0, "Number of GPUs")
	deployCmd.Flags().IntVar(&cf.VCPUs, "vcpus", 0, "vCPUs")
	deployCmd.Flags().IntVar(&cf.RAM, "ram", 0, "RAM in GB")
	deployCmd.Flags().IntVar(&cf.Storage, "storage", 0, "Storage in GB")
	deployCmd.Flags().StringVar(&cf.Name, "name", "", "Instance name (default gpuboot-<unix time>)")
	deployCmd.Flags().StringVar(&cf.SSHKey, "ssh-key", "", "SSH public key file for root (default cloud.ssh_key_file)")
	deployCmd.Flags().StringVar(&cf.BinaryURL, "binary-url", "", "URL the instance downloads gpuboot from")
	deployCmd.Flags().StringVar(&cf.InfoFile, "info-file", "", "Where to save connection details (default cloud.info_file)")
	deployCmd.Flags().StringVar(&cf.ScriptOut, "script-out", "", "Also write the first-boot script to this file")
	deployCmd.Flags().BoolVar(&cf.NoWait, "no-wait", false, "Return once the instance is created")
	deployCmd.Flags().BoolVar(&cf.DryRun, "dry-run", false, "Print the first-boot script and rent nothing")

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List instances",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := load(f, false)
			if err != nil {
				return err
			}
			client, err := s.cloudClient()
			if err != nil {
				return err
			}
			list, err := client.Instances(ctx)
			if err != nil {
				return err
			}
			if cf.JSON {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			return printInstances(cmd.OutOrStdout(), list)
		},
	}
	listCmd.Flags().BoolVar(&cf.JSON, "json", false, "Print JSON")

	deleteCmd := &cobra.Command{
		Use:     "delete ID...",
		Aliases: []string{"rm"},
		Short:   "Terminate instances",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := load(f, false)
			if err != nil {
				return err
			}
			client, err := s.cloudClient()
			if err != nil {
				return err
			}
			p := s.prompter()
			var errs []error
			for _, id := range args {
				if !cf.Yes {
					ok, err := p.Confirm(fmt.Sprintf("Terminate instance %s? This destroys its disk.", id))
					if err != nil || !ok {
						fmt.Fprintf(cmd.OutOrStdout(), "kept %s\n", id)
						continue
					}
				}
				if err := client.DeleteInstance(ctx, id); err != nil {
					errs = append(errs, fmt.Errorf("delete %s: %w", id, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "terminated %s\n", id)
			}
			return errors.Join(errs...)
		},
	}
	deleteCmd.Flags().BoolVarP(&cf.Yes, "yes", "y", false, "Do not ask for confirmation")

	cloudCmd.AddCommand(locationsCmd, deployCmd, listCmd, deleteCmd)
	return cloudCmd
}

func runDeploy(ctx context.Context, w io.Writer, s *session, f *Flags) error {
	cf := &f.Cloud
	b, err := s.bootstrap(f.ConfigPath)
	if err != nil {
		return err
	}
	script, err := b.Script()
	if err != nil {
		return &orchestrator.UsageError{Err: err}
	}
	if cf.ScriptOut != "" {
		if err := os.WriteFile(cf.ScriptOut, []byte(script), 0o600); err != nil {
			return fmt.Errorf("write script: %w", err)
		}
	}
	if cf.DryRun {
		_, err := io.WriteString(w, script)
		return err
	}
	key, err := cloud.ReadSSHKey(s.cfg.Cloud.SSHKeyFile)
	if err != nil {
		return &orchestrator.UsageError{Err: err}
	}
	client, err := s.cloudClient()
	if err != nil {
		return err
	}
	d := &cloud.Deployer{
		Client:      client,
		Cfg:         s.cfg.Cloud,
		ServicePort: s.cfg.Service.Port,
		Log:         s.log,
		Out:         w,
	}
	res, err := d.Deploy(ctx, cloud.DeployOptions{Name: cf.Name, SSHKey: key, Bootstrap: b, Wait: !cf.NoWait})
	if err != nil {
		return err
	}
	if res.InfoFile != "" {
		fmt.Fprintf(w, "Connection details saved to %s\n", res.InfoFile)
	}
	return nil
}

// matching keeps the in-stock GPUs whose name contains model.
func matching(locs []cloud.Location, model string) []cloud.Location {
	want := strings.ToLower(model)
	var out []cloud.Location
	for _, l := range locs {
		var gpus []cloud.GPU
		for _, g := range l.GPUs {
			if g.MaxCount > 0 && strings.Contains(strings.ToLower(g.Name), want) {
				gpus = append(gpus, g)
			}
		}
		if len(gpus) > 0 {
			l.GPUs = gpus
			out = append(out, l)
		}
	}
	return out
}

func printLocations(w io.Writer, locs []cloud.Location) error {
	if len(locs) == 0 {
		fmt.Fprintln(w, "no matching GPUs in stock")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LOCATION\tID\tGPU\tAVAILABLE\tUSD/HR")
	for _, l := range locs {
		for _, g := range l.GPUs {
			if g.MaxCount == 0 {
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.2f\n", l, l.ID, g.Name, g.MaxCount, g.PricePerHour)
		}
	}
	return tw.Flush()
}

func printInstances(w io.Writer, list []cloud.Instance) error {
	if len(list) == 0 {
		fmt.Fprintln(w, "no instances")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tSSH\tGPUS\tCREATED")
	for _, in := range list {
		ssh := "-"
		if in.IPAddress != "" {
			ssh = fmt.Sprintf("%s:%d", in.IPAddress, in.SSHPort)
		}
		models := make([]string, 0, len(in.GPUs))
		for m, n := range in.GPUs {
			models = append(models, fmt.Sprintf("%dx %s", n, m))
		}
		sort.Strings(models)
		gpus := strings.Join(models, ", ")
		if gpus == "" {
			gpus = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", in.ID, in.Name, in.Status, ssh, gpus, in.CreatedAt)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
