package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"gpuboot/internal/common/fsutil"
	"gpuboot/internal/config"
)

// ErrNoCapacity means no location currently offers the requested GPUs.
var ErrNoCapacity = errors.New("no location offers the requested GPU")

// ErrNotReady means the instance did not reach running in time.
var ErrNotReady = errors.New("instance did not become ready")

// SelectLocation returns the first location offering count GPUs whose
// model name contains model, compared case-insensitively.
func SelectLocation(locs []Location, model string, count int) (Location, GPU, error) {
	want := strings.ToLower(strings.TrimSpace(model))
	if count <= 0 {
		count = 1
	}
	for _, l := range locs {
		for _, g := range l.GPUs {
			if g.MaxCount >= count && strings.Contains(strings.ToLower(g.Name), want) {
				return l, g, nil
			}
		}
	}
	return Location{}, GPU{}, fmt.Errorf("%w: %dx %q", ErrNoCapacity, count, model)
}

// WaitForInstance polls the instance every poll until it runs with an
// address, or until timeout. Lookup failures are logged and polled again.
func (c *Client) WaitForInstance(ctx context.Context, id string, poll, timeout time.Duration) (Instance, error) {
	if poll <= 0 {
		poll = 10 * time.Second
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	t := time.NewTicker(poll)
	defer t.Stop()
	last := ""
	for {
		inst, err := c.Instance(ctx, id)
		switch {
		case err == nil && inst.Running():
			return inst, nil
		case err == nil:
			if inst.Status != last {
				c.Log.Info().Str("instance", id).Str("status", inst.Status).Msg("waiting for instance")
				last = inst.Status
			}
		case ctx.Err() == nil:
			c.Log.Warn().Err(err).Str("instance", id).Msg("cannot read instance status")
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return inst, fmt.Errorf("%w: %s still %q after %s", ErrNotReady, id, last, timeout)
			}
			return inst, ctx.Err()
		case <-t.C:
		}
	}
}

// ConnectionInfo is saved after a deploy so the operator can reach the
// instance.
type ConnectionInfo struct {
	InstanceID string    `json:"instance_id"`
	Name       string    `json:"name"`
	Location   string    `json:"location,omitempty"`
	IP         string    `json:"ip"`
	SSHPort    int       `json:"ssh_port"`
	Username   string    `json:"username"`
	SSHCommand string    `json:"ssh_command"`
	ServiceURL string    `json:"service_url"`
	SetupLog   string    `json:"setup_log"`
	SavedAt    time.Time `json:"saved_at"`
}

// NewConnectionInfo describes how to reach inst and its service.
func NewConnectionInfo(inst Instance, loc Location, servicePort int, now time.Time) ConnectionInfo {
	info := ConnectionInfo{
		InstanceID: inst.ID,
		Name:       inst.Name,
		IP:         inst.IPAddress,
		SSHPort:    inst.SSHPort,
		Username:   "root",
		SetupLog:   SetupLog,
		SavedAt:    now.UTC(),
	}
	if loc.ID != "" {
		info.Location = loc.String()
	}
	if inst.IPAddress != "" {
		info.SSHCommand = fmt.Sprintf("ssh -p %d root@%s", inst.SSHPort, inst.IPAddress)
		info.ServiceURL = "http://" + inst.IPAddress + ":" + strconv.Itoa(servicePort)
	}
	return info
}

// SaveConnectionInfo writes info as indented JSON readable only by the owner.
func SaveConnectionInfo(path string, info ConnectionInfo) error {
	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, append(b, '\n'), 0o600)
}

// ReadSSHKey returns the first key line of a public key file.
func ReadSSHKey(path string) (string, error) {
	p, err := fsutil.ExpandHome(path)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("read ssh public key: %w", err)
	}
	for _, line := range strings.Split(string(b), "\n") {
		if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "#") {
			return line, nil
		}
	}
	return "", fmt.Errorf("ssh public key %s is empty", p)
}

// Deployer rents an instance and hands it the bootstrap script.
type Deployer struct {
	Client *Client
	Cfg    config.CloudConfig
	// ServicePort is the inference service port on the instance.
	ServicePort int
	Log         zerolog.Logger
	// Out receives operator-facing progress lines.
	Out io.Writer

	now func() time.Time
}

// DeployOptions are per-run inputs.
type DeployOptions struct {
	Name      string
	SSHKey    string
	Bootstrap Bootstrap
	// Wait polls until the instance runs and saves the connection info.
	Wait bool
}

// DeployResult reports what was rented.
type DeployResult struct {
	Location Location
	GPU      GPU
	Instance Instance
	// Info is set once the instance runs; InfoFile is where it was saved.
	Info     *ConnectionInfo
	InfoFile string
}

// Deploy picks a location with capacity, creates the instance with the
// rendered bootstrap as user data and, when asked, waits for it.
func (d *Deployer) Deploy(ctx context.Context, opts DeployOptions) (DeployResult, error) {
	var res DeployResult
	script, err := opts.Bootstrap.Script()
	if err != nil {
		return res, err
	}
	if strings.TrimSpace(opts.SSHKey) == "" {
		return res, errors.New("an ssh public key is required to reach the instance")
	}
	now := d.now
	if now == nil {
		now = time.Now
	}
	name := opts.Name
	if name == "" {
		name = "gpuboot-" + strconv.FormatInt(now().Unix(), 10)
	}

	locs, err := d.Client.Locations(ctx)
	if err != nil {
		return res, fmt.Errorf("list locations: %w", err)
	}
	res.Location, res.GPU, err = SelectLocation(locs, d.Cfg.GPUModel, d.Cfg.GPUCount)
	if err != nil {
		return res, err
	}
	d.Log.Info().Str("location", res.Location.String()).Str("gpu", res.GPU.Name).
		Int("available", res.GPU.MaxCount).Float64("price_per_hour", res.GPU.PricePerHour).Msg("location selected")
	d.printf("Deploying %dx %s in %s as %s\n", d.Cfg.GPUCount, res.GPU.Name, res.Location, name)

	res.Instance, err = d.Client.CreateInstance(ctx, CreateRequest{
		Name:       name,
		LocationID: res.Location.ID,
		GPUModel:   res.GPU.Name,
		GPUCount:   max(d.Cfg.GPUCount, 1),
		VCPUs:      d.Cfg.VCPUs,
		RAMGB:      d.Cfg.RAMGB,
		StorageGB:  d.Cfg.StorageGB,
		Image:      d.Cfg.Image,
		SSHKey:     opts.SSHKey,
		UserData:   script,
	})
	if err != nil {
		return res, fmt.Errorf("create instance: %w", err)
	}
	d.Log.Info().Str("instance", res.Instance.ID).Str("status", res.Instance.Status).Msg("instance created")
	d.printf("Instance %s created\n", res.Instance.ID)
	if !opts.Wait {
		return res, nil
	}

	inst, err := d.Client.WaitForInstance(ctx, res.Instance.ID, d.Cfg.PollInterval.D(), d.Cfg.WaitTimeout.D())
	if err != nil {
		return res, err
	}
	if inst.Name == "" {
		inst.Name = name
	}
	res.Instance = inst
	info := NewConnectionInfo(inst, res.Location, d.ServicePort, now())
	res.Info = &info
	if d.Cfg.InfoFile != "" {
		path, err := fsutil.ExpandHome(d.Cfg.InfoFile)
		if err != nil {
			return res, err
		}
		if err := SaveConnectionInfo(path, info); err != nil {
			return res, fmt.Errorf("save connection info: %w", err)
		}
		res.InfoFile = path
	}
	d.printf("Instance running: %s\nSetup continues on the instance; follow it with: %s tail -f %s\nService: %s\n",
		info.SSHCommand, info.SSHCommand, SetupLog, info.ServiceURL)
	return res, nil
}

func (d *Deployer) printf(format string, args ...any) {
	if d.Out != nil {
		fmt.Fprintf(d.Out, format, args...)
	}
}
