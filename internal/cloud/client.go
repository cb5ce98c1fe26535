// Package cloud rents a GPU instance from TensorDock and bootstraps it with
// gpuboot through cloud-init.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"gpuboot/internal/config"
	"gpuboot/internal/metrics"
)

// ErrNoToken means no API token was configured.
var ErrNoToken = errors.New("no TensorDock API token configured")

// GPU is one GPU model offered at a location.
type GPU struct {
	Name         string  `json:"name"`
	MaxCount     int     `json:"max_count"`
	PricePerHour float64 `json:"price_per_hour"`
}

// Location is a datacenter with its GPU stock.
type Location struct {
	ID      string `json:"id"`
	City    string `json:"city"`
	Country string `json:"country"`
	GPUs    []GPU  `json:"gpus"`
}

func (l Location) String() string {
	return l.City + ", " + l.Country
}

// Instance is a rented virtual machine.
type Instance struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	IPAddress string `json:"ip_address,omitempty"`
	SSHPort   int    `json:"ssh_port"`
	CreatedAt string `json:"created_at,omitempty"`
	// GPUs maps GPU model to count.
	GPUs map[string]int `json:"gpus,omitempty"`
}

// Running reports whether the instance is up and reachable.
func (i Instance) Running() bool {
	return i.Status == "running" && i.IPAddress != ""
}

// APIError is a non-2xx answer from the provider.
type APIError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

var newBackOff = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Client talks to the TensorDock v2 API.
type Client struct {
	BaseURL string
	Token   string
	// Retries is the number of extra attempts for reads and deletes.
	Retries int
	HTTP    *http.Client
	Log     zerolog.Logger
	Metrics *metrics.Recorder
}

// NewClient builds a client from the cloud configuration.
func NewClient(cfg config.CloudConfig, log zerolog.Logger, rec *metrics.Recorder) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, ErrNoToken
	}
	base := cfg.APIURL
	if base == "" {
		base = config.DefaultCloudAPIURL
	}
	return &Client{
		BaseURL: strings.TrimRight(base, "/"),
		Token:   cfg.Token,
		Retries: 2,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Log:     log.With().Str("component", "cloud").Logger(),
		Metrics: rec,
	}, nil
}

// Locations lists datacenters and their GPU stock.
func (c *Client) Locations(ctx context.Context) ([]Location, error) {
	var body struct {
		Locations []Location `json:"locations"`
		Data      struct {
			Locations []Location `json:"locations"`
		} `json:"data"`
	}
	if err := c.do(ctx, "locations", http.MethodGet, "/locations", nil, &body); err != nil {
		return nil, err
	}
	if len(body.Locations) > 0 {
		return body.Locations, nil
	}
	return body.Data.Locations, nil
}

// CreateRequest describes the instance to rent.
type CreateRequest struct {
	Name       string
	LocationID string
	GPUModel   string
	GPUCount   int
	VCPUs      int
	RAMGB      int
	StorageGB  int
	Image      string
	SSHKey     string
	// UserData is a shell script run once by cloud-init on first boot.
	UserData string
}

type gpuCount struct {
	Count int `json:"count"`
}

type resources struct {
	VCPUCount int                 `json:"vcpu_count"`
	RAMGB     int                 `json:"ram_gb"`
	StorageGB int                 `json:"storage_gb"`
	GPUs      map[string]gpuCount `json:"gpus"`
}

type writeFile struct {
	Path        string `json:"path"`
	Content     string `json:"content"`
	Permissions string `json:"permissions"`
}

type cloudInit struct {
	WriteFiles []writeFile `json:"write_files,omitempty"`
	RunCmd     []string    `json:"runcmd,omitempty"`
}

type instanceAttributes struct {
	Name           string     `json:"name"`
	Type           string     `json:"type,omitempty"`
	Image          string     `json:"image,omitempty"`
	Status         string     `json:"status,omitempty"`
	IPAddress      string     `json:"ip_address,omitempty"`
	SSHPort        int        `json:"ssh_port,omitempty"`
	CreatedAt      string     `json:"created_at,omitempty"`
	Resources      resources  `json:"resources"`
	LocationID     string     `json:"location_id,omitempty"`
	UseDedicatedIP bool       `json:"useDedicatedIp"`
	SSHKey         string     `json:"ssh_key,omitempty"`
	CloudInit      *cloudInit `json:"cloud_init,omitempty"`
}

type instanceResource struct {
	ID         string             `json:"id,omitempty"`
	Type       string             `json:"type"`
	Attributes instanceAttributes `json:"attributes"`
}

// UserDataPath is where cloud-init writes the setup script on the instance.
const UserDataPath = "/root/gpuboot-setup.sh"

func (r CreateRequest) payload() map[string]instanceResource {
	attrs := instanceAttributes{
		Name:  r.Name,
		Type:  "virtualmachine",
		Image: r.Image,
		Resources: resources{
			VCPUCount: r.VCPUs,
			RAMGB:     r.RAMGB,
			StorageGB: r.StorageGB,
			GPUs:      map[string]gpuCount{r.GPUModel: {Count: r.GPUCount}},
		},
		LocationID: r.LocationID,
		SSHKey:     r.SSHKey,
	}
	if r.UserData != "" {
		attrs.CloudInit = &cloudInit{
			WriteFiles: []writeFile{{Path: UserDataPath, Content: r.UserData, Permissions: "0700"}},
			RunCmd:     []string{"bash " + UserDataPath},
		}
	}
	return map[string]instanceResource{"data": {Type: "virtualmachine", Attributes: attrs}}
}

// CreateInstance rents an instance. It is never retried: a lost response
// could otherwise rent two machines.
func (c *Client) CreateInstance(ctx context.Context, req CreateRequest) (Instance, error) {
	var body struct {
		Data instanceResource `json:"data"`
	}
	if err := c.do(ctx, "create", http.MethodPost, "/instances", req.payload(), &body); err != nil {
		return Instance{}, err
	}
	if body.Data.ID == "" {
		return Instance{}, errors.New("create instance: response carries no instance id")
	}
	return body.Data.instance(), nil
}

// Instance fetches one instance.
func (c *Client) Instance(ctx context.Context, id string) (Instance, error) {
	var body struct {
		Data instanceResource `json:"data"`
	}
	if err := c.do(ctx, "get", http.MethodGet, "/instances/"+id, nil, &body); err != nil {
		return Instance{}, err
	}
	inst := body.Data.instance()
	if inst.ID == "" {
		inst.ID = id
	}
	return inst, nil
}

// Instances lists every instance of the account.
func (c *Client) Instances(ctx context.Context) ([]Instance, error) {
	var body struct {
		Data json.RawMessage `json:"data"`
	}
	if err := c.do(ctx, "list", http.MethodGet, "/instances", nil, &body); err != nil {
		return nil, err
	}
	// the list arrives either as data[] or as data.instances[]
	var list []instanceResource
	if err := json.Unmarshal(body.Data, &list); err != nil {
		var wrapped struct {
			Instances []instanceResource `json:"instances"`
		}
		if err2 := json.Unmarshal(body.Data, &wrapped); err2 != nil {
			return nil, fmt.Errorf("decode instance list: %w", err)
		}
		list = wrapped.Instances
	}
	out := make([]Instance, 0, len(list))
	for _, r := range list {
		out = append(out, r.instance())
	}
	return out, nil
}

// DeleteInstance terminates an instance.
func (c *Client) DeleteInstance(ctx context.Context, id string) error {
	return c.do(ctx, "delete", http.MethodDelete, "/instances/"+id, nil, nil)
}

func (r instanceResource) instance() Instance {
	a := r.Attributes
	inst := Instance{
		ID:        r.ID,
		Name:      a.Name,
		Status:    a.Status,
		IPAddress: a.IPAddress,
		SSHPort:   a.SSHPort,
		CreatedAt: a.CreatedAt,
		GPUs:      map[string]int{},
	}
	for model, g := range a.Resources.GPUs {
		if g.Count > 0 {
			inst.GPUs[model] = g.Count
		}
	}
	if inst.SSHPort == 0 {
		inst.SSHPort = 22
	}
	return inst
}

// do sends one request and decodes a JSON answer into out. Reads and
// deletes are retried on transport errors and 5xx answers.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		payload = b
	}
	retries := c.Retries
	if method == http.MethodPost || retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), uint64(retries)), ctx)
	return backoff.RetryNotify(func() error {
		return c.once(ctx, op, method, path, payload, out)
	}, b, func(err error, wait time.Duration) {
		c.Log.Warn().Err(err).Str("operation", op).Dur("retry_in", wait).Msg("cloud request failed")
	})
}

func (c *Client) once(ctx context.Context, op, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		c.Metrics.CloudRequest(op, "error")
		return err
	}
	defer resp.Body.Close()
	c.Metrics.CloudRequest(op, fmt.Sprintf("%dxx", resp.StatusCode/100))
	c.Log.Debug().Str("operation", op).Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("cloud request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		apiErr := &APIError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return apiErr
		}
		return backoff.Permanent(apiErr)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode %s response: %w", op, err))
	}
	return nil
}
