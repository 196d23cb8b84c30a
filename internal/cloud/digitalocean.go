package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultBaseURL is the provider's JSON-over-HTTPS control plane (§6).
const DefaultBaseURL = "https://api.digitalocean.com/v2"

// DigitalOceanClient is a concrete Adapter implementation wrapping a
// DigitalOcean-shaped droplet/floating-IP API. It is the repo's one working
// IaaS collaborator; the core control loop only ever depends on the Adapter
// interface (§4.3), never on this type directly.
type DigitalOceanClient struct {
	BaseURL string
	Token   string

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewDigitalOceanClient builds a client with sane defaults for BaseURL and HTTPClient.
func NewDigitalOceanClient(token string, logger *zap.Logger) *DigitalOceanClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DigitalOceanClient{
		BaseURL:    DefaultBaseURL,
		Token:      token,
		HTTPClient: &http.Client{},
		Logger:     logger,
	}
}

type dropletResponse struct {
	Droplet dropletPayload `json:"droplet"`
}

type dropletListResponse struct {
	Droplets []dropletPayload `json:"droplets"`
	Links    struct {
		Pages struct {
			Next string `json:"next"`
		} `json:"pages"`
	} `json:"links"`
}

type dropletPayload struct {
	ID     int      `json:"id"`
	Name   string   `json:"name"`
	Region regionID `json:"region"`
	Tags   []string `json:"tags"`
	Networks struct {
		V4 []struct {
			IPAddress string `json:"ip_address"`
			Type      string `json:"type"`
		} `json:"v4"`
	} `json:"networks"`
}

type regionID struct {
	Slug string `json:"slug"`
}

func (p dropletPayload) toInstance() Instance {
	addrs := make([]Address, 0, len(p.Networks.V4))
	for _, n := range p.Networks.V4 {
		kind := "public"
		if n.Type == "private" {
			kind = "private"
		}
		addrs = append(addrs, Address{Kind: kind, Value: n.IPAddress})
	}
	return Instance{
		ID:        fmt.Sprintf("%d", p.ID),
		Name:      p.Name,
		Region:    p.Region.Slug,
		Tags:      p.Tags,
		Addresses: addrs,
	}
}

type createDropletRequest struct {
	Name              string   `json:"name"`
	Region            string   `json:"region"`
	Size              string   `json:"size"`
	Image             string   `json:"image"`
	SSHKeys           []string `json:"ssh_keys,omitempty"`
	Backups           bool     `json:"backups"`
	IPv6              bool     `json:"ipv6"`
	PrivateNetworking bool     `json:"private_networking"`
	UserData          string   `json:"user_data,omitempty"`
	Monitoring        bool     `json:"monitoring"`
	Volumes           []string `json:"volumes,omitempty"`
	Tags              []string `json:"tags,omitempty"`
}

type assignFloatingIPRequest struct {
	Type     string `json:"type"`
	DropletID string `json:"droplet_id"`
}

// List returns every instance carrying tag (§4.3), following pagination links
// until the provider reports no further pages.
func (c *DigitalOceanClient) List(ctx context.Context, tag string) ([]Instance, error) {
	path := fmt.Sprintf("/droplets?tag_name=%s&per_page=200", tag)

	var out []Instance
	for path != "" {
		var page dropletListResponse
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, fmt.Errorf("list instances tagged %q: %w", tag, err)
		}
		for _, d := range page.Droplets {
			out = append(out, d.toInstance())
		}
		path = relativePath(page.Links.Pages.Next, c.BaseURL)
	}
	return out, nil
}

// Get fetches a single instance by id (§4.3).
func (c *DigitalOceanClient) Get(ctx context.Context, id string) (Instance, error) {
	var resp dropletResponse
	if err := c.do(ctx, http.MethodGet, "/droplets/"+id, nil, &resp); err != nil {
		return Instance{}, fmt.Errorf("get instance %q: %w", id, err)
	}
	return resp.Droplet.toInstance(), nil
}

// Create provisions a new instance from tmpl and returns its id (§4.3).
// tmpl.NameBase is used as the instance name as given; the caller (the Group
// Controller, §4.5) appends a collision-resistant token to it beforehand.
func (c *DigitalOceanClient) Create(ctx context.Context, tmpl Template) (string, error) {
	req := createDropletRequest{
		Name:              tmpl.NameBase,
		Region:            tmpl.Region,
		Size:              tmpl.Size,
		Image:             tmpl.Image,
		SSHKeys:           tmpl.SSHKeys,
		Backups:           tmpl.Backups,
		IPv6:              tmpl.IPv6,
		PrivateNetworking: tmpl.PrivateNetworking,
		UserData:          tmpl.UserData,
		Monitoring:        tmpl.Monitoring,
		Volumes:           tmpl.Volumes,
		Tags:              tmpl.Tags,
	}

	var resp dropletResponse
	if err := c.do(ctx, http.MethodPost, "/droplets", req, &resp); err != nil {
		return "", fmt.Errorf("create instance %q: %w", tmpl.NameBase, err)
	}
	return fmt.Sprintf("%d", resp.Droplet.ID), nil
}

// Destroy tears down the instance with id (§4.3). Idempotent: a 404 from the
// provider (instance already gone) is treated as success.
func (c *DigitalOceanClient) Destroy(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/droplets/"+id, nil, nil)
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*apiError); ok && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("destroy instance %q: %w", id, err)
}

// AssignFloatingAddress reassigns address to id (§4.3, §6: "{type: \"assign\", id}").
func (c *DigitalOceanClient) AssignFloatingAddress(ctx context.Context, address, id string) error {
	req := assignFloatingIPRequest{Type: "assign", DropletID: id}
	if err := c.do(ctx, http.MethodPost, "/floating_ips/"+address+"/actions", req, nil); err != nil {
		return fmt.Errorf("assign floating address %q to %q: %w", address, id, err)
	}
	return nil
}

type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("iaas api returned status %d: %s", e.StatusCode, e.Body)
}

func (c *DigitalOceanClient) do(ctx context.Context, method, path string, body any, out any) error {
	correlationID := uuid.New().String()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	url := path
	if !strings.HasPrefix(path, "http") {
		url = c.BaseURL + path
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/json")

	c.Logger.Debug("iaas api call",
		zap.String("correlation_id", correlationID),
		zap.String("method", method),
		zap.String("path", path))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("correlation_id=%s: %w", correlationID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("correlation_id=%s: read response body: %w", correlationID, err)
	}

	if resp.StatusCode >= 300 {
		return &apiError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("correlation_id=%s: decode response body: %w", correlationID, err)
	}
	return nil
}

func relativePath(next, baseURL string) string {
	if next == "" {
		return ""
	}
	return strings.TrimPrefix(next, baseURL)
}
