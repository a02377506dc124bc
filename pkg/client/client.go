package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/provisioner/pkg/types"
)

// ScopeHeader must match the header the server reads granted scopes from
const ScopeHeader = "X-Provisioner-Scopes"

const defaultTimeout = 10 * time.Second

// Client talks to the provisioner HTTP API
type Client struct {
	baseURL string
	http    *http.Client
	scopes  []string
	timeout time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithScopes sends the given scopes with every request. Only useful when
// the server trusts callers to state their own scopes, as on localhost.
func WithScopes(scopes ...string) Option {
	return func(c *Client) { c.scopes = scopes }
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds every call
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// NewClient creates a client for addr, either host:port or a full URL
func NewClient(addr string, opts ...Option) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", addr, err)
	}

	c := &Client{
		baseURL: strings.TrimSuffix(u.String(), "/") + "/v1",
		http:    &http.Client{},
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Code       string   `json:"error"`
	Message    string   `json:"message"`
	Reasons    []string `json:"reasons"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, e.Message)
	if len(e.Reasons) > 0 {
		msg += "\n  - " + strings.Join(e.Reasons, "\n  - ")
	}
	return msg
}

// IsNotFound reports whether err is a 404 from the server
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the server
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// CreateWorkerType creates a worker type, succeeding if an equal one exists
func (c *Client) CreateWorkerType(name string, def *types.WorkerType) (*types.WorkerType, error) {
	var wt types.WorkerType
	if err := c.do(http.MethodPut, "/worker-type/"+url.PathEscape(name), def, &wt); err != nil {
		return nil, err
	}
	return &wt, nil
}

// UpdateWorkerType replaces an existing worker type
func (c *Client) UpdateWorkerType(name string, def *types.WorkerType) (*types.WorkerType, error) {
	var wt types.WorkerType
	if err := c.do(http.MethodPost, "/worker-type/"+url.PathEscape(name)+"/update", def, &wt); err != nil {
		return nil, err
	}
	return &wt, nil
}

// GetWorkerType gets a worker type by name
func (c *Client) GetWorkerType(name string) (*types.WorkerType, error) {
	var wt types.WorkerType
	if err := c.do(http.MethodGet, "/worker-type/"+url.PathEscape(name), nil, &wt); err != nil {
		return nil, err
	}
	return &wt, nil
}

// DeleteWorkerType deletes a worker type
func (c *Client) DeleteWorkerType(name string) error {
	return c.do(http.MethodDelete, "/worker-type/"+url.PathEscape(name), nil, nil)
}

// ListWorkerTypes lists worker type names
func (c *Client) ListWorkerTypes() ([]string, error) {
	var names []string
	err := c.do(http.MethodGet, "/list-worker-types", nil, &names)
	return names, err
}

// ListWorkerTypeSummaries returns the capacity summary of every worker type
func (c *Client) ListWorkerTypeSummaries() ([]*types.Summary, error) {
	var summaries []*types.Summary
	err := c.do(http.MethodGet, "/list-worker-type-summaries", nil, &summaries)
	return summaries, err
}

// LaunchSpecs returns the generated launch specifications by region and
// instance type
func (c *Client) LaunchSpecs(name string) (map[string]map[string]map[string]any, error) {
	var specs map[string]map[string]map[string]any
	err := c.do(http.MethodGet, "/worker-type/"+url.PathEscape(name)+"/launch-specifications", nil, &specs)
	return specs, err
}

// CreateAmiSet creates an AMI set
func (c *Client) CreateAmiSet(id string, set *types.AmiSet) (*types.AmiSet, error) {
	var out types.AmiSet
	if err := c.do(http.MethodPut, "/ami-set/"+url.PathEscape(id), set, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateAmiSet replaces the images of an AMI set
func (c *Client) UpdateAmiSet(id string, set *types.AmiSet) (*types.AmiSet, error) {
	var out types.AmiSet
	if err := c.do(http.MethodPost, "/ami-set/"+url.PathEscape(id)+"/update", set, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAmiSet gets an AMI set
func (c *Client) GetAmiSet(id string) (*types.AmiSet, error) {
	var out types.AmiSet
	if err := c.do(http.MethodGet, "/ami-set/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteAmiSet deletes an AMI set
func (c *Client) DeleteAmiSet(id string) error {
	return c.do(http.MethodDelete, "/ami-set/"+url.PathEscape(id), nil, nil)
}

// ListAmiSets lists AMI set ids
func (c *Client) ListAmiSets() ([]string, error) {
	var ids []string
	err := c.do(http.MethodGet, "/list-ami-sets", nil, &ids)
	return ids, err
}

// CreateSecret stores a secret under secret.Token
func (c *Client) CreateSecret(secret *types.Secret) error {
	body := struct {
		WorkerType string         `json:"workerType"`
		Secrets    map[string]any `json:"secrets"`
		Scopes     []string       `json:"scopes"`
		Expiration time.Time      `json:"expiration"`
	}{secret.WorkerType, secret.Secrets, secret.Scopes, secret.Expiration}
	return c.do(http.MethodPut, "/secret/"+url.PathEscape(secret.Token), body, nil)
}

// GetSecret redeems a secret token
func (c *Client) GetSecret(token string) (*types.SecretResponse, error) {
	var resp types.SecretResponse
	if err := c.do(http.MethodGet, "/secret/"+url.PathEscape(token), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteSecret deletes a secret
func (c *Client) DeleteSecret(token string) error {
	return c.do(http.MethodDelete, "/secret/"+url.PathEscape(token), nil, nil)
}

// InstanceStarted reports that an instance holding token has booted
func (c *Client) InstanceStarted(instanceID, token string) error {
	return c.do(http.MethodGet, "/instance-started/"+url.PathEscape(instanceID)+"/"+url.PathEscape(token), nil, nil)
}

// State is a worker type snapshot with its summary
type State struct {
	types.WorkerState
	Summary *types.Summary `json:"summary"`
}

// WriteState replaces the snapshot of a worker type and returns it with
// its summary
func (c *Client) WriteState(name string, state *types.WorkerState) (*State, error) {
	var stored State
	if err := c.do(http.MethodPut, "/state/"+url.PathEscape(name), state, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetState returns the last snapshot of a worker type
func (c *Client) GetState(name string) (*State, error) {
	var state State
	if err := c.do(http.MethodGet, "/state/"+url.PathEscape(name), nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Ping returns the server uptime
func (c *Client) Ping() (time.Duration, error) {
	var resp struct {
		Alive  bool    `json:"alive"`
		Uptime float64 `json:"uptime"`
	}
	if err := c.do(http.MethodGet, "/ping", nil, &resp); err != nil {
		return 0, err
	}
	return time.Duration(resp.Uptime * float64(time.Second)), nil
}

func (c *Client) do(method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(c.scopes) > 0 {
		req.Header.Set(ScopeHeader, strings.Join(c.scopes, " "))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			apiErr.Code = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
