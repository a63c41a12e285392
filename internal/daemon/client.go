package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"agentd/internal/contextstore"
	"agentd/internal/findings"
	"agentd/internal/lock"
)

// Client talks to a running daemon's HTTP API.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the daemon listening on addr
// ("host:port" or a full URL).
func NewClient(addr string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// ClientFor returns a client for the daemon described by the state file in
// stateDir. It fails with ErrNotRunning when no daemon is serving HTTP.
func ClientFor(stateDir string) (*Client, error) {
	st, err := ReadState(stateDir)
	if err != nil || st.HTTPListen == "" {
		return nil, ErrNotRunning
	}
	return NewClient(st.HTTPListen), nil
}

// do sends a JSON request. Statuses listed in accept are decoded into out
// rather than reported as errors.
func (c *Client) do(ctx context.Context, method, path string, body, out any, accept ...int) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && !slices.Contains(accept, resp.StatusCode) {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Locks returns every held lock.
func (c *Client) Locks(ctx context.Context) ([]lock.Status, error) {
	var out []lock.Status
	err := c.do(ctx, http.MethodGet, "/v1/locks", nil, &out)
	return out, err
}

// Acquire requests a lock. A refusal is returned as false, nil.
func (c *Client) Acquire(ctx context.Context, req AcquireRequest) (bool, error) {
	var out AcquireResponse
	err := c.do(ctx, http.MethodPost, "/v1/locks", req, &out, http.StatusConflict)
	return out.Granted, err
}

// Release gives up a lock.
func (c *Client) Release(ctx context.Context, path, agent string) error {
	return c.do(ctx, http.MethodDelete, "/v1/locks", ReleaseRequest{Path: path, Agent: agent}, nil)
}

// AddFinding submits a finding and returns the tier it landed in.
func (c *Client) AddFinding(ctx context.Context, f findings.Finding) (AddFindingResponse, error) {
	var out AddFindingResponse
	err := c.do(ctx, http.MethodPost, "/v1/findings", f, &out)
	return out, err
}

// Findings returns the findings in tiers, or in every tier if none given.
func (c *Client) Findings(ctx context.Context, tiers ...findings.Tier) ([]findings.Finding, error) {
	var out []findings.Finding
	err := c.do(ctx, http.MethodGet, "/v1/findings"+tierQuery(tiers), nil, &out)
	return out, err
}

// Clear empties tiers, or every tier if none given.
func (c *Client) Clear(ctx context.Context, tiers ...findings.Tier) (int, error) {
	var out ClearResponse
	err := c.do(ctx, http.MethodDelete, "/v1/findings"+tierQuery(tiers), nil, &out)
	return out.Removed, err
}

// Index returns the daemon's current index.
func (c *Client) Index(ctx context.Context) (contextstore.Index, error) {
	var out contextstore.Index
	err := c.do(ctx, http.MethodGet, "/v1/index", nil, &out)
	return out, err
}

func tierQuery(tiers []findings.Tier) string {
	if len(tiers) == 0 {
		return ""
	}
	q := url.Values{}
	for _, t := range tiers {
		q.Add("tier", string(t))
	}
	return "?" + q.Encode()
}
