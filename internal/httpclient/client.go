// Package httpclient is the node-to-node counterpart of internal/httpapi:
// the commander's gather sweep uses it to poll peer nodes, the master
// loop's distribute step uses it to hand off products to a foreign
// node, and a worker's output drain uses it to forward outputs to the
// commander (SPEC_FULL.md §4.11).
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// requestTimeout is generous on purpose: §4.11 notes that the only
// observable contract is "a failed POST falls back to local
// processing", which requires the request to actually fail within a
// bounded time rather than hang forever.
const requestTimeout = 30 * time.Second

// TaskFrame mirrors one entry of the GET /tstatus response body.
type TaskFrame struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Info   string `json:"info"`
	New    bool   `json:"new"`
}

// Client is a thin wrapper over *http.Client scoped to this pipeline's
// node-to-node surface.
type Client struct {
	http *http.Client
}

// New builds a Client with the package's generous request timeout.
func New() *Client {
	return &Client{http: &http.Client{Timeout: requestTimeout}}
}

// GetStatus fetches and decodes GET /status from baseURL (e.g.
// "http://10.0.0.2:8080").
func (c *Client) GetStatus(ctx context.Context, baseURL string) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.getJSON(ctx, baseURL+"/status", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTaskStatus fetches and decodes GET /tstatus from baseURL.
func (c *Client) GetTaskStatus(ctx context.Context, baseURL string) (map[string]TaskFrame, error) {
	var out map[string]TaskFrame
	if err := c.getJSON(ctx, baseURL+"/tstatus", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PostInbox uploads the file at localPath to baseURL's /inbox/<basename>.
func (c *Client) PostInbox(ctx context.Context, baseURL, localPath string) error {
	return c.postFile(ctx, baseURL+"/inbox/"+filepath.Base(localPath), localPath)
}

// PostOutputs uploads the file at localPath to baseURL's /outputs/<basename>.
func (c *Client) PostOutputs(ctx context.Context, baseURL, localPath string) error {
	return c.postFile(ctx, baseURL+"/outputs/"+filepath.Base(localPath), localPath)
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", url, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: unexpected status %s", url, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}

func (c *Client) postFile(ctx context.Context, url, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, f)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", url, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post %s: unexpected status %s", url, resp.Status)
	}
	return nil
}
