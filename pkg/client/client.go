package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/virtforge/virtforge/pkg/types"
)

// Client is an HTTP client for the VirtForge API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new VirtForge API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// doRequest performs an HTTP request with API key authentication.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

func decodeOrError(resp *http.Response, out interface{}, okCodes ...int) error {
	defer resp.Body.Close()
	for _, code := range okCodes {
		if resp.StatusCode == code {
			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		}
	}
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// SubmitJob submits code for execution and returns the job id.
func (c *Client) SubmitJob(ctx context.Context, req types.JobRequest) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/jobs", req)
	if err != nil {
		return "", err
	}
	var out types.SubmitResponse
	if err := decodeOrError(resp, &out, http.StatusAccepted, http.StatusOK); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// GetJob returns the current snapshot of a job.
func (c *Client) GetJob(ctx context.Context, jobID string) (*types.JobSnapshot, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/jobs/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	var snap types.JobSnapshot
	if err := decodeOrError(resp, &snap, http.StatusOK); err != nil {
		return nil, err
	}
	return &snap, nil
}

// WaitJob polls a job until it reaches a terminal status or the context
// is cancelled.
func (c *Client) WaitJob(ctx context.Context, jobID string, pollInterval time.Duration) (*types.JobSnapshot, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		snap, err := c.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if snap.Status.Terminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CreateWorkspace creates and starts a workspace VM.
func (c *Client) CreateWorkspace(ctx context.Context, req types.WorkspaceRequest) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/workspaces", req)
	if err != nil {
		return "", err
	}
	var out types.WorkspaceCreateResponse
	if err := decodeOrError(resp, &out, http.StatusCreated, http.StatusOK); err != nil {
		return "", err
	}
	return out.WorkspaceID, nil
}

// ListWorkspaces lists all workspace VMs.
func (c *Client) ListWorkspaces(ctx context.Context) ([]types.DomainSummary, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/workspaces", nil)
	if err != nil {
		return nil, err
	}
	var out types.WorkspaceListResponse
	if err := decodeOrError(resp, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out.Workspaces, nil
}

// GetWorkspace returns details for one workspace.
func (c *Client) GetWorkspace(ctx context.Context, id string) (*types.DomainDetails, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/workspaces/"+id, nil)
	if err != nil {
		return nil, err
	}
	var details types.DomainDetails
	if err := decodeOrError(resp, &details, http.StatusOK); err != nil {
		return nil, err
	}
	return &details, nil
}

// DeleteWorkspace stops and removes a workspace VM and its disk.
func (c *Client) DeleteWorkspace(ctx context.Context, id string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/v1/workspaces/"+id, nil)
	if err != nil {
		return err
	}
	return decodeOrError(resp, nil, http.StatusNoContent, http.StatusOK)
}

// StartWorkspace boots a stopped workspace.
func (c *Client) StartWorkspace(ctx context.Context, id string) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/workspaces/"+id+"/start", nil)
	if err != nil {
		return err
	}
	return decodeOrError(resp, nil, http.StatusOK)
}

// StopWorkspace shuts a workspace down. force skips the graceful
// shutdown attempt.
func (c *Client) StopWorkspace(ctx context.Context, id string, force bool) error {
	path := "/v1/workspaces/" + id + "/stop"
	if force {
		path += "?force=true"
	}
	resp, err := c.doRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	return decodeOrError(resp, nil, http.StatusOK)
}

// DialTerminal opens the interactive terminal WebSocket for a
// workspace. The caller owns the returned connection.
func (c *Client) DialTerminal(ctx context.Context, id string) (*websocket.Conn, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/v1/workspaces/" + id + "/terminal"
	if c.apiKey != "" {
		wsURL += "?api_key=" + c.apiKey
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("terminal dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("terminal dial failed: %w", err)
	}
	return conn, nil
}
