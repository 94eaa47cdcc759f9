// Package client is the worker's HTTP client for every coordinator
// surface it talks to: task polling, job claim/complete, WASM
// cache, locks, storage, worker/keystore attestation sessions and the
// rate-limited RPC/external proxy. Transport errors retry with bounded
// exponential backoff honoring any Retry-After header.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/outlayer-network/outlayer/coordinator/queue"
	"github.com/outlayer-network/outlayer/internal/log"
	"github.com/outlayer-network/outlayer/protocol"
)

var logger = log.NewModuleLogger(log.ModuleWorker)

// Client wraps the coordinator's base URL with a worker auth token.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client

	maxRetries int
	backoffMin time.Duration
	backoffMax time.Duration
}

func New(baseURL, authToken string) *Client {
	return &Client{
		baseURL:    baseURL,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 90 * time.Second},
		maxRetries: 6,
		backoffMin: 250 * time.Millisecond,
		backoffMax: 30 * time.Second,
	}
}

// SetAuthToken updates the bearer token sent with every subsequent
// request, used once worker registration establishes a session and
// again on re-registration after a 403.
func (c *Client) SetAuthToken(token string) { c.authToken = token }

// do sends one request with retries for transport failures and 5xx
// responses, honoring Retry-After on 429.
func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string) (*http.Response, error) {
	bo := NewExponential(c.backoffMin, c.backoffMax, 100*time.Millisecond)
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		if c.authToken != "" {
			req.Header.Set("Authorization", c.authToken)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			logger.Warn("coordinator request failed, retrying", "path", path, "attempt", attempt, "err", err)
			c.sleep(ctx, bo.NextDuration())
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := retryAfterDuration(resp.Header.Get("Retry-After"), bo.NextDuration())
			resp.Body.Close()
			logger.Warn("coordinator throttled request, retrying", "path", path, "retry_after", retryAfter)
			c.sleep(ctx, retryAfter)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("coordinator returned %d", resp.StatusCode)
			c.sleep(ctx, bo.NextDuration())
			continue
		}

		return resp, nil
	}
	return nil, fmt.Errorf("worker: exhausted retries against %s: %w", path, lastErr)
}

func (c *Client) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func retryAfterDuration(header string, fallback time.Duration) time.Duration {
	if header == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

// ErrForbidden signals a 403 response: the worker's session has
// expired or was never established, and worker/loop should
// re-register before retrying.
var ErrForbidden = fmt.Errorf("worker: coordinator denied request (403)")

func decodeJSON(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusForbidden {
		io.Copy(io.Discard, resp.Body)
		return ErrForbidden
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("worker: coordinator returned %d: %s", resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Poll implements GET /tasks/poll?timeout=.
func (c *Client) Poll(ctx context.Context, timeout time.Duration) (*queue.Task, bool, error) {
	path := fmt.Sprintf("/tasks/poll?timeout=%d", int(timeout.Seconds()))
	resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, false, nil
	}
	if resp.StatusCode == http.StatusForbidden {
		io.Copy(io.Discard, resp.Body)
		return nil, false, ErrForbidden
	}
	var task queue.Task
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, false, fmt.Errorf("worker: poll returned %d: %s", resp.StatusCode, raw)
	}
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, false, err
	}
	return &task, true, nil
}

// ClaimRequest mirrors coordinator/server's claimRequest wire shape.
type ClaimRequest struct {
	RequestID      string                  `json:"request_id"`
	DataID         string                  `json:"data_id"`
	WorkerID       string                  `json:"worker_id"`
	CodeSource     protocol.CodeSource     `json:"code_source"`
	ResourceLimits protocol.ResourceLimits `json:"resource_limits"`
}

// ErrAlreadyClaimed is returned when the coordinator reports the job
// tuple was already claimed by another worker.
var ErrAlreadyClaimed = fmt.Errorf("worker: job already claimed")

// ClaimJobs implements POST /jobs/claim.
func (c *Client) ClaimJobs(ctx context.Context, req ClaimRequest) ([]protocol.Job, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/jobs/claim", body, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusConflict {
		resp.Body.Close()
		return nil, ErrAlreadyClaimed
	}
	var out struct {
		Jobs []protocol.Job `json:"jobs"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// CompleteRequest mirrors coordinator/server's completeRequest wire shape.
type CompleteRequest struct {
	JobID            string                  `json:"job_id"`
	WorkerID         string                  `json:"worker_id"`
	Success          bool                    `json:"success"`
	Metrics          protocol.ResourceMetrics `json:"metrics"`
	Output           []byte                  `json:"output,omitempty"`
	ArtifactChecksum string                  `json:"checksum,omitempty"`
	ErrorCode        protocol.Code           `json:"error_code,omitempty"`
	ErrorMessage     string                  `json:"error,omitempty"`
}

// CompleteJob implements POST /jobs/complete.
func (c *Client) CompleteJob(ctx context.Context, req CompleteRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/jobs/complete", body, nil)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

// DownloadWasm implements GET /wasm/{checksum}.
func (c *Client) DownloadWasm(ctx context.Context, checksum string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/wasm/"+checksum, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("worker: wasm download returned %d: %s", resp.StatusCode, raw)
	}
	return io.ReadAll(resp.Body)
}

// UploadWasm implements POST /wasm/upload.
func (c *Client) UploadWasm(ctx context.Context, checksum string, data []byte, origin protocol.CacheOrigin, sourceKind, sourceIdentity string) error {
	body, err := json.Marshal(struct {
		Checksum       string              `json:"checksum"`
		Data           []byte              `json:"data"`
		Origin         protocol.CacheOrigin `json:"origin"`
		SourceKind     string              `json:"source_kind"`
		SourceIdentity string              `json:"source_identity"`
	}{checksum, data, origin, sourceKind, sourceIdentity})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/wasm/upload", body, nil)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

// WasmExists implements GET /wasm/exists/{checksum}.
func (c *Client) WasmExists(ctx context.Context, checksum string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/wasm/exists/"+checksum, nil, nil)
	if err != nil {
		return false, err
	}
	var out struct {
		Exists bool `json:"exists"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return false, err
	}
	return out.Exists, nil
}

// AcquireLock implements POST /locks/acquire.
func (c *Client) AcquireLock(ctx context.Context, key, workerID string, ttl time.Duration) (bool, error) {
	body, _ := json.Marshal(struct {
		Key        string `json:"key"`
		WorkerID   string `json:"worker_id"`
		TTLSeconds int    `json:"ttl"`
	}{key, workerID, int(ttl.Seconds())})
	resp, err := c.do(ctx, http.MethodPost, "/locks/acquire", body, nil)
	if err != nil {
		return false, err
	}
	var out struct {
		Acquired bool `json:"acquired"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return false, err
	}
	return out.Acquired, nil
}

// ReleaseLock implements DELETE /locks/release/{key}.
func (c *Client) ReleaseLock(ctx context.Context, key string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/locks/release/"+key, nil, nil)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}
