// Package api implements the HTTP client for the inventory server's sync
// API. The client is deliberately thin: one request per call, the
// transport's own timeout, and no retry loop — retry discipline belongs to
// the mutation queue, which replays with the same idempotency key.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/packrat-app/packrat/internal/inventory"
)

// IdempotencyKeyHeader carries the client-generated key the server uses to
// deduplicate replayed creates.
const IdempotencyKeyHeader = "Idempotency-Key"

// HTTPError is a non-2xx server response.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// ListResult is one page of authoritative records for an entity type.
// SyncedAt is the server's clock at query time and becomes the next
// incremental pull bound.
type ListResult struct {
	Records  []inventory.Record
	SyncedAt time.Time
}

// Client is the server API surface the sync engine consumes.
type Client interface {
	// Create posts a new entity. The idempotency key must be replayed
	// unchanged on retries; the server deduplicates by it.
	Create(ctx context.Context, entityType inventory.EntityType, payload json.RawMessage, idempotencyKey string) (inventory.Record, error)

	// Update patches an existing entity and returns the authoritative row.
	Update(ctx context.Context, entityType inventory.EntityType, id string, payload json.RawMessage) (inventory.Record, error)

	// Delete removes an entity.
	Delete(ctx context.Context, entityType inventory.EntityType, id string) error

	// List fetches authoritative records, incrementally when since is
	// non-zero (GET /{entity}?since=<timestamp>).
	List(ctx context.Context, entityType inventory.EntityType, since time.Time) (ListResult, error)

	// Ping checks server reachability. Used by the network monitor.
	Ping(ctx context.Context) error
}

// HTTPClient implements Client against the inventory server.
type HTTPClient struct {
	baseURL    string
	token      func() string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the given server.
//
// token supplies the bearer credential on every request; the auth/session
// provider owns refresh. A nil httpClient gets a 15-second timeout default.
func NewHTTPClient(baseURL string, token func() string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if token == nil {
		token = func() string { return "" }
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
	}
}

// BaseURL returns the configured server base URL.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// Create implements Client.Create.
func (c *HTTPClient) Create(ctx context.Context, entityType inventory.EntityType, payload json.RawMessage, idempotencyKey string) (inventory.Record, error) {
	headers := map[string]string{IdempotencyKeyHeader: idempotencyKey}
	var raw json.RawMessage
	err := c.doJSON(ctx, http.MethodPost, "/"+string(entityType), headers, payload, &raw)
	if err != nil {
		return inventory.Record{}, err
	}
	return inventory.DecodeRecord(raw)
}

// Update implements Client.Update.
func (c *HTTPClient) Update(ctx context.Context, entityType inventory.EntityType, id string, payload json.RawMessage) (inventory.Record, error) {
	var raw json.RawMessage
	path := fmt.Sprintf("/%s/%s", entityType, url.PathEscape(id))
	err := c.doJSON(ctx, http.MethodPatch, path, nil, payload, &raw)
	if err != nil {
		return inventory.Record{}, err
	}
	return inventory.DecodeRecord(raw)
}

// Delete implements Client.Delete.
func (c *HTTPClient) Delete(ctx context.Context, entityType inventory.EntityType, id string) error {
	path := fmt.Sprintf("/%s/%s", entityType, url.PathEscape(id))
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil, nil)
}

// List implements Client.List.
func (c *HTTPClient) List(ctx context.Context, entityType inventory.EntityType, since time.Time) (ListResult, error) {
	path := "/" + string(entityType)
	if !since.IsZero() {
		q := url.Values{}
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
		path += "?" + q.Encode()
	}

	var out struct {
		Records  []json.RawMessage `json:"records"`
		SyncedAt time.Time         `json:"syncedAt"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return ListResult{}, err
	}

	records, err := inventory.DecodeRecords(out.Records)
	if err != nil {
		return ListResult{}, fmt.Errorf("failed to decode %s pull: %w", entityType, err)
	}

	syncedAt := out.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now().UTC()
	}
	return ListResult{Records: records, SyncedAt: syncedAt}, nil
}

// Ping implements Client.Ping with a HEAD to the health endpoint.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: "health check failed"}
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, headers map[string]string, body json.RawMessage, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("failed to decode %s %s response: %w", method, requestPath, err)
		}
		return nil
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}
