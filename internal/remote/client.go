// Package remote talks to the external system of record. It owns auth,
// pagination, request shaping and transient-error retry for reads; write
// retry policy belongs to the queue drainer.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/equipsync/equipsync-go/internal/model"
)

// Error is a failed remote call. Status 0 means the request never produced
// an HTTP response (network failure, timeout).
type Error struct {
	Op      string
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("remote %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("remote %s: status %d: %s", e.Op, e.Status, e.Message)
}

// Transient reports whether the failure is worth retrying.
func (e *Error) Transient() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsTransient reports whether err is a retryable remote failure.
func IsTransient(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Transient()
}

// IsNotFound reports whether err is a remote 404.
func IsNotFound(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Status == http.StatusNotFound
}

// IsConflict reports whether err is a remote 409.
func IsConflict(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Status == http.StatusConflict
}

// PageRequest addresses one page of a paginated read.
type PageRequest struct {
	Token        string
	UpdatedSince *time.Time
	PageSize     int
}

// Page is one page of remote records.
type Page struct {
	Records       []map[string]any `json:"records"`
	NextPageToken string           `json:"next_page_token"`
	Total         int64            `json:"total"`
}

// WriteResult is the remote system's acknowledgement of a write.
type WriteResult struct {
	RemoteID      string `json:"remote_id"`
	RemoteVersion int64  `json:"remote_version"`
}

// VersionInfo is the remote record's current version and payload.
type VersionInfo struct {
	Version int64          `json:"version"`
	Payload map[string]any `json:"payload"`
}

// Transport is the remote surface the engine consumes. Client implements
// it; tests substitute fakes.
type Transport interface {
	FetchPage(ctx context.Context, endpointID string, req PageRequest) (*Page, error)
	WriteRecord(ctx context.Context, endpointID string, op model.Operation, businessKey string, payload map[string]any) (*WriteResult, error)
	GetRecordVersion(ctx context.Context, endpointID, businessKey string) (*VersionInfo, error)
}

// Config configures a Client.
type Config struct {
	BaseURL  string
	Token    string
	RPS      float64
	Burst    int
	PageSize int
}

// Client is the HTTP implementation of Transport. All requests pass a
// client-side rate limiter so the engine stays inside the remote API's
// request budget no matter how many jobs run.
type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	limiter     *rate.Limiter
	pageSize    int
	readRetries int
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		token:       cfg.Token,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		pageSize:    pageSize,
		readRetries: 3,
	}
}

// FetchPage reads one page of records from an endpoint. Transient failures
// are retried with jittered backoff before the error is surfaced.
func (c *Client) FetchPage(ctx context.Context, endpointID string, req PageRequest) (*Page, error) {
	size := req.PageSize
	if size <= 0 {
		size = c.pageSize
	}

	q := url.Values{}
	q.Set("page_size", strconv.Itoa(size))
	if req.Token != "" {
		q.Set("page_token", req.Token)
	}
	if req.UpdatedSince != nil {
		q.Set("updated_since", req.UpdatedSince.UTC().Format(time.RFC3339))
	}

	path := fmt.Sprintf("/endpoints/%s/records?%s", url.PathEscape(endpointID), q.Encode())

	var page Page
	if err := c.doWithRetry(ctx, "fetch_page", http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetRecordVersion probes the current remote version and payload for a
// business key.
func (c *Client) GetRecordVersion(ctx context.Context, endpointID, businessKey string) (*VersionInfo, error) {
	path := fmt.Sprintf("/endpoints/%s/records/%s/version",
		url.PathEscape(endpointID), url.PathEscape(businessKey))

	var info VersionInfo
	if err := c.doWithRetry(ctx, "get_version", http.MethodGet, path, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// WriteRecord pushes one create/update/delete to the remote system. Writes
// are single-shot: the drainer schedules any retry so that a crash between
// request and response never produces an unaccounted duplicate attempt.
func (c *Client) WriteRecord(ctx context.Context, endpointID string, op model.Operation, businessKey string, payload map[string]any) (*WriteResult, error) {
	var method, path string
	var body any

	switch op {
	case model.OperationCreate:
		method = http.MethodPost
		path = fmt.Sprintf("/endpoints/%s/records", url.PathEscape(endpointID))
		body = payload
	case model.OperationUpdate:
		method = http.MethodPut
		path = fmt.Sprintf("/endpoints/%s/records/%s", url.PathEscape(endpointID), url.PathEscape(businessKey))
		body = payload
	case model.OperationDelete:
		method = http.MethodDelete
		path = fmt.Sprintf("/endpoints/%s/records/%s", url.PathEscape(endpointID), url.PathEscape(businessKey))
	default:
		return nil, &Error{Op: "write_record", Message: fmt.Sprintf("unsupported operation %q", op)}
	}

	var result WriteResult
	if err := c.do(ctx, "write_record", method, path, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// doWithRetry wraps do with bounded retry on transient errors.
func (c *Client) doWithRetry(ctx context.Context, op, method, path string, body, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.readRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			select {
			case <-ctx.Done():
				return &Error{Op: op, Message: ctx.Err().Error()}
			case <-time.After(delay):
			}
		}

		err := c.do(ctx, op, method, path, body, out)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// do issues a single request and decodes the response.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Op: op, Message: err.Error()}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Message: fmt.Sprintf("encoding body: %v", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &Error{Op: op, Message: err.Error()}
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Op: op, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{Op: op, Status: resp.StatusCode, Message: string(msg)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Op: op, Message: fmt.Sprintf("decoding response: %v", err)}
		}
	}

	return nil
}

// backoffDelay returns a jittered exponential delay for read retry n.
func backoffDelay(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
	if base > 8*time.Second {
		base = 8 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	return base + jitter
}
