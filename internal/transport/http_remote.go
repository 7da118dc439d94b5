package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/http2"

	"github.com/TheMichaelB/objsync/internal/config"
	"github.com/TheMichaelB/objsync/internal/events"
	"github.com/TheMichaelB/objsync/internal/models"
	"github.com/TheMichaelB/objsync/internal/objfile"
)

// RemoteError is the JSON error body of the object store API.
type RemoteError struct {
	StatusCode int            `json:"-"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Current    models.Version `json:"currentVersion,omitempty"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d [%s]: %s", e.StatusCode, e.Code, e.Message)
}

// HTTPRemote implements Remote over the object store HTTP API.
type HTTPRemote struct {
	client    *http.Client
	baseURL   string
	userAgent string
	token     string
	maxChunk  int64
	logger    *events.Logger

	// Retry configuration
	maxRetries int
	retryDelay time.Duration
}

// NewHTTPRemote creates an HTTP remote.
func NewHTTPRemote(cfg *config.RemoteConfig, maxChunk int64, logger *events.Logger) *HTTPRemote {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &HTTPRemote{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:    cfg.BaseURL,
		userAgent:  cfg.UserAgent,
		token:      cfg.Token,
		maxChunk:   maxChunk,
		maxRetries: cfg.MaxRetries,
		retryDelay: time.Second,
		logger:     logger.WithField("component", "http_remote"),
	}
}

// SetToken sets the authentication token.
func (c *HTTPRemote) SetToken(token string) {
	c.token = token
}

// MaxChunkSize implements Remote.
func (c *HTTPRemote) MaxChunkSize() int64 {
	return c.maxChunk
}

type txResponse struct {
	TransactionID string `json:"transactionId"`
}

// SaveFirstChunk implements Remote. The body is the version file head
// followed by the first segment bytes.
func (c *HTTPRemote) SaveFirstChunk(ctx context.Context, id models.ObjectID, chunk *FirstChunk) (string, error) {
	head, err := objfile.Encode(chunk.Diff, chunk.Header)
	if err != nil {
		return "", err
	}
	body := make([]byte, 0, len(head)+len(chunk.Segs))
	body = append(body, head...)
	body = append(body, chunk.Segs...)

	q := url.Values{}
	q.Set("current", strconv.FormatUint(uint64(chunk.Current), 10))
	q.Set("segsTotal", strconv.FormatInt(chunk.SegsTotal, 10))
	q.Set("last", strconv.FormatBool(chunk.IsLast))
	p := fmt.Sprintf("/objs/%s/versions/%d?%s", url.PathEscape(string(id)), chunk.Version, q.Encode())

	var out txResponse
	if err := c.do(ctx, http.MethodPost, p, body, &out); err != nil {
		if mm, ok := models.AsVersionMismatch(err); ok {
			mm.ObjID = id
		}
		return "", err
	}
	return out.TransactionID, nil
}

// SaveFollowingChunk implements Remote.
func (c *HTTPRemote) SaveFollowingChunk(ctx context.Context, id models.ObjectID, chunk *FollowingChunk) error {
	q := url.Values{}
	q.Set("ofs", strconv.FormatInt(chunk.Offset, 10))
	q.Set("last", strconv.FormatBool(chunk.IsLast))
	p := fmt.Sprintf("/objs/%s/transactions/%s?%s",
		url.PathEscape(string(id)), url.PathEscape(chunk.TransactionID), q.Encode())
	return c.do(ctx, http.MethodPut, p, chunk.Segs, nil)
}

// CancelTransaction implements Remote.
func (c *HTTPRemote) CancelTransaction(ctx context.Context, id models.ObjectID, txID string) error {
	p := fmt.Sprintf("/objs/%s/transactions", url.PathEscape(string(id)))
	if txID != "" {
		p += "/" + url.PathEscape(txID)
	}
	err := c.do(ctx, http.MethodDelete, p, nil, nil)
	if errors.Is(err, models.ErrUnknownTransaction) {
		return nil
	}
	return err
}

// DeleteObj implements Remote.
func (c *HTTPRemote) DeleteObj(ctx context.Context, id models.ObjectID) error {
	p := fmt.Sprintf("/objs/%s", url.PathEscape(string(id)))
	err := c.do(ctx, http.MethodDelete, p, nil, nil)
	if models.IsNotFound(err) {
		return nil
	}
	return err
}

func (c *HTTPRemote) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	u := c.baseURL + path

	c.logger.WithFields(map[string]interface{}{
		"method": method,
		"url":    u,
		"size":   len(body),
	}).Debug("Sending request")

	var respBody []byte
	var status int
	err := c.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("execute request: %w: %v", models.ErrConnectivity, err)
		}
		defer resp.Body.Close()

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w: %v", models.ErrConnectivity, err)
		}
		status = resp.StatusCode

		if c.isRetryable(status) {
			return &retryableStatus{status: status, body: respBody}
		}
		return nil
	})
	if err != nil {
		var rs *retryableStatus
		if errors.As(err, &rs) {
			return fmt.Errorf("%w: %v", models.ErrConnectivity, err)
		}
		return err
	}

	c.logger.WithFields(map[string]interface{}{
		"status": status,
		"size":   len(respBody),
	}).Debug("Received response")

	if status < 200 || status > 299 {
		return decodeRemoteError(status, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

type retryableStatus struct {
	status int
	body   []byte
}

func (e *retryableStatus) Error() string {
	return fmt.Sprintf("server error %d: %s", e.status, e.body)
}

// decodeRemoteError maps API errors onto the error taxonomy.
func decodeRemoteError(status int, body []byte) error {
	apiErr := &RemoteError{StatusCode: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Code == "" {
		apiErr.Message = string(body)
	}

	switch apiErr.Code {
	case models.ErrCodeConflict:
		return &models.VersionMismatchError{Current: apiErr.Current}
	case models.ErrCodeTransaction:
		return fmt.Errorf("%w: %v", models.ErrConcurrentTransaction, apiErr)
	case models.ErrCodeAlreadyExist:
		return fmt.Errorf("%w: %v", models.ErrObjAlreadyExists, apiErr)
	case models.ErrCodeUnknownTx:
		return fmt.Errorf("%w: %v", models.ErrUnknownTransaction, apiErr)
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("%w: %v", models.ErrNotFound, apiErr)
	}
	return apiErr
}

// retry executes a function with exponential backoff.
func (c *HTTPRemote) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := c.retryDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"delay":   delay,
			}).Debug("Retrying request")

			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !c.isRetryableError(err) {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRetryable checks if an HTTP status code is retryable.
func (c *HTTPRemote) isRetryable(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusBadGateway ||
		status == http.StatusGatewayTimeout ||
		(status >= 500 && status < 600)
}

// isRetryableError reports whether another attempt may succeed.
func (c *HTTPRemote) isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rs *retryableStatus
	return errors.As(err, &rs) || models.IsConnectivity(err)
}
