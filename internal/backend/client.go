package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"AnalystChat/internal/session"
	"AnalystChat/internal/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorDetail = 512

// Client talks to the analytics backend's REST API
type Client struct {
	baseURL     *url.URL
	userEmail   string
	httpClient  *http.Client
	logger      *slog.Logger
	instruments *telemetry.Instruments
}

// Options configures a Client
type Options struct {
	BaseURL     string
	UserEmail   string
	Timeout     time.Duration
	HTTPClient  *http.Client // overrides Timeout when set
	Logger      *slog.Logger
	Instruments *telemetry.Instruments
}

// NewClient creates a new backend API client
func NewClient(opts Options) (*Client, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base URL scheme %q", base.Scheme)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	instruments := opts.Instruments
	if instruments == nil {
		instruments = telemetry.Noop()
	}

	return &Client{
		baseURL:     base,
		userEmail:   opts.UserEmail,
		httpClient:  httpClient,
		logger:      opts.Logger,
		instruments: instruments,
	}, nil
}

// SubmitQuery sends a natural-language query. An empty sessionID starts a new session.
func (c *Client) SubmitQuery(ctx context.Context, text, sessionID string) (QueryResponse, error) {
	reqBody := QueryRequest{
		UserQuery: text,
		UserEmail: c.userEmail,
	}
	if sessionID != "" {
		reqBody.SessionID = &sessionID
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return QueryResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp QueryResponse
	if err := c.do(ctx, "submit_query", http.MethodPost, "/api/query", bytes.NewReader(jsonData), "application/json", &resp); err != nil {
		return QueryResponse{}, err
	}

	c.logger.Info("query submitted", "session_id", resp.SessionID, "status", resp.Status, "response_type", resp.ResponseType)
	return resp, nil
}

// ListSessions returns the server's session list in server order
func (c *Client) ListSessions(ctx context.Context) ([]session.Session, error) {
	var sessions []session.Session
	if err := c.do(ctx, "list_sessions", http.MethodGet, "/api/sessions", nil, "", &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetTranscript returns the full message history of a session
func (c *Client) GetTranscript(ctx context.Context, sessionID string) ([]session.Message, error) {
	var resp TranscriptResponse
	if err := c.do(ctx, "get_transcript", http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID), nil, "", &resp); err != nil {
		return nil, err
	}
	if resp.Messages == nil {
		resp.Messages = []session.Message{}
	}
	return resp.Messages, nil
}

// DeleteSession deletes a session on the server
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, "delete_session", http.MethodDelete, "/api/sessions/"+url.PathEscape(sessionID), nil, "", nil)
}

// MarkRead clears the unread notification of a session on the server
func (c *Client) MarkRead(ctx context.Context, sessionID string) error {
	return c.do(ctx, "mark_read", http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/mark-read", nil, "", nil)
}

// ProgressLog returns every progress event the server recorded for a session
func (c *Client) ProgressLog(ctx context.Context, sessionID string) ([]session.ProgressEvent, error) {
	var resp ProgressLogResponse
	if err := c.do(ctx, "progress_log", http.MethodGet, "/api/progress/"+url.PathEscape(sessionID), nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

// Status returns the processing status of a session
func (c *Client) Status(ctx context.Context, sessionID string) (StatusResponse, error) {
	var resp StatusResponse
	if err := c.do(ctx, "session_status", http.MethodGet, "/api/status/"+url.PathEscape(sessionID), nil, "", &resp); err != nil {
		return StatusResponse{}, err
	}
	return resp, nil
}

// Health checks that the backend is reachable
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, "health", http.MethodGet, "/", nil, "", &resp); err != nil {
		return HealthResponse{}, err
	}
	return resp, nil
}

// ProgressURL returns the websocket address of a session's progress stream
func (c *Client) ProgressURL(sessionID string) string {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	u.RawQuery = ""
	return u.String() + "/ws/progress/" + url.PathEscape(sessionID)
}

// do sends one request and decodes a JSON response into out when out is non-nil
func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, contentType string, out any) error {
	ctx, span := c.instruments.Tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	))
	defer span.End()

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.instruments.RecordRequest(ctx, op, 0, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		c.logger.Warn("backend request failed", "op", op, "path", path, "error", err)
		return &RequestError{Op: op, Path: path, Kind: ErrRemoteUnavailable, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	c.instruments.RecordRequest(ctx, op, resp.StatusCode, time.Since(start))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if err != nil {
		span.RecordError(err)
		return &RequestError{Op: op, Path: path, StatusCode: resp.StatusCode, Kind: ErrRemoteUnavailable,
			Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if kind := classifyStatus(resp.StatusCode); kind != nil {
		span.SetStatus(codes.Error, resp.Status)
		c.logger.Warn("backend returned error status", "op", op, "path", path, "status", resp.StatusCode)
		return &RequestError{Op: op, Path: path, StatusCode: resp.StatusCode, Kind: kind,
			Err: fmt.Errorf("%s", errorDetail(respBody))}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		span.RecordError(err)
		return &RequestError{Op: op, Path: path, StatusCode: resp.StatusCode, Kind: ErrBadResponse,
			Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	return nil
}

// errorDetail extracts FastAPI's {"detail": ...} message, falling back to the raw body
func errorDetail(body []byte) string {
	var payload struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Detail != nil {
		if s, ok := payload.Detail.(string); ok {
			return s
		}
		if b, err := json.Marshal(payload.Detail); err == nil {
			return string(b)
		}
	}
	detail := strings.TrimSpace(string(body))
	if len(detail) > maxErrorDetail {
		detail = detail[:maxErrorDetail]
	}
	if detail == "" {
		detail = "empty response body"
	}
	return detail
}
