package backend

import (
	"AnalystChat/internal/session"
)

// Query status values reported by the backend
const (
	QueryStatusComplete   = "complete"
	QueryStatusProcessing = "processing"
)

// QueryRequest represents the request body for the query endpoint
type QueryRequest struct {
	UserQuery string  `json:"user_query"`
	UserEmail string  `json:"user_email"`
	SessionID *string `json:"session_id"`
}

// QueryResponse represents the response from the query endpoint
type QueryResponse struct {
	SessionID       string                   `json:"session_id"`
	Status          string                   `json:"status"`
	Message         string                   `json:"message"`
	ResponseContent string                   `json:"response_content,omitempty"`
	ResponseType    string                   `json:"response_type,omitempty"`
	ChartData       *session.ChartSpec       `json:"chart_data,omitempty"`
	FileInfo        *session.FileInfo        `json:"file_info,omitempty"`
	Progress        session.ProgressSnapshot `json:"progress,omitempty"`
}

// IsProcessing reports whether the backend acknowledged an asynchronous job
func (r QueryResponse) IsProcessing() bool {
	return r.Status == QueryStatusProcessing
}

// TranscriptResponse represents the response from the session detail endpoint
type TranscriptResponse struct {
	SessionID string            `json:"session_id"`
	Title     string            `json:"title"`
	Status    string            `json:"status"`
	Messages  []session.Message `json:"messages"`
}

// ProgressLogResponse represents the response from the progress replay endpoint
type ProgressLogResponse struct {
	SessionID string                  `json:"session_id"`
	Logs      []session.ProgressEvent `json:"logs"`
}

// StatusResponse represents the response from the session status endpoint
type StatusResponse struct {
	SessionID    string       `json:"session_id"`
	Status       string       `json:"status"`
	Message      string       `json:"message"`
	LastActivity session.Time `json:"last_activity"`
}

// UploadResponse represents the response from the upload endpoint
type UploadResponse struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	Message  string `json:"message"`
	Status   string `json:"status"`
}

// HealthResponse represents the response from the root endpoint
type HealthResponse struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}
