package session

import (
	"encoding/json"
	"unicode/utf8"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the processing state of a session as shown in the directory
type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusError      Status = "error"
)

// maxTitleLength is the longest title kept verbatim; longer queries are cut
// to maxTitleLength-3 runes and suffixed with "..."
const maxTitleLength = 50

// Session represents one conversation as listed in the session directory
type Session struct {
	ID                    string `json:"session_id"`
	Title                 string `json:"title"`
	CreatedAt             Time   `json:"created_at"`
	LastActivity          Time   `json:"last_activity"`
	Status                Status `json:"status"`
	HasUnreadNotification bool   `json:"has_notification"`
}

// UnmarshalJSON normalizes the backend's status vocabulary. The server reports
// "completed" for finished sessions, which is idle from the client's point of view.
func (s *Session) UnmarshalJSON(data []byte) error {
	type plain Session
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	p.Status = NormalizeStatus(string(p.Status))
	*s = Session(p)
	return nil
}

// NormalizeStatus maps a wire status onto the client's status set
func NormalizeStatus(s string) Status {
	switch s {
	case string(StatusProcessing):
		return StatusProcessing
	case string(StatusError):
		return StatusError
	default:
		return StatusIdle
	}
}

// FileInfo describes a downloadable or uploaded file attached to a message
type FileInfo struct {
	FileID      string `json:"file_id,omitempty"`
	Filename    string `json:"filename"`
	DownloadURL string `json:"download_url,omitempty"`
	FileType    string `json:"file_type,omitempty"`
	FileSize    string `json:"file_size,omitempty"`
}

// ChartSpec is a chart payload produced by the backend. Only the fields the
// client needs are decoded; Raw keeps the full document for renderers.
type ChartSpec struct {
	Type  string          `json:"-"`
	Title string          `json:"-"`
	Raw   json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the raw chart document and extracts its type and title
func (c *ChartSpec) UnmarshalJSON(data []byte) error {
	var head struct {
		Type  string `json:"type"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	c.Type = head.Type
	c.Title = head.Title
	c.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON writes the raw chart document back unchanged
func (c ChartSpec) MarshalJSON() ([]byte, error) {
	if len(c.Raw) == 0 {
		return json.Marshal(map[string]string{"type": c.Type, "title": c.Title})
	}
	return c.Raw, nil
}

// ProgressSnapshot is the free-form progress summary attached to an immediate response
type ProgressSnapshot map[string]any

// Message represents a single chat message
type Message struct {
	Role       Role             `json:"type"`
	Content    string           `json:"content"`
	Timestamp  Time             `json:"timestamp"`
	Attachment *FileInfo        `json:"file_info,omitempty"`
	Chart      *ChartSpec       `json:"chart_data,omitempty"`
	Progress   ProgressSnapshot `json:"progress,omitempty"`
}

// TitleFromQuery derives a directory title from the first query of a session
func TitleFromQuery(query string) string {
	if utf8.RuneCountInString(query) <= maxTitleLength {
		return query
	}
	runes := []rune(query)
	return string(runes[:maxTitleLength-3]) + "..."
}
