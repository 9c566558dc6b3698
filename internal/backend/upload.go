package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
)

// MaxUploadSize is the largest file the backend accepts
const MaxUploadSize = 10 * 1024 * 1024

// Content types accepted for upload
var allowedUploadTypes = map[string]bool{
	"text/csv":                 true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/pdf": true,
}

var uploadTypesByExt = map[string]string{
	".csv":  "text/csv",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pdf":  "application/pdf",
}

// ContentTypeForFile guesses the upload content type from a file name.
// It returns "" for unsupported extensions.
func ContentTypeForFile(name string) string {
	return uploadTypesByExt[strings.ToLower(filepath.Ext(name))]
}

// ValidateUpload rejects files the backend would refuse
func ValidateUpload(name, contentType string, size int64) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: "file", Reason: "file name is empty"}
	}
	if !allowedUploadTypes[contentType] {
		return &ValidationError{Field: "file", Reason: "please upload a CSV, Excel, or PDF file"}
	}
	if size > MaxUploadSize {
		return &ValidationError{Field: "file", Reason: "file size must be less than 10MB"}
	}
	return nil
}

// UploadFile validates and uploads a data file for analysis
func (c *Client) UploadFile(ctx context.Context, name, contentType string, r io.Reader, size int64) (UploadResponse, error) {
	if err := ValidateUpload(name, contentType, size); err != nil {
		return UploadResponse{}, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(name)))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return UploadResponse{}, fmt.Errorf("failed to create form part: %w", err)
	}

	n, err := io.Copy(part, io.LimitReader(r, MaxUploadSize+1))
	if err != nil {
		return UploadResponse{}, fmt.Errorf("failed to read upload: %w", err)
	}
	if n > MaxUploadSize {
		return UploadResponse{}, &ValidationError{Field: "file", Reason: "file size must be less than 10MB"}
	}
	if err := mw.Close(); err != nil {
		return UploadResponse{}, fmt.Errorf("failed to finish form: %w", err)
	}

	var resp UploadResponse
	if err := c.do(ctx, "upload_file", http.MethodPost, "/api/upload", &buf, mw.FormDataContentType(), &resp); err != nil {
		return UploadResponse{}, err
	}

	c.logger.Info("file uploaded", "file_id", resp.FileID, "filename", resp.Filename, "bytes", n)
	return resp, nil
}
