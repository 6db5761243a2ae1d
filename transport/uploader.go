package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yeti47/chunkvault/segments"
)

// Uploader delivers one segment to the remote.
type Uploader interface {
	Upload(ctx context.Context, segment *segments.Segment, remotePath string) error
}

type httpUploader struct {
	remoteURL  string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPUploader posts segments as multipart forms to <remoteURL>/api/segments.
func NewHTTPUploader(remoteURL, apiKey string, timeout time.Duration) Uploader {
	return &httpUploader{
		remoteURL: strings.TrimRight(remoteURL, "/"),
		apiKey:    apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (u *httpUploader) Upload(ctx context.Context, segment *segments.Segment, remotePath string) error {
	url := fmt.Sprintf("%s/api/segments", u.remoteURL)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fields := []struct{ name, value string }{
		{"id", segment.ID},
		{"session_id", segment.SessionID},
		{"sequence_number", strconv.Itoa(segment.SequenceNumber)},
		{"name", segment.DisplayName},
		{"mime_type", segment.MimeType},
		{"created_at", segment.CreatedAt.UTC().Format(time.RFC3339)},
		{"duration", fmt.Sprintf("%.3f", segment.DurationSeconds)},
		{"tags", strings.Join(segment.Tags, ",")},
		{"path", remotePath},
	}
	for _, f := range fields {
		if err := writer.WriteField(f.name, f.value); err != nil {
			return NewNonRecoverableUploadError(0, fmt.Errorf("failed to write %s field: %w", f.name, err))
		}
	}

	part, err := writer.CreateFormFile("segment", segment.ID+"."+segments.FileExtension(segment.MimeType))
	if err != nil {
		return NewNonRecoverableUploadError(0, fmt.Errorf("failed to create form file: %w", err))
	}
	if _, err := part.Write(segment.Payload); err != nil {
		return NewNonRecoverableUploadError(0, fmt.Errorf("failed to write segment data: %w", err))
	}
	if err := writer.Close(); err != nil {
		return NewNonRecoverableUploadError(0, fmt.Errorf("failed to close writer: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return NewNonRecoverableUploadError(0, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if u.apiKey != "" {
		req.Header.Set("X-API-Key", u.apiKey)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return NewRecoverableUploadError(0, fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	inner := fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return NewRecoverableUploadError(resp.StatusCode, inner)
	}
	return NewNonRecoverableUploadError(resp.StatusCode, inner)
}

// RemotePath expands a pattern such as recordings/{date}/{name}. Known
// placeholders are {date}, {time}, {name}, {id}, {session} and {seq}.
func RemotePath(pattern string, info *segments.SegmentInfo) string {
	created := info.CreatedAt.UTC()
	replacer := strings.NewReplacer(
		"{date}", created.Format("2006-01-02"),
		"{time}", created.Format("15-04-05"),
		"{name}", sanitizePathElement(info.DisplayName),
		"{id}", info.ID,
		"{session}", info.SessionID,
		"{seq}", strconv.Itoa(info.SequenceNumber),
	)
	return replacer.Replace(pattern)
}

func sanitizePathElement(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if r < 0x20 {
			return '_'
		}
		return r
	}, s)
}
