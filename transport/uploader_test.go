package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yeti47/chunkvault/segments"
)

func testSegment() *segments.Segment {
	return &segments.Segment{
		SegmentInfo: segments.SegmentInfo{
			ID:              "seg-1",
			SessionID:       "session-1",
			SequenceNumber:  3,
			CreatedAt:       time.Date(2024, 5, 1, 9, 30, 15, 0, time.UTC),
			MimeType:        "audio/webm;codecs=opus",
			SizeBytes:       5,
			DurationSeconds: 12.5,
			DisplayName:     "kitchen/take 1",
			Tags:            []string{"meeting", "draft"},
		},
		Payload: []byte("audio"),
	}
}

func TestHTTPUploader_Upload(t *testing.T) {
	var gotFields map[string]string
	var gotPayload []byte
	var gotFilename, gotAPIKey, gotPath string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("X-API-Key")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotFields = map[string]string{}
		for key, values := range r.MultipartForm.Value {
			gotFields[key] = values[0]
		}
		file, header, err := r.FormFile("segment")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		gotFilename = header.Filename
		gotPayload, _ = io.ReadAll(file)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	uploader := NewHTTPUploader(server.URL+"/", "secret-key", 5*time.Second)
	if err := uploader.Upload(context.Background(), testSegment(), "recordings/2024-05-01/take"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if gotPath != "/api/segments" {
		t.Errorf("Expected path /api/segments, got %s", gotPath)
	}
	if gotAPIKey != "secret-key" {
		t.Errorf("Expected API key header secret-key, got %q", gotAPIKey)
	}
	if string(gotPayload) != "audio" {
		t.Errorf("Expected payload audio, got %q", gotPayload)
	}
	if gotFilename != "seg-1.webm" {
		t.Errorf("Expected filename seg-1.webm, got %s", gotFilename)
	}

	expected := map[string]string{
		"id":              "seg-1",
		"session_id":      "session-1",
		"sequence_number": "3",
		"name":            "kitchen/take 1",
		"mime_type":       "audio/webm;codecs=opus",
		"created_at":      "2024-05-01T09:30:15Z",
		"tags":            "meeting,draft",
		"path":            "recordings/2024-05-01/take",
	}
	for key, want := range expected {
		if gotFields[key] != want {
			t.Errorf("Expected field %s=%q, got %q", key, want, gotFields[key])
		}
	}
}

func TestHTTPUploader_NoAPIKeyHeaderWhenUnset(t *testing.T) {
	headerPresent := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, headerPresent = r.Header["X-Api-Key"]
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	uploader := NewHTTPUploader(server.URL, "", 5*time.Second)
	if err := uploader.Upload(context.Background(), testSegment(), "p"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if headerPresent {
		t.Error("Expected no X-API-Key header")
	}
}

func TestHTTPUploader_StatusClassification(t *testing.T) {
	tests := []struct {
		status      int
		recoverable bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusRequestEntityTooLarge, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			err := NewHTTPUploader(server.URL, "", 5*time.Second).Upload(context.Background(), testSegment(), "p")
			if err == nil {
				t.Fatalf("Expected error for status %d", tt.status)
			}

			var uploadErr *UploadError
			if !errors.As(err, &uploadErr) {
				t.Fatalf("Expected UploadError, got %T", err)
			}
			if uploadErr.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, uploadErr.StatusCode)
			}
			if IsRecoverableUploadError(err) != tt.recoverable {
				t.Errorf("Expected recoverable=%v for status %d", tt.recoverable, tt.status)
			}
		})
	}
}

func TestHTTPUploader_NetworkErrorIsRecoverable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	err := NewHTTPUploader(url, "", time.Second).Upload(context.Background(), testSegment(), "p")
	if err == nil {
		t.Fatal("Expected error for closed server")
	}
	if !IsRecoverableUploadError(err) {
		t.Errorf("Expected network error to be recoverable, got %v", err)
	}
}

func TestIsRecoverableUploadError_OtherErrors(t *testing.T) {
	if IsRecoverableUploadError(errors.New("plain")) {
		t.Error("Expected plain error not to be recoverable")
	}
	if IsRecoverableUploadError(nil) {
		t.Error("Expected nil not to be recoverable")
	}
	if !IsUploadError(NewNonRecoverableUploadError(400, errors.New("bad"))) {
		t.Error("Expected IsUploadError to match")
	}
}

func TestRemotePath(t *testing.T) {
	info := &testSegment().SegmentInfo

	tests := []struct {
		pattern  string
		expected string
	}{
		{"recordings/{date}/{name}", "recordings/2024-05-01/kitchen_take 1"},
		{"{session}/{seq}-{id}", "session-1/3-seg-1"},
		{"{date}_{time}", "2024-05-01_09-30-15"},
		{"static", "static"},
	}

	for _, tt := range tests {
		if got := RemotePath(tt.pattern, info); got != tt.expected {
			t.Errorf("RemotePath(%q): expected %q, got %q", tt.pattern, tt.expected, got)
		}
	}
}
