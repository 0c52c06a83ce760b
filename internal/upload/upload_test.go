package upload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempVideo(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "squat.mp4")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestUploadReturnsFilename(t *testing.T) {
	var gotName, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/upload_video/" {
			http.NotFound(w, r)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		gotName = header.Filename
		gotBody = string(data)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"Video uploaded successfully","filename":"squat.mp4"}`))
	}))
	defer srv.Close()

	id, err := Upload(context.Background(), srv.URL+"/", writeTempVideo(t, "video-bytes"))
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	if id != "squat.mp4" {
		t.Fatalf("unexpected id %q", id)
	}
	if gotName != "squat.mp4" || gotBody != "video-bytes" {
		t.Fatalf("server received %q with body %q", gotName, gotBody)
	}
}

func TestUploadSurfacesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":"Could not upload file: disk full"}`))
	}))
	defer srv.Close()

	_, err := Upload(context.Background(), srv.URL, writeTempVideo(t, "x"))
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusInternalServerError || !strings.Contains(statusErr.Detail, "disk full") {
		t.Fatalf("unexpected error %+v", statusErr)
	}
}

func TestUploadMissingInputs(t *testing.T) {
	if _, err := Upload(context.Background(), "", "x.mp4"); !errors.Is(err, ErrMissingBaseURL) {
		t.Fatalf("expected ErrMissingBaseURL, got %v", err)
	}
	if _, err := Upload(context.Background(), "http://localhost", ""); !errors.Is(err, ErrMissingFile) {
		t.Fatalf("expected ErrMissingFile, got %v", err)
	}
	if _, err := Upload(context.Background(), "http://localhost", filepath.Join(t.TempDir(), "nope.mp4")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestTargetURL(t *testing.T) {
	cases := []struct {
		base string
		id   string
		want string
	}{
		{"http://localhost:8000", "squat.mp4", "ws://localhost:8000/ws/analyze_video/squat.mp4"},
		{"https://pose.example.com/", "a b.mp4", "wss://pose.example.com/ws/analyze_video/a%20b.mp4"},
		{"ws://10.0.0.2:9000", "clip", "ws://10.0.0.2:9000/ws/analyze_video/clip"},
	}
	for _, tc := range cases {
		got, err := TargetURL(tc.base, tc.id)
		if err != nil {
			t.Fatalf("TargetURL(%q, %q) error: %v", tc.base, tc.id, err)
		}
		if got != tc.want {
			t.Fatalf("TargetURL(%q, %q) = %q, want %q", tc.base, tc.id, got, tc.want)
		}
	}
	if _, err := TargetURL("ftp://host", "x"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
	if _, err := TargetURL("", "x"); !errors.Is(err, ErrMissingBaseURL) {
		t.Fatalf("expected ErrMissingBaseURL, got %v", err)
	}
}
