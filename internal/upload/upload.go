// Package upload talks to the analysis backend's HTTP side: it uploads a
// video and derives the stream target for the returned artifact id.
package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	uploadPath  = "/upload_video/"
	analyzePath = "/ws/analyze_video/"
	maxResponse = 1 << 20
)

var (
	ErrMissingBaseURL = &uploadError{"missing base url"}
	ErrMissingFile    = &uploadError{"missing file"}
)

type uploadError struct {
	msg string
}

func (e *uploadError) Error() string {
	return e.msg
}

// StatusError is returned when the backend rejects an upload.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("upload failed: http %d", e.StatusCode)
	}
	return fmt.Sprintf("upload failed: http %d: %s", e.StatusCode, e.Detail)
}

type response struct {
	Message  string `json:"message"`
	Filename string `json:"filename"`
	Detail   string `json:"detail"`
}

// Client uploads videos. The zero value uses a client with a generous timeout.
type Client struct {
	HTTP *http.Client
}

func (c Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 5 * time.Minute}
}

// Upload posts the file at path to the backend and returns the artifact id
// the backend assigned to it.
func Upload(ctx context.Context, baseURL string, path string) (string, error) {
	return Client{}.Upload(ctx, baseURL, path)
}

func (c Client) Upload(ctx context.Context, baseURL string, path string) (string, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return "", ErrMissingBaseURL
	}
	if path == "" {
		return "", ErrMissingFile
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+uploadPath, pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient().Do(req)
	if err != nil {
		_ = pr.CloseWithError(err)
		return "", fmt.Errorf("upload %s: %w", filepath.Base(path), err)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	_ = resp.Body.Close()

	var parsed response
	jsonErr := json.Unmarshal(body, &parsed)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := parsed.Detail
		if jsonErr != nil || detail == "" {
			detail = strings.TrimSpace(string(body))
		}
		return "", &StatusError{StatusCode: resp.StatusCode, Detail: detail}
	}
	if jsonErr != nil {
		return "", fmt.Errorf("decode upload response: %w", jsonErr)
	}
	if parsed.Filename == "" {
		return "", fmt.Errorf("upload response without filename")
	}
	return parsed.Filename, nil
}

// TargetURL builds the analysis stream address for id: http becomes ws and
// https becomes wss. The id is path-escaped.
func TargetURL(baseURL string, id string) (string, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return "", ErrMissingBaseURL
	}
	if id == "" {
		return "", fmt.Errorf("missing artifact id")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	return u.String() + analyzePath + url.PathEscape(id), nil
}
