package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// ErrTooLarge is returned when a download exceeds the configured limit.
var ErrTooLarge = errors.New("assets: download exceeds size limit")

// Fetcher downloads remote assets with a size bound. file:// URLs are read
// from disk so local development needs no HTTP server.
type Fetcher struct {
	httpClient *http.Client
	maxBytes   int64
}

// NewFetcher creates a fetcher. maxBytes <= 0 disables the bound.
func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
	}
}

// Fetch returns the bytes at rawURL and their sniffed MIME type.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	rc, err := f.open(ctx, rawURL)
	if err != nil {
		return nil, "", err
	}
	defer rc.Close()

	data, err := f.readBounded(rc)
	if err != nil {
		return nil, "", err
	}
	return data, mimetype.Detect(data).String(), nil
}

// FetchToFile streams rawURL into path and returns the sniffed MIME type.
func (f *Fetcher) FetchToFile(ctx context.Context, rawURL, path string) (string, error) {
	rc, err := f.open(ctx, rawURL)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("assets: create %s: %w", path, err)
	}

	var src io.Reader = rc
	if f.maxBytes > 0 {
		src = io.LimitReader(rc, f.maxBytes+1)
	}
	n, err := io.Copy(out, src)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("assets: download %s: %w", rawURL, err)
	}
	if f.maxBytes > 0 && n > f.maxBytes {
		return "", ErrTooLarge
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("assets: sniff %s: %w", path, err)
	}
	return mt.String(), nil
}

func (f *Fetcher) open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Scheme == "" {
		return nil, fmt.Errorf("assets: invalid url: %q", rawURL)
	}

	switch parsed.Scheme {
	case "file":
		file, err := os.Open(parsed.Path)
		if err != nil {
			return nil, fmt.Errorf("assets: open %s: %w", parsed.Path, err)
		}
		return file, nil
	case "http", "https":
	default:
		return nil, fmt.Errorf("assets: unsupported scheme %q", parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("assets: build download request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("assets: download: %w", err)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("assets: download status %d", resp.StatusCode)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		resp.Body.Close()
		return nil, ErrTooLarge
	}
	return resp.Body, nil
}

func (f *Fetcher) readBounded(r io.Reader) ([]byte, error) {
	if f.maxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("assets: read: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}
