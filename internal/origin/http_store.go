package origin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPStore reads objects below a base URL.
type HTTPStore struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPStore creates a store rooted at baseURL. A nil client gets a
// default with a 60s timeout.
func NewHTTPStore(baseURL string, client *http.Client) (*HTTPStore, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPStore{base: u, client: client}, nil
}

func (s *HTTPStore) URL(path string) (string, error) {
	key, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(key)
	if err != nil {
		return "", err
	}
	return s.base.ResolveReference(ref).String(), nil
}

func (s *HTTPStore) Get(ctx context.Context, path string) ([]byte, error) {
	rc, _, err := s.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s *HTTPStore) Open(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	if s == nil {
		return nil, 0, fmt.Errorf("store is nil")
	}
	target, err := s.URL(path)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", target, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("%s: %w", target, ErrNotFound)
	}
	if resp.StatusCode/100 != 2 {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("get %s: unexpected status %s", target, resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}
