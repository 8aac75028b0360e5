package golem

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPRemoteBackend performs remote reads and writes against HTTP targets.
// The target string is the URL; writes carry the idempotency key in a header
// the receiving system is expected to deduplicate on.
type HTTPRemoteBackend struct {
	Client *http.Client
}

// NewHTTPRemoteBackend creates a backend with a bounded per-call timeout.
func NewHTTPRemoteBackend(timeout time.Duration) *HTTPRemoteBackend {
	return &HTTPRemoteBackend{Client: &http.Client{Timeout: timeout}}
}

func (b *HTTPRemoteBackend) Read(ctx context.Context, target string, request []byte) ([]byte, error) {
	method := http.MethodGet
	var body io.Reader
	if len(request) > 0 {
		method = http.MethodPost
		body = bytes.NewReader(request)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	resp, err := b.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("remote read %s: status %d", target, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (b *HTTPRemoteBackend) Write(ctx context.Context, target string, request []byte, idempotencyKey string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(request))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Idempotency-Key", idempotencyKey)
	resp, err := b.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("remote write %s: status %d", target, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
