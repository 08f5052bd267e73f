package health

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// maxBody bounds how much of a ping response ends up in the result message
const maxBody = 256

// HTTPChecker is healthy when a GET on URL answers 2xx, as liveness
// endpoints like MinIO's /minio/health/live or the NATS monitor do
type HTTPChecker struct {
	URL     string
	Timeout time.Duration
}

func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{URL: url, Timeout: 5 * time.Second}
}

func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return result(start, false, err, "invalid URL %s", h.URL)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return result(start, false, err, "GET %s", h.URL)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	healthy := resp.StatusCode >= 200 && resp.StatusCode < 300
	return result(start, healthy, nil, "GET %s: %s %s", h.URL, resp.Status, bytes.TrimSpace(body))
}

func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithTimeout bounds the whole request
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Timeout = timeout
	return h
}
