package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"vibephoto/internal/domain"
)

// jsonClient is the shared transport for the REST providers.
type jsonClient struct {
	name    string
	baseURL string
	auth    string // full Authorization header value
	http    *http.Client
}

func newJSONClient(name, baseURL, auth string, timeout time.Duration) *jsonClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &jsonClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    auth,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *jsonClient) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &domain.ProviderError{Provider: c.name, Op: op, Err: err}
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &domain.ProviderError{Provider: c.name, Op: op, Err: err}
	}
	req.Header.Set("Authorization", c.auth)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.ProviderError{Provider: c.name, Op: op, Transient: isNetErr(err), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &domain.ProviderError{Provider: c.name, Op: op, Transient: true, Err: err}
	}
	if resp.StatusCode >= 300 {
		return &domain.ProviderError{
			Provider:   c.name,
			Op:         op,
			StatusCode: resp.StatusCode,
			Transient:  transientStatus(resp.StatusCode),
			Err:        fmt.Errorf("body=%s", truncate(raw, 256)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &domain.ProviderError{Provider: c.name, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

func isNetErr(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
