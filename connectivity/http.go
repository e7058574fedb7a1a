package connectivity

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxHTTPResponseBody caps the response data read from the backend (10 MiB).
const maxHTTPResponseBody int64 = 10 << 20

// HTTP returns a Handler that sends the payload as the body of one request.
// An empty payload sends no body. Non-2xx responses become *ErrStatus.
func HTTP(client *http.Client, method, url string, header http.Header) Handler {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var body io.Reader
		if len(payload) > 0 {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, fmt.Errorf("connectivity/http: create request: %w", err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if body != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("connectivity/http: do request: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBody+1))
		if err != nil {
			return nil, fmt.Errorf("connectivity/http: read response: %w", err)
		}
		if int64(len(data)) > maxHTTPResponseBody {
			return nil, fmt.Errorf("connectivity/http: response exceeds %d bytes", maxHTTPResponseBody)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &ErrStatus{
				Method: method,
				URL:    url,
				Code:   resp.StatusCode,
				Body:   strings.TrimSpace(string(data)),
			}
		}
		return data, nil
	}
}
