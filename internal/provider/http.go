package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout applies when a descriptor leaves Config.Timeout unset.
const DefaultTimeout = 60 * time.Second

// NewHTTPClient returns a client bounded by timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// Do sends req and tags connection-level failures as transport errors.
// Non-2xx responses are turned into an ApplicationError and the body is
// closed; on success the caller owns resp.Body.
func Do(client *http.Client, name string, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && req.Context().Err() != nil {
			return nil, err
		}
		return nil, &TransportError{Provider: name, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ApplicationError{
			Provider:   name,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}
	return resp, nil
}
