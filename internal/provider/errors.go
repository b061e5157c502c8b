package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
)

var (
	// ErrConfigurationInvalid is fatal at registration; the provider never
	// enters the registry.
	ErrConfigurationInvalid = errors.New("provider configuration invalid")

	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrNoEligibleProviders = errors.New("no eligible providers for request")
	ErrRequestTimeout      = errors.New("request timeout")
	ErrAllProvidersFailed  = errors.New("all providers failed")
	ErrProviderNotFound    = errors.New("provider not found")
	ErrProviderExists      = errors.New("provider already registered")
)

// TransportError is a network-class failure: DNS, connect, reset or timeout.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ApplicationError is a failure reported by the backend itself.
type ApplicationError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ApplicationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s api error: %s", e.Provider, e.Message)
}

// AllFailedError is returned once every candidate has been tried. It matches
// ErrAllProvidersFailed and unwraps to the last provider error.
type AllFailedError struct {
	Attempts []string
	Last     error
}

func (e *AllFailedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s after %d attempts", ErrAllProvidersFailed, len(e.Attempts))
	}
	return fmt.Sprintf("%s after %d attempts: %v", ErrAllProvidersFailed, len(e.Attempts), e.Last)
}

func (e *AllFailedError) Is(target error) bool { return target == ErrAllProvidersFailed }

func (e *AllFailedError) Unwrap() error { return e.Last }

type ErrorClass string

const (
	ClassTransport   ErrorClass = "transport"
	ClassApplication ErrorClass = "application"
)

var networkPattern = regexp.MustCompile(`(?i)(ECONNREFUSED|ENOTFOUND|ETIMEDOUT|ECONNRESET|connection refused|connection reset|no such host|i/o timeout|timeout|deadline exceeded|broken pipe|EOF)`)

// IsNetworkError reports whether err belongs to the transport class. Typed
// errors are checked first; the message pattern catches wrapped errors from
// client libraries that lose their type.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var ae *ApplicationError
	if errors.As(err, &ae) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrRequestTimeout) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return networkPattern.MatchString(err.Error())
}

func Classify(err error) ErrorClass {
	if IsNetworkError(err) {
		return ClassTransport
	}
	return ClassApplication
}

// WrapTransport tags a raw client error as transport-class when it looks like one.
func WrapTransport(name string, err error) error {
	if err == nil {
		return nil
	}
	if IsNetworkError(err) {
		return &TransportError{Provider: name, Err: err}
	}
	return err
}
