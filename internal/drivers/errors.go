package drivers

import (
	"errors"
	"fmt"
	"net/http"

	"resty.dev/v3"
)

// ErrorKind separates failures worth retrying from ones that never will succeed.
type ErrorKind string

const (
	KindRejected    ErrorKind = "rejected"
	KindUnavailable ErrorKind = "unavailable"
)

var (
	ErrVendorRejected    = errors.New("vendor rejected request")
	ErrVendorUnavailable = errors.New("vendor unavailable")
)

// VendorError is returned by drivers for every failed vendor interaction.
type VendorError struct {
	Kind       ErrorKind
	Vendor     string
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *VendorError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Vendor, e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VendorError) Unwrap() error { return e.Err }

// Is lets callers branch with errors.Is(err, ErrVendorRejected).
func (e *VendorError) Is(target error) bool {
	switch target {
	case ErrVendorRejected:
		return e.Kind == KindRejected
	case ErrVendorUnavailable:
		return e.Kind == KindUnavailable
	}
	return false
}

// Rejected builds a non-retryable error for input the vendor will never accept.
func Rejected(vendor, op, message string) error {
	return &VendorError{Kind: KindRejected, Vendor: vendor, Op: op, Message: message}
}

// Unavailable builds a retryable error.
func Unavailable(vendor, op, message string, err error) error {
	return &VendorError{Kind: KindUnavailable, Vendor: vendor, Op: op, Message: message, Err: err}
}

// KindForStatus classifies an HTTP status: request timeouts, throttling and
// server errors are transient, any other 4xx is a rejection.
func KindForStatus(code int) (ErrorKind, bool) {
	switch {
	case code >= 200 && code < 300:
		return "", false
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return KindUnavailable, true
	case code >= 400:
		return KindRejected, true
	}
	return KindUnavailable, true
}

// classify turns a resty result into nil or a *VendorError.
func classify(vendor, op string, resp *resty.Response, err error) error {
	if err != nil {
		return Unavailable(vendor, op, "", err)
	}
	kind, failed := KindForStatus(resp.StatusCode())
	if !failed {
		return nil
	}
	return &VendorError{
		Kind:       kind,
		Vendor:     vendor,
		Op:         op,
		StatusCode: resp.StatusCode(),
		Message:    truncate(resp.String(), 512),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
