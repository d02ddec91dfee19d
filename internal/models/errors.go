package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrVerificationFailed    = errors.New("verification failed")
	ErrMalformedPayload      = errors.New("malformed payload")
	ErrDownstreamTimeout     = errors.New("downstream timeout")
	ErrDownstreamUnavailable = errors.New("downstream unavailable")
	ErrDuplicateDelivery     = errors.New("duplicate delivery")
	ErrConfigurationMissing  = errors.New("configuration missing")
)

// MalformedPayloadError describes why a delivery body could not be normalized.
type MalformedPayloadError struct {
	Reason string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed payload: %s: %v", e.Reason, e.Err)
	}
	return "malformed payload: " + e.Reason
}

func (e *MalformedPayloadError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformedPayload, e.Err}
	}
	return []error{ErrMalformedPayload}
}

// DownstreamError is returned by the relay instead of raw transport errors.
// Kind is ErrDownstreamTimeout or ErrDownstreamUnavailable.
type DownstreamError struct {
	Target     string
	Kind       error
	StatusCode int
	Elapsed    time.Duration
	Err        error
	// RequestSent is set once the request was fully written to the upstream.
	// From then on the upstream may have acted on it even though the caller
	// never saw a usable answer.
	RequestSent bool
}

func (e *DownstreamError) Error() string {
	msg := fmt.Sprintf("%s: target=%s elapsed=%s", e.Kind, e.Target, e.Elapsed.Round(time.Millisecond))
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status=%d", e.StatusCode)
	}
	if e.RequestSent {
		msg += " sent=true"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DownstreamError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// IsTimeout reports whether the downstream failed by exceeding its deadline.
func (e *DownstreamError) IsTimeout() bool {
	return errors.Is(e.Kind, ErrDownstreamTimeout)
}

// MissingConfig builds an ErrConfigurationMissing for a configuration key.
func MissingConfig(key string) error {
	return fmt.Errorf("%w: %s", ErrConfigurationMissing, key)
}
