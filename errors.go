package main

import (
	"errors"
	"fmt"
)

// HTTPError represents an HTTP error with status code
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for %s", e.StatusCode, e.URL)
}

// ConnectorError wraps a source connector failure (network or parse).
// The whole connector batch is retried on the next scheduled run.
type ConnectorError struct {
	Connector string
	Err       error
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("connector %s: %v", e.Connector, e.Err)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

// TransformError wraps a capability failure for one format. Retried up
// to the per-format budget, then the artifact is marked failed.
type TransformError struct {
	Format Format
	Err    error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s: %v", e.Format, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// DeliveryErrorKind classifies channel failures.
type DeliveryErrorKind int

const (
	// DeliveryRetryable covers transient failures (5xx, network).
	DeliveryRetryable DeliveryErrorKind = iota
	// DeliveryRateLimited means the platform asked us to back off.
	DeliveryRateLimited
	// DeliveryRejected means the platform refused the item; retrying
	// the same payload will never succeed.
	DeliveryRejected
)

// DeliveryError wraps a channel publication failure.
type DeliveryError struct {
	Channel string
	Kind    DeliveryErrorKind
	Err     error
}

func (e *DeliveryError) Error() string {
	switch e.Kind {
	case DeliveryRateLimited:
		return fmt.Sprintf("channel %s rate limited: %v", e.Channel, e.Err)
	case DeliveryRejected:
		return fmt.Sprintf("channel %s rejected item: %v", e.Channel, e.Err)
	default:
		return fmt.Sprintf("channel %s: %v", e.Channel, e.Err)
	}
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err is a rate-limited delivery failure.
func IsRateLimited(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Kind == DeliveryRateLimited
}

// IsRejected reports whether err is a terminal delivery rejection.
func IsRejected(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Kind == DeliveryRejected
}
