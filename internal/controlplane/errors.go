package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnavailable    = errors.New("query unavailable")
)
