package errors

import (
	"errors"
)

// Common errors.
var (
	ErrScanFailure       = errors.New("scan failed")
	ErrDuplicateIdentity = errors.New("device identity already registered")
	ErrNotFound          = errors.New("device not found")
	ErrValidation        = errors.New("invalid device spec")
	ErrProbeTimeout      = errors.New("probe timed out")
	ErrBusDelivery       = errors.New("bus delivery failed")

	ErrUnknownProtocol = errors.New("unknown discovery protocol")
	ErrStoreClosed     = errors.New("store is closed")
)
