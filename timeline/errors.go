package timeline

import (
	"errors"
)

// configuration misuse, surfaced to the caller
var ErrMissingAdapter = errors.New("timeline adapter and source are required")
var ErrMissingTransport = errors.New("timeline transport is required")

// IsConfigurationError reports whether err is caller misconfiguration rather
// than an upstream failure.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrMissingAdapter) || errors.Is(err, ErrMissingTransport)
}
