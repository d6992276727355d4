package resolver

import (
	"errors"
	"fmt"
)

// ErrMaxRecursion is returned when CNAME or SRV-of-names dereferencing
// revisits the same (name, type) pair.
var ErrMaxRecursion = errors.New("maximum dns recursion level reached")

// errRecursionDetected is the type-local failure used to fail over to the
// next record type in Options.Order without aborting the whole Resolve
// call.
var errRecursionDetected = errors.New("recursion detected")

// errTimeout is the coalescer's own cause when a wait on an in-flight
// leader exceeds pool_max_wait without the leader ever finishing.
var errTimeout = errors.New("timed out waiting for in-flight query")

// errPoolExceeded formats the coalescer's give-up error.
func errPoolExceeded(retries int, cause error) error {
	return fmt.Errorf("dns lookup pool exceeded retries (%d): %w", retries, cause)
}

// errServerError formats a non-success DNS response code.
func errServerError(code int, text string) error {
	return fmt.Errorf("dns server error: %d %s", code, text)
}
