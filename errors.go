// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package lease

import (
	"github.com/juju/errors"
)

const (
	// ErrInvalidTTL indicates that a lease was constructed with a TTL
	// below the minimum the coordination store will grant. It is
	// returned synchronously, before any RPC is issued.
	ErrInvalidTTL = errors.ConstError("lease TTL must be at least 1 second")

	// ErrInvalid indicates that the store has confirmed the lease
	// identifier no longer exists. It is terminal for the lease that
	// observes it, whichever operation discovers it.
	ErrInvalid = errors.ConstError("lease not found")

	// ErrExpired is synthesized locally when no successful renewal has
	// been confirmed within the TTL window. By the time it is raised the
	// store's own clock has certainly destroyed the lease, even though
	// no RPC ever reported as much.
	ErrExpired = errors.ConstError("lease has expired")

	// ErrRevoked is the stored terminal error after a clean,
	// caller-initiated revocation.
	ErrRevoked = errors.ConstError("lease has been revoked")
)

// IsInvalid reports whether err indicates that the store considers the
// lease gone. Client implementations wrap their transport's
// lease-not-found classification in ErrInvalid; everything else they
// return is treated as transient and retried on the next tick.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalid)
}

// IsTerminal reports whether err is one of the errors that ends a
// lease's life: invalidity confirmed by the store, local expiry, or
// revocation.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrInvalid) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrRevoked)
}
