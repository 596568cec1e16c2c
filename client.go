// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package lease

import (
	"context"
)

// ID identifies a lease granted by the coordination store. The zero
// value is never a valid grant.
type ID int64

// GrantResponse is the store's answer to a grant request. TTL is the
// granted time-to-live in seconds, which may differ from the TTL
// requested if the store imposes its own bounds.
type GrantResponse struct {
	ID  ID
	TTL int64
}

// KeepAliveResponse is the store's answer to a renewal. TTL is the
// remaining time-to-live in seconds after the renewal was applied.
type KeepAliveResponse struct {
	ID  ID
	TTL int64
}

// Client is the RPC boundary a Lease drives. Implementations own the
// transport; the lease machinery only consumes two failure classes:
// errors satisfying IsInvalid mean the store says the lease no longer
// exists, and any other error is assumed to be a transient transport
// failure worth retrying on the next scheduled attempt.
//
// A Client is shared by every Lease created against it and must be
// safe for concurrent use. Closing the underlying transport must cause
// outstanding calls to fail rather than block indefinitely.
type Client interface {

	// Grant asks the store to create a new lease with the supplied
	// time-to-live in seconds, starting its server-side clock.
	Grant(ctx context.Context, ttl int64) (GrantResponse, error)

	// KeepAlive renews the identified lease, resetting its
	// server-side clock without changing its identifier.
	KeepAlive(ctx context.Context, id ID) (KeepAliveResponse, error)

	// Revoke destroys the identified lease and any keys attached to
	// it.
	Revoke(ctx context.Context, id ID) error

	// PutWithLease writes a key whose lifetime is bound to the
	// identified lease: the store removes the key when the lease
	// expires or is revoked.
	PutWithLease(ctx context.Context, key, value []byte, id ID) error
}
