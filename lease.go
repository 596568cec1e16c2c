// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lease manages the lifecycle of leases granted by a
// distributed coordination store: TTL negotiation, background renewal,
// loss detection when renewals stop arriving, and propagation of lease
// invalidity to writes that depend on the lease.
//
// A Lease collapses the store's authoritative TTL clock, the local
// renewal schedule and arbitrary network delay into a single
// unambiguous signal: the lease.lost event, after which Revoked()
// reports true and every dependent operation fails with the stored
// terminal error.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"
)

// State describes where a lease is in its lifecycle. Lost and Revoked
// are terminal; no operation moves a lease out of a terminal state.
type State int

const (
	StateFresh State = iota
	StateGranting
	StateAlive
	StateLost
	StateRevoked
)

// String is part of fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateGranting:
		return "granting"
	case StateAlive:
		return "alive"
	case StateLost:
		return "lost"
	case StateRevoked:
		return "revoked"
	}
	return "unknown"
}

// Logger represents the methods used by this package to log information.
type Logger interface {
	Tracef(string, ...interface{})
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warningf(string, ...interface{})
}

// Config defines the operation of a Lease.
type Config struct {
	// Client drives the store's grant/keepalive/revoke RPCs. It is
	// shared with every other lease created against it and is not
	// owned by this lease.
	Client Client

	// TTL is the requested time-to-live in seconds. The store may
	// grant a different value; loss detection always uses the
	// requested one as its outer bound.
	TTL int64

	// NoAutoKeepAlive disables the background renewal scheduler.
	// Callers then renew with KeepAliveOnce at their own cadence.
	NoAutoKeepAlive bool

	// KeepAliveInterval overrides the renewal cadence. When zero the
	// lease renews every TTL/3 seconds, with a floor of one second.
	// The only hard requirement is enough margin that a single failed
	// attempt does not exhaust the TTL window.
	KeepAliveInterval time.Duration

	// Clock is the time source for the scheduler and for loss
	// detection. It defaults to clock.WallClock.
	Clock clock.Clock

	// Logger defaults to the loggo "lease" logger.
	Logger Logger

	// PrometheusRegisterer, when supplied, has the lease's collector
	// registered with it for the lifetime of the lease.
	PrometheusRegisterer prometheus.Registerer
}

// Validate returns an error if config cannot drive a Lease.
func (config Config) Validate() error {
	if config.Client == nil {
		return errors.NotValidf("nil Client")
	}
	if config.TTL < 1 {
		return errors.Annotatef(ErrInvalidTTL, "TTL of %ds", config.TTL)
	}
	if config.KeepAliveInterval < 0 {
		return errors.NotValidf("negative KeepAliveInterval")
	}
	return nil
}

// Lease is a server-granted, TTL-bounded liveness token. One Lease
// manages one logical lease; instances are independent and safe for
// concurrent use.
type Lease struct {
	catacomb catacomb.Catacomb
	config   Config
	hub      *pubsub.SimpleHub
	metrics  leaseMetrics

	// ttl and interval are derived from config once, at construction.
	ttl      time.Duration
	interval time.Duration

	// established is closed exactly once, when the lease identifier
	// becomes known; it releases the scheduler loop.
	established chan struct{}

	mu          sync.Mutex
	state       State
	id          ID
	lastRenewal time.Time
	granting    *grantResult
	terminalErr error
	released    bool

	unregister sync.Once
}

// grantResult is the memoized outcome of the single in-flight Grant
// RPC. Concurrent callers wait on done rather than issuing duplicates.
type grantResult struct {
	done chan struct{}
	id   ID
	err  error
}

// New returns a Lease driven by the supplied configuration. No RPC is
// issued until the first call to Grant (or a dependent operation).
func New(config Config) (*Lease, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	if config.Logger == nil {
		config.Logger = loggo.GetLogger("lease")
	}
	interval := config.KeepAliveInterval
	if interval == 0 {
		interval = time.Duration(config.TTL/3) * time.Second
		if interval < time.Second {
			interval = time.Second
		}
	}
	l := &Lease{
		config:      config,
		hub:         pubsub.NewSimpleHub(nil),
		metrics:     newLeaseMetrics(),
		ttl:         time.Duration(config.TTL) * time.Second,
		interval:    interval,
		established: make(chan struct{}),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &l.catacomb,
		Work: l.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	if config.PrometheusRegisterer != nil {
		if err := config.PrometheusRegisterer.Register(l); err != nil {
			l.catacomb.Kill(nil)
			return nil, errors.Trace(err)
		}
	}
	return l, nil
}

// Grant resolves the lease's identifier, issuing a single Grant RPC on
// first use; concurrent callers share the in-flight result. A lease
// whose very first grant fails transport-side has no TTL clock running
// anywhere, so the failure is terminal: it is published as lease.lost
// and returned from this and every subsequent call.
func (l *Lease) Grant(ctx context.Context) (ID, error) {
	l.mu.Lock()
	if l.terminalErr != nil {
		err := l.terminalErr
		l.mu.Unlock()
		return 0, err
	}
	if l.state == StateAlive {
		id := l.id
		l.mu.Unlock()
		return id, nil
	}
	if l.granting == nil {
		l.granting = &grantResult{done: make(chan struct{})}
		l.state = StateGranting
		go l.runGrant(l.granting)
	}
	g := l.granting
	l.mu.Unlock()

	select {
	case <-ctx.Done():
		return 0, errors.Trace(ctx.Err())
	case <-g.done:
	}
	if g.err != nil {
		return 0, g.err
	}
	return g.id, nil
}

// runGrant performs the one Grant RPC backing all Grant callers. It
// deliberately uses the lease's own context rather than any single
// caller's, so one caller timing out does not fail the rest.
func (l *Lease) runGrant(g *grantResult) {
	defer close(g.done)

	resp, err := l.config.Client.Grant(l.scopedContext(), l.config.TTL)

	l.mu.Lock()
	if l.terminalErr != nil {
		g.err = l.terminalErr
		l.mu.Unlock()
		return
	}
	if err != nil {
		l.mu.Unlock()
		g.err = err
		l.config.Logger.Warningf("granting lease (ttl %ds): %v", l.config.TTL, err)
		l.lose(err)
		return
	}
	l.id = resp.ID
	l.state = StateAlive
	l.lastRenewal = l.config.Clock.Now()
	l.mu.Unlock()

	g.id = resp.ID
	l.config.Logger.Infof("lease %d established with ttl %ds", resp.ID, resp.TTL)
	l.metrics.establishedTotal.Inc()
	close(l.established)
	l.publish(TopicEstablished, resp)
}

// Adopt records an externally known lease identifier without issuing a
// Grant RPC. The scheduler applies as usual: the first operation the
// store rejects as invalid surfaces as lease.lost.
func (l *Lease) Adopt(id ID) error {
	l.mu.Lock()
	if l.state != StateFresh {
		state := l.state
		l.mu.Unlock()
		return errors.NotValidf("adopting lease %d in state %q", id, state)
	}
	l.id = id
	l.state = StateAlive
	l.lastRenewal = l.config.Clock.Now()
	l.mu.Unlock()
	close(l.established)
	return nil
}

// KeepAliveOnce issues a single renewal, resolving the identifier
// first if necessary. It shares the scheduler's success and failure
// handling, but its outcome is also returned directly to the caller:
// a transient failure here does not stop the scheduler from retrying
// on its own cadence.
func (l *Lease) KeepAliveOnce(ctx context.Context) (KeepAliveResponse, error) {
	id, err := l.Grant(ctx)
	if err != nil {
		return KeepAliveResponse{}, errors.Trace(err)
	}
	return l.keepAlive(ctx, id)
}

// keepAlive performs one renewal attempt against the store and folds
// the outcome into the lease's state and event stream. It is shared by
// the scheduler's ticks and by KeepAliveOnce; both compete for the same
// idempotent RPC with no mutual exclusion.
func (l *Lease) keepAlive(ctx context.Context, id ID) (KeepAliveResponse, error) {
	resp, err := l.config.Client.KeepAlive(ctx, id)

	l.mu.Lock()
	if l.terminalErr != nil {
		// The outcome arrived after a terminal transition and has
		// been superseded; discard it.
		terminal := l.terminalErr
		l.mu.Unlock()
		return KeepAliveResponse{}, terminal
	}
	if err == nil {
		l.lastRenewal = l.config.Clock.Now()
		l.mu.Unlock()
		l.config.Logger.Tracef("lease %d renewed, %ds remaining", id, resp.TTL)
		l.metrics.keepAliveSuccesses.Inc()
		l.publish(TopicKeepAliveSucceeded, resp)
		return resp, nil
	}
	l.mu.Unlock()

	if IsInvalid(err) {
		l.lose(err)
		return KeepAliveResponse{}, err
	}
	l.config.Logger.Debugf("renewing lease %d: %v", id, err)
	l.metrics.keepAliveFailures.Inc()
	l.publish(TopicKeepAliveFailed, err)
	return KeepAliveResponse{}, err
}

// Revoke destroys the lease at the store, waiting out a pending grant
// first so there is an identifier to revoke. It is idempotent: once
// the lease is terminal the call is a local no-op. A transport failure
// is tolerated as best-effort: the lease still transitions to Revoked
// locally, and the store's own TTL clock will finish the job.
func (l *Lease) Revoke(ctx context.Context) error {
	if l.Revoked() {
		return nil
	}
	id, err := l.Grant(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	err = l.config.Client.Revoke(ctx, id)

	l.mu.Lock()
	alreadyTerminal := l.terminalErr != nil
	if !alreadyTerminal {
		l.terminalErr = ErrRevoked
		l.state = StateRevoked
	}
	l.mu.Unlock()
	l.stop()

	if err != nil && !IsInvalid(err) {
		return errors.Annotatef(err, "revoking lease %d", id)
	}
	if !alreadyTerminal {
		l.config.Logger.Infof("lease %d revoked", id)
	}
	return nil
}

// Release stops managing the lease without destroying it: the
// scheduler and its timer are torn down, no RPC is issued, and the
// store-side state is untouched. The lease does not transition to a
// terminal state and emits no further events.
func (l *Lease) Release() {
	l.mu.Lock()
	l.released = true
	l.mu.Unlock()
	l.stop()
	l.unregister.Do(func() {
		if l.config.PrometheusRegisterer != nil {
			l.config.PrometheusRegisterer.Unregister(l)
		}
	})
}

// Revoked reports whether the lease has reached a terminal state,
// through loss or revocation. Once true, every lease-dependent
// operation fails immediately with the stored terminal error.
func (l *Lease) Revoked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateLost || l.state == StateRevoked
}

// State reports the lease's current lifecycle state.
func (l *Lease) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err returns the stored terminal error, or nil while the lease can
// still be trusted.
func (l *Lease) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.terminalErr
}

// lose moves the lease to Lost with the supplied cause, stops the
// scheduler and publishes lease.lost. At most one call takes effect;
// later causes are discarded. Revoked() observably reports true before
// the event is delivered to any subscriber.
func (l *Lease) lose(cause error) {
	l.mu.Lock()
	if l.terminalErr != nil || l.released {
		l.mu.Unlock()
		return
	}
	l.terminalErr = cause
	l.state = StateLost
	id := l.id
	l.mu.Unlock()

	l.config.Logger.Warningf("lease %d lost: %v", id, cause)
	l.metrics.lostTotal.Inc()
	l.stop()
	l.publish(TopicLost, cause)
}

// stop tears down the scheduler. Safe to call any number of times,
// from any goroutine, including a tick currently in flight. The
// collector stays registered so a lost or revoked lease remains
// observable; Release removes it.
func (l *Lease) stop() {
	l.catacomb.Kill(nil)
}

// scopedContext returns a context cancelled when the lease's worker
// is stopped.
func (l *Lease) scopedContext() context.Context {
	return l.catacomb.Context(context.Background())
}
