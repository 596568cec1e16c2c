// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package lease

import (
	"context"
)

// loop runs the keepalive scheduler: one recurring timer per lease,
// started once the identifier is known, firing renewal attempts at a
// fixed cadence until the lease is released or reaches a terminal
// state. There is no backoff; the liveness check is the sole
// authority for declaring failure, so a failed attempt just waits for
// the next tick.
func (l *Lease) loop() error {
	select {
	case <-l.catacomb.Dying():
		return l.catacomb.ErrDying()
	case <-l.established:
	}
	if l.config.NoAutoKeepAlive {
		<-l.catacomb.Dying()
		return l.catacomb.ErrDying()
	}

	ctx := l.scopedContext()
	timer := l.config.Clock.NewTimer(l.interval)
	defer timer.Stop()
	for {
		select {
		case <-l.catacomb.Dying():
			return l.catacomb.ErrDying()
		case <-timer.Chan():
			l.tick(ctx)
			timer.Reset(l.interval)
		}
	}
}

// tick performs one scheduled renewal attempt, preceded by the
// independent liveness check. The two are deliberately separate: the
// attempt may be waiting on a dead network, but the elapsed-time check
// needs no RPC to conclude that the store's TTL clock has certainly
// expired, which bounds detection latency to one tick past TTL expiry
// under sustained partition.
func (l *Lease) tick(ctx context.Context) {
	l.mu.Lock()
	if l.terminalErr != nil || l.released {
		l.mu.Unlock()
		return
	}
	id := l.id
	elapsed := l.config.Clock.Now().Sub(l.lastRenewal)
	l.mu.Unlock()

	l.publish(TopicKeepAliveFired, nil)

	if elapsed > l.ttl {
		l.config.Logger.Warningf("lease %d: no renewal confirmed for %v of a %v ttl", id, elapsed, l.ttl)
		l.lose(ErrExpired)
		return
	}

	// The attempt runs on its own goroutine, bounded to the cadence,
	// so a hung RPC delays neither the next tick nor its liveness
	// check. Outcomes arriving after a terminal transition are
	// discarded by keepAlive.
	attemptCtx, cancel := context.WithTimeout(ctx, l.interval)
	go func() {
		defer cancel()
		_, _ = l.keepAlive(attemptCtx, id)
	}()
}
