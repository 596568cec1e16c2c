// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package lease

import (
	"sync"
)

// Topics published on a Lease's hub. Payload types are documented per
// topic; subscribers receive events asynchronously, in publication
// order for any single subscription.
const (
	// TopicEstablished fires at most once, with the GrantResponse,
	// when the lease's identifier is first confirmed. It always
	// precedes any keepalive topic for the same lease.
	TopicEstablished = "lease.established"

	// TopicKeepAliveFired fires on every scheduler tick, with a nil
	// payload, as an attempt begins.
	TopicKeepAliveFired = "lease.keepalive.fired"

	// TopicKeepAliveSucceeded fires with the KeepAliveResponse after
	// a confirmed renewal.
	TopicKeepAliveSucceeded = "lease.keepalive.succeeded"

	// TopicKeepAliveFailed fires with the error after a transient
	// renewal failure. The lease state does not change; the next tick
	// retries.
	TopicKeepAliveFailed = "lease.keepalive.failed"

	// TopicLost fires at most once, with the terminal error, when the
	// lease can no longer be trusted. Revoked() reports true by the
	// time the event is delivered.
	TopicLost = "lease.lost"
)

// Subscribe registers handler for the named topic and returns a func
// that deregisters it. Handlers run on their own goroutine per
// subscription, so they may call back into the Lease freely.
func (l *Lease) Subscribe(topic string, handler func(topic string, data interface{})) func() {
	return l.hub.Subscribe(topic, handler)
}

// SubscribeOnce registers handler for a single delivery of the named
// topic; the subscription is removed after the first event. The
// returned func deregisters early.
func (l *Lease) SubscribeOnce(topic string, handler func(topic string, data interface{})) func() {
	var (
		mu    sync.Mutex
		once  sync.Once
		unsub func()
	)
	mu.Lock()
	unsub = l.hub.Subscribe(topic, func(t string, data interface{}) {
		once.Do(func() {
			handler(t, data)
			// The subscription is live before Subscribe returns, so
			// wait for the unsubscriber to be recorded.
			mu.Lock()
			defer mu.Unlock()
			unsub()
		})
	})
	mu.Unlock()
	return unsub
}

func (l *Lease) publish(topic string, data interface{}) {
	l.hub.Publish(topic, data)
}
