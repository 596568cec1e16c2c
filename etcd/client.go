// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package etcd implements the lease.Client boundary over the etcd v3
// gRPC protocol. Only the failure distinction the lease machinery
// consumes is classified here: the store reporting a lease gone maps
// to lease.ErrInvalid, and everything else is left as a transient
// transport error.
package etcd

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"gopkg.in/retry.v1"

	"github.com/juju/lease"
)

// revokeRetryStrategy drives the best-effort retries around revocation.
// Revoking is the one RPC worth a little persistence: the caller is
// tearing down and will not get another scheduled attempt.
var revokeRetryStrategy retry.Strategy = retry.LimitCount(3, retry.Exponential{
	Initial: 50 * time.Millisecond,
	Factor:  1.6,
	Jitter:  true,
})

// Config defines how to reach the store.
type Config struct {
	// Endpoint is the store's gRPC target, e.g. "localhost:2379".
	Endpoint string

	// TLSConfig, when nil, means plaintext transport credentials.
	TLSConfig *tls.Config

	// DialOptions are appended to the computed options.
	DialOptions []grpc.DialOption

	// Clock times revocation retries. Defaults to clock.WallClock.
	Clock clock.Clock

	// Logger defaults to the loggo "lease.etcd" logger.
	Logger lease.Logger
}

// Validate returns an error if config cannot dial a Client.
func (config Config) Validate() error {
	if config.Endpoint == "" {
		return errors.NotValidf("empty Endpoint")
	}
	return nil
}

// Client speaks the etcd lease and KV services. It is safe for
// concurrent use and is shared by every lease created against it;
// Close fails any outstanding calls rather than leaving them to hang.
type Client struct {
	conn   *grpc.ClientConn
	leases pb.LeaseClient
	kv     pb.KVClient
	clock  clock.Clock
	logger lease.Logger
}

// Dial connects a Client to the configured endpoint.
func Dial(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	creds := insecure.NewCredentials()
	if config.TLSConfig != nil {
		creds = credentials.NewTLS(config.TLSConfig)
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
	}, config.DialOptions...)
	conn, err := grpc.NewClient(config.Endpoint, opts...)
	if err != nil {
		return nil, errors.Annotatef(err, "dialling %q", config.Endpoint)
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	if config.Logger == nil {
		config.Logger = loggo.GetLogger("lease.etcd")
	}
	return &Client{
		conn:   conn,
		leases: pb.NewLeaseClient(conn),
		kv:     pb.NewKVClient(conn),
		clock:  config.Clock,
		logger: config.Logger,
	}, nil
}

// Close releases the underlying connection. Lease operations in
// flight fail with transient errors.
func (c *Client) Close() error {
	return errors.Trace(c.conn.Close())
}

// Grant is part of lease.Client.
func (c *Client) Grant(ctx context.Context, ttl int64) (lease.GrantResponse, error) {
	resp, err := c.leases.LeaseGrant(ctx, &pb.LeaseGrantRequest{TTL: ttl})
	if err != nil {
		return lease.GrantResponse{}, classify(err)
	}
	if resp.Error != "" {
		return lease.GrantResponse{}, errors.New(resp.Error)
	}
	return lease.GrantResponse{ID: lease.ID(resp.ID), TTL: resp.TTL}, nil
}

// KeepAlive is part of lease.Client. The etcd renewal RPC is a
// stream; a single renewal is one exchange on a throwaway stream. The
// store signals an unknown lease by answering with a zero TTL rather
// than an error.
func (c *Client) KeepAlive(ctx context.Context, id lease.ID) (lease.KeepAliveResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := c.leases.LeaseKeepAlive(ctx)
	if err != nil {
		return lease.KeepAliveResponse{}, classify(err)
	}
	if err := stream.Send(&pb.LeaseKeepAliveRequest{ID: int64(id)}); err != nil {
		return lease.KeepAliveResponse{}, classify(err)
	}
	resp, err := stream.Recv()
	if err != nil {
		return lease.KeepAliveResponse{}, classify(err)
	}
	_ = stream.CloseSend()
	if resp.TTL <= 0 {
		return lease.KeepAliveResponse{}, errors.Annotatef(lease.ErrInvalid, "lease %d", id)
	}
	return lease.KeepAliveResponse{ID: lease.ID(resp.ID), TTL: resp.TTL}, nil
}

// Revoke is part of lease.Client. Transient failures are retried a few
// times before giving up; a store that no longer knows the lease is a
// success from the caller's point of view.
func (c *Client) Revoke(ctx context.Context, id lease.ID) error {
	var err error
	for a := retry.StartWithCancel(revokeRetryStrategy, c.clock, ctx.Done()); a.Next(); {
		_, err = c.leases.LeaseRevoke(ctx, &pb.LeaseRevokeRequest{ID: int64(id)})
		if err == nil {
			return nil
		}
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if a.More() {
			c.logger.Debugf("revoking lease %d: %v, retrying", id, err)
		}
	}
	if err == nil {
		return errors.Trace(ctx.Err())
	}
	return errors.Trace(err)
}

// PutWithLease is part of lease.Client.
func (c *Client) PutWithLease(ctx context.Context, key, value []byte, id lease.ID) error {
	_, err := c.kv.Put(ctx, &pb.PutRequest{
		Key:   key,
		Value: value,
		Lease: int64(id),
	})
	return classify(err)
}

// Get reads a single key, returning its value and the lease attached
// to it. It returns a not-found error for an absent key, which is how
// callers observe that a revoked or expired lease has taken its keys
// with it.
func (c *Client) Get(ctx context.Context, key string) ([]byte, lease.ID, error) {
	resp, err := c.kv.Range(ctx, &pb.RangeRequest{Key: []byte(key)})
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, errors.NotFoundf("key %q", key)
	}
	kv := resp.Kvs[0]
	return kv.Value, lease.ID(kv.Lease), nil
}

// classify maps the store saying "no such lease" onto
// lease.ErrInvalid and leaves every other failure transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.NotFound {
		return errors.Annotatef(lease.ErrInvalid, "%s", status.Convert(err).Message())
	}
	return errors.Trace(err)
}
