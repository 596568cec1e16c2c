// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package etcd_test

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	gc "gopkg.in/check.v1"
	"gopkg.in/retry.v1"

	"github.com/juju/lease"
	"github.com/juju/lease/etcd"
)

// fakeLeaseClient stubs the lease service. Unstubbed methods panic via
// the embedded nil interface.
type fakeLeaseClient struct {
	pb.LeaseClient

	grant       func(*pb.LeaseGrantRequest) (*pb.LeaseGrantResponse, error)
	revoke      func(*pb.LeaseRevokeRequest) (*pb.LeaseRevokeResponse, error)
	keepAlive   func() (pb.Lease_LeaseKeepAliveClient, error)
	revokeCalls int
}

func (f *fakeLeaseClient) LeaseGrant(_ context.Context, req *pb.LeaseGrantRequest, _ ...grpc.CallOption) (*pb.LeaseGrantResponse, error) {
	return f.grant(req)
}

func (f *fakeLeaseClient) LeaseRevoke(_ context.Context, req *pb.LeaseRevokeRequest, _ ...grpc.CallOption) (*pb.LeaseRevokeResponse, error) {
	f.revokeCalls++
	return f.revoke(req)
}

func (f *fakeLeaseClient) LeaseKeepAlive(_ context.Context, _ ...grpc.CallOption) (pb.Lease_LeaseKeepAliveClient, error) {
	return f.keepAlive()
}

// fakeKeepAliveStream plays one renewal exchange.
type fakeKeepAliveStream struct {
	grpc.ClientStream

	sent    []*pb.LeaseKeepAliveRequest
	resp    *pb.LeaseKeepAliveResponse
	sendErr error
	recvErr error
}

func (s *fakeKeepAliveStream) Send(req *pb.LeaseKeepAliveRequest) error {
	s.sent = append(s.sent, req)
	return s.sendErr
}

func (s *fakeKeepAliveStream) Recv() (*pb.LeaseKeepAliveResponse, error) {
	if s.recvErr != nil {
		return nil, s.recvErr
	}
	return s.resp, nil
}

func (s *fakeKeepAliveStream) CloseSend() error {
	return nil
}

type fakeKVClient struct {
	pb.KVClient

	put      func(*pb.PutRequest) (*pb.PutResponse, error)
	getRange func(*pb.RangeRequest) (*pb.RangeResponse, error)
}

func (f *fakeKVClient) Put(_ context.Context, req *pb.PutRequest, _ ...grpc.CallOption) (*pb.PutResponse, error) {
	return f.put(req)
}

func (f *fakeKVClient) Range(_ context.Context, req *pb.RangeRequest, _ ...grpc.CallOption) (*pb.RangeResponse, error) {
	return f.getRange(req)
}

type ClientSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&ClientSuite{})

func (s *ClientSuite) newClient(leases *fakeLeaseClient, kv *fakeKVClient) *etcd.Client {
	return etcd.NewClientForTest(leases, kv, clock.WallClock, loggo.GetLogger("test.etcd"))
}

func (s *ClientSuite) TestDialRequiresEndpoint(c *gc.C) {
	_, err := etcd.Dial(etcd.Config{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *ClientSuite) TestGrant(c *gc.C) {
	leases := &fakeLeaseClient{
		grant: func(req *pb.LeaseGrantRequest) (*pb.LeaseGrantResponse, error) {
			c.Check(req.TTL, gc.Equals, int64(30))
			return &pb.LeaseGrantResponse{ID: 7, TTL: 30}, nil
		},
	}
	resp, err := s.newClient(leases, nil).Grant(context.Background(), 30)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(resp, gc.Equals, lease.GrantResponse{ID: 7, TTL: 30})
}

func (s *ClientSuite) TestGrantServerNegotiatesTTL(c *gc.C) {
	leases := &fakeLeaseClient{
		grant: func(req *pb.LeaseGrantRequest) (*pb.LeaseGrantResponse, error) {
			// The store may clamp the requested TTL.
			return &pb.LeaseGrantResponse{ID: 7, TTL: req.TTL / 2}, nil
		},
	}
	resp, err := s.newClient(leases, nil).Grant(context.Background(), 120)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(resp.TTL, gc.Equals, int64(60))
}

func (s *ClientSuite) TestGrantEmbeddedError(c *gc.C) {
	leases := &fakeLeaseClient{
		grant: func(*pb.LeaseGrantRequest) (*pb.LeaseGrantResponse, error) {
			return &pb.LeaseGrantResponse{Error: "etcdserver: too many requests"}, nil
		},
	}
	_, err := s.newClient(leases, nil).Grant(context.Background(), 30)
	c.Assert(err, gc.ErrorMatches, "etcdserver: too many requests")
	c.Check(lease.IsInvalid(err), jc.IsFalse)
}

func (s *ClientSuite) TestGrantTransportErrorIsTransient(c *gc.C) {
	leases := &fakeLeaseClient{
		grant: func(*pb.LeaseGrantRequest) (*pb.LeaseGrantResponse, error) {
			return nil, status.Error(codes.Unavailable, "connection refused")
		},
	}
	_, err := s.newClient(leases, nil).Grant(context.Background(), 30)
	c.Assert(err, gc.NotNil)
	c.Check(lease.IsInvalid(err), jc.IsFalse)
}

func (s *ClientSuite) TestKeepAlive(c *gc.C) {
	stream := &fakeKeepAliveStream{
		resp: &pb.LeaseKeepAliveResponse{ID: 7, TTL: 30},
	}
	leases := &fakeLeaseClient{
		keepAlive: func() (pb.Lease_LeaseKeepAliveClient, error) {
			return stream, nil
		},
	}
	resp, err := s.newClient(leases, nil).KeepAlive(context.Background(), 7)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(resp, gc.Equals, lease.KeepAliveResponse{ID: 7, TTL: 30})
	c.Assert(stream.sent, gc.HasLen, 1)
	c.Check(stream.sent[0].ID, gc.Equals, int64(7))
}

func (s *ClientSuite) TestKeepAliveZeroTTLMeansInvalid(c *gc.C) {
	// The stream protocol reports an unknown lease with TTL 0, not an
	// error.
	stream := &fakeKeepAliveStream{
		resp: &pb.LeaseKeepAliveResponse{ID: 7, TTL: 0},
	}
	leases := &fakeLeaseClient{
		keepAlive: func() (pb.Lease_LeaseKeepAliveClient, error) {
			return stream, nil
		},
	}
	_, err := s.newClient(leases, nil).KeepAlive(context.Background(), 7)
	c.Assert(err, jc.ErrorIs, lease.ErrInvalid)
}

func (s *ClientSuite) TestKeepAliveRecvFailureIsTransient(c *gc.C) {
	stream := &fakeKeepAliveStream{
		recvErr: status.Error(codes.Unavailable, "transport is closing"),
	}
	leases := &fakeLeaseClient{
		keepAlive: func() (pb.Lease_LeaseKeepAliveClient, error) {
			return stream, nil
		},
	}
	_, err := s.newClient(leases, nil).KeepAlive(context.Background(), 7)
	c.Assert(err, gc.NotNil)
	c.Check(lease.IsInvalid(err), jc.IsFalse)
}

func (s *ClientSuite) TestRevokeRetriesTransientFailures(c *gc.C) {
	restore := etcd.PatchRevokeRetryStrategy(retry.LimitCount(5, retry.Regular{Min: 5}))
	defer restore()

	leases := &fakeLeaseClient{}
	leases.revoke = func(*pb.LeaseRevokeRequest) (*pb.LeaseRevokeResponse, error) {
		if leases.revokeCalls < 3 {
			return nil, status.Error(codes.Unavailable, "connection refused")
		}
		return &pb.LeaseRevokeResponse{}, nil
	}
	err := s.newClient(leases, nil).Revoke(context.Background(), 7)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(leases.revokeCalls, gc.Equals, 3)
}

func (s *ClientSuite) TestRevokeGivesUpEventually(c *gc.C) {
	restore := etcd.PatchRevokeRetryStrategy(retry.LimitCount(3, retry.Regular{Min: 3}))
	defer restore()

	failure := status.Error(codes.Unavailable, "connection refused")
	leases := &fakeLeaseClient{
		revoke: func(*pb.LeaseRevokeRequest) (*pb.LeaseRevokeResponse, error) {
			return nil, failure
		},
	}
	err := s.newClient(leases, nil).Revoke(context.Background(), 7)
	c.Assert(errors.Cause(err), gc.Equals, failure)
	c.Check(leases.revokeCalls, gc.Equals, 3)
}

func (s *ClientSuite) TestRevokeUnknownLeaseIsSuccess(c *gc.C) {
	leases := &fakeLeaseClient{
		revoke: func(*pb.LeaseRevokeRequest) (*pb.LeaseRevokeResponse, error) {
			return nil, status.Error(codes.NotFound, "etcdserver: requested lease not found")
		},
	}
	err := s.newClient(leases, nil).Revoke(context.Background(), 7)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(leases.revokeCalls, gc.Equals, 1)
}

func (s *ClientSuite) TestPutWithLease(c *gc.C) {
	kv := &fakeKVClient{
		put: func(req *pb.PutRequest) (*pb.PutResponse, error) {
			c.Check(string(req.Key), gc.Equals, "service/web/0")
			c.Check(string(req.Value), gc.Equals, "10.0.0.7:8080")
			c.Check(req.Lease, gc.Equals, int64(7))
			return &pb.PutResponse{}, nil
		},
	}
	client := s.newClient(nil, kv)
	err := client.PutWithLease(context.Background(), []byte("service/web/0"), []byte("10.0.0.7:8080"), 7)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *ClientSuite) TestPutWithUnknownLease(c *gc.C) {
	kv := &fakeKVClient{
		put: func(*pb.PutRequest) (*pb.PutResponse, error) {
			return nil, status.Error(codes.NotFound, "etcdserver: requested lease not found")
		},
	}
	err := s.newClient(nil, kv).PutWithLease(context.Background(), []byte("k"), []byte("v"), 7)
	c.Assert(err, jc.ErrorIs, lease.ErrInvalid)
	c.Check(err, gc.ErrorMatches, ".*requested lease not found.*")
}

func (s *ClientSuite) TestGet(c *gc.C) {
	kv := &fakeKVClient{
		getRange: func(req *pb.RangeRequest) (*pb.RangeResponse, error) {
			c.Check(string(req.Key), gc.Equals, "service/web/0")
			return &pb.RangeResponse{
				Kvs: []*mvccpb.KeyValue{{
					Key:   req.Key,
					Value: []byte("10.0.0.7:8080"),
					Lease: 7,
				}},
			}, nil
		},
	}
	value, id, err := s.newClient(nil, kv).Get(context.Background(), "service/web/0")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(value), gc.Equals, "10.0.0.7:8080")
	c.Check(id, gc.Equals, lease.ID(7))
}

func (s *ClientSuite) TestGetMissingKey(c *gc.C) {
	kv := &fakeKVClient{
		getRange: func(*pb.RangeRequest) (*pb.RangeResponse, error) {
			return &pb.RangeResponse{}, nil
		},
	}
	_, _, err := s.newClient(nil, kv).Get(context.Background(), "gone")
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}
