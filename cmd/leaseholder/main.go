// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// leaseholder grants a lease against an etcd-style store, binds a key
// to it, and keeps the lease alive until interrupted, at which point
// the lease is revoked and the key disappears with it. Useful as a
// session liveness marker, and as a smoke test for a deployment.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/loggo/v2"
	"github.com/urfave/cli"

	"github.com/juju/lease"
	"github.com/juju/lease/etcd"
)

var logger = loggo.GetLogger("leaseholder")

const revokeTimeout = 10 * time.Second

func main() {
	app := cli.NewApp()
	app.Name = "leaseholder"
	app.Usage = "hold a lease-bound key in a coordination store"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "endpoint",
			Usage: "gRPC endpoint of the store",
			Value: "localhost:2379",
		},
		cli.Int64Flag{
			Name:  "ttl",
			Usage: "lease time-to-live in seconds",
			Value: 60,
		},
		cli.StringFlag{
			Name:  "key",
			Usage: "key to bind to the lease",
			Value: "leaseholder",
		},
		cli.StringFlag{
			Name:  "value",
			Usage: "value to write under the key",
			Value: "alive",
		},
		cli.StringFlag{
			Name:  "log-config",
			Usage: "loggo configuration string",
			Value: "<root>=INFO",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "leaseholder: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if err := loggo.ConfigureLoggers(c.String("log-config")); err != nil {
		return err
	}

	client, err := etcd.Dial(etcd.Config{
		Endpoint: c.String("endpoint"),
	})
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	l, err := lease.New(lease.Config{
		Client: client,
		TTL:    c.Int64("ttl"),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	lost := make(chan error, 1)
	l.SubscribeOnce(lease.TopicLost, func(_ string, data interface{}) {
		err, _ := data.(error)
		lost <- err
	})
	l.Subscribe(lease.TopicKeepAliveSucceeded, func(_ string, data interface{}) {
		resp := data.(lease.KeepAliveResponse)
		logger.Debugf("renewed, %ds remaining", resp.TTL)
	})
	l.Subscribe(lease.TopicKeepAliveFailed, func(_ string, data interface{}) {
		logger.Warningf("renewal failed: %v", data)
	})

	ctx := context.Background()
	id, err := l.Grant(ctx)
	if err != nil {
		return err
	}
	logger.Infof("holding lease %d", id)

	key := c.String("key")
	if err := l.Put(key).Value(c.String("value")).Do(ctx); err != nil {
		return err
	}
	logger.Infof("bound key %q to lease %d", key, id)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-lost:
		return fmt.Errorf("lease lost: %v", err)
	case sig := <-interrupt:
		logger.Infof("caught %v, revoking", sig)
	}

	revokeCtx, cancel := context.WithTimeout(ctx, revokeTimeout)
	defer cancel()
	return l.Revoke(revokeCtx)
}
