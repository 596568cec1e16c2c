// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package lease

import (
	"context"

	"github.com/juju/errors"
)

// Put starts a write of key whose lifetime is bound to this lease. The
// returned operation is executed with Do once a value is supplied.
func (l *Lease) Put(key string) *PutOp {
	return &PutOp{lease: l, key: []byte(key)}
}

// PutOp is a pending leased write.
type PutOp struct {
	lease *Lease
	key   []byte
	value []byte
}

// Value sets the value to write.
func (p *PutOp) Value(value string) *PutOp {
	p.value = []byte(value)
	return p
}

// ValueBytes sets the value to write.
func (p *PutOp) ValueBytes(value []byte) *PutOp {
	p.value = value
	return p
}

// Do resolves the lease identifier and issues the write. A write the
// store rejects because the lease is invalid forces the lease into
// Lost and publishes lease.lost with the same error returned here, so
// invalidity discovered through ordinary data-plane traffic feeds the
// single loss signal rather than only the caller that tripped over it.
func (p *PutOp) Do(ctx context.Context) error {
	id, err := p.lease.Grant(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	err = p.lease.config.Client.PutWithLease(ctx, p.key, p.value, id)
	if err == nil {
		return nil
	}
	if IsInvalid(err) {
		p.lease.lose(err)
		return err
	}
	return errors.Annotatef(err, "writing leased key %q", p.key)
}
