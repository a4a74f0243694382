/*
 * Copyright 2019 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package broker matches lock requests of a connection with the asynchronous grants of the
// pool and guarantees every granted slot is released exactly once.
package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/CovenantSQL/litepool/interfaces"
	"github.com/CovenantSQL/litepool/metric"
	"github.com/CovenantSQL/litepool/proto"
	"github.com/CovenantSQL/litepool/utils/log"
	"github.com/CovenantSQL/litepool/utils/timer"
)

// Hooks are called around every granted lock of a broker. Nil hooks are skipped.
type Hooks struct {
	// LockAcquired is called after the grant, before the callback runs.
	LockAcquired func(lc *LockContext)
	// LockReleased is called after the callback settles, right before the slot is handed
	// back to the pool. It runs even if the callback failed or panicked.
	LockReleased func(lc *LockContext)
	// Execute is called after each successful statement.
	Execute func(lc *LockContext, query string, args []interface{})
}

// LockOptions tunes a single lock request.
type LockOptions struct {
	// Timeout rejects the request with ErrLockTimeout if no grant arrived in time.
	// Zero means wait forever.
	Timeout time.Duration
}

// LockFunc is the callback run while a lock is held.
type LockFunc func(ctx context.Context, lc *LockContext) error

type request struct {
	id       proto.LockID
	lockType proto.LockType
	// ready receives exactly one value: nil on grant, ErrConnectionClosed on close.
	ready chan error
}

// Broker is the lock broker of one connection.
type Broker struct {
	name   string
	pool   interfaces.Pool
	hooks  Hooks
	nextID uint64

	sync.Mutex
	pending map[proto.LockID]*request
	closed  bool
}

// NewBroker returns a new Broker for the named database.
func NewBroker(name string, pool interfaces.Pool, hooks Hooks) *Broker {
	return &Broker{
		name:    name,
		pool:    pool,
		hooks:   hooks,
		pending: make(map[proto.LockID]*request),
	}
}

// Name returns the database name.
func (b *Broker) Name() string {
	return b.name
}

// Pending returns the number of requests waiting for a grant.
func (b *Broker) Pending() int {
	b.Lock()
	defer b.Unlock()
	return len(b.pending)
}

func (b *Broker) register(t proto.LockType) (req *request, err error) {
	b.Lock()
	defer b.Unlock()
	if b.closed {
		err = ErrConnectionClosed
		return
	}
	req = &request{
		id:       proto.LockID(atomic.AddUint64(&b.nextID, 1)),
		lockType: t,
		ready:    make(chan error, 1),
	}
	b.pending[req.id] = req
	metric.PendingRequests.WithLabelValues(b.name).Inc()
	return
}

// remove deletes the pending entry of id and reports whether it was still present. The
// caller must hold the broker lock.
func (b *Broker) remove(id proto.LockID) (req *request, ok bool) {
	if req, ok = b.pending[id]; ok {
		delete(b.pending, id)
		metric.PendingRequests.WithLabelValues(b.name).Dec()
	}
	return
}

// abandon removes a request on behalf of a timed out or cancelled caller. If a grant or a
// close already removed it, the result they delivered is returned instead of cause.
func (b *Broker) abandon(req *request, cause error) error {
	b.Lock()
	_, ok := b.remove(req.id)
	b.Unlock()
	if ok {
		return cause
	}
	return <-req.ready
}

// Request queues a lock of type t, waits for the grant and runs fn while the lock is held.
// The lock is released exactly once when fn returns, fails or panics.
func (b *Broker) Request(ctx context.Context, t proto.LockType, opts LockOptions, fn LockFunc) (err error) {
	var (
		req *request
		tm  = timer.NewTimer()
	)
	if req, err = b.register(t); err != nil {
		return
	}

	if err = b.pool.RequestLock(b.name, req.id, t); err != nil {
		b.Lock()
		_, ok := b.remove(req.id)
		b.Unlock()
		if ok {
			return &PoolRejectedError{Err: err}
		}
		// a close raced the rejection, nothing was granted
		return <-req.ready
	}

	var timeoutC <-chan time.Time
	if opts.Timeout > 0 {
		tc := time.NewTimer(opts.Timeout)
		defer tc.Stop()
		timeoutC = tc.C
	}

	select {
	case err = <-req.ready:
	case <-timeoutC:
		err = b.abandon(req, errors.Wrapf(ErrLockTimeout, "after %v", opts.Timeout))
		if errors.Cause(err) == ErrLockTimeout {
			metric.LockTimeouts.WithLabelValues(b.name, t.String()).Inc()
		}
	case <-ctx.Done():
		err = b.abandon(req, ctx.Err())
	}
	if err != nil {
		return
	}

	tm.Add("wait")
	metric.LockWaitSeconds.WithLabelValues(b.name, t.String()).Observe(tm.Elapsed().Seconds())
	return b.run(ctx, req, tm, fn)
}

func (b *Broker) run(ctx context.Context, req *request, tm *timer.Timer, fn LockFunc) (err error) {
	lc := &LockContext{
		b:          b,
		id:         req.id,
		lockType:   req.lockType,
		acquiredAt: time.Now(),
	}
	defer func() {
		b.release(lc)
		tm.Add("hold")
		log.WithFields(log.Fields{
			"db":   b.name,
			"lock": lc.id,
			"type": lc.lockType,
		}).WithFields(tm.ToLogFields()).Debug("lock duration stat (us)")
	}()
	if fn := b.hooks.LockAcquired; fn != nil {
		fn(lc)
	}
	return fn(ctx, lc)
}

func (b *Broker) release(lc *LockContext) {
	if !lc.markReleased() {
		return
	}
	// an open transaction must roll back before the release hook sees its changes
	if err := b.pool.ResetTransaction(b.name, lc.id); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"db":   b.name,
			"lock": lc.id,
		}).Warning("reset transaction on release failed")
	}
	if fn := b.hooks.LockReleased; fn != nil {
		fn(lc)
	}
	metric.LockHoldSeconds.WithLabelValues(b.name, lc.lockType.String()).Observe(
		time.Since(lc.acquiredAt).Seconds())
	if err := b.pool.ReleaseLock(b.name, lc.id); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"db":   b.name,
			"lock": lc.id,
		}).Warning("release lock failed")
	}
}

// OnGranted matches a grant from the pool with its pending request. A grant with no pending
// request is released back to the pool right away.
func (b *Broker) OnGranted(id proto.LockID) {
	b.Lock()
	req, ok := b.remove(id)
	if ok {
		req.ready <- nil
	}
	b.Unlock()
	if ok {
		return
	}

	metric.OrphanGrants.WithLabelValues(b.name).Inc()
	log.WithFields(log.Fields{
		"db":   b.name,
		"lock": id,
	}).Debug("release orphan grant")
	if err := b.pool.ReleaseLock(b.name, id); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"db":   b.name,
			"lock": id,
		}).Warning("release orphan grant failed")
	}
}

// Close rejects every pending request with ErrConnectionClosed. Requests issued afterwards
// fail with the same error.
func (b *Broker) Close() {
	b.Lock()
	defer b.Unlock()
	b.closed = true
	for id := range b.pending {
		req, _ := b.remove(id)
		req.ready <- ErrConnectionClosed
	}
}

// Closed reports whether Close was called.
func (b *Broker) Closed() bool {
	b.Lock()
	defer b.Unlock()
	return b.closed
}
