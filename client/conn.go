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

// Package client exposes pooled sqlite databases as connections with lock, transaction and
// change notification primitives.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/CovenantSQL/litepool/broker"
	"github.com/CovenantSQL/litepool/conf"
	"github.com/CovenantSQL/litepool/eventbus"
	"github.com/CovenantSQL/litepool/interfaces"
	"github.com/CovenantSQL/litepool/listener"
	"github.com/CovenantSQL/litepool/proto"
	"github.com/CovenantSQL/litepool/txn"
	"github.com/CovenantSQL/litepool/utils/log"
)

// Option configures a connection on open.
type Option func(*Conn)

// WithLockHooks installs hooks called around every lock of the connection.
func WithLockHooks(h broker.Hooks) Option {
	return func(c *Conn) {
		c.lockHooks = h
	}
}

// WithTransactionHooks installs hooks called on the transaction boundaries of the connection.
func WithTransactionHooks(h txn.Hooks) Option {
	return func(c *Conn) {
		c.txHooks = h
	}
}

// LockOption tunes a single lock request.
type LockOption func(*broker.LockOptions)

// WithTimeout rejects the lock request with broker.ErrLockTimeout if it is not granted
// within d.
func WithTimeout(d time.Duration) LockOption {
	return func(o *broker.LockOptions) {
		o.Timeout = d
	}
}

// Conn is an open pooled database.
type Conn struct {
	name      string
	cfg       *conf.Database
	registry  *Registry
	pool      interfaces.Pool
	broker    *broker.Broker
	listener  *listener.Manager
	lockHooks broker.Hooks
	txHooks   txn.Hooks

	closeOnce sync.Once
	closeErr  error
}

func newConn(r *Registry, cfg *conf.Database, opts ...Option) (c *Conn) {
	c = &Conn{
		name:     cfg.Name,
		cfg:      cfg,
		registry: r,
		pool:     r.pool,
		listener: listener.NewManager(cfg.Name),
	}
	for _, opt := range opts {
		opt(c)
	}

	hooks := c.lockHooks
	userReleased := hooks.LockReleased
	hooks.LockReleased = func(lc *broker.LockContext) {
		if lc.Type() == proto.WriteLock {
			c.listener.FlushUpdates()
		}
		if userReleased != nil {
			userReleased(lc)
		}
	}
	c.broker = broker.NewBroker(cfg.Name, r.pool, hooks)
	return
}

func (c *Conn) log(msg ...interface{}) {
	log.WithField("db", c.name).Debug(msg...)
}

// Name returns the database name.
func (c *Conn) Name() string {
	return c.name
}

// Config returns the database config.
func (c *Conn) Config() *conf.Database {
	return c.cfg
}

func (c *Conn) lockOptions(opts []LockOption) (o broker.LockOptions) {
	o.Timeout = c.cfg.DefaultLockTimeout
	for _, opt := range opts {
		opt(&o)
	}
	return
}

// ReadLock runs fn while holding a reader connection.
func (c *Conn) ReadLock(ctx context.Context, fn broker.LockFunc, opts ...LockOption) error {
	return c.broker.Request(ctx, proto.ReadLock, c.lockOptions(opts), fn)
}

// WriteLock runs fn while holding the writer connection. Changes made under the lock are
// published as one batch when it is released.
func (c *Conn) WriteLock(ctx context.Context, fn broker.LockFunc, opts ...LockOption) error {
	return c.broker.Request(ctx, proto.WriteLock, c.lockOptions(opts), fn)
}

// ReadTransaction runs fn in a transaction on a reader connection. The transaction is rolled
// back unless fn commits it.
func (c *Conn) ReadTransaction(ctx context.Context, fn txn.TxFunc, opts ...LockOption) error {
	return c.ReadLock(ctx, func(ctx context.Context, lc *broker.LockContext) error {
		return txn.Run(ctx, lc, txn.FinalizeRollback, c.txHooks, fn)
	}, opts...)
}

// WriteTransaction runs fn in a transaction on the writer connection. The transaction is
// committed unless fn fails or finalizes it.
func (c *Conn) WriteTransaction(ctx context.Context, fn txn.TxFunc, opts ...LockOption) error {
	return c.WriteLock(ctx, func(ctx context.Context, lc *broker.LockContext) error {
		return txn.Run(ctx, lc, txn.FinalizeCommit, c.txHooks, fn)
	}, opts...)
}

// Execute runs a single statement under a write lock.
func (c *Conn) Execute(ctx context.Context, query string, args ...interface{}) (res *proto.QueryResult, err error) {
	err = c.WriteLock(ctx, func(ctx context.Context, lc *broker.LockContext) (err error) {
		res, err = lc.Execute(ctx, query, args...)
		return
	})
	return
}

// ExecuteBatch runs commands in one exclusive transaction under a write lock.
func (c *Conn) ExecuteBatch(ctx context.Context, commands []proto.BatchCommand) (res *proto.BatchResult, err error) {
	err = c.WriteLock(ctx, func(ctx context.Context, lc *broker.LockContext) (err error) {
		res, err = lc.ExecuteBatch(ctx, commands)
		return
	})
	return
}

// LoadFile runs the statements of a SQL file, one per line, in one exclusive transaction.
func (c *Conn) LoadFile(ctx context.Context, path string) (res *proto.FileLoadResult, err error) {
	err = c.WriteLock(ctx, func(ctx context.Context, lc *broker.LockContext) (err error) {
		res, err = lc.LoadFile(ctx, path)
		return
	})
	return
}

// Attach attaches another database of location as alias. An empty location means the
// directory of this database.
func (c *Conn) Attach(otherName string, alias string, location string) error {
	if c.broker.Closed() {
		return broker.ErrConnectionClosed
	}
	return c.pool.Attach(c.name, otherName, alias, location)
}

// Detach detaches the database attached as alias.
func (c *Conn) Detach(alias string) error {
	if c.broker.Closed() {
		return broker.ErrConnectionClosed
	}
	return c.pool.Detach(c.name, alias)
}

// RefreshSchema makes every connection drop its cached statements and reload the schema,
// for instance after another process changed it. Connections in use refresh when released.
func (c *Conn) RefreshSchema() error {
	if c.broker.Closed() {
		return broker.ErrConnectionClosed
	}
	return c.pool.RefreshSchema(c.name)
}

// RegisterUpdateHook subscribes fn to every row change as soon as it happens.
func (c *Conn) RegisterUpdateHook(fn func(proto.UpdateNotification)) eventbus.Unsubscribe {
	return c.listener.Bus().SubscribeRawTableChange(fn)
}

// RegisterTablesChangedHook subscribes fn to the batched changes of each released write lock.
func (c *Conn) RegisterTablesChangedHook(fn func(*proto.BatchedUpdateNotification)) eventbus.Unsubscribe {
	return c.listener.Bus().SubscribeTablesUpdated(fn)
}

// RegisterListener subscribes every capability set in l.
func (c *Conn) RegisterListener(l listener.Listener) eventbus.Unsubscribe {
	return c.listener.RegisterListener(l)
}

// Close rejects all pending lock requests with broker.ErrConnectionClosed and closes the
// database in the pool. Closing twice is a no-op.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.broker.Close()
		c.listener.Close()
		c.registry.remove(c.name, c)
		c.closeErr = c.pool.Close(c.name)
		c.log("connection closed")
	})
	return c.closeErr
}

// Delete closes the connection and removes the database files.
func (c *Conn) Delete() (err error) {
	if err = c.Close(); err != nil {
		log.WithError(err).WithField("db", c.name).Warning("close before delete failed")
	}
	if err = c.pool.Delete(c.name, c.cfg.Location); err != nil {
		return errors.Wrapf(err, "delete database %s failed", c.name)
	}
	return
}
