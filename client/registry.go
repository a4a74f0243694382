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

package client

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/CovenantSQL/litepool/conf"
	"github.com/CovenantSQL/litepool/interfaces"
	"github.com/CovenantSQL/litepool/proto"
	"github.com/CovenantSQL/litepool/utils/log"
)

// Registry is the registration table of open connections keyed by database name. It routes
// the pool callbacks of a database to the connection that opened it.
type Registry struct {
	pool interfaces.Pool

	sync.RWMutex
	conns map[string]*Conn
}

var _ interfaces.EventSink = (*Registry)(nil)

// NewRegistry returns a new Registry and installs it as the event sink of pool.
func NewRegistry(pool interfaces.Pool) *Registry {
	r := &Registry{
		pool:  pool,
		conns: make(map[string]*Conn),
	}
	pool.SetEventSink(r)
	return r
}

// Open opens the named database in the pool and returns its connection. A nil cfg uses
// the defaults in the working directory.
func (r *Registry) Open(name string, cfg *conf.Database, opts ...Option) (c *Conn, err error) {
	if cfg == nil {
		cfg = conf.NewDatabase(name, "")
	} else {
		d := *cfg
		d.Name = name
		d.SetDefaults()
		cfg = &d
	}
	if err = cfg.Validate(); err != nil {
		return
	}

	r.Lock()
	defer r.Unlock()
	if _, ok := r.conns[name]; ok {
		err = errors.Wrap(ErrConnectionOpen, name)
		return
	}
	if err = r.pool.Open(name, cfg); err != nil {
		return
	}
	c = newConn(r, cfg, opts...)
	r.conns[name] = c
	return
}

// Get returns the open connection of name.
func (r *Registry) Get(name string) (c *Conn, ok bool) {
	r.RLock()
	defer r.RUnlock()
	c, ok = r.conns[name]
	return
}

// Names returns the names of all open connections in order.
func (r *Registry) Names() (names []string) {
	r.RLock()
	defer r.RUnlock()
	for name := range r.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return
}

// CloseAll closes every open connection.
func (r *Registry) CloseAll() (err error) {
	for _, name := range r.Names() {
		if c, ok := r.Get(name); ok {
			if cerr := c.Close(); cerr != nil {
				log.WithError(cerr).WithField("db", name).Warning("close connection failed")
				err = cerr
			}
		}
	}
	return
}

func (r *Registry) remove(name string, c *Conn) {
	r.Lock()
	defer r.Unlock()
	if r.conns[name] == c {
		delete(r.conns, name)
	}
}

// OnLockGranted implements interfaces.EventSink. A grant for a database without connection
// is released right away.
func (r *Registry) OnLockGranted(dbName string, id proto.LockID) {
	if c, ok := r.Get(dbName); ok {
		c.broker.OnGranted(id)
		return
	}
	log.WithFields(log.Fields{
		"db":   dbName,
		"lock": id,
	}).Debug("grant for unknown connection")
	if err := r.pool.ReleaseLock(dbName, id); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"db":   dbName,
			"lock": id,
		}).Warning("release grant of unknown connection failed")
	}
}

// OnRowChanged implements interfaces.EventSink.
func (r *Registry) OnRowChanged(dbName string, table string, op proto.RowOp, rowID int64) {
	if c, ok := r.Get(dbName); ok {
		c.listener.HandleRawUpdate(proto.UpdateNotification{
			Table: table,
			RowID: rowID,
			Op:    op,
		})
	}
}

// OnTransactionEvent implements interfaces.EventSink.
func (r *Registry) OnTransactionEvent(dbName string, e proto.TransactionEvent) {
	if c, ok := r.Get(dbName); ok {
		c.listener.OnTransactionEvent(e)
	}
}
