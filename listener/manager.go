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

// Package listener buffers row change notifications of a connection and publishes them
// according to write transaction outcomes.
package listener

import (
	"sync"

	"github.com/CovenantSQL/litepool/eventbus"
	"github.com/CovenantSQL/litepool/proto"
	"github.com/CovenantSQL/litepool/utils/log"
)

// Listener is a subscriber implementing any subset of the connection events. Nil fields are
// not subscribed.
type Listener struct {
	// RawTableChange is fired for every row change as soon as it happens, including changes
	// of transactions that are later rolled back.
	RawTableChange func(proto.UpdateNotification)
	// TablesUpdated is fired once per released write lock with the changes it accumulated.
	TablesUpdated func(*proto.BatchedUpdateNotification)
	// WriteTransaction is fired when a write transaction starts, commits or rolls back.
	WriteTransaction func(proto.TransactionEvent)
	// Closed is fired when the connection is closed.
	Closed func()
}

// Manager is the per-connection listener manager.
type Manager struct {
	name string
	bus  *eventbus.Bus

	sync.Mutex
	buffer []proto.UpdateNotification
	closed bool
}

// NewManager returns a new Manager for the named connection.
func NewManager(name string) *Manager {
	return &Manager{
		name: name,
		bus:  eventbus.New(),
	}
}

// Bus returns the underlying notification bus.
func (m *Manager) Bus() *eventbus.Bus {
	return m.bus
}

// RegisterListener subscribes every non-nil capability of l and returns a single handle
// removing all of them.
func (m *Manager) RegisterListener(l Listener) eventbus.Unsubscribe {
	var uns []eventbus.Unsubscribe
	if l.RawTableChange != nil {
		uns = append(uns, m.bus.SubscribeRawTableChange(l.RawTableChange))
	}
	if l.TablesUpdated != nil {
		uns = append(uns, m.bus.SubscribeTablesUpdated(l.TablesUpdated))
	}
	if l.WriteTransaction != nil {
		uns = append(uns, m.bus.SubscribeWriteTransaction(l.WriteTransaction))
	}
	if l.Closed != nil {
		uns = append(uns, m.bus.SubscribeClosed(l.Closed))
	}
	return func() {
		for _, un := range uns {
			un()
		}
	}
}

// HandleRawUpdate fans out n to raw subscribers and buffers it until the next flush. Updates
// arriving after Close are ignored.
func (m *Manager) HandleRawUpdate(n proto.UpdateNotification) {
	m.Lock()
	if m.closed {
		m.Unlock()
		return
	}
	m.Unlock()
	m.bus.PublishRawTableChange(n)

	m.Lock()
	if !m.closed {
		m.buffer = append(m.buffer, n)
	}
	m.Unlock()
}

// FlushUpdates publishes the buffered changes as one batch. It is a no-op on an empty buffer
// and after Close.
func (m *Manager) FlushUpdates() {
	m.Lock()
	if m.closed || len(m.buffer) == 0 {
		m.Unlock()
		return
	}
	batch := proto.NewBatchedUpdateNotification(m.buffer)
	m.buffer = nil
	m.Unlock()

	log.WithFields(log.Fields{
		"db":      m.name,
		"tables":  batch.Tables,
		"updates": len(batch.RawUpdates),
	}).Debug("flush table updates")
	m.bus.PublishTablesUpdated(batch)
}

// OnTransactionEvent publishes e. A rollback drops the buffered changes first.
func (m *Manager) OnTransactionEvent(e proto.TransactionEvent) {
	if e == proto.TxRollback {
		m.Lock()
		dropped := len(m.buffer)
		m.buffer = nil
		m.Unlock()
		if dropped > 0 {
			log.WithFields(log.Fields{
				"db":      m.name,
				"dropped": dropped,
			}).Debug("discard table updates of rolled back transaction")
		}
	}
	m.bus.PublishWriteTransaction(e)
}

// Pending returns the number of buffered changes.
func (m *Manager) Pending() int {
	m.Lock()
	defer m.Unlock()
	return len(m.buffer)
}

// Close drops the buffer and publishes the close event once. No table update is published
// afterwards.
func (m *Manager) Close() {
	m.Lock()
	if m.closed {
		m.Unlock()
		return
	}
	m.closed = true
	m.buffer = nil
	m.Unlock()
	m.bus.PublishClosed()
}
