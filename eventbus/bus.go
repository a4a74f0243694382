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

// Package eventbus implements the per-connection notification bus. Every event kind is a
// distinct topic with typed subscribe methods; handlers run synchronously, in registration
// order, on the goroutine that publishes.
package eventbus

import (
	"sync"

	"github.com/CovenantSQL/litepool/proto"
)

const (
	topicRawTableChange   = "rawTableChange"
	topicTablesUpdated    = "tablesUpdated"
	topicWriteTransaction = "writeTransaction"
	topicClosed           = "closed"
)

// Unsubscribe removes a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// Bus is a typed publish/subscribe registry.
type Bus struct {
	handlers map[string][]*eventHandler
	lock     sync.Mutex // a lock for the map
	nextID   uint64
}

type eventHandler struct {
	id       uint64
	callBack interface{}
	flagOnce bool
}

// New returns new Bus with empty handlers.
func New() *Bus {
	return &Bus{
		handlers: make(map[string][]*eventHandler),
	}
}

func (bus *Bus) doSubscribe(topic string, fn interface{}, once bool) Unsubscribe {
	bus.lock.Lock()
	defer bus.lock.Unlock()
	bus.nextID++
	h := &eventHandler{id: bus.nextID, callBack: fn, flagOnce: once}
	bus.handlers[topic] = append(bus.handlers[topic], h)

	var o sync.Once
	return func() {
		o.Do(func() { bus.unsubscribe(topic, h.id) })
	}
}

func (bus *Bus) unsubscribe(topic string, id uint64) {
	bus.lock.Lock()
	defer bus.lock.Unlock()
	bus.removeHandler(topic, bus.findHandlerIdx(topic, id))
}

// SubscribeRawTableChange subscribes to every row change as soon as the engine reports it.
func (bus *Bus) SubscribeRawTableChange(fn func(proto.UpdateNotification)) Unsubscribe {
	return bus.doSubscribe(topicRawTableChange, fn, false)
}

// SubscribeTablesUpdated subscribes to the batched changes of each released write lock.
func (bus *Bus) SubscribeTablesUpdated(fn func(*proto.BatchedUpdateNotification)) Unsubscribe {
	return bus.doSubscribe(topicTablesUpdated, fn, false)
}

// SubscribeWriteTransaction subscribes to write transaction lifecycle events.
func (bus *Bus) SubscribeWriteTransaction(fn func(proto.TransactionEvent)) Unsubscribe {
	return bus.doSubscribe(topicWriteTransaction, fn, false)
}

// SubscribeClosed subscribes to the connection close event. The handler runs at most once.
func (bus *Bus) SubscribeClosed(fn func()) Unsubscribe {
	return bus.doSubscribe(topicClosed, fn, true)
}

// HasCallback returns true if exists any callback subscribed to the topic.
func (bus *Bus) HasCallback(topic string) bool {
	bus.lock.Lock()
	defer bus.lock.Unlock()
	return len(bus.handlers[topic]) > 0
}

// PublishRawTableChange delivers n to every raw table change subscriber.
func (bus *Bus) PublishRawTableChange(n proto.UpdateNotification) {
	for _, h := range bus.snapshot(topicRawTableChange) {
		h.callBack.(func(proto.UpdateNotification))(n)
	}
}

// PublishTablesUpdated delivers b to every tables updated subscriber.
func (bus *Bus) PublishTablesUpdated(b *proto.BatchedUpdateNotification) {
	for _, h := range bus.snapshot(topicTablesUpdated) {
		h.callBack.(func(*proto.BatchedUpdateNotification))(b)
	}
}

// PublishWriteTransaction delivers e to every write transaction subscriber.
func (bus *Bus) PublishWriteTransaction(e proto.TransactionEvent) {
	for _, h := range bus.snapshot(topicWriteTransaction) {
		h.callBack.(func(proto.TransactionEvent))(e)
	}
}

// PublishClosed delivers the close event.
func (bus *Bus) PublishClosed() {
	for _, h := range bus.snapshot(topicClosed) {
		h.callBack.(func())()
	}
}

// snapshot copies the handler list so that handlers may (un)subscribe while being called,
// and drops once-handlers before they run.
func (bus *Bus) snapshot(topic string) []*eventHandler {
	bus.lock.Lock()
	defer bus.lock.Unlock()
	handlers, ok := bus.handlers[topic]
	if !ok || len(handlers) == 0 {
		return nil
	}
	copyHandlers := make([]*eventHandler, 0, len(handlers))
	copyHandlers = append(copyHandlers, handlers...)
	for _, h := range copyHandlers {
		if h.flagOnce {
			bus.removeHandler(topic, bus.findHandlerIdx(topic, h.id))
		}
	}
	return copyHandlers
}

func (bus *Bus) removeHandler(topic string, idx int) {
	if _, ok := bus.handlers[topic]; !ok {
		return
	}
	l := len(bus.handlers[topic])

	if 0 > idx || idx >= l {
		return
	}

	copy(bus.handlers[topic][idx:], bus.handlers[topic][idx+1:])
	bus.handlers[topic][l-1] = nil
	bus.handlers[topic] = bus.handlers[topic][:l-1]
}

func (bus *Bus) findHandlerIdx(topic string, id uint64) int {
	if _, ok := bus.handlers[topic]; ok {
		for idx, handler := range bus.handlers[topic] {
			if handler.id == id {
				return idx
			}
		}
	}
	return -1
}
