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

package interfaces

import (
	"context"

	"github.com/CovenantSQL/litepool/conf"
	"github.com/CovenantSQL/litepool/proto"
)

// EventSink receives the out-of-band callbacks of a Pool. Every call carries the name of the
// database it belongs to.
type EventSink interface {
	// OnLockGranted is called exactly once per granted lock id.
	OnLockGranted(dbName string, id proto.LockID)
	// OnRowChanged is called for every row change on the writer, in engine order.
	OnRowChanged(dbName string, table string, op proto.RowOp, rowID int64)
	// OnTransactionEvent is called on writer transaction start, commit and rollback.
	OnTransactionEvent(dbName string, e proto.TransactionEvent)
}

// Pool is the interface implemented by an object that owns the physical reader and writer
// connections of a set of named databases and decides which lock request to grant next.
type Pool interface {
	// SetEventSink installs the receiver of grants, row changes and transaction events.
	SetEventSink(sink EventSink)

	Open(dbName string, cfg *conf.Database) error
	Close(dbName string) error
	Delete(dbName string, location string) error

	// RequestLock queues a lock request. A returned error means the request was not queued;
	// otherwise the grant arrives through EventSink.OnLockGranted.
	RequestLock(dbName string, id proto.LockID, t proto.LockType) error
	// ResetTransaction rolls back a transaction left open by the holder of id. It is a no-op
	// when the connection is in autocommit mode.
	ResetTransaction(dbName string, id proto.LockID) error
	// ReleaseLock must be called exactly once per granted id.
	ReleaseLock(dbName string, id proto.LockID) error

	ExecuteInContext(ctx context.Context, dbName string, id proto.LockID,
		query string, args ...interface{}) (*proto.QueryResult, error)
	ExecuteBatch(ctx context.Context, dbName string, id proto.LockID,
		commands []proto.BatchCommand) (*proto.BatchResult, error)
	LoadFile(ctx context.Context, dbName string, id proto.LockID,
		path string) (*proto.FileLoadResult, error)

	// RefreshSchema makes every connection of dbName drop cached statements and reload the
	// schema.
	RefreshSchema(dbName string) error

	Attach(dbName string, otherDBName string, alias string, location string) error
	Detach(dbName string, alias string) error
}
