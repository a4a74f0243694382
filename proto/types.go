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


// Package proto contains the value types shared by the lock broker, the transaction coordinator,
// the listener manager and the engine pool.
package proto

import (
	"fmt"
)

// LockID identifies a lock request within a single connection. Zero is never issued.
type LockID uint64

// String implements fmt.Stringer.
func (id LockID) String() string {
	return fmt.Sprintf("%d", uint64(id))
}

// LockType defines the kind of claim a lock request makes on a connection slot.
type LockType int

const (
	// ReadLock is a shared claim on one of the reader connections.
	ReadLock LockType = iota
	// WriteLock is an exclusive claim on the single writer connection.
	WriteLock
)

func (t LockType) String() string {
	switch t {
	case ReadLock:
		return "read"
	case WriteLock:
		return "write"
	}
	return "unknown"
}

// RowOp is the kind of row change reported by the engine. The values match the sqlite
// update hook operation codes.
type RowOp int

const (
	// RowDelete is SQLITE_DELETE.
	RowDelete RowOp = 9
	// RowInsert is SQLITE_INSERT.
	RowInsert RowOp = 18
	// RowUpdate is SQLITE_UPDATE.
	RowUpdate RowOp = 23
)

func (op RowOp) String() string {
	switch op {
	case RowInsert:
		return "INSERT"
	case RowUpdate:
		return "UPDATE"
	case RowDelete:
		return "DELETE"
	}
	return fmt.Sprintf("RowOp(%d)", int(op))
}

// TransactionEvent is a write transaction lifecycle event reported by the engine.
type TransactionEvent int

const (
	// TxStarted is reported when a transaction is opened on the writer.
	TxStarted TransactionEvent = iota
	// TxCommit is reported when the writer is about to commit.
	TxCommit
	// TxRollback is reported when the writer rolled back.
	TxRollback
)

func (e TransactionEvent) String() string {
	switch e {
	case TxStarted:
		return "started"
	case TxCommit:
		return "commit"
	case TxRollback:
		return "rollback"
	}
	return "unknown"
}

// UpdateNotification is a single row change.
type UpdateNotification struct {
	Table string `json:"table"`
	RowID int64  `json:"rowId"`
	Op    RowOp  `json:"opType"`
}

// BatchedUpdateNotification groups the row changes accumulated by one write lock.
type BatchedUpdateNotification struct {
	// RawUpdates keeps buffer order.
	RawUpdates []UpdateNotification `json:"rawUpdates"`
	// GroupedUpdates keeps arrival order within each table.
	GroupedUpdates map[string][]UpdateNotification `json:"groupedUpdates"`
	// Tables lists every touched table in first-seen order.
	Tables []string `json:"tables"`
}

// NewBatchedUpdateNotification groups updates by table.
func NewBatchedUpdateNotification(updates []UpdateNotification) *BatchedUpdateNotification {
	b := &BatchedUpdateNotification{
		RawUpdates:     make([]UpdateNotification, len(updates)),
		GroupedUpdates: make(map[string][]UpdateNotification),
	}
	copy(b.RawUpdates, updates)
	for _, u := range updates {
		if _, ok := b.GroupedUpdates[u.Table]; !ok {
			b.Tables = append(b.Tables, u.Table)
		}
		b.GroupedUpdates[u.Table] = append(b.GroupedUpdates[u.Table], u)
	}
	return b
}

// ColumnMetadata describes one result column.
type ColumnMetadata struct {
	ColumnName         string `json:"columnName"`
	ColumnDeclaredType string `json:"columnDeclaredType"`
	ColumnIndex        int    `json:"columnIndex"`
}

// Row is a result row keyed by column name.
type Row map[string]interface{}

// Rows holds the result set of a statement.
type Rows struct {
	Items  []Row `json:"_array"`
	Length int   `json:"length"`
}

// Item returns the row at index, or nil if it is out of range.
func (r *Rows) Item(index int) Row {
	if r == nil || index < 0 || index >= len(r.Items) {
		return nil
	}
	return r.Items[index]
}

// QueryResult is the result of a single statement.
type QueryResult struct {
	// InsertID is set only when rows were affected and the engine reported a non-zero id.
	InsertID     *int64           `json:"insertId,omitempty"`
	RowsAffected int64            `json:"rowsAffected"`
	Rows         *Rows            `json:"rows,omitempty"`
	Metadata     []ColumnMetadata `json:"metadata,omitempty"`
}

// BatchCommand is a statement executed once per argument row, or once without arguments when
// Args is empty.
type BatchCommand struct {
	SQL  string          `json:"query"`
	Args [][]interface{} `json:"args,omitempty"`
}

// BatchResult is the outcome of a batch execution.
type BatchResult struct {
	RowsAffected int64 `json:"rowsAffected"`
	Commands     int   `json:"commands"`
}

// FileLoadResult is the outcome of loading a SQL file.
type FileLoadResult struct {
	RowsAffected int64 `json:"rowsAffected"`
	Commands     int   `json:"commands"`
}
