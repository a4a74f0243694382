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

package engine

import (
	"context"
	"database/sql"

	lru "github.com/hashicorp/golang-lru"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/CovenantSQL/litepool/proto"
	"github.com/CovenantSQL/litepool/utils/log"
)

const unknownDeclaredType = "UNKNOWN"

// slot is one physical connection of a pooled database. A slot is used by at most one lock
// holder at a time, so none of its methods are safe for concurrent use.
type slot struct {
	conn   *sql.Conn
	stmts  *lru.Cache
	writer bool
	// lockID is guarded by the owning database lock, zero when the slot is free.
	lockID proto.LockID
	// queryOnly is set while a writer slot serves a read lock.
	queryOnly bool
	// stale asks for a schema refresh once the current holder releases the slot.
	stale bool
}

func newSlot(ctx context.Context, db *sql.DB, cacheSize int, writer bool) (s *slot, err error) {
	s = &slot{writer: writer}
	if s.conn, err = db.Conn(ctx); err != nil {
		return
	}
	if cacheSize > 0 {
		if s.stmts, err = lru.NewWithEvict(cacheSize, func(key interface{}, value interface{}) {
			if stmt, ok := value.(*sql.Stmt); ok {
				_ = stmt.Close()
			}
		}); err != nil {
			_ = s.conn.Close()
			return
		}
	}
	return
}

// raw runs fn on the underlying sqlite connection.
func (s *slot) raw(fn func(c *sqlite3.SQLiteConn) error) error {
	return s.conn.Raw(func(dc interface{}) error {
		return fn(dc.(*sqlite3.SQLiteConn))
	})
}

// purge drops every cached statement.
func (s *slot) purge() {
	if s.stmts != nil {
		s.stmts.Purge()
	}
}

func (s *slot) close() error {
	s.purge()
	return s.conn.Close()
}

// setQueryOnly toggles the query_only pragma of the connection.
func (s *slot) setQueryOnly(on bool) {
	if s.queryOnly == on {
		return
	}
	value := "OFF"
	if on {
		value = "ON"
	}
	if _, err := s.conn.ExecContext(context.Background(), "PRAGMA query_only = "+value); err != nil {
		log.WithError(err).Warning("toggle query only mode failed")
		return
	}
	s.queryOnly = on
}

// refreshSchema drops cached statements and makes the connection reload the schema.
func (s *slot) refreshSchema(ctx context.Context) (err error) {
	s.purge()
	s.stale = false
	if _, err = s.conn.ExecContext(ctx, "PRAGMA table_info('sqlite_master')"); err != nil {
		err = newExecutionError(err)
	}
	return
}

// resetTransaction rolls back a transaction left open by the previous lock holder.
func (s *slot) resetTransaction() {
	var autoCommit = true
	if err := s.raw(func(c *sqlite3.SQLiteConn) error {
		autoCommit = c.AutoCommit()
		return nil
	}); err != nil {
		log.WithError(err).Warning("check connection transaction state failed")
		return
	}
	if autoCommit {
		return
	}
	log.Warning("lock released inside an open transaction, rolling back")
	if _, err := s.conn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
		log.WithError(err).Warning("rollback of abandoned transaction failed")
	}
}

func (s *slot) query(ctx context.Context, query string, args ...interface{}) (rows *sql.Rows, err error) {
	if s.stmts == nil {
		return s.conn.QueryContext(ctx, query, args...)
	}
	var stmt *sql.Stmt
	if v, ok := s.stmts.Get(query); ok {
		stmt = v.(*sql.Stmt)
	} else {
		if stmt, err = s.conn.PrepareContext(ctx, query); err != nil {
			return
		}
		s.stmts.Add(query, stmt)
	}
	return stmt.QueryContext(ctx, args...)
}

// execLiteral runs one or more statements without collecting rows.
func (s *slot) execLiteral(ctx context.Context, query string, args ...interface{}) (rowsAffected int64, insertID int64, err error) {
	var res sql.Result
	if res, err = s.conn.ExecContext(ctx, query, args...); err != nil {
		err = newExecutionError(err)
		return
	}
	rowsAffected, _ = res.RowsAffected()
	insertID, _ = res.LastInsertId()
	return
}

// execute runs query and collects its result. Statements returning no columns report the
// rows affected and the last insert id instead.
func (s *slot) execute(ctx context.Context, query string, args ...interface{}) (res *proto.QueryResult, err error) {
	if statementCount(query) > 1 {
		var rowsAffected, insertID int64
		if rowsAffected, insertID, err = s.execLiteral(ctx, query, args...); err != nil {
			return
		}
		res = newQueryResult(rowsAffected, insertID)
		return
	}

	var rows *sql.Rows
	if rows, err = s.query(ctx, query, args...); err != nil {
		err = newExecutionError(err)
		return
	}
	defer rows.Close()

	var columns []*sql.ColumnType
	if columns, err = rows.ColumnTypes(); err != nil {
		err = newExecutionError(err)
		return
	}

	if len(columns) == 0 {
		for rows.Next() {
		}
		if err = rows.Err(); err != nil {
			err = newExecutionError(err)
			return
		}
		_ = rows.Close()
		var rowsAffected, insertID int64
		if err = s.conn.QueryRowContext(ctx, "SELECT changes(), last_insert_rowid()").Scan(
			&rowsAffected, &insertID); err != nil {
			err = newExecutionError(err)
			return
		}
		res = newQueryResult(rowsAffected, insertID)
		return
	}

	res = &proto.QueryResult{
		Rows:     &proto.Rows{Items: []proto.Row{}},
		Metadata: make([]proto.ColumnMetadata, len(columns)),
	}
	for i, c := range columns {
		declType := c.DatabaseTypeName()
		if declType == "" {
			declType = unknownDeclaredType
		}
		res.Metadata[i] = proto.ColumnMetadata{
			ColumnName:         c.Name(),
			ColumnDeclaredType: declType,
			ColumnIndex:        i,
		}
	}

	var (
		values = make([]interface{}, len(columns))
		dest   = make([]interface{}, len(columns))
	)
	for i := range values {
		dest[i] = &values[i]
	}
	for rows.Next() {
		if err = rows.Scan(dest...); err != nil {
			err = newExecutionError(err)
			return
		}
		row := make(proto.Row, len(columns))
		for i, c := range columns {
			row[c.Name()] = values[i]
		}
		res.Rows.Items = append(res.Rows.Items, row)
	}
	if err = rows.Err(); err != nil {
		err = newExecutionError(err)
		return
	}
	res.Rows.Length = len(res.Rows.Items)
	return
}

func newQueryResult(rowsAffected, insertID int64) *proto.QueryResult {
	res := &proto.QueryResult{RowsAffected: rowsAffected}
	if rowsAffected > 0 && insertID != 0 {
		id := insertID
		res.InsertID = &id
	}
	return res
}
