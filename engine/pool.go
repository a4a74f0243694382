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

// Package engine implements a pool of one writer and many reader sqlite connections per
// named database, granting lock requests in FIFO order.
package engine

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/CovenantSQL/litepool/conf"
	"github.com/CovenantSQL/litepool/interfaces"
	"github.com/CovenantSQL/litepool/metric"
	"github.com/CovenantSQL/litepool/proto"
	"github.com/CovenantSQL/litepool/utils"
	"github.com/CovenantSQL/litepool/utils/log"
)

// database is the set of connections of one named database.
type database struct {
	name     string
	filename string
	cfg      *conf.Database
	writerDB *sql.DB
	readerDB *sql.DB

	sync.Mutex
	writer     *slot
	readers    []*slot
	readQueue  []proto.LockID
	writeQueue []proto.LockID
	// readOnWriter holds read locks served by the writer when there are no readers.
	readOnWriter map[proto.LockID]bool
}

// Pool is the sqlite implementation of interfaces.Pool.
type Pool struct {
	sync.RWMutex
	sink interfaces.EventSink
	dbs  map[string]*database
}

var _ interfaces.Pool = (*Pool)(nil)

// NewPool returns a new empty pool.
func NewPool() *Pool {
	return &Pool{
		dbs: make(map[string]*database),
	}
}

// DatabaseFile returns the path of the database file of name in location.
func DatabaseFile(name, location string) string {
	return filepath.Join(utils.HomeDirExpand(location), name)
}

// SetEventSink implements interfaces.Pool.SetEventSink.
func (p *Pool) SetEventSink(sink interfaces.EventSink) {
	p.Lock()
	defer p.Unlock()
	p.sink = sink
}

func (p *Pool) eventSink() interfaces.EventSink {
	p.RLock()
	defer p.RUnlock()
	return p.sink
}

func (p *Pool) get(name string) (db *database, err error) {
	p.RLock()
	defer p.RUnlock()
	var ok bool
	if db, ok = p.dbs[name]; !ok {
		err = errors.Wrap(ErrDatabaseNotOpen, name)
	}
	return
}

// Open implements interfaces.Pool.Open. A nil cfg opens name in the working directory with
// default settings.
func (p *Pool) Open(name string, cfg *conf.Database) (err error) {
	if cfg == nil {
		cfg = conf.NewDatabase(name, "")
	} else {
		c := *cfg
		c.SetDefaults()
		cfg = &c
	}
	p.Lock()
	defer p.Unlock()
	if _, ok := p.dbs[name]; ok {
		return errors.Wrap(ErrDatabaseOpen, name)
	}
	var db *database
	if db, err = p.openDatabase(name, cfg); err != nil {
		return
	}
	p.dbs[name] = db
	log.WithFields(log.Fields{
		"db":      name,
		"file":    db.filename,
		"readers": cfg.ReadConnections,
	}).Info("database opened")
	return
}

func (p *Pool) openDatabase(name string, cfg *conf.Database) (db *database, err error) {
	db = &database{
		name:         name,
		filename:     DatabaseFile(name, cfg.Location),
		cfg:          cfg,
		readOnWriter: make(map[proto.LockID]bool),
	}
	if err = os.MkdirAll(filepath.Dir(db.filename), 0755); err != nil {
		err = errors.Wrap(err, "create database directory failed")
		return
	}

	dsn := newDSN(db.filename)
	if err = dsn.Merge(cfg.DSNParams); err != nil {
		return
	}
	dsn.Set("_journal_mode", "WAL")
	dsn.Set("_synchronous", cfg.Synchronous)
	dsn.Set("_busy_timeout", strconv.FormatInt(cfg.BusyTimeout.Milliseconds(), 10))

	dsnRO := dsn.Clone()
	dsnRO.Set("_query_only", "on")

	defer func() {
		if err != nil {
			db.close()
		}
	}()

	if db.writerDB, err = sql.Open(writerDriver, dsn.Format()); err != nil {
		return
	}
	db.writerDB.SetMaxOpenConns(1)
	ctx := context.Background()
	if db.writer, err = newSlot(ctx, db.writerDB, cfg.StatementCacheSize, true); err != nil {
		err = errors.Wrap(err, "open writer connection failed")
		return
	}
	if _, err = db.writer.conn.ExecContext(ctx,
		"PRAGMA journal_size_limit = "+strconv.FormatInt(cfg.JournalSizeLimit, 10)); err != nil {
		err = errors.Wrap(err, "set journal size limit failed")
		return
	}
	if err = p.installHooks(db); err != nil {
		return
	}

	if cfg.ReadConnections == 0 {
		// read locks share the writer
		return
	}
	if db.readerDB, err = sql.Open(readerDriver, dsnRO.Format()); err != nil {
		return
	}
	db.readerDB.SetMaxOpenConns(cfg.ReadConnections)
	db.readerDB.SetMaxIdleConns(cfg.ReadConnections)
	for i := 0; i < cfg.ReadConnections; i++ {
		var s *slot
		if s, err = newSlot(ctx, db.readerDB, cfg.StatementCacheSize, false); err != nil {
			err = errors.Wrap(err, "open reader connection failed")
			return
		}
		db.readers = append(db.readers, s)
	}
	return
}

// installHooks routes the writer's row changes and transaction outcomes to the event sink.
func (p *Pool) installHooks(db *database) error {
	name := db.name
	return db.writer.raw(func(c *sqlite3.SQLiteConn) error {
		c.RegisterUpdateHook(func(op int, dbName string, table string, rowID int64) {
			if sink := p.eventSink(); sink != nil {
				sink.OnRowChanged(name, table, proto.RowOp(op), rowID)
			}
		})
		c.RegisterCommitHook(func() int {
			if sink := p.eventSink(); sink != nil {
				sink.OnTransactionEvent(name, proto.TxCommit)
			}
			return 0
		})
		c.RegisterRollbackHook(func() {
			if sink := p.eventSink(); sink != nil {
				sink.OnTransactionEvent(name, proto.TxRollback)
			}
		})
		return nil
	})
}

func (db *database) close() {
	if db.writer != nil {
		_ = db.writer.raw(func(c *sqlite3.SQLiteConn) error {
			c.RegisterUpdateHook(nil)
			c.RegisterCommitHook(nil)
			c.RegisterRollbackHook(nil)
			return nil
		})
		if err := db.writer.close(); err != nil {
			log.WithError(err).WithField("db", db.name).Warning("close writer connection failed")
		}
	}
	for _, s := range db.readers {
		if err := s.close(); err != nil {
			log.WithError(err).WithField("db", db.name).Warning("close reader connection failed")
		}
	}
	if db.readerDB != nil {
		_ = db.readerDB.Close()
	}
	if db.writerDB != nil {
		_ = db.writerDB.Close()
	}
}

// Close implements interfaces.Pool.Close. Queued lock requests are dropped without grant.
func (p *Pool) Close(name string) (err error) {
	p.Lock()
	db, ok := p.dbs[name]
	if ok {
		delete(p.dbs, name)
	}
	p.Unlock()
	if !ok {
		return errors.Wrap(ErrDatabaseNotOpen, name)
	}
	db.Lock()
	defer db.Unlock()
	db.readQueue = nil
	db.writeQueue = nil
	db.readOnWriter = make(map[proto.LockID]bool)
	db.close()
	log.WithField("db", name).Info("database closed")
	return
}

// Delete implements interfaces.Pool.Delete. The database must not be open.
func (p *Pool) Delete(name string, location string) (err error) {
	p.RLock()
	_, ok := p.dbs[name]
	p.RUnlock()
	if ok {
		return errors.Wrap(ErrDatabaseOpen, name)
	}
	if err = utils.RemoveDatabaseFiles(DatabaseFile(name, location)); err != nil {
		return errors.Wrap(err, "remove database files failed")
	}
	log.WithField("db", name).Info("database deleted")
	return
}

func (db *database) holds(id proto.LockID) bool {
	return db.slotOf(id) != nil
}

func (db *database) slotOf(id proto.LockID) *slot {
	if db.writer.lockID == id {
		return db.writer
	}
	for _, s := range db.readers {
		if s.lockID == id {
			return s
		}
	}
	return nil
}

func (db *database) queued(id proto.LockID) bool {
	for _, q := range [][]proto.LockID{db.readQueue, db.writeQueue} {
		for _, v := range q {
			if v == id {
				return true
			}
		}
	}
	return false
}

// RequestLock implements interfaces.Pool.RequestLock.
func (p *Pool) RequestLock(name string, id proto.LockID, t proto.LockType) (err error) {
	sink := p.eventSink()
	if sink == nil {
		return ErrNoEventSink
	}
	if id == 0 {
		return errors.Wrap(ErrInvalidLockID, "zero lock id")
	}
	var db *database
	if db, err = p.get(name); err != nil {
		return
	}

	db.Lock()
	defer db.Unlock()
	if db.holds(id) || db.queued(id) {
		return errors.Wrapf(ErrInvalidLockID, "duplicated lock id %s", id)
	}

	if t == proto.ReadLock && len(db.readers) == 0 {
		db.readOnWriter[id] = true
		t = proto.WriteLock
	}
	switch t {
	case proto.WriteLock:
		if db.writer.lockID == 0 && len(db.writeQueue) == 0 {
			db.activate(sink, db.writer, id)
			return
		}
		db.writeQueue = append(db.writeQueue, id)
	case proto.ReadLock:
		if len(db.readQueue) == 0 {
			for _, s := range db.readers {
				if s.lockID == 0 {
					db.activate(sink, s, id)
					return
				}
			}
		}
		db.readQueue = append(db.readQueue, id)
	default:
		err = errors.Errorf("unknown lock type %d", t)
	}
	return
}

// activate assigns the slot and delivers the grant asynchronously. A read lock on the writer
// runs with query_only set.
func (db *database) activate(sink interfaces.EventSink, s *slot, id proto.LockID) {
	s.lockID = id
	if s.writer {
		s.setQueryOnly(db.readOnWriter[id])
	}
	go sink.OnLockGranted(db.name, id)
}

// ReleaseLock implements interfaces.Pool.ReleaseLock. The slot goes to the head of its
// queue, if any.
func (p *Pool) ReleaseLock(name string, id proto.LockID) (err error) {
	var db *database
	if db, err = p.get(name); err != nil {
		return
	}

	db.Lock()
	defer db.Unlock()
	s := db.slotOf(id)
	if id == 0 || s == nil {
		return errors.Wrapf(ErrLockNotHeld, "lock %s", id)
	}
	s.resetTransaction()
	delete(db.readOnWriter, id)
	if s.stale {
		if err := s.refreshSchema(context.Background()); err != nil {
			log.WithError(err).WithField("db", name).Warning("refresh schema on release failed")
		}
	}

	queue := &db.readQueue
	if s.writer {
		queue = &db.writeQueue
	}
	if len(*queue) == 0 {
		s.lockID = 0
		if s.writer {
			s.setQueryOnly(false)
		}
		return
	}
	next := (*queue)[0]
	*queue = (*queue)[1:]
	if sink := p.eventSink(); sink != nil {
		db.activate(sink, s, next)
	} else {
		s.lockID = 0
	}
	return
}

// ResetTransaction implements interfaces.Pool.ResetTransaction. A rollback on the writer is
// reported to the event sink before this returns.
func (p *Pool) ResetTransaction(name string, id proto.LockID) (err error) {
	var s *slot
	if _, s, err = p.acquire(name, id); err != nil {
		return
	}
	s.resetTransaction()
	return
}

// acquire returns the slot held by id.
func (p *Pool) acquire(name string, id proto.LockID) (db *database, s *slot, err error) {
	if db, err = p.get(name); err != nil {
		return
	}
	db.Lock()
	defer db.Unlock()
	if id == 0 {
		err = ErrContextUnavailable
		return
	}
	if s = db.slotOf(id); s == nil {
		err = ErrContextUnavailable
	}
	return
}

// ExecuteInContext implements interfaces.Pool.ExecuteInContext.
func (p *Pool) ExecuteInContext(ctx context.Context, name string, id proto.LockID,
	query string, args ...interface{}) (res *proto.QueryResult, err error) {
	var s *slot
	if _, s, err = p.acquire(name, id); err != nil {
		return
	}
	if res, err = s.execute(ctx, query, args...); err != nil {
		return
	}
	if s.writer && isBegin(query) {
		p.notifyStarted(name)
	}
	return
}

func (p *Pool) notifyStarted(name string) {
	if sink := p.eventSink(); sink != nil {
		sink.OnTransactionEvent(name, proto.TxStarted)
	}
}

// Attach implements interfaces.Pool.Attach. The other database is attached to every
// connection; no connection may hold a lock. An empty location means the directory of name.
func (p *Pool) Attach(name string, otherName string, alias string, location string) (err error) {
	var db *database
	if db, err = p.get(name); err != nil {
		return
	}
	if location == "" {
		location = filepath.Dir(db.filename)
	}
	other := DatabaseFile(otherName, location)

	db.Lock()
	defer db.Unlock()
	if err = db.checkUnlocked(); err != nil {
		return errors.Wrapf(err, "%s was unable to attach another database", name)
	}
	ctx := context.Background()
	for _, s := range db.slots() {
		s.purge()
		if _, _, err = s.execLiteral(ctx, "ATTACH DATABASE ? AS "+quoteIdentifier(alias), other); err != nil {
			db.detachAll(ctx, alias)
			return errors.Wrapf(err, "%s was unable to attach another database", name)
		}
	}
	return
}

// Detach implements interfaces.Pool.Detach.
func (p *Pool) Detach(name string, alias string) (err error) {
	var db *database
	if db, err = p.get(name); err != nil {
		return
	}
	db.Lock()
	defer db.Unlock()
	if err = db.checkUnlocked(); err != nil {
		return errors.Wrapf(err, "%s was unable to detach another database", name)
	}
	ctx := context.Background()
	for _, s := range db.slots() {
		s.purge()
		if _, _, err = s.execLiteral(ctx, "DETACH DATABASE "+quoteIdentifier(alias)); err != nil {
			return errors.Wrapf(err, "%s was unable to detach another database", name)
		}
	}
	return
}

// RefreshSchema implements interfaces.Pool.RefreshSchema. Free connections reload the schema
// right away, held connections when their lock is released.
func (p *Pool) RefreshSchema(name string) (err error) {
	var db *database
	if db, err = p.get(name); err != nil {
		return
	}
	db.Lock()
	defer db.Unlock()
	ctx := context.Background()
	for _, s := range db.slots() {
		if s.lockID != 0 {
			s.stale = true
			continue
		}
		if err = s.refreshSchema(ctx); err != nil {
			return errors.Wrapf(err, "%s was unable to refresh schema", name)
		}
	}
	return
}

func (db *database) detachAll(ctx context.Context, alias string) {
	for _, s := range db.slots() {
		// not attached connections fail, which is expected
		_, _, _ = s.execLiteral(ctx, "DETACH DATABASE "+quoteIdentifier(alias))
	}
}

func (db *database) slots() []*slot {
	return append([]*slot{db.writer}, db.readers...)
}

func (db *database) checkUnlocked() error {
	for _, s := range db.slots() {
		if s.lockID != 0 {
			return ErrConnectionsLocked
		}
	}
	return nil
}

// Stats implements metric.StatsProvider.
func (p *Pool) Stats() (stats []metric.PoolStats) {
	p.RLock()
	dbs := make([]*database, 0, len(p.dbs))
	for _, db := range p.dbs {
		dbs = append(dbs, db)
	}
	p.RUnlock()
	sort.Slice(dbs, func(i, j int) bool { return dbs[i].name < dbs[j].name })

	for _, db := range dbs {
		db.Lock()
		s := metric.PoolStats{
			DB:           db.name,
			Readers:      len(db.readers),
			WriterBusy:   db.writer.lockID != 0,
			QueuedReads:  len(db.readQueue),
			QueuedWrites: len(db.writeQueue),
		}
		for _, r := range db.readers {
			if r.lockID != 0 {
				s.ReadersBusy++
			}
		}
		db.Unlock()
		stats = append(stats, s)
	}
	return
}

func quoteIdentifier(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
