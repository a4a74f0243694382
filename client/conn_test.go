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
	"context"
	"io/ioutil"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/sync/errgroup"

	"github.com/CovenantSQL/litepool/broker"
	"github.com/CovenantSQL/litepool/listener"
	"github.com/CovenantSQL/litepool/proto"
	"github.com/CovenantSQL/litepool/txn"
)

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return -1
	}
}

func TestConnExecute(t *testing.T) {
	Convey("Given an open connection", t, func() {
		_, c, err := openTestConn(2)
		So(err, ShouldBeNil)
		defer c.Close()
		ctx := context.Background()

		_, err = c.Execute(ctx, "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)")
		So(err, ShouldBeNil)

		Convey("Execute should write and read", func() {
			res, err := c.Execute(ctx, "INSERT INTO users (name) VALUES (?)", "alice")
			So(err, ShouldBeNil)
			So(res.RowsAffected, ShouldEqual, 1)
			So(*res.InsertID, ShouldEqual, 1)

			res, err = c.Execute(ctx, "SELECT name FROM users")
			So(err, ShouldBeNil)
			So(res.Rows.Item(0)["name"], ShouldEqual, "alice")
		})
		Convey("Reading under a read lock should see committed rows", func() {
			_, err := c.Execute(ctx, "INSERT INTO users (name) VALUES ('bob')")
			So(err, ShouldBeNil)
			var name interface{}
			err = c.ReadLock(ctx, func(ctx context.Context, lc *broker.LockContext) error {
				res, err := lc.Execute(ctx, "SELECT name FROM users WHERE id = ?", 1)
				if err != nil {
					return err
				}
				name = res.Rows.Item(0)["name"]
				return nil
			})
			So(err, ShouldBeNil)
			So(name, ShouldEqual, "bob")
		})
		Convey("Writing under a read lock should fail as read-only", func() {
			err := c.ReadLock(ctx, func(ctx context.Context, lc *broker.LockContext) error {
				_, err := lc.Execute(ctx, "INSERT INTO users (name) VALUES ('eve')")
				return err
			})
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "readonly")
		})
		Convey("Batches and files should run through the writer", func() {
			var batches []*proto.BatchedUpdateNotification
			un := c.RegisterTablesChangedHook(func(b *proto.BatchedUpdateNotification) {
				batches = append(batches, b)
			})
			defer un()

			res, err := c.ExecuteBatch(ctx, []proto.BatchCommand{
				{SQL: "INSERT INTO users (name) VALUES (?)", Args: [][]interface{}{{"a"}, {"b"}}},
			})
			So(err, ShouldBeNil)
			So(res.Commands, ShouldEqual, 2)
			So(res.RowsAffected, ShouldEqual, 2)
			So(batches, ShouldHaveLength, 1)
			So(batches[0].Tables, ShouldResemble, []string{"users"})
			So(batches[0].RawUpdates, ShouldHaveLength, 2)

			path := filepath.Join(testDataDir, c.Name()+".sql")
			So(ioutil.WriteFile(path, []byte("INSERT INTO users (name) VALUES ('c');\n"), 0644), ShouldBeNil)
			fres, err := c.LoadFile(ctx, path)
			So(err, ShouldBeNil)
			So(fres.Commands, ShouldEqual, 1)
			So(batches, ShouldHaveLength, 2)
		})
	})
}

func TestAtMostOneWriter(t *testing.T) {
	Convey("Given concurrent write locks", t, func() {
		_, c, err := openTestConn(2)
		So(err, ShouldBeNil)
		defer c.Close()

		var (
			active  int32
			overlap int32
			g       errgroup.Group
		)
		for i := 0; i < 10; i++ {
			i := i
			g.Go(func() error {
				fn := func(ctx context.Context, lc *broker.LockContext) error {
					if atomic.AddInt32(&active, 1) != 1 {
						atomic.StoreInt32(&overlap, 1)
					}
					time.Sleep(5 * time.Millisecond)
					atomic.AddInt32(&active, -1)
					return nil
				}
				if i%2 == 0 {
					return c.WriteLock(context.Background(), fn)
				}
				return c.WriteTransaction(context.Background(), func(ctx context.Context, tx *txn.Transaction) error {
					return fn(ctx, nil)
				})
			})
		}
		So(g.Wait(), ShouldBeNil)
		So(atomic.LoadInt32(&overlap), ShouldEqual, 0)
	})
}

func TestBoundedReaders(t *testing.T) {
	Convey("Given three readers and twenty concurrent reads", t, func() {
		_, c, err := openTestConn(3)
		So(err, ShouldBeNil)
		defer c.Close()
		ctx := context.Background()

		_, err = c.Execute(ctx, "CREATE TABLE t (v TEXT)")
		So(err, ShouldBeNil)
		_, err = c.Execute(ctx, "INSERT INTO t VALUES ('same')")
		So(err, ShouldBeNil)

		var (
			g       errgroup.Group
			mu      sync.Mutex
			results []interface{}
			active  int32
			maxSeen int32
		)
		for i := 0; i < 20; i++ {
			g.Go(func() error {
				return c.ReadLock(ctx, func(ctx context.Context, lc *broker.LockContext) error {
					n := atomic.AddInt32(&active, 1)
					defer atomic.AddInt32(&active, -1)
					for {
						m := atomic.LoadInt32(&maxSeen)
						if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
							break
						}
					}
					time.Sleep(2 * time.Millisecond)
					res, err := lc.Execute(ctx, "SELECT v FROM t")
					if err != nil {
						return err
					}
					mu.Lock()
					results = append(results, res.Rows.Item(0)["v"])
					mu.Unlock()
					return nil
				})
			})
		}
		So(g.Wait(), ShouldBeNil)
		So(results, ShouldHaveLength, 20)
		for _, r := range results {
			So(r, ShouldEqual, "same")
		}
		So(atomic.LoadInt32(&maxSeen), ShouldBeLessThanOrEqualTo, 3)
	})
}

func TestTransactions(t *testing.T) {
	Convey("Given a connection with a table", t, func() {
		_, c, err := openTestConn(1)
		So(err, ShouldBeNil)
		defer c.Close()
		ctx := context.Background()

		_, err = c.Execute(ctx, "CREATE TABLE t (v INTEGER)")
		So(err, ShouldBeNil)

		var (
			mu      sync.Mutex
			events  []proto.TransactionEvent
			batches []*proto.BatchedUpdateNotification
		)
		un := c.RegisterListener(listener.Listener{
			WriteTransaction: func(e proto.TransactionEvent) {
				mu.Lock()
				defer mu.Unlock()
				events = append(events, e)
			},
			TablesUpdated: func(b *proto.BatchedUpdateNotification) {
				mu.Lock()
				defer mu.Unlock()
				batches = append(batches, b)
			},
		})
		defer un()

		count := func() int64 {
			res, err := c.Execute(ctx, "SELECT count(*) AS c FROM t")
			So(err, ShouldBeNil)
			return toInt64(res.Rows.Item(0)["c"])
		}

		Convey("Commit twice should commit once", func() {
			err := c.WriteTransaction(ctx, func(ctx context.Context, tx *txn.Transaction) (err error) {
				if _, err = tx.Execute(ctx, "INSERT INTO t VALUES (1)"); err != nil {
					return
				}
				if err = tx.Commit(ctx); err != nil {
					return
				}
				if err = tx.Commit(ctx); err != nil {
					return
				}
				return tx.Rollback(ctx)
			})
			So(err, ShouldBeNil)
			So(events, ShouldResemble, []proto.TransactionEvent{proto.TxStarted, proto.TxCommit})
			So(batches, ShouldHaveLength, 1)
			So(count(), ShouldEqual, 1)
		})
		Convey("Execute after commit should be rejected", func() {
			err := c.WriteTransaction(ctx, func(ctx context.Context, tx *txn.Transaction) (err error) {
				if err = tx.Commit(ctx); err != nil {
					return
				}
				_, err = tx.Execute(ctx, "INSERT INTO t VALUES (1)")
				return
			})
			So(err, ShouldEqual, txn.ErrTransactionFinalized)
			So(count(), ShouldEqual, 0)
		})
		Convey("Rollback should discard buffered changes", func() {
			var raw int32
			unRaw := c.RegisterUpdateHook(func(n proto.UpdateNotification) {
				atomic.AddInt32(&raw, 1)
			})
			defer unRaw()

			err := c.WriteTransaction(ctx, func(ctx context.Context, tx *txn.Transaction) error {
				if _, err := tx.Execute(ctx, "INSERT INTO t VALUES (1)"); err != nil {
					return err
				}
				return tx.Rollback(ctx)
			})
			So(err, ShouldBeNil)
			So(atomic.LoadInt32(&raw), ShouldEqual, 1)
			So(batches, ShouldBeEmpty)
			So(events, ShouldResemble, []proto.TransactionEvent{proto.TxStarted, proto.TxRollback})
			So(count(), ShouldEqual, 0)
		})
		Convey("A failing callback should roll back and propagate", func() {
			cause := errors.New("abort")
			err := c.WriteTransaction(ctx, func(ctx context.Context, tx *txn.Transaction) error {
				if _, err := tx.Execute(ctx, "INSERT INTO t VALUES (1)"); err != nil {
					return err
				}
				return cause
			})
			So(err, ShouldEqual, cause)
			So(batches, ShouldBeEmpty)
			So(count(), ShouldEqual, 0)
		})
		Convey("A write lock left inside an open transaction should publish nothing", func() {
			var raw int32
			unRaw := c.RegisterUpdateHook(func(n proto.UpdateNotification) {
				atomic.AddInt32(&raw, 1)
			})
			defer unRaw()

			err := c.WriteLock(ctx, func(ctx context.Context, lc *broker.LockContext) (err error) {
				if _, err = lc.Execute(ctx, "BEGIN"); err != nil {
					return
				}
				_, err = lc.Execute(ctx, "INSERT INTO t VALUES (1)")
				return
			})
			So(err, ShouldBeNil)
			So(atomic.LoadInt32(&raw), ShouldEqual, 1)
			So(batches, ShouldBeEmpty)
			So(events, ShouldResemble, []proto.TransactionEvent{proto.TxStarted, proto.TxRollback})
			So(count(), ShouldEqual, 0)
		})
		Convey("Read transactions should roll back by default", func() {
			var seen int64
			err := c.ReadTransaction(ctx, func(ctx context.Context, tx *txn.Transaction) error {
				res, err := tx.Execute(ctx, "SELECT count(*) AS c FROM t")
				if err != nil {
					return err
				}
				seen = toInt64(res.Rows.Item(0)["c"])
				return nil
			})
			So(err, ShouldBeNil)
			So(seen, ShouldEqual, 0)
		})
	})
}

func TestSerializedIncrement(t *testing.T) {
	Convey("Given ten concurrent read-modify-write transactions", t, func() {
		_, c, err := openTestConn(2)
		So(err, ShouldBeNil)
		defer c.Close()
		ctx := context.Background()

		_, err = c.Execute(ctx, "CREATE TABLE counter (id INTEGER PRIMARY KEY, n INTEGER)")
		So(err, ShouldBeNil)
		_, err = c.Execute(ctx, "INSERT INTO counter VALUES (1, 0)")
		So(err, ShouldBeNil)

		var (
			g    errgroup.Group
			mu   sync.Mutex
			seen []int64
		)
		for i := 0; i < 10; i++ {
			g.Go(func() error {
				return c.WriteTransaction(ctx, func(ctx context.Context, tx *txn.Transaction) error {
					res, err := tx.Execute(ctx, "SELECT n FROM counter WHERE id = 1")
					if err != nil {
						return err
					}
					n := toInt64(res.Rows.Item(0)["n"])
					mu.Lock()
					seen = append(seen, n)
					mu.Unlock()
					_, err = tx.Execute(ctx, "UPDATE counter SET n = ? WHERE id = 1", n+1000)
					return err
				})
			})
		}
		So(g.Wait(), ShouldBeNil)
		sort.Slice(seen, func(i, j int) bool { return seen[i] < seen[j] })
		So(seen, ShouldResemble, []int64{0, 1000, 2000, 3000, 4000, 5000, 6000, 7000, 8000, 9000})
	})
}

func TestLockTimeoutRace(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	Convey("Given a writer holding the lock for 200ms", t, func() {
		_, c, err := openTestConn(1)
		So(err, ShouldBeNil)
		ctx := context.Background()

		held := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- c.WriteLock(ctx, func(ctx context.Context, lc *broker.LockContext) error {
				close(held)
				time.Sleep(200 * time.Millisecond)
				return nil
			})
		}()
		<-held

		start := time.Now()
		called := false
		err = c.WriteLock(ctx, func(ctx context.Context, lc *broker.LockContext) error {
			called = true
			return nil
		}, WithTimeout(100*time.Millisecond))
		elapsed := time.Since(start)

		So(errors.Cause(err), ShouldEqual, broker.ErrLockTimeout)
		So(err.Error(), ShouldContainSubstring, "timed out")
		So(elapsed, ShouldBeGreaterThanOrEqualTo, 100*time.Millisecond)
		So(elapsed, ShouldBeLessThan, 200*time.Millisecond)
		So(<-done, ShouldBeNil)
		So(called, ShouldBeFalse)

		// the orphan grant must have been released for this to be granted
		_, err = c.Execute(ctx, "SELECT 1")
		So(err, ShouldBeNil)
		err = c.WriteLock(ctx, func(ctx context.Context, lc *broker.LockContext) error {
			return nil
		}, WithTimeout(2*time.Second))
		So(err, ShouldBeNil)

		So(c.Close(), ShouldBeNil)
	})
}

func TestConnClose(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	Convey("Given a pending request behind a held writer", t, func() {
		r, c, err := openTestConn(1)
		So(err, ShouldBeNil)
		ctx := context.Background()

		var closed int32
		c.RegisterListener(listener.Listener{
			Closed: func() { atomic.AddInt32(&closed, 1) },
		})

		held := make(chan struct{})
		release := make(chan struct{})
		holder := make(chan error, 1)
		go func() {
			holder <- c.WriteLock(ctx, func(ctx context.Context, lc *broker.LockContext) error {
				close(held)
				<-release
				return nil
			})
		}()
		<-held

		pending := make(chan error, 1)
		go func() {
			pending <- c.WriteLock(ctx, func(ctx context.Context, lc *broker.LockContext) error {
				return nil
			})
		}()
		for i := 0; i < 200 && c.broker.Pending() == 0; i++ {
			time.Sleep(5 * time.Millisecond)
		}
		So(c.broker.Pending(), ShouldEqual, 1)

		So(c.Close(), ShouldBeNil)
		So(<-pending, ShouldEqual, broker.ErrConnectionClosed)
		close(release)
		So(<-holder, ShouldBeNil)
		So(atomic.LoadInt32(&closed), ShouldEqual, 1)

		_, err = c.Execute(ctx, "SELECT 1")
		So(err, ShouldEqual, broker.ErrConnectionClosed)
		So(c.Close(), ShouldBeNil)
		_, ok := r.Get(c.Name())
		So(ok, ShouldBeFalse)

		Convey("The database should be deletable and reopenable", func() {
			So(c.Delete(), ShouldBeNil)
			c2, err := r.Open(c.Name(), c.Config())
			So(err, ShouldBeNil)
			res, err := c2.Execute(ctx, "SELECT count(*) AS c FROM sqlite_master")
			So(err, ShouldBeNil)
			So(toInt64(res.Rows.Item(0)["c"]), ShouldEqual, 0)
			So(c2.Close(), ShouldBeNil)
		})
	})
}

func TestSerialMode(t *testing.T) {
	Convey("Given a connection without read connections", t, func() {
		_, c, err := openTestConn(0)
		So(err, ShouldBeNil)
		defer c.Close()
		So(c.Config().ReadConnections, ShouldEqual, 0)
		ctx := context.Background()

		_, err = c.Execute(ctx, "CREATE TABLE t (v INTEGER)")
		So(err, ShouldBeNil)
		_, err = c.Execute(ctx, "INSERT INTO t VALUES (1)")
		So(err, ShouldBeNil)

		Convey("Reads should be served one at a time by the writer", func() {
			var (
				active int32
				peak   int32
			)
			g, gctx := errgroup.WithContext(ctx)
			for i := 0; i < 4; i++ {
				g.Go(func() error {
					return c.ReadLock(gctx, func(ctx context.Context, lc *broker.LockContext) error {
						n := atomic.AddInt32(&active, 1)
						defer atomic.AddInt32(&active, -1)
						for {
							p := atomic.LoadInt32(&peak)
							if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
								break
							}
						}
						time.Sleep(10 * time.Millisecond)
						_, err := lc.Execute(ctx, "SELECT v FROM t")
						return err
					})
				})
			}
			So(g.Wait(), ShouldBeNil)
			So(atomic.LoadInt32(&peak), ShouldEqual, 1)
		})
		Convey("Writes under a read lock should still fail", func() {
			err := c.ReadLock(ctx, func(ctx context.Context, lc *broker.LockContext) error {
				_, err := lc.Execute(ctx, "INSERT INTO t VALUES (2)")
				return err
			})
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "readonly")

			_, err = c.Execute(ctx, "INSERT INTO t VALUES (2)")
			So(err, ShouldBeNil)
		})
	})
}

func TestRefreshSchema(t *testing.T) {
	Convey("Given a connection whose schema changed behind its back", t, func() {
		_, c, err := openTestConn(1)
		So(err, ShouldBeNil)
		ctx := context.Background()

		_, err = c.Execute(ctx, "CREATE TABLE t (v INTEGER)")
		So(err, ShouldBeNil)
		read := func() (n int, err error) {
			err = c.ReadLock(ctx, func(ctx context.Context, lc *broker.LockContext) error {
				res, err := lc.Execute(ctx, "SELECT * FROM t")
				if err != nil {
					return err
				}
				n = len(res.Metadata)
				return nil
			})
			return
		}
		n, err := read()
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 1)

		_, err = c.Execute(ctx, "ALTER TABLE t ADD COLUMN w TEXT")
		So(err, ShouldBeNil)
		So(c.RefreshSchema(), ShouldBeNil)
		n, err = read()
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 2)

		So(c.Close(), ShouldBeNil)
		So(c.RefreshSchema(), ShouldEqual, broker.ErrConnectionClosed)
	})
}

func TestCloseInsideWriteLock(t *testing.T) {
	Convey("Given a connection closed while its write lock is held", t, func() {
		_, c, err := openTestConn(1)
		So(err, ShouldBeNil)
		ctx := context.Background()
		_, err = c.Execute(ctx, "CREATE TABLE t (v INTEGER)")
		So(err, ShouldBeNil)

		var (
			mu    sync.Mutex
			trace []string
		)
		add := func(s string) {
			mu.Lock()
			defer mu.Unlock()
			trace = append(trace, s)
		}
		c.RegisterListener(listener.Listener{
			TablesUpdated: func(b *proto.BatchedUpdateNotification) { add("tables") },
			Closed:        func() { add("closed") },
		})

		err = c.WriteLock(ctx, func(ctx context.Context, lc *broker.LockContext) (err error) {
			if _, err = lc.Execute(ctx, "INSERT INTO t VALUES (1)"); err != nil {
				return
			}
			return c.Close()
		})
		So(err, ShouldBeNil)
		So(trace, ShouldResemble, []string{"closed"})
	})
}

func TestLockHooks(t *testing.T) {
	Convey("Given a connection with lock and transaction hooks", t, func() {
		var (
			mu    sync.Mutex
			trace []string
		)
		add := func(s string) {
			mu.Lock()
			defer mu.Unlock()
			trace = append(trace, s)
		}
		_, c, err := openTestConn(1,
			WithLockHooks(broker.Hooks{
				LockAcquired: func(lc *broker.LockContext) { add("acquired " + lc.Type().String()) },
				LockReleased: func(lc *broker.LockContext) { add("released " + lc.Type().String()) },
				Execute: func(lc *broker.LockContext, query string, args []interface{}) {
					add("execute " + query)
				},
			}),
			WithTransactionHooks(txn.Hooks{
				Begin:  func() { add("begin") },
				Commit: func() { add("commit") },
			}),
		)
		So(err, ShouldBeNil)
		defer c.Close()

		err = c.WriteTransaction(context.Background(), func(ctx context.Context, tx *txn.Transaction) error {
			_, err := tx.Execute(ctx, "CREATE TABLE t (v)")
			return err
		})
		So(err, ShouldBeNil)
		So(trace, ShouldResemble, []string{
			"acquired write",
			"execute BEGIN TRANSACTION",
			"begin",
			"execute CREATE TABLE t (v)",
			"execute COMMIT",
			"commit",
			"released write",
		})
	})
}
