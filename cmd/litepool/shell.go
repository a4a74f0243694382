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

package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/CovenantSQL/litepool/broker"
	"github.com/CovenantSQL/litepool/client"
	"github.com/CovenantSQL/litepool/conf"
	"github.com/CovenantSQL/litepool/eventbus"
	"github.com/CovenantSQL/litepool/interfaces"
	"github.com/CovenantSQL/litepool/proto"
)

const helpText = `
litepool shell

Commands:
  .open NAME        Open (or switch to) database NAME in the data dir
  .close            Close the current database
  .tables           List tables of the current database
  .load FILE        Execute a SQL file, one statement per line, in one transaction
  .watch on|off     Print the tables changed by every write
  .bench N          Run N concurrent inserts against a scratch database
  .help             Show this help
  .exit             Leave the shell

Any other input is executed as SQL against the current database. SELECT, PRAGMA,
EXPLAIN and WITH statements run on a read connection, everything else on the writer.
`

var (
	errNoDatabase = errors.New("no database open, use .open NAME")
	errUsage      = errors.New("invalid arguments, see .help")
)

var readKeywords = map[string]bool{
	"SELECT":  true,
	"PRAGMA":  true,
	"EXPLAIN": true,
	"WITH":    true,
}

type shell struct {
	registry *client.Registry
	dir      string
	readers  int
	out      io.Writer

	current *client.Conn
	watch   eventbus.Unsubscribe
}

func newShell(pool interfaces.Pool, dir string, readers int, out io.Writer) *shell {
	return &shell{
		registry: client.NewRegistry(pool),
		dir:      dir,
		readers:  readers,
		out:      out,
	}
}

func (s *shell) prompt() string {
	if s.current == nil {
		return "litepool> "
	}
	return s.current.Name() + "> "
}

func (s *shell) close() {
	s.stopWatch()
	_ = s.registry.CloseAll()
	s.current = nil
}

// run executes one input line and reports whether the shell should exit.
func (s *shell) run(line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if !strings.HasPrefix(line, ".") {
		err = s.sql(line)
		return
	}

	parts := strings.Fields(line)
	switch parts[0] {
	case ".help":
		fmt.Fprint(s.out, helpText)
	case ".exit":
		quit = true
	case ".open":
		if len(parts) != 2 {
			return false, errUsage
		}
		err = s.open(parts[1])
	case ".close":
		err = s.closeCurrent()
	case ".tables":
		err = s.tables()
	case ".load":
		if len(parts) != 2 {
			return false, errUsage
		}
		err = s.load(parts[1])
	case ".watch":
		if len(parts) != 2 || (parts[1] != "on" && parts[1] != "off") {
			return false, errUsage
		}
		err = s.setWatch(parts[1] == "on")
	case ".bench":
		var n int
		if len(parts) != 2 {
			return false, errUsage
		}
		if n, err = strconv.Atoi(parts[1]); err != nil || n <= 0 {
			return false, errUsage
		}
		err = s.bench(n)
	default:
		err = errors.Errorf("unknown command %s, see .help", parts[0])
	}
	return
}

func (s *shell) openConn(name string) (c *client.Conn, err error) {
	if c, ok := s.registry.Get(name); ok {
		return c, nil
	}
	cfg := conf.NewDatabase(name, s.dir)
	cfg.ReadConnections = s.readers
	return s.registry.Open(name, cfg)
}

func (s *shell) open(name string) (err error) {
	var c *client.Conn
	if c, err = s.openConn(name); err != nil {
		return
	}
	watching := s.watch != nil
	s.stopWatch()
	s.current = c
	if watching {
		return s.setWatch(true)
	}
	return
}

func (s *shell) closeCurrent() (err error) {
	if s.current == nil {
		return errNoDatabase
	}
	s.stopWatch()
	err = s.current.Close()
	s.current = nil
	return
}

func (s *shell) stopWatch() {
	if s.watch != nil {
		s.watch()
		s.watch = nil
	}
}

func (s *shell) setWatch(on bool) error {
	if s.current == nil {
		return errNoDatabase
	}
	s.stopWatch()
	if on {
		s.watch = s.current.RegisterTablesChangedHook(func(b *proto.BatchedUpdateNotification) {
			for _, t := range b.Tables {
				fmt.Fprintf(s.out, "-- %s: %d row change(s)\n", t, len(b.GroupedUpdates[t]))
			}
		})
	}
	return nil
}

func isRead(query string) bool {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return false
	}
	return readKeywords[strings.ToUpper(strings.TrimRight(fields[0], ";"))]
}

func (s *shell) sql(query string) (err error) {
	if s.current == nil {
		return errNoDatabase
	}
	var (
		res   *proto.QueryResult
		ctx   = context.Background()
		start = time.Now()
	)
	if isRead(query) {
		err = s.current.ReadLock(ctx, func(ctx context.Context, lc *broker.LockContext) (err error) {
			res, err = lc.Execute(ctx, query)
			return
		})
	} else {
		res, err = s.current.Execute(ctx, query)
	}
	if err != nil {
		return
	}
	printResult(s.out, res)
	fmt.Fprintf(s.out, "(%v)\n", time.Since(start).Round(time.Microsecond))
	return
}

func printResult(out io.Writer, res *proto.QueryResult) {
	if res == nil {
		return
	}
	if len(res.Metadata) == 0 {
		fmt.Fprintf(out, "rows affected: %d", res.RowsAffected)
		if res.InsertID != nil {
			fmt.Fprintf(out, ", insert id: %d", *res.InsertID)
		}
		fmt.Fprintln(out)
		return
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	names := make([]string, len(res.Metadata))
	for i, m := range res.Metadata {
		names[i] = m.ColumnName
	}
	fmt.Fprintln(w, strings.Join(names, "\t"))
	if res.Rows != nil {
		for i := 0; i < res.Rows.Length; i++ {
			row := res.Rows.Item(i)
			values := make([]string, len(names))
			for j, n := range names {
				values[j] = formatValue(row[n])
			}
			fmt.Fprintln(w, strings.Join(values, "\t"))
		}
	}
	_ = w.Flush()
	if res.Rows != nil {
		fmt.Fprintf(out, "%d row(s)\n", res.Rows.Length)
	}
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

func (s *shell) tables() (err error) {
	if s.current == nil {
		return errNoDatabase
	}
	var names []string
	err = s.current.ReadLock(context.Background(), func(ctx context.Context, lc *broker.LockContext) error {
		res, err := lc.Execute(ctx,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'")
		if err != nil {
			return err
		}
		for i := 0; i < res.Rows.Length; i++ {
			names = append(names, formatValue(res.Rows.Item(i)["name"]))
		}
		return nil
	})
	if err != nil {
		return
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintln(s.out, n)
	}
	return
}

func (s *shell) load(path string) (err error) {
	if s.current == nil {
		return errNoDatabase
	}
	var res *proto.FileLoadResult
	if res, err = s.current.LoadFile(context.Background(), path); err != nil {
		return
	}
	fmt.Fprintf(s.out, "commands: %d, rows affected: %d\n", res.Commands, res.RowsAffected)
	return
}

// bench opens a scratch database, inserts n rows from n goroutines and deletes it afterwards.
func (s *shell) bench(n int) (err error) {
	var c *client.Conn
	if c, err = s.openConn("bench-" + uuid.New().String() + ".db"); err != nil {
		return
	}
	defer func() {
		if derr := c.Delete(); derr != nil && err == nil {
			err = derr
		}
	}()

	ctx := context.Background()
	if _, err = c.Execute(ctx, "CREATE TABLE bench (id INTEGER PRIMARY KEY, worker INTEGER)"); err != nil {
		return
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			_, err := c.Execute(gctx, "INSERT INTO bench (worker) VALUES (?)", i)
			return err
		})
	}
	if err = g.Wait(); err != nil {
		return
	}
	elapsed := time.Since(start)

	var count int64
	err = c.ReadLock(ctx, func(ctx context.Context, lc *broker.LockContext) error {
		res, err := lc.Execute(ctx, "SELECT count(*) AS n FROM bench")
		if err != nil {
			return err
		}
		count, _ = res.Rows.Item(0)["n"].(int64)
		return nil
	})
	if err != nil {
		return
	}
	fmt.Fprintf(s.out, "inserted %d row(s) in %v (%.0f writes/s)\n",
		count, elapsed.Round(time.Microsecond), float64(count)/elapsed.Seconds())
	return
}
