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
	"bufio"
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/CovenantSQL/litepool/proto"
	"github.com/CovenantSQL/litepool/utils/log"
)

// beginExclusive starts the exclusive transaction of a batch.
func (p *Pool) beginExclusive(ctx context.Context, name string, s *slot) (err error) {
	if _, _, err = s.execLiteral(ctx, "BEGIN EXCLUSIVE TRANSACTION"); err != nil {
		return
	}
	if s.writer {
		p.notifyStarted(name)
	}
	return
}

func rollbackBatch(s *slot) {
	if _, _, err := s.execLiteral(context.Background(), "ROLLBACK"); err != nil {
		log.WithError(err).Warning("rollback of failed batch failed")
	}
}

// ExecuteBatch implements interfaces.Pool.ExecuteBatch. Every command runs once per argument
// row, or once without arguments, inside a single exclusive transaction. The first failure
// rolls the whole batch back.
func (p *Pool) ExecuteBatch(ctx context.Context, name string, id proto.LockID,
	commands []proto.BatchCommand) (res *proto.BatchResult, err error) {
	if len(commands) == 0 {
		err = ErrNoCommands
		return
	}
	var s *slot
	if _, s, err = p.acquire(name, id); err != nil {
		return
	}
	if err = p.beginExclusive(ctx, name, s); err != nil {
		return
	}

	res = &proto.BatchResult{}
	for _, c := range commands {
		argRows := c.Args
		if len(argRows) == 0 {
			argRows = [][]interface{}{nil}
		}
		for _, args := range argRows {
			var r *proto.QueryResult
			if r, err = s.execute(ctx, c.SQL, args...); err != nil {
				rollbackBatch(s)
				res = nil
				return
			}
			res.RowsAffected += r.RowsAffected
			res.Commands++
		}
	}

	if _, _, err = s.execLiteral(ctx, "COMMIT"); err != nil {
		rollbackBatch(s)
		res = nil
	}
	return
}

// LoadFile implements interfaces.Pool.LoadFile. Every non-empty line of the file is one
// statement; all of them run inside a single exclusive transaction.
func (p *Pool) LoadFile(ctx context.Context, name string, id proto.LockID,
	path string) (res *proto.FileLoadResult, err error) {
	var s *slot
	if _, s, err = p.acquire(name, id); err != nil {
		return
	}

	var f *os.File
	if f, err = os.Open(path); err != nil {
		err = errors.Wrap(err, "open sql file failed")
		return
	}
	defer f.Close()

	if err = p.beginExclusive(ctx, name, s); err != nil {
		return
	}

	res = &proto.FileLoadResult{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rowsAffected int64
		if rowsAffected, _, err = s.execLiteral(ctx, line); err != nil {
			rollbackBatch(s)
			res = nil
			return
		}
		res.RowsAffected += rowsAffected
		res.Commands++
	}
	if err = scanner.Err(); err != nil {
		rollbackBatch(s)
		res = nil
		err = errors.Wrap(err, "read sql file failed")
		return
	}

	if _, _, err = s.execLiteral(ctx, "COMMIT"); err != nil {
		rollbackBatch(s)
		res = nil
	}
	return
}
