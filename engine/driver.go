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
	"database/sql"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/CovenantSQL/litepool/utils/log"
)

const (
	writerDriver = "sqlite3-litepool-writer"
	readerDriver = "sqlite3-litepool-reader"
)

func init() {
	sleepFunc := func(t int64) int64 {
		log.Debug("sqlite func sleep start")
		time.Sleep(time.Duration(t))
		log.Debug("sqlite func sleep end")
		return t
	}
	sql.Register(writerDriver, &sqlite3.SQLiteDriver{
		ConnectHook: func(c *sqlite3.SQLiteConn) (err error) {
			if err = c.RegisterFunc("sleep", sleepFunc, true); err != nil {
				return
			}
			return
		},
	})
	sql.Register(readerDriver, &sqlite3.SQLiteDriver{
		ConnectHook: func(c *sqlite3.SQLiteConn) (err error) {
			if err = c.RegisterFunc("sleep", sleepFunc, true); err != nil {
				return
			}
			return
		},
	})
}
