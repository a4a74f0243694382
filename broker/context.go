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

package broker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/CovenantSQL/litepool/proto"
)

// LockContext is the execution context bound to one granted lock. It is only valid inside
// the callback it was passed to.
type LockContext struct {
	b          *Broker
	id         proto.LockID
	lockType   proto.LockType
	acquiredAt time.Time
	released   int32
}

// ID returns the lock id.
func (lc *LockContext) ID() proto.LockID {
	return lc.id
}

// Type returns the lock type.
func (lc *LockContext) Type() proto.LockType {
	return lc.lockType
}

// DBName returns the name of the database the lock belongs to.
func (lc *LockContext) DBName() string {
	return lc.b.name
}

// Execute runs a single statement on the connection slot held by this lock.
func (lc *LockContext) Execute(
	ctx context.Context, query string, args ...interface{}) (res *proto.QueryResult, err error,
) {
	if atomic.LoadInt32(&lc.released) != 0 {
		err = errors.Wrapf(ErrContextReleased, "lock %s", lc.id)
		return
	}
	if res, err = lc.b.pool.ExecuteInContext(ctx, lc.b.name, lc.id, query, args...); err != nil {
		return
	}
	if fn := lc.b.hooks.Execute; fn != nil {
		fn(lc, query, args)
	}
	return
}

// ExecuteBatch runs commands in one exclusive transaction on the slot held by this lock.
func (lc *LockContext) ExecuteBatch(
	ctx context.Context, commands []proto.BatchCommand) (res *proto.BatchResult, err error,
) {
	if atomic.LoadInt32(&lc.released) != 0 {
		err = errors.Wrapf(ErrContextReleased, "lock %s", lc.id)
		return
	}
	return lc.b.pool.ExecuteBatch(ctx, lc.b.name, lc.id, commands)
}

// LoadFile runs the statements of a SQL file on the slot held by this lock.
func (lc *LockContext) LoadFile(ctx context.Context, path string) (res *proto.FileLoadResult, err error) {
	if atomic.LoadInt32(&lc.released) != 0 {
		err = errors.Wrapf(ErrContextReleased, "lock %s", lc.id)
		return
	}
	return lc.b.pool.LoadFile(ctx, lc.b.name, lc.id, path)
}

func (lc *LockContext) markReleased() bool {
	return atomic.CompareAndSwapInt32(&lc.released, 0, 1)
}
