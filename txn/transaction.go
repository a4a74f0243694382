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

// Package txn wraps a granted lock into a transaction with a one-way commit/rollback state.
package txn

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/CovenantSQL/litepool/proto"
	"github.com/CovenantSQL/litepool/utils/log"
)

// State is the state of a transaction.
type State int32

const (
	// Active is the initial state.
	Active State = iota
	// Committed is the terminal state after a successful commit.
	Committed
	// RolledBack is the terminal state after a rollback or a failed commit.
	RolledBack
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Committed:
		return "COMMITTED"
	case RolledBack:
		return "ROLLED_BACK"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Finalizer selects what happens to a transaction whose callback returned without
// finalizing it.
type Finalizer int

const (
	// FinalizeCommit commits the transaction.
	FinalizeCommit Finalizer = iota
	// FinalizeRollback rolls the transaction back.
	FinalizeRollback
)

// Executor runs a single statement on a held connection slot.
type Executor interface {
	Execute(ctx context.Context, query string, args ...interface{}) (*proto.QueryResult, error)
}

// Hooks are called on transaction boundaries. Nil hooks are skipped.
type Hooks struct {
	Begin    func()
	Commit   func()
	Rollback func()
}

// Transaction is a transaction-scoped execution context.
type Transaction struct {
	exec  Executor
	hooks Hooks
	state int32
}

// TxFunc is the callback run inside a transaction.
type TxFunc func(ctx context.Context, tx *Transaction) error

// State returns the current state.
func (tx *Transaction) State() State {
	return State(atomic.LoadInt32(&tx.state))
}

// Execute runs a statement inside the transaction.
func (tx *Transaction) Execute(ctx context.Context, query string, args ...interface{}) (*proto.QueryResult, error) {
	if tx.State() != Active {
		return nil, ErrTransactionFinalized
	}
	return tx.exec.Execute(ctx, query, args...)
}

// Commit commits the transaction. Only the first Commit or Rollback call has an effect. If
// COMMIT fails the transaction is rolled back and the commit error returned.
func (tx *Transaction) Commit(ctx context.Context) (err error) {
	if !atomic.CompareAndSwapInt32(&tx.state, int32(Active), int32(Committed)) {
		return
	}
	if _, err = tx.exec.Execute(ctx, "COMMIT"); err != nil {
		atomic.StoreInt32(&tx.state, int32(RolledBack))
		if _, rerr := tx.exec.Execute(context.Background(), "ROLLBACK"); rerr != nil {
			log.WithError(rerr).Warning("rollback after failed commit failed")
		}
		return
	}
	if fn := tx.hooks.Commit; fn != nil {
		fn()
	}
	return
}

// Rollback rolls the transaction back. Only the first Commit or Rollback call has an effect.
func (tx *Transaction) Rollback(ctx context.Context) (err error) {
	if !atomic.CompareAndSwapInt32(&tx.state, int32(Active), int32(RolledBack)) {
		return
	}
	if _, err = tx.exec.Execute(ctx, "ROLLBACK"); err != nil {
		return
	}
	if fn := tx.hooks.Rollback; fn != nil {
		fn()
	}
	return
}

func (tx *Transaction) rollbackQuietly() {
	if err := tx.Rollback(context.Background()); err != nil {
		log.WithError(err).Warning("rollback of failed transaction failed")
	}
}

// Run begins a transaction on exec, runs fn and finalizes the transaction with fin if fn did
// not. A failing or panicking fn rolls the transaction back and its failure is returned or
// re-panicked unchanged.
func Run(ctx context.Context, exec Executor, fin Finalizer, hooks Hooks, fn TxFunc) (err error) {
	if _, err = exec.Execute(ctx, "BEGIN TRANSACTION"); err != nil {
		err = errors.Wrap(err, "begin transaction failed")
		return
	}
	tx := &Transaction{
		exec:  exec,
		hooks: hooks,
	}
	if fn := hooks.Begin; fn != nil {
		fn()
	}

	defer func() {
		if r := recover(); r != nil {
			tx.rollbackQuietly()
			panic(r)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		tx.rollbackQuietly()
		return
	}

	switch fin {
	case FinalizeRollback:
		err = tx.Rollback(ctx)
	default:
		err = tx.Commit(ctx)
	}
	return
}
