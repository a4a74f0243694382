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
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var (
	// ErrDatabaseNotOpen indicates the named database is not open in the pool.
	ErrDatabaseNotOpen = errors.New("database is not open")
	// ErrDatabaseOpen indicates the named database is already open.
	ErrDatabaseOpen = errors.New("database is already open")
	// ErrContextUnavailable indicates a lock id that holds no connection slot.
	ErrContextUnavailable = errors.New("context is no longer available")
	// ErrLockNotHeld indicates the release of a lock id that holds no connection slot.
	ErrLockNotHeld = errors.New("lock is not held")
	// ErrInvalidLockID indicates a zero or duplicated lock id.
	ErrInvalidLockID = errors.New("invalid lock id")
	// ErrNoCommands indicates an empty batch.
	ErrNoCommands = errors.New("no SQL commands provided")
	// ErrNoEventSink indicates a lock request before an event sink was installed.
	ErrNoEventSink = errors.New("no event sink installed")
	// ErrConnectionsLocked indicates attach or detach while connections hold locks.
	ErrConnectionsLocked = errors.New("some connections are locked")
)

// ExecutionError is a failure reported by sqlite. Its message is the engine's own.
type ExecutionError struct {
	err error
}

func newExecutionError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*ExecutionError); ok {
		return err
	}
	return &ExecutionError{err: err}
}

// Error implements error.
func (e *ExecutionError) Error() string {
	return e.err.Error()
}

// Cause returns the underlying driver error.
func (e *ExecutionError) Cause() error {
	return e.err
}

// Code returns the sqlite primary result code, or -1 if the failure did not come from sqlite.
func (e *ExecutionError) Code() int {
	if se, ok := e.err.(sqlite3.Error); ok {
		return int(se.Code)
	}
	return -1
}

// IsExecutionError reports whether err, or any error it wraps, is a failure reported by sqlite.
func IsExecutionError(err error) bool {
	for err != nil {
		if _, ok := err.(*ExecutionError); ok {
			return true
		}
		cause, ok := err.(interface{ Cause() error })
		if !ok {
			return false
		}
		err = cause.Cause()
	}
	return false
}
