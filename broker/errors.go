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

import "github.com/pkg/errors"

var (
	// ErrLockTimeout indicates the lock was not granted within the configured timeout.
	ErrLockTimeout = errors.New("lock request timed out")
	// ErrConnectionClosed indicates the connection was closed while the request was pending.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrContextReleased indicates the lock context is used after its lock was released.
	ErrContextReleased = errors.New("lock context already released")
)

// PoolRejectedError is returned when the pool refused to queue a lock request. Its cause is
// the error reported by the pool.
type PoolRejectedError struct {
	Err error
}

func (e *PoolRejectedError) Error() string {
	return "pool rejected lock request: " + e.Err.Error()
}

// Cause returns the pool error.
func (e *PoolRejectedError) Cause() error {
	return e.Err
}

// Unwrap returns the pool error.
func (e *PoolRejectedError) Unwrap() error {
	return e.Err
}

// IsPoolRejected reports whether err, or any error it wraps, is a PoolRejectedError.
func IsPoolRejected(err error) bool {
	for err != nil {
		if _, ok := err.(*PoolRejectedError); ok {
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
