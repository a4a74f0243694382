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
	"net/url"

	"github.com/pkg/errors"
)

// DSN is a sqlite connection string: a database file and the driver parameters.
type DSN struct {
	filename string
	params   url.Values
}

func newDSN(filename string) *DSN {
	return &DSN{filename: filename, params: url.Values{}}
}

// Merge parses query and sets every parameter it carries, the last value of a key winning.
func (dsn *DSN) Merge(query string) (err error) {
	if query == "" {
		return
	}
	var values url.Values
	if values, err = url.ParseQuery(query); err != nil {
		return errors.Wrapf(err, "invalid dsn parameters %q", query)
	}
	for k, v := range values {
		if k == "" || len(v) == 0 {
			return errors.Errorf("invalid dsn parameter %q", k)
		}
		dsn.Set(k, v[len(v)-1])
	}
	return
}

// Set sets a driver parameter, an empty value removes it.
func (dsn *DSN) Set(key, value string) {
	if value == "" {
		dsn.params.Del(key)
		return
	}
	dsn.params.Set(key, value)
}

// Format returns the connection string with parameters sorted by key.
func (dsn *DSN) Format() string {
	if len(dsn.params) == 0 {
		return "file:" + dsn.filename
	}
	return "file:" + dsn.filename + "?" + dsn.params.Encode()
}

// Clone returns a copy sharing nothing with dsn.
func (dsn *DSN) Clone() *DSN {
	c := newDSN(dsn.filename)
	for k, v := range dsn.params {
		c.params[k] = append([]string(nil), v...)
	}
	return c
}
