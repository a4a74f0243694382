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
	"database/sql"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/CovenantSQL/litepool/broker"
	"github.com/CovenantSQL/litepool/client"
	"github.com/CovenantSQL/litepool/engine"
	"github.com/CovenantSQL/litepool/proto"
	"github.com/CovenantSQL/litepool/txn"
	"github.com/CovenantSQL/litepool/utils/log"
)

const requestIDHeader = "X-Request-ID"

type contextKey int

const requestIDKey contextKey = iota

type queryMap struct {
	Query   string      `json:"query"`
	RawArgs interface{} `json:"args"`
	Args    []interface{}
}

type batchMap struct {
	Commands []proto.BatchCommand `json:"commands"`
}

// api serves the connections of a registry.
type api struct {
	registry *client.Registry
}

func newRouter(registry *client.Registry) *mux.Router {
	a := &api{registry: registry}
	router := mux.NewRouter()
	router.Use(requestIDMiddleware)
	v1 := router.PathPrefix("/v1/{db}").Subrouter()
	v1.HandleFunc("/exec", a.Exec).Methods(http.MethodPost)
	v1.HandleFunc("/query", a.Query).Methods(http.MethodPost)
	v1.HandleFunc("/batch", a.Batch).Methods(http.MethodPost)
	v1.HandleFunc("/updates", a.Updates).Methods(http.MethodGet)
	return router
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		rw.Header().Set(requestIDHeader, id)
		next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestLog(r *http.Request) *log.Entry {
	id, _ := r.Context().Value(requestIDKey).(string)
	return log.WithFields(log.Fields{
		"request": id,
		"db":      mux.Vars(r)["db"],
		"path":    r.URL.Path,
	})
}

func (a *api) conn(rw http.ResponseWriter, r *http.Request) (c *client.Conn, ok bool) {
	db := mux.Vars(r)["db"]
	if c, ok = a.registry.Get(db); !ok {
		sendResponse(http.StatusNotFound, false, errors.Wrap(client.ErrConnectionNotFound, db), nil, rw)
	}
	return
}

func lockOptions(r *http.Request) (opts []client.LockOption, err error) {
	if v := r.FormValue("timeout"); v != "" {
		var d time.Duration
		if d, err = time.ParseDuration(v); err != nil {
			err = errors.Wrap(err, "invalid timeout")
			return
		}
		opts = append(opts, client.WithTimeout(d))
	}
	return
}

func parseForm(r *http.Request) (qm *queryMap, err error) {
	ct := r.Header.Get("Content-Type")
	if ct != "" {
		ct, _, _ = mime.ParseMediaType(ct)
	}
	if ct == "application/json" {
		// json form
		if r.Body == nil {
			err = errors.New("missing request payload")
			return
		}
		if err = json.NewDecoder(r.Body).Decode(&qm); err != nil {
			err = errors.New("decode request json payload failed")
			return
		}

		// resolve args
		if qm.RawArgs != nil {
			switch v := qm.RawArgs.(type) {
			case map[string]interface{}:
				if len(v) > 0 {
					qm.Args = make([]interface{}, 0, len(v))
					for pk, pv := range v {
						qm.Args = append(qm.Args, sql.Named(pk, pv))
					}
				}
			case []interface{}:
				qm.Args = v
			default:
				// scalar types
				qm.Args = []interface{}{qm.RawArgs}
			}
		}
	} else {
		// normal form
		qm = &queryMap{}
		qm.Query = r.FormValue("query")
		args := r.Form["args"]

		if len(args) > 0 {
			qm.Args = make([]interface{}, len(args))

			for i, v := range args {
				qm.Args[i] = v
			}
		}
	}

	if qm.Query == "" {
		err = errors.New("missing query parameter")
	}

	return
}

func errorStatus(err error) int {
	switch errors.Cause(err) {
	case broker.ErrLockTimeout:
		return http.StatusRequestTimeout
	case broker.ErrConnectionClosed:
		return http.StatusServiceUnavailable
	case txn.ErrTransactionFinalized, engine.ErrNoCommands:
		return http.StatusBadRequest
	}
	if engine.IsExecutionError(err) {
		return http.StatusBadRequest
	}
	if broker.IsPoolRejected(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func sendResponse(code int, success bool, msg interface{}, data interface{}, rw http.ResponseWriter) {
	msgStr := "ok"
	if msg != nil {
		msgStr = fmt.Sprint(msg)
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(map[string]interface{}{
		"status":  msgStr,
		"success": success,
		"data":    data,
	})
}

func (a *api) run(rw http.ResponseWriter, r *http.Request, read bool) {
	c, ok := a.conn(rw, r)
	if !ok {
		return
	}
	qm, err := parseForm(r)
	if err != nil {
		sendResponse(http.StatusBadRequest, false, err, nil, rw)
		return
	}
	opts, err := lockOptions(r)
	if err != nil {
		sendResponse(http.StatusBadRequest, false, err, nil, rw)
		return
	}

	var (
		res   *proto.QueryResult
		start = time.Now()
		fn    = func(ctx context.Context, lc *broker.LockContext) (err error) {
			res, err = lc.Execute(ctx, qm.Query, qm.Args...)
			return
		}
	)
	if read {
		err = c.ReadLock(r.Context(), fn, opts...)
	} else {
		err = c.WriteLock(r.Context(), fn, opts...)
	}
	requestLog(r).WithError(err).WithField("elapsed", time.Since(start).String()).Debug(qm.Query)
	if err != nil {
		sendResponse(errorStatus(err), false, err, nil, rw)
		return
	}
	sendResponse(http.StatusOK, true, nil, res, rw)
}

// Exec runs a statement under the write lock.
func (a *api) Exec(rw http.ResponseWriter, r *http.Request) {
	a.run(rw, r, false)
}

// Query runs a statement under a read lock.
func (a *api) Query(rw http.ResponseWriter, r *http.Request) {
	a.run(rw, r, true)
}

// Batch runs a list of commands in one exclusive transaction.
func (a *api) Batch(rw http.ResponseWriter, r *http.Request) {
	c, ok := a.conn(rw, r)
	if !ok {
		return
	}
	var bm batchMap
	if r.Body == nil {
		sendResponse(http.StatusBadRequest, false, "missing request payload", nil, rw)
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&bm); err != nil {
		sendResponse(http.StatusBadRequest, false, "decode request json payload failed", nil, rw)
		return
	}
	res, err := c.ExecuteBatch(r.Context(), bm.Commands)
	requestLog(r).WithError(err).WithField("commands", len(bm.Commands)).Debug("batch")
	if err != nil {
		sendResponse(errorStatus(err), false, err, nil, rw)
		return
	}
	sendResponse(http.StatusOK, true, nil, res, rw)
}
