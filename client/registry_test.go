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
	"testing"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/CovenantSQL/litepool/conf"
	"github.com/CovenantSQL/litepool/engine"
	"github.com/CovenantSQL/litepool/proto"
)

func TestRegistry(t *testing.T) {
	Convey("Given a registry over a pool", t, func() {
		p := engine.NewPool()
		r := NewRegistry(p)
		c, err := r.Open("registry-a.db", conf.NewDatabase("registry-a.db", testDataDir))
		So(err, ShouldBeNil)
		defer r.CloseAll()

		Convey("Opening the same name twice should fail", func() {
			_, err := r.Open("registry-a.db", conf.NewDatabase("registry-a.db", testDataDir))
			So(errors.Cause(err), ShouldEqual, ErrConnectionOpen)
		})
		Convey("Connections should be listed by name", func() {
			_, err := r.Open("registry-b.db", conf.NewDatabase("registry-b.db", testDataDir))
			So(err, ShouldBeNil)
			So(r.Names(), ShouldResemble, []string{"registry-a.db", "registry-b.db"})
			got, ok := r.Get("registry-a.db")
			So(ok, ShouldBeTrue)
			So(got, ShouldEqual, c)
		})
		Convey("An invalid config should be rejected", func() {
			cfg := conf.NewDatabase("registry-c.db", testDataDir)
			cfg.ReadConnections = -1
			_, err := r.Open("registry-c.db", cfg)
			So(errors.Cause(err), ShouldEqual, conf.ErrInvalidReadConnections)
		})
		Convey("Events for unknown databases should be ignored", func() {
			r.OnRowChanged("nope", "t", proto.RowInsert, 1)
			r.OnTransactionEvent("nope", proto.TxCommit)
			r.OnLockGranted("nope", 1)
		})
		Convey("CloseAll should close every connection", func() {
			So(r.CloseAll(), ShouldBeNil)
			So(r.Names(), ShouldBeEmpty)
		})
	})
}
