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

package listener

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/CovenantSQL/litepool/proto"
)

func upd(table string, id int64, op proto.RowOp) proto.UpdateNotification {
	return proto.UpdateNotification{Table: table, RowID: id, Op: op}
}

func TestManager(t *testing.T) {
	Convey("Given a listener manager with a recording listener", t, func() {
		var (
			m       = NewManager("test")
			raw     []proto.UpdateNotification
			batches []*proto.BatchedUpdateNotification
			events  []proto.TransactionEvent
			closed  int
		)
		un := m.RegisterListener(Listener{
			RawTableChange:   func(n proto.UpdateNotification) { raw = append(raw, n) },
			TablesUpdated:    func(b *proto.BatchedUpdateNotification) { batches = append(batches, b) },
			WriteTransaction: func(e proto.TransactionEvent) { events = append(events, e) },
			Closed:           func() { closed++ },
		})
		So(m.Bus(), ShouldNotBeNil)

		Convey("Raw updates should be delivered immediately and buffered", func() {
			m.HandleRawUpdate(upd("t1", 1, proto.RowInsert))
			m.HandleRawUpdate(upd("t2", 1, proto.RowInsert))
			So(raw, ShouldHaveLength, 2)
			So(batches, ShouldBeEmpty)
			So(m.Pending(), ShouldEqual, 2)

			Convey("A flush should deliver one grouped batch and clear the buffer", func() {
				m.HandleRawUpdate(upd("t1", 2, proto.RowUpdate))
				m.FlushUpdates()
				So(m.Pending(), ShouldEqual, 0)
				So(batches, ShouldHaveLength, 1)
				So(batches[0].Tables, ShouldResemble, []string{"t1", "t2"})
				So(batches[0].RawUpdates, ShouldResemble, []proto.UpdateNotification{
					upd("t1", 1, proto.RowInsert),
					upd("t2", 1, proto.RowInsert),
					upd("t1", 2, proto.RowUpdate),
				})
				So(batches[0].GroupedUpdates["t1"], ShouldResemble, []proto.UpdateNotification{
					upd("t1", 1, proto.RowInsert),
					upd("t1", 2, proto.RowUpdate),
				})

				m.FlushUpdates()
				So(batches, ShouldHaveLength, 1)
			})
			Convey("A rollback should discard the buffer before publishing", func() {
				var pendingAtEvent = -1
				m.RegisterListener(Listener{
					WriteTransaction: func(proto.TransactionEvent) { pendingAtEvent = m.Pending() },
				})
				m.OnTransactionEvent(proto.TxRollback)
				So(pendingAtEvent, ShouldEqual, 0)
				So(events, ShouldResemble, []proto.TransactionEvent{proto.TxRollback})
				m.FlushUpdates()
				So(batches, ShouldBeEmpty)
				So(raw, ShouldHaveLength, 2)
			})
			Convey("Started and commit events should keep the buffer", func() {
				m.OnTransactionEvent(proto.TxStarted)
				m.OnTransactionEvent(proto.TxCommit)
				So(events, ShouldResemble, []proto.TransactionEvent{proto.TxStarted, proto.TxCommit})
				So(m.Pending(), ShouldEqual, 2)
			})
		})
		Convey("Changes after a rollback should flush on their own", func() {
			m.HandleRawUpdate(upd("t1", 1, proto.RowInsert))
			m.OnTransactionEvent(proto.TxRollback)
			m.HandleRawUpdate(upd("t3", 9, proto.RowDelete))
			m.FlushUpdates()
			So(batches, ShouldHaveLength, 1)
			So(batches[0].Tables, ShouldResemble, []string{"t3"})
		})
		Convey("Unregistering should remove every capability", func() {
			un()
			m.HandleRawUpdate(upd("t1", 1, proto.RowInsert))
			m.FlushUpdates()
			m.OnTransactionEvent(proto.TxCommit)
			m.Close()
			So(raw, ShouldBeEmpty)
			So(batches, ShouldBeEmpty)
			So(events, ShouldBeEmpty)
			So(closed, ShouldEqual, 0)
		})
		Convey("Close should notify and drop the buffer", func() {
			m.HandleRawUpdate(upd("t1", 1, proto.RowInsert))
			m.Close()
			So(closed, ShouldEqual, 1)
			So(m.Pending(), ShouldEqual, 0)

			Convey("No table update should follow the close event", func() {
				m.HandleRawUpdate(upd("t1", 2, proto.RowInsert))
				m.FlushUpdates()
				m.Close()
				So(raw, ShouldHaveLength, 1)
				So(batches, ShouldBeEmpty)
				So(m.Pending(), ShouldEqual, 0)
				So(closed, ShouldEqual, 1)
			})
		})
		Convey("A partial listener should only receive its capability", func() {
			var only []*proto.BatchedUpdateNotification
			m.RegisterListener(Listener{
				TablesUpdated: func(b *proto.BatchedUpdateNotification) { only = append(only, b) },
			})
			m.HandleRawUpdate(upd("t1", 1, proto.RowInsert))
			m.FlushUpdates()
			So(only, ShouldHaveLength, 1)
			So(batches, ShouldHaveLength, 1)
		})
	})
}
