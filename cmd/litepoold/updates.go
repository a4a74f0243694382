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
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/CovenantSQL/litepool/listener"
	"github.com/CovenantSQL/litepool/proto"
)

const (
	updateQueueSize = 256
	writeWait       = 10 * time.Second
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type updateMessage struct {
	Type  string                           `json:"type"`
	Raw   *proto.UpdateNotification        `json:"raw,omitempty"`
	Batch *proto.BatchedUpdateNotification `json:"batch,omitempty"`
}

// Updates streams change notifications of a database over a websocket. Batched notifications
// are sent by default, raw row changes with ?raw=1.
func (a *api) Updates(rw http.ResponseWriter, r *http.Request) {
	c, ok := a.conn(rw, r)
	if !ok {
		return
	}
	raw := r.FormValue("raw") == "1"

	var (
		queue  = make(chan updateMessage, updateQueueSize)
		closed = make(chan struct{})
		push   = func(m updateMessage) {
			// hooks run on the writer path and must never block
			select {
			case queue <- m:
			default:
				requestLog(r).Warning("update queue full, dropping notification")
			}
		}
	)
	l := listener.Listener{
		Closed: func() {
			push(updateMessage{Type: "closed"})
		},
	}
	if raw {
		l.RawTableChange = func(n proto.UpdateNotification) {
			push(updateMessage{Type: "raw", Raw: &n})
		}
	} else {
		l.TablesUpdated = func(b *proto.BatchedUpdateNotification) {
			push(updateMessage{Type: "batch", Batch: b})
		}
	}
	// subscribe before the handshake completes so no change after it is missed
	unsubscribe := c.RegisterListener(l)
	defer unsubscribe()

	ws, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		// upgrader already replied with an http error
		requestLog(r).WithError(err).Error("upgrade http connection to websocket failed")
		return
	}
	defer ws.Close()

	// reader loop only detects the peer going away
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	requestLog(r).WithField("raw", raw).Info("update stream opened")
	for {
		select {
		case <-closed:
			requestLog(r).Info("update stream closed by peer")
			return
		case m := <-queue:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(m); err != nil {
				requestLog(r).WithError(err).Warning("write update failed")
				return
			}
			if m.Type == "closed" {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "database closed"),
					time.Now().Add(writeWait))
				return
			}
		}
	}
}
