// Copyright (C) 2026 Hoyack Labs
// This file is part of welcore
//
// welcore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// welcore is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with welcore.  If not, see <https://www.gnu.org/licenses/>.

package api

import (
	"net/http"
	"time"

	"github.com/algorand/websocket"
	"github.com/labstack/echo/v4"
)

var haltUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed is local-operator tooling; origin enforcement is left to
	// the deployment's proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	haltWriteWait  = 5 * time.Second
	haltPingPeriod = 20 * time.Second
)

// HaltFeed handles GET /v1/halt/ws: it pushes the current halt state on
// connect and again on every transition. This is the push half of the
// dual-channel feed; the polling GET is the durable fallback.
func (h *Handlers) HaltFeed(c echo.Context) error {
	conn, err := haltUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := h.Node.Halt().Subscribe()
	defer h.Node.Halt().Unsubscribe(sub)

	// Reader goroutine: the feed is write-only, but the close handshake
	// still needs the read pump.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(v interface{}) error {
		conn.SetWriteDeadline(time.Now().Add(haltWriteWait))
		return conn.WriteJSON(v)
	}
	if err := send(h.Node.Halt().Fast()); err != nil {
		return nil
	}

	ping := time.NewTicker(haltPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return nil
		case <-c.Request().Context().Done():
			return nil
		case state := <-sub:
			if err := send(state); err != nil {
				return nil
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(haltWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}
