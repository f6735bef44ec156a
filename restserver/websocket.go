// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package restserver

// This file carries the WebSocket side of the boundary: one
// connection per client, subscribe/unsubscribe frames inbound,
// job_update frames outbound.  Each connection is an opaque handle in
// the broadcaster's subscriber sets; a stalled connection drops
// events rather than blocking a dispatcher.

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/diffeo/osrm-batch-routing/routing"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The UI is served from arbitrary origins in deployments that
	// front this daemon with their own host
	CheckOrigin: func(*http.Request) bool { return true },
}

// Outbound buffering and write pacing per client.
const (
	clientBuffer = 32
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 45 * time.Second
)

// clientFrame is what clients send.
type clientFrame struct {
	Event  string `json:"event"`
	UserID string `json:"userId,omitempty"`
	JobID  string `json:"jobId,omitempty"`
}

// updateFrame is what clients receive.
type updateFrame struct {
	Event string     `json:"event"`
	JobID string     `json:"jobId"`
	Data  updateData `json:"data"`
}

type updateData struct {
	Status   routing.Status   `json:"status"`
	Progress routing.Progress `json:"progress"`
	Error    string           `json:"error,omitempty"`
}

// wsClient is one connected WebSocket client.  It implements
// broadcast.Handle; Deliver never blocks, dropping events when the
// client cannot keep up (the next event carries fresher counters
// anyway).
type wsClient struct {
	api    *API
	conn   *websocket.Conn
	events chan routing.Event
	done   chan struct{}
	userID string
}

// Deliver enqueues one event for the write pump, or drops it if the
// client's buffer is full or the client is gone.  The events channel
// is never closed: a publish that raced the disconnect may still hold
// this handle.
func (c *wsClient) Deliver(event routing.Event) {
	select {
	case c.events <- event:
	default:
	}
}

// WebSocket upgrades the connection and runs the client until it
// disconnects.
func (api *API) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		api.Log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	client := &wsClient{
		api:    api,
		conn:   conn,
		events: make(chan routing.Event, clientBuffer),
		done:   make(chan struct{}),
	}
	go client.writePump()
	client.readPump()
}

// readPump consumes client frames until the connection dies, then
// tears the client out of every subscription set.
func (c *wsClient) readPump() {
	defer func() {
		c.api.Broadcaster.Drop(c)
		c.conn.Close()
		close(c.done)
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		switch frame.Event {
		case "identify":
			c.userID = frame.UserID
		case "subscribe":
			if frame.JobID != "" {
				c.api.Broadcaster.Subscribe(frame.JobID, c)
			}
		case "unsubscribe":
			if frame.JobID != "" {
				c.api.Broadcaster.Unsubscribe(frame.JobID, c)
			}
		}
	}
}

// writePump serialises queued events onto the wire in delivery order
// and keeps the connection alive with pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case event := <-c.events:
			frame := updateFrame{
				Event: "job_update",
				JobID: event.JobID,
				Data: updateData{
					Status:   event.Status,
					Progress: event.Progress,
					Error:    event.Error,
				},
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
