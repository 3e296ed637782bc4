// Copyright 2024-2026 The acornchat Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection the socket surface the session state machine drives. Abstracted
// from the websocket so tests can supply an in-memory transport.
type Connection interface {
	// ReadFrame block until a client frame arrives or the connection fails
	ReadFrame() (*ClientFrame, error)
	// WriteFrame write one server frame. The session's drain loop is the
	// only caller, which is what guarantees per-session ordering.
	WriteFrame(frame ServerFrame) error
	// SetReadDeadline bound the next ReadFrame; zero time clears the bound
	SetReadDeadline(deadline time.Time) error
	// Close close the socket with a protocol close code. Idempotent.
	Close(code int, reason string) error
}

// wsConnection implements Connection on a gorilla websocket
type wsConnection struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
	closeOnce sync.Once
}

// WrapWebsocket adapt an upgraded websocket into a Connection
func WrapWebsocket(conn *websocket.Conn) Connection {
	return &wsConnection{conn: conn}
}

// ReadFrame block until a client frame arrives or the connection fails
func (c *wsConnection) ReadFrame() (*ClientFrame, error) {
	var frame ClientFrame
	if err := c.conn.ReadJSON(&frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

// WriteFrame write one server frame
func (c *wsConnection) WriteFrame(frame ServerFrame) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.conn.WriteJSON(&frame)
}

// SetReadDeadline bound the next ReadFrame
func (c *wsConnection) SetReadDeadline(deadline time.Time) error {
	return c.conn.SetReadDeadline(deadline)
}

// Close close the socket with a protocol close code
func (c *wsConnection) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.writeLock.Lock()
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			deadline,
		)
		c.writeLock.Unlock()
		err = c.conn.Close()
	})
	return err
}
