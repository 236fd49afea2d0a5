// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package capnweb

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketTransport adapts a WebSocket connection to the Transport
// contract: one text frame per NDJSON line, FIFO in both directions.
// The adapter is fully bidirectional, so server-to-client calls work
// whenever the server holds a stub into the client's export table.
type WebSocketTransport struct {
	conn *websocket.Conn

	// Gorilla connections support one concurrent writer; the session
	// writer task is the only caller in practice, the mutex covers
	// direct use.
	writeMu sync.Mutex
}

// NewWebSocketTransport wraps an established WebSocket connection.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

// Send implements Transport.
func (t *WebSocketTransport) Send(ctx context.Context, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

// Recv implements Transport. Text and binary messages are both
// delivered as frames.
func (t *WebSocketTransport) Recv(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	}
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close implements Transport.
func (t *WebSocketTransport) Close() error {
	return t.conn.Close()
}
