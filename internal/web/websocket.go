// ABOUTME: WebSocket transport for agent connections.
// ABOUTME: Adapts a gorilla websocket to the broker's FrameConn and supplies keep-alive.

package web

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zencelium/zencelium/internal/frame"
)

const (
	// writeWait bounds a single write to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong before declaring the
	// connection dead. Frames arriving also reset the deadline.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so the client has time
	// to answer.
	pingPeriod = (pongWait * 9) / 10
)

// wsConn adapts a gorilla websocket connection to broker.FrameConn. Every
// websocket message carries exactly one frame in the textual codec. The
// adapter owns keep-alive: a ping ticker goroutine and a pong handler that
// extends the read deadline.
//
// All wire writes go through the internal mutex; gorilla connections do not
// tolerate concurrent writers and the ping ticker runs beside the broker's
// write path.
type wsConn struct {
	conn *websocket.Conn

	wmu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	w := &wsConn{
		conn:   conn,
		closed: make(chan struct{}),
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go w.pingLoop()
	return w
}

func (w *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.closed:
			return
		case <-ticker.C:
			w.wmu.Lock()
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := w.conn.WriteMessage(websocket.PingMessage, nil)
			w.wmu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// ReadFrame reads one websocket message and decodes it. A payload that does
// not decode is a protocol violation and ends the connection.
func (w *wsConn) ReadFrame(_ context.Context) (*frame.Frame, error) {
	_, payload, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))

	f, err := frame.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	return f, nil
}

// WriteFrame encodes and sends one frame as a text message.
func (w *wsConn) WriteFrame(_ context.Context, f *frame.Frame) error {
	payload, err := f.Encode()
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	w.wmu.Lock()
	defer w.wmu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close sends a close frame on a best-effort basis and tears the socket down.
func (w *wsConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.wmu.Lock()
		_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = w.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		w.wmu.Unlock()

		close(w.closed)
		err = w.conn.Close()
	})
	return err
}
