package tunnel

import (
	"errors"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// WSConn presents a websocket as a byte stream so yamux can run over it.
// Each Write becomes one binary message; Read drains messages in order
// regardless of how they were framed.
type WSConn struct {
	conn *websocket.Conn

	readMu sync.Mutex
	cur    io.Reader

	writeMu sync.Mutex
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

func (w *WSConn) Read(p []byte) (int, error) {
	w.readMu.Lock()
	defer w.readMu.Unlock()
	for {
		if w.cur == nil {
			_, r, err := w.conn.NextReader()
			if err != nil {
				return 0, err
			}
			w.cur = r
		}
		n, err := w.cur.Read(p)
		if errors.Is(err, io.EOF) {
			w.cur = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (w *WSConn) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WSConn) Close() error {
	return w.conn.Close()
}

var _ io.ReadWriteCloser = (*WSConn)(nil)
