// Package ws provides the WebSocket transport implementation for chat.Conn,
// built on gobwas/ws. The same Conn serves the client and the server side;
// only the framing state differs.
package ws

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"time"

	gobwas "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// closeTimeout bounds how long Close waits to deliver the close frame.
const closeTimeout = time.Second

// Conn adapts a raw gobwas connection to the chat.Conn interface.
// Data frames are written as text frames.
type Conn struct {
	conn  net.Conn
	src   io.Reader
	state gobwas.State

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewClientConn wraps a dialed connection. br is the reader returned by the
// dialer and may be nil.
func NewClientConn(conn net.Conn, br *bufio.Reader) *Conn {
	return newConn(conn, br, gobwas.StateClientSide)
}

// NewServerConn wraps an upgraded connection. br may be nil.
func NewServerConn(conn net.Conn, br *bufio.Reader) *Conn {
	return newConn(conn, br, gobwas.StateServerSide)
}

func newConn(conn net.Conn, br *bufio.Reader, state gobwas.State) *Conn {
	c := &Conn{conn: conn, src: conn, state: state}
	if br != nil {
		c.src = br
	}
	return c
}

// Read implements chat.Conn.
// Control frames are answered inline. A close frame from the peer is
// returned as a wsutil.ClosedError.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rd := &wsutil.Reader{
		Source:         c.src,
		State:          c.state,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&(gobwas.OpText|gobwas.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(rd)
	}
}

// handleControl renders the control reply into a buffer first so it goes out
// in a single locked write and never interleaves with a data frame.
func (c *Conn) handleControl(hdr gobwas.Header, r io.Reader) error {
	var reply bytes.Buffer
	err := wsutil.ControlFrameHandler(&reply, c.state)(hdr, r)
	if reply.Len() > 0 {
		c.writeMu.Lock()
		_, werr := c.conn.Write(reply.Bytes())
		c.writeMu.Unlock()
		if err == nil {
			err = werr
		}
	}
	return err
}

// Write implements chat.Conn.
// The context deadline, if any, becomes the write deadline.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteMessage(c.conn, c.state, gobwas.OpText, data)
}

// Close implements chat.Conn. It sends a normal-closure frame on a best
// effort basis and closes the socket. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(closeTimeout))
		body := gobwas.NewCloseFrameBody(gobwas.StatusNormalClosure, "")
		_ = wsutil.WriteMessage(c.conn, c.state, gobwas.OpClose, body)
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
