package chat_test

import (
	"context"
	"io"

	"github.com/omochice/resilient-chat/internal/chat"
)

// stubConn satisfies chat.Conn for hub tests, which never do I/O on it.
type stubConn struct{ addr string }

var _ chat.Conn = stubConn{}

func (stubConn) Read(context.Context) ([]byte, error) { return nil, io.EOF }
func (stubConn) Write(context.Context, []byte) error  { return nil }
func (stubConn) Close() error                         { return nil }
func (c stubConn) RemoteAddr() string                 { return c.addr }
