package ws

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gobwas "github.com/gobwas/ws"

	"github.com/omochice/resilient-chat/internal/chat"
)

// Dialer opens client connections. It implements chat.Dialer.
type Dialer struct {
	// Timeout bounds the TCP connect and the opening handshake.
	Timeout time.Duration
	// Token, when set, is offered as the WebSocket sub-protocol so the
	// server can authenticate the session.
	Token string
}

var _ chat.Dialer = (*Dialer)(nil)

// Dial connects to endpoint, a ws:// or wss:// URL.
func (d *Dialer) Dial(ctx context.Context, endpoint string) (chat.Conn, error) {
	dialer := gobwas.Dialer{Timeout: d.Timeout}
	if d.Token != "" {
		dialer.Protocols = []string{d.Token}
	}

	conn, br, _, err := dialer.Dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return NewClientConn(conn, br), nil
}

// Upgrade upgrades an HTTP request to a server-side Conn. Any offered
// sub-protocol is accepted.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	u := gobwas.HTTPUpgrader{
		Protocol: func(string) bool { return true },
	}
	conn, rw, _, err := u.Upgrade(r, w)
	if err != nil {
		return nil, err
	}
	c := NewServerConn(conn, nil)
	if rw != nil {
		c.src = rw.Reader
	}
	return c, nil
}
