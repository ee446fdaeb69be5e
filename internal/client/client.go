// Package client is the resilient messaging core of a chat session: the
// connection manager with its outbound buffer, and the file chunker that
// feeds it.
package client

import (
	"context"

	"go.uber.org/zap"

	"github.com/omochice/resilient-chat/internal/chat"
	"github.com/omochice/resilient-chat/pkg/protocol"
)

// Client defines the interface for a chat session as seen by a front end.
type Client interface {
	Connect()
	Close()
	State() State
	SendText(ctx context.Context, text string) error
	SendFile(ctx context.Context, f File) error
}

// Chat is a Client built from a Manager and a FileChunker.
type Chat struct {
	*Manager
	chunker *FileChunker
}

var _ Client = (*Chat)(nil)

// NewChat wires a Manager and a FileChunker for one session.
func NewChat(session chat.Session, dialer chat.Dialer, handshaker Handshaker, handler FrameHandler, cfg Config, chunkSize int, log *zap.Logger) *Chat {
	m := NewManager(session, dialer, handshaker, handler, cfg, log)
	return &Chat{
		Manager: m,
		chunker: NewFileChunker(m, chunkSize, m.log),
	}
}

// SendText sends a text envelope.
func (c *Chat) SendText(ctx context.Context, text string) error {
	return c.Send(ctx, protocol.NewText(text))
}

// SendFile sends f as a sequence of file-chunk envelopes.
func (c *Chat) SendFile(ctx context.Context, f File) error {
	return c.chunker.SendFile(ctx, f)
}
