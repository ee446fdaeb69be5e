// Package chat provides the transport-agnostic pieces shared by the chat
// client and the relay server.
package chat

import "context"

// Conn abstracts a bidirectional, message-framed connection.
// This interface isolates transport details from chat logic.
type Conn interface {
	// Read reads a single message frame (JSON text).
	// Returns an error once the connection is closed by either side.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single message frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Dialer opens client connections to a chat endpoint URL.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}
