package client

import "errors"

var (
	// ErrTransport wraps dial and write failures of the underlying connection.
	ErrTransport = errors.New("client: transport failure")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("client: connection manager closed")
	// ErrBufferFull is returned when the outbound buffer is at its cap.
	ErrBufferFull = errors.New("client: outbound buffer full")
	// ErrEmptyFile is returned by SendFile for a zero-length file.
	ErrEmptyFile = errors.New("client: file is empty")
)
