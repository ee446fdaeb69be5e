// Package dispatch turns inbound frames into presentation events.
//
// Frames are handled in arrival order. A frame that cannot be parsed is
// logged and dropped; it never stops the stream.
package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/omochice/resilient-chat/pkg/protocol"
)

// Presenter renders messages. Implementations must not block for long:
// they run on the connection's read loop.
type Presenter interface {
	ShowText(msg protocol.TextMessage)
	ShowFile(msg protocol.FileMessage, blob *Blob)
}

// Dispatcher routes inbound frames to a Presenter.
type Dispatcher struct {
	presenter Presenter
	blobs     *BlobStore
	log       *zap.Logger
}

// New creates a Dispatcher. Received files are stored in blobs.
func New(presenter Presenter, blobs *BlobStore, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if blobs == nil {
		blobs = NewBlobStore(DefaultGrace)
	}
	return &Dispatcher{presenter: presenter, blobs: blobs, log: log}
}

// OnFrame handles one frame from the transport.
func (d *Dispatcher) OnFrame(ctx context.Context, frame []byte) {
	if err := d.Dispatch(frame); err != nil {
		d.log.Warn("dropping inbound frame", zap.Error(err), zap.Int("bytes", len(frame)))
	}
}

// Dispatch parses frame and presents it. The returned error wraps
// protocol.ErrParse or protocol.ErrUnknownMessageType.
func (d *Dispatcher) Dispatch(frame []byte) error {
	msg, err := protocol.ParseInbound(frame)
	if err != nil {
		return err
	}

	switch m := msg.(type) {
	case protocol.TextMessage:
		d.presenter.ShowText(m)
	case protocol.FileMessage:
		blob := d.blobs.Acquire(m.FileName, protocol.MIMEType(m.FileName), m.Data)
		d.log.Debug("file received",
			zap.String("file", m.FileName),
			zap.String("sender", m.SenderID),
			zap.Int("size", blob.Size))
		d.presenter.ShowFile(m, blob)
	}
	return nil
}

// Blobs returns the store holding received files.
func (d *Dispatcher) Blobs() *BlobStore {
	return d.blobs
}
