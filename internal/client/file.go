package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/omochice/resilient-chat/pkg/protocol"
)

// DefaultChunkSize is the payload size of a single file-chunk envelope.
const DefaultChunkSize = 64 * 1024

// File is a readable blob with a known size.
type File struct {
	Name     string
	MIMEType string
	Size     int64
	Reader   io.Reader
}

// OpenFile opens path for sending. The caller closes the returned closer
// once SendFile returns.
func OpenFile(path string) (File, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return File{}, nil, err
	}
	if info.IsDir() {
		f.Close()
		return File{}, nil, fmt.Errorf("%s is a directory", path)
	}
	name := filepath.Base(path)
	return File{
		Name:     name,
		MIMEType: protocol.MIMEType(name),
		Size:     info.Size(),
		Reader:   f,
	}, f, nil
}

// Sender accepts envelopes for delivery. *Manager satisfies it.
type Sender interface {
	Send(ctx context.Context, env protocol.Envelope) error
}

// FileChunker splits a file into file-chunk envelopes.
type FileChunker struct {
	sender    Sender
	chunkSize int
	log       *zap.Logger
}

// NewFileChunker creates a chunker. chunkSize <= 0 means DefaultChunkSize.
func NewFileChunker(sender Sender, chunkSize int, log *zap.Logger) *FileChunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FileChunker{sender: sender, chunkSize: chunkSize, log: log}
}

// TotalChunks returns ceil(size/chunkSize).
func (c *FileChunker) TotalChunks(size int64) int {
	n := size / int64(c.chunkSize)
	if size%int64(c.chunkSize) != 0 {
		n++
	}
	return int(n)
}

// SendFile reads f sequentially and hands one envelope per chunk to the
// sender, in index order. Each chunk is read only after the previous one
// was handed off, so the envelopes reach the sender (and the outbound
// buffer when offline) in ascending index order.
func (c *FileChunker) SendFile(ctx context.Context, f File) error {
	if f.Size <= 0 {
		return ErrEmptyFile
	}
	mime := f.MIMEType
	if mime == "" {
		mime = protocol.MIMEType(f.Name)
	}
	total := c.TotalChunks(f.Size)
	log := c.log.With(zap.String("file", f.Name), zap.Int("chunks", total))
	log.Debug("sending file")

	remaining := f.Size
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := int64(c.chunkSize)
		if remaining < n {
			n = remaining
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(f.Reader, buf); err != nil {
			return fmt.Errorf("read chunk %d of %s: %w", i, f.Name, err)
		}
		remaining -= n

		env := protocol.NewFileChunk(f.Name, i, total, buf, mime)
		if err := c.sender.Send(ctx, env); err != nil {
			return fmt.Errorf("send chunk %d of %s: %w", i, f.Name, err)
		}
	}
	log.Info("file sent")
	return nil
}
