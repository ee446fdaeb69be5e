package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/omochice/resilient-chat/internal/dispatch"
	"github.com/omochice/resilient-chat/pkg/protocol"
)

// terminal prints messages to out and numbers received files for /save.
type terminal struct {
	mu    sync.Mutex
	out   io.Writer
	files []*dispatch.Blob
}

var _ dispatch.Presenter = (*terminal)(nil)

func newTerminal(out io.Writer) *terminal {
	return &terminal{out: out}
}

func (t *terminal) ShowText(msg protocol.TextMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "[%s]: %s\n", sender(msg.SenderName, msg.SenderID), msg.Text)
}

func (t *terminal) ShowFile(msg protocol.FileMessage, blob *dispatch.Blob) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files = append(t.files, blob)
	fmt.Fprintf(t.out, "[%s]: sent file #%d %s (%s, %d bytes)\n",
		sender(msg.SenderName, msg.SenderID), len(t.files), blob.FileName, blob.MIMEType, blob.Size)
}

func (t *terminal) notice(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "*** "+format+" ***\n", args...)
}

// file returns the n-th received file, counting from 1.
func (t *terminal) file(n int) (*dispatch.Blob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n < 1 || n > len(t.files) {
		return nil, false
	}
	return t.files[n-1], true
}

func sender(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
