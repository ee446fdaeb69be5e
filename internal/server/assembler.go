package server

import (
	"errors"
	"fmt"

	"github.com/omochice/resilient-chat/pkg/protocol"
)

// maxChunks bounds total_chunks for one file, 1 GiB at the default chunk size.
const maxChunks = 1 << 14

var (
	// ErrIncompleteFile is returned when the last chunk arrives before all others.
	ErrIncompleteFile = errors.New("server: file is missing chunks")
	// ErrTooManyChunks is returned for a file announcing more than maxChunks chunks.
	ErrTooManyChunks = errors.New("server: file has too many chunks")
)

type partialFile struct {
	total  int
	chunks map[int][]byte
}

// assembler collects the chunks of files sent over one connection, keyed by
// file name. A file completes when its last chunk arrives.
type assembler struct {
	files map[string]*partialFile
}

func newAssembler() *assembler {
	return &assembler{files: make(map[string]*partialFile)}
}

// add stores a chunk. When env is the last chunk it returns the joined file
// and forgets it; a gap yields ErrIncompleteFile.
func (a *assembler) add(env protocol.Envelope) ([]byte, bool, error) {
	if env.TotalChunks > maxChunks {
		delete(a.files, env.FileName)
		return nil, false, fmt.Errorf("%w: %s announces %d, limit %d", ErrTooManyChunks, env.FileName, env.TotalChunks, maxChunks)
	}

	f, ok := a.files[env.FileName]
	if !ok || f.total != env.TotalChunks {
		f = &partialFile{total: env.TotalChunks, chunks: make(map[int][]byte)}
		a.files[env.FileName] = f
	}
	f.chunks[env.ChunkIndex] = env.Data

	if env.ChunkIndex != f.total-1 {
		return nil, false, nil
	}
	delete(a.files, env.FileName)

	size := 0
	for i := 0; i < f.total; i++ {
		c, ok := f.chunks[i]
		if !ok {
			return nil, true, fmt.Errorf("%w: %s chunk %d of %d", ErrIncompleteFile, env.FileName, i, f.total)
		}
		size += len(c)
	}
	out := make([]byte, 0, size)
	for i := 0; i < f.total; i++ {
		out = append(out, f.chunks[i]...)
	}
	return out, true, nil
}

// pending returns the number of files still being received.
func (a *assembler) pending() int {
	return len(a.files)
}
