package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultGrace is how long a consumed blob stays readable.
	DefaultGrace = time.Second
	// DefaultIdleTTL is how long a blob nobody consumes is kept.
	DefaultIdleTTL = 10 * time.Minute
)

// ErrBlobNotFound is returned for an unknown or released blob id.
var ErrBlobNotFound = errors.New("dispatch: blob not found")

// Blob is a handle to a received file held by a BlobStore.
type Blob struct {
	ID       string
	FileName string
	MIMEType string
	Size     int
}

type blobEntry struct {
	data     []byte
	timer    *time.Timer
	consumed bool
}

// BlobStore owns the bytes of received files until they are consumed or
// released. Handles are scoped: Consume hands the bytes out once and
// releases them after a short grace period. Blobs that are never consumed
// are released after the idle TTL.
type BlobStore struct {
	grace time.Duration
	idle  time.Duration

	mu    sync.Mutex
	blobs map[string]*blobEntry
}

// BlobOption configures a BlobStore.
type BlobOption func(*BlobStore)

// WithIdleTTL sets how long an unconsumed blob is kept. d <= 0 keeps it
// until Release or Close.
func WithIdleTTL(d time.Duration) BlobOption {
	return func(s *BlobStore) { s.idle = d }
}

// NewBlobStore creates a store. grace <= 0 means DefaultGrace.
func NewBlobStore(grace time.Duration, opts ...BlobOption) *BlobStore {
	if grace <= 0 {
		grace = DefaultGrace
	}
	s := &BlobStore{
		grace: grace,
		idle:  DefaultIdleTTL,
		blobs: make(map[string]*blobEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire stores data and returns its handle.
func (s *BlobStore) Acquire(fileName, mimeType string, data []byte) *Blob {
	id := uuid.NewString()
	s.mu.Lock()
	e := &blobEntry{data: data}
	if s.idle > 0 {
		e.timer = time.AfterFunc(s.idle, func() { s.expire(id) })
	}
	s.blobs[id] = e
	s.mu.Unlock()
	return &Blob{ID: id, FileName: fileName, MIMEType: mimeType, Size: len(data)}
}

// Get returns the bytes of id without releasing them.
func (s *BlobStore) Get(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.blobs[id]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return e.data, nil
}

// Consume returns the bytes of id and schedules their release.
func (s *BlobStore) Consume(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.blobs[id]
	if !ok {
		return nil, ErrBlobNotFound
	}
	if !e.consumed {
		e.consumed = true
		if e.timer != nil {
			e.timer.Stop()
		}
		e.timer = time.AfterFunc(s.grace, func() { s.Release(id) })
	}
	return e.data, nil
}

// expire drops id if it was never consumed.
func (s *BlobStore) expire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.blobs[id]; ok && !e.consumed {
		delete(s.blobs, id)
	}
}

// Release drops id immediately. Unknown ids are ignored.
func (s *BlobStore) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.blobs[id]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.blobs, id)
	}
}

// Len returns the number of held blobs.
func (s *BlobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

// Close releases every blob.
func (s *BlobStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.blobs {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	s.blobs = make(map[string]*blobEntry)
}
