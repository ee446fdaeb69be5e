// Package protocol defines the frames exchanged with the chat server.
//
// Outbound frames are Envelopes (text or file chunk). Inbound frames decode into
// the Inbound tagged union. Both travel as JSON text frames.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// EnvelopeKind represents the kind of an outbound envelope
type EnvelopeKind int

const (
	KindText EnvelopeKind = iota
	KindFileChunk
)

// wire values of the "type" field
const (
	typeText = "text"
	typeFile = "file"
)

// String returns the string representation of EnvelopeKind
func (k EnvelopeKind) String() string {
	switch k {
	case KindText:
		return "TEXT"
	case KindFileChunk:
		return "FILE_CHUNK"
	default:
		return "UNKNOWN"
	}
}

// ErrInvalidEnvelope is returned for an envelope that cannot be sent.
var ErrInvalidEnvelope = errors.New("protocol: invalid envelope")

// Envelope is a structured outbound unit queued for transmission.
// Treat it as immutable once handed to a sender.
type Envelope struct {
	Kind EnvelopeKind

	// KindText
	Text string

	// KindFileChunk
	FileName    string
	ChunkIndex  int
	TotalChunks int
	Data        []byte
	MIMEType    string
}

// NewText returns a text envelope.
func NewText(text string) Envelope {
	return Envelope{Kind: KindText, Text: text}
}

// NewFileChunk returns a file-chunk envelope. data is retained, not copied.
func NewFileChunk(fileName string, index, total int, data []byte, mimeType string) Envelope {
	return Envelope{
		Kind:        KindFileChunk,
		FileName:    fileName,
		ChunkIndex:  index,
		TotalChunks: total,
		Data:        data,
		MIMEType:    mimeType,
	}
}

type textFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type fileFrame struct {
	Type        string    `json:"type"`
	FileName    string    `json:"file_name"`
	ChunkIndex  int       `json:"chunk_index"`
	TotalChunks int       `json:"total_chunks"`
	Data        ByteArray `json:"data"`
	MIMEType    string    `json:"mime_type"`
}

// Validate reports whether the envelope can be put on the wire.
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindText:
		return nil
	case KindFileChunk:
		if e.FileName == "" {
			return fmt.Errorf("%w: file chunk without file name", ErrInvalidEnvelope)
		}
		if e.TotalChunks <= 0 || e.ChunkIndex < 0 || e.ChunkIndex >= e.TotalChunks {
			return fmt.Errorf("%w: chunk %d of %d", ErrInvalidEnvelope, e.ChunkIndex, e.TotalChunks)
		}
		return nil
	default:
		return fmt.Errorf("%w: kind %s", ErrInvalidEnvelope, e.Kind)
	}
}

// Encode encodes the envelope into a JSON frame
func (e Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	var v any
	switch e.Kind {
	case KindText:
		v = textFrame{Type: typeText, Text: e.Text}
	case KindFileChunk:
		v = fileFrame{
			Type:        typeFile,
			FileName:    e.FileName,
			ChunkIndex:  e.ChunkIndex,
			TotalChunks: e.TotalChunks,
			Data:        ByteArray(e.Data),
			MIMEType:    e.MIMEType,
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope decodes a JSON frame produced by Envelope.Encode.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	var env Envelope
	switch head.Type {
	case typeText:
		var f textFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrParse, err)
		}
		env = NewText(f.Text)
	case typeFile:
		var f fileFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrParse, err)
		}
		env = NewFileChunk(f.FileName, f.ChunkIndex, f.TotalChunks, []byte(f.Data), f.MIMEType)
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, head.Type)
	}

	if err := env.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return env, nil
}

// ByteArray is a byte slice carried as a JSON array of numbers
// rather than the base64 string encoding/json uses for []byte.
type ByteArray []byte

// MarshalJSON implements json.Marshaler.
func (b ByteArray) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, 2+len(b)*4)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return err
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return fmt.Errorf("byte %d out of range: %d", i, n)
		}
		out[i] = byte(n)
	}
	*b = out
	return nil
}
