package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"
)

var (
	// ErrParse is returned for frames that are not valid inbound messages.
	ErrParse = errors.New("protocol: malformed frame")
	// ErrUnknownMessageType is returned for a frame whose type is not text or file.
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
)

// MessageType represents the declared type of an inbound frame
type MessageType int

const (
	MessageTypeText MessageType = iota
	MessageTypeFile
)

// String returns the string representation of MessageType
func (mt MessageType) String() string {
	switch mt {
	case MessageTypeText:
		return "TEXT"
	case MessageTypeFile:
		return "FILE"
	default:
		return "UNKNOWN"
	}
}

// Inbound is a message received from the server. It is either a TextMessage
// or a FileMessage.
type Inbound interface {
	Type() MessageType
	isInbound()
}

// TextMessage is a chat line from another participant (or an echo of ours).
type TextMessage struct {
	SenderID   string
	SenderName string
	Text       string
	CreatedAt  string
}

// FileMessage carries a whole file as delivered by the server.
type FileMessage struct {
	SenderID   string
	SenderName string
	CreatedAt  string
	FileName   string
	Data       []byte
	// Base64 records the payload encoding on the wire.
	Base64 bool
}

func (TextMessage) Type() MessageType { return MessageTypeText }
func (FileMessage) Type() MessageType { return MessageTypeFile }
func (TextMessage) isInbound()        {}
func (FileMessage) isInbound()        {}

// inboundFrame mirrors the server JSON. The "message" field is a string for
// text and base64 files, and an array or index-keyed object for raw files,
// so it is decoded as a dynamic structpb.Value.
type inboundFrame struct {
	MessageType string          `json:"message_type,omitempty"`
	Message     *structpb.Value `json:"message,omitempty"`
	Text        string          `json:"text,omitempty"`
	SenderName  string          `json:"sender_name"`
	SenderID    string          `json:"sender_id"`
	CreatedAt   string          `json:"created_at"`
	IsBase64    bool            `json:"is_base64,omitempty"`
	FileName    string          `json:"file_name,omitempty"`
}

// ParseInbound decodes one inbound frame. Errors wrap ErrParse or
// ErrUnknownMessageType.
func ParseInbound(data []byte) (Inbound, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	switch f.MessageType {
	case "", typeText:
		return parseText(f)
	case typeFile:
		return parseFile(f)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, f.MessageType)
	}
}

func parseText(f inboundFrame) (TextMessage, error) {
	msg := TextMessage{
		SenderID:   f.SenderID,
		SenderName: f.SenderName,
		CreatedAt:  f.CreatedAt,
		Text:       f.Text,
	}
	// History entries carry the body in "text", live frames in "message".
	if f.Message != nil {
		s, ok := f.Message.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return TextMessage{}, fmt.Errorf("%w: text message body is not a string", ErrParse)
		}
		msg.Text = s.StringValue
	}
	return msg, nil
}

func parseFile(f inboundFrame) (FileMessage, error) {
	if f.FileName == "" {
		return FileMessage{}, fmt.Errorf("%w: file message without file_name", ErrParse)
	}
	data, err := decodePayload(f.Message, f.IsBase64)
	if err != nil {
		return FileMessage{}, err
	}
	return FileMessage{
		SenderID:   f.SenderID,
		SenderName: f.SenderName,
		CreatedAt:  f.CreatedAt,
		FileName:   f.FileName,
		Data:       data,
		Base64:     f.IsBase64,
	}, nil
}

func decodePayload(v *structpb.Value, isBase64 bool) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: file message without payload", ErrParse)
	}

	if isBase64 {
		s, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("%w: base64 payload is not a string", ErrParse)
		}
		data, err := base64.StdEncoding.DecodeString(s.StringValue)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return data, nil
	}

	switch k := v.GetKind().(type) {
	case *structpb.Value_ListValue:
		return bytesFromValues(k.ListValue.GetValues())
	case *structpb.Value_StructValue:
		return bytesFromIndexed(k.StructValue.GetFields())
	default:
		return nil, fmt.Errorf("%w: unsupported file payload", ErrParse)
	}
}

// bytesFromIndexed handles {"0":137,"1":80,...}. Values are taken in
// ascending numeric key order.
func bytesFromIndexed(fields map[string]*structpb.Value) ([]byte, error) {
	type entry struct {
		index int
		value *structpb.Value
	}
	entries := make([]entry, 0, len(fields))
	for k, v := range fields {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 {
			return nil, fmt.Errorf("%w: payload key %q is not an index", ErrParse, k)
		}
		entries = append(entries, entry{index: i, value: v})
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].index < entries[b].index })

	values := make([]*structpb.Value, len(entries))
	for i, e := range entries {
		values[i] = e.value
	}
	return bytesFromValues(values)
}

func bytesFromValues(values []*structpb.Value) ([]byte, error) {
	out := make([]byte, len(values))
	for i, v := range values {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("%w: payload element %d is not a number", ErrParse, i)
		}
		x := n.NumberValue
		if x != math.Trunc(x) || x < 0 || x > 255 {
			return nil, fmt.Errorf("%w: payload element %d out of byte range: %v", ErrParse, i, x)
		}
		out[i] = byte(x)
	}
	return out, nil
}

// Encode renders the message in the inbound frame shape.
func (m TextMessage) Encode() ([]byte, error) {
	f := inboundFrame{
		MessageType: typeText,
		Message:     structpb.NewStringValue(m.Text),
		SenderName:  m.SenderName,
		SenderID:    m.SenderID,
		CreatedAt:   m.CreatedAt,
	}
	return encodeFrame(f)
}

// Encode renders the message in the inbound frame shape, base64 when
// m.Base64 is set and as a number array otherwise.
func (m FileMessage) Encode() ([]byte, error) {
	f := inboundFrame{
		MessageType: typeFile,
		SenderName:  m.SenderName,
		SenderID:    m.SenderID,
		CreatedAt:   m.CreatedAt,
		IsBase64:    m.Base64,
		FileName:    m.FileName,
	}
	if m.Base64 {
		f.Message = structpb.NewStringValue(base64.StdEncoding.EncodeToString(m.Data))
	} else {
		values := make([]*structpb.Value, len(m.Data))
		for i, b := range m.Data {
			values[i] = structpb.NewNumberValue(float64(b))
		}
		f.Message = structpb.NewListValue(&structpb.ListValue{Values: values})
	}
	return encodeFrame(f)
}

func encodeFrame(f inboundFrame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}
