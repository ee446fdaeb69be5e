package chat

import (
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrInvalidSession is returned by NewSession when an id is missing.
var ErrInvalidSession = errors.New("chat: chat id and user id are required")

// Session identifies one participant in one chat. Every connection, key
// exchange and buffer belongs to exactly one Session.
type Session struct {
	ID     string
	ChatID string
	UserID string
}

// NewSession returns a Session with a fresh correlation ID.
func NewSession(chatID, userID string) (Session, error) {
	if chatID == "" || userID == "" {
		return Session{}, ErrInvalidSession
	}
	return Session{
		ID:     uuid.NewString(),
		ChatID: chatID,
		UserID: userID,
	}, nil
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (s Session) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("id", s.ID)
	enc.AddString("chat_id", s.ChatID)
	enc.AddString("user_id", s.UserID)
	return nil
}

// Field returns the session as a structured log field.
func (s Session) Field() zap.Field {
	return zap.Object("session", s)
}
