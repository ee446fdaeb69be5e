// Package server is a development relay for the chat client. It serves the
// WebSocket room endpoint, the public-key registry and message history from
// memory.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/resilient-chat/internal/chat"
	"github.com/omochice/resilient-chat/internal/keyexchange"
	"github.com/omochice/resilient-chat/internal/transport/ws"
	"github.com/omochice/resilient-chat/pkg/protocol"
)

// outgoingQueue is the per-client backlog before frames are dropped.
const outgoingQueue = 64

// Server relays chat frames between the members of a room.
type Server struct {
	address string
	hub     *chat.Hub
	keys    *keyRegistry
	log     *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	clients  map[*chat.Client]struct{}
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithClock overrides the timestamp source for relayed messages.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a Server that will listen on address.
func New(address string, opts ...Option) *Server {
	s := &Server{
		address: address,
		hub:     chat.NewHub(),
		keys:    newKeyRegistry(),
		log:     zap.NewNop(),
		now:     time.Now,
		clients: make(map[*chat.Client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("POST /exchange-key", s.handleExchangeKey)
	mux.HandleFunc("GET /get-peer-keys", s.handlePeerKeys)
	mux.HandleFunc("GET /messages", s.handleMessages)
	return mux
}

// Start starts accepting connections. It blocks until Stop is called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{Handler: s.Handler()}
	srv := s.server
	s.mu.Unlock()

	s.log.Info("server started", zap.String("addr", listener.Addr().String()))

	err = srv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the HTTP server down and closes every WebSocket connection.
func (s *Server) Stop() {
	s.mu.Lock()
	srv := s.server
	clients := make([]*chat.Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
	for _, c := range clients {
		c.Conn.Close()
	}
	s.wg.Wait()
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	chatID, userID := q.Get("chat_id"), q.Get("user_id")
	if chatID == "" || userID == "" {
		http.Error(w, "chat_id and user_id are required", http.StatusBadRequest)
		return
	}
	userName := q.Get("user_name")
	if userName == "" {
		userName = userID
	}

	conn, err := ws.Upgrade(w, r)
	if err != nil {
		s.log.Warn("failed to accept WebSocket connection", zap.Error(err))
		return
	}

	client := &chat.Client{
		Conn:     conn,
		ChatID:   chatID,
		UserID:   userID,
		UserName: userName,
		Outgoing: make(chan []byte, outgoingQueue),
	}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	s.hub.Register(client)

	s.log.Info("client joined",
		zap.String("chat_id", chatID),
		zap.String("user_id", userID),
		zap.String("remote", conn.RemoteAddr()))

	s.wg.Add(2)
	go s.handleClient(client)
	go s.writeLoop(client)
}

func (s *Server) handleClient(client *chat.Client) {
	defer s.wg.Done()
	defer func() {
		s.hub.Unregister(client)
		close(client.Outgoing)
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		client.Conn.Close()
		s.log.Info("client left", zap.String("chat_id", client.ChatID), zap.String("user_id", client.UserID))
	}()

	files := newAssembler()
	ctx := context.Background()
	for {
		data, err := client.Conn.Read(ctx)
		if err != nil {
			return
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			s.log.Warn("failed to decode envelope", zap.String("user_id", client.UserID), zap.Error(err))
			continue
		}
		s.relay(client, files, env)
	}
}

func (s *Server) relay(client *chat.Client, files *assembler, env protocol.Envelope) {
	createdAt := s.now().UTC().Format(time.RFC3339)

	var (
		frame []byte
		err   error
	)
	switch env.Kind {
	case protocol.KindText:
		frame, err = protocol.TextMessage{
			SenderID:   client.UserID,
			SenderName: client.UserName,
			Text:       env.Text,
			CreatedAt:  createdAt,
		}.Encode()
	case protocol.KindFileChunk:
		data, done, aerr := files.add(env)
		if aerr != nil {
			s.log.Warn("dropping file", zap.String("user_id", client.UserID), zap.Error(aerr))
			return
		}
		if !done {
			return
		}
		s.log.Info("file received",
			zap.String("user_id", client.UserID),
			zap.String("file", env.FileName),
			zap.Int("size", len(data)))
		frame, err = protocol.FileMessage{
			SenderID:   client.UserID,
			SenderName: client.UserName,
			CreatedAt:  createdAt,
			FileName:   env.FileName,
			Data:       data,
			Base64:     true,
		}.Encode()
	default:
		return
	}
	if err != nil {
		s.log.Error("failed to encode message", zap.Error(err))
		return
	}
	s.hub.Broadcast(client.ChatID, frame)
}

func (s *Server) writeLoop(client *chat.Client) {
	defer s.wg.Done()
	for data := range client.Outgoing {
		if err := client.Conn.Write(context.Background(), data); err != nil {
			s.log.Warn("failed to write to WebSocket client", zap.String("user_id", client.UserID), zap.Error(err))
			client.Conn.Close()
			// Keep draining so Broadcast never blocks on this client.
			for range client.Outgoing {
			}
			return
		}
	}
}

type exchangeKeyRequest struct {
	ChatID    string `json:"chat_id"`
	ClientID  string `json:"client_id"`
	PublicKey string `json:"public_key"`
}

func (s *Server) handleExchangeKey(w http.ResponseWriter, r *http.Request) {
	var req exchangeKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ChatID == "" || req.ClientID == "" || req.PublicKey == "" {
		writeJSON(w, map[string]bool{"success": false})
		return
	}
	s.keys.put(req.ChatID, req.ClientID, req.PublicKey)
	s.log.Debug("public key registered", zap.String("chat_id", req.ChatID), zap.String("client_id", req.ClientID))
	writeJSON(w, map[string]bool{"success": true})
}

func (s *Server) handlePeerKeys(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, struct {
		PublicKeys []keyexchange.PeerKey `json:"public_keys"`
	}{s.keys.list(chatID)})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}
	history := s.hub.History(chatID)
	msgs := make([]json.RawMessage, len(history))
	for i, frame := range history {
		msgs[i] = frame
	}
	writeJSON(w, struct {
		Messages []json.RawMessage `json:"messages"`
	}{msgs})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
