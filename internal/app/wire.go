// Package app wires the chat client together from configuration.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/omochice/resilient-chat/internal/api"
	"github.com/omochice/resilient-chat/internal/chat"
	"github.com/omochice/resilient-chat/internal/client"
	"github.com/omochice/resilient-chat/internal/config"
	"github.com/omochice/resilient-chat/internal/dispatch"
	"github.com/omochice/resilient-chat/internal/keyexchange"
	"github.com/omochice/resilient-chat/internal/transport/ws"
)

// Wire bundles the session, its collaborators and the chat client.
type Wire struct {
	Session    chat.Session
	API        *api.HTTPClient
	Keys       *keyexchange.Coordinator
	Blobs      *dispatch.BlobStore
	Dispatcher *dispatch.Dispatcher
	Chat       *client.Chat

	loadHistory bool
	log         *zap.Logger
}

// NewWire constructs the dependency graph from cfg. Inbound messages are
// shown through presenter.
func NewWire(cfg config.Config, presenter dispatch.Presenter, log *zap.Logger) (*Wire, error) {
	if log == nil {
		log = zap.NewNop()
	}
	session, err := chat.NewSession(cfg.ChatID, cfg.UserID)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	registry := api.NewHTTP(cfg.APIURL, cfg.Token, httpClient)
	coordinator := keyexchange.NewCoordinator(registry, keyexchange.WithLogger(log.Named("keyexchange")))

	blobs := dispatch.NewBlobStore(cfg.BlobGrace, dispatch.WithIdleTTL(cfg.BlobIdleTTL))
	dispatcher := dispatch.New(presenter, blobs, log.Named("dispatch"))

	dialer := &ws.Dialer{Timeout: cfg.HTTPTimeout, Token: cfg.Token}
	c := client.NewChat(session, dialer, coordinator, dispatcher, client.Config{
		Endpoint:       cfg.ServerURL,
		ReconnectDelay: cfg.ReconnectDelay,
		WriteTimeout:   cfg.WriteTimeout,
		MaxBuffered:    cfg.MaxBuffered,
	}, cfg.ChunkSize, log.Named("client"))

	return &Wire{
		Session:     session,
		API:         registry,
		Keys:        coordinator,
		Blobs:       blobs,
		Dispatcher:  dispatcher,
		Chat:        c,
		loadHistory: cfg.LoadHistory,
		log:         log.With(session.Field()),
	}, nil
}

// Start replays the chat history through the dispatcher, then connects.
// A history failure is logged; the live connection does not depend on it.
func (w *Wire) Start(ctx context.Context) {
	if w.loadHistory {
		if err := w.LoadHistory(ctx); err != nil {
			w.log.Warn("failed to load history", zap.Error(err))
		}
	}
	w.Chat.Connect()
}

// LoadHistory fetches the stored messages of the chat and dispatches them
// oldest first.
func (w *Wire) LoadHistory(ctx context.Context) error {
	msgs, err := w.API.Messages(ctx, w.Session.ChatID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		w.Dispatcher.OnFrame(ctx, m)
	}
	w.log.Debug("history loaded", zap.Int("messages", len(msgs)))
	return nil
}

// SendText sends text to the room, queueing it while offline.
func (w *Wire) SendText(ctx context.Context, text string) error {
	return w.Chat.SendText(ctx, text)
}

// SendFile sends the file at path.
func (w *Wire) SendFile(ctx context.Context, path string) error {
	f, closer, err := client.OpenFile(path)
	if err != nil {
		return err
	}
	defer closer.Close()
	return w.Chat.SendFile(ctx, f)
}

// Save writes a received file into dir and releases it after the grace
// period. It returns the written path.
func (w *Wire) Save(blob *dispatch.Blob, dir string) (string, error) {
	data, err := w.Blobs.Consume(blob.ID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", blob.FileName, err)
	}
	path := filepath.Join(dir, filepath.Base(blob.FileName))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Close disconnects and drops every held file.
func (w *Wire) Close() {
	w.Chat.Close()
	w.Blobs.Close()
}
