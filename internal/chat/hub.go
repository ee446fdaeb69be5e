package chat

import (
	"sync"
)

// historyLimit bounds the frames kept per room for late joiners.
const historyLimit = 100

// Client represents a connected participant with transport-agnostic connection.
type Client struct {
	Conn     Conn
	ChatID   string
	UserID   string
	UserName string
	Outgoing chan []byte
}

// Hub groups connected clients into rooms keyed by chat ID and fans frames
// out to every member of a room.
type Hub struct {
	rooms   map[string]map[*Client]bool
	history map[string][][]byte
	mu      sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		rooms:   make(map[string]map[*Client]bool),
		history: make(map[string][][]byte),
	}
}

// Register adds a client to its room.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[client.ChatID]
	if !ok {
		room = make(map[*Client]bool)
		h.rooms[client.ChatID] = room
	}
	room[client] = true
}

// Unregister removes a client from its room.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[client.ChatID]
	delete(room, client)
	if len(room) == 0 {
		delete(h.rooms, client.ChatID)
	}
}

// ClientCount returns number of connected clients across all rooms.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, room := range h.rooms {
		n += len(room)
	}
	return n
}

// RoomSize returns number of clients connected to chatID.
func (h *Hub) RoomSize(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[chatID])
}

// Broadcast records data in the room history and queues it for every member,
// returning how many members it was queued for. Members whose queue is full
// are skipped.
func (h *Hub) Broadcast(chatID string, data []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	hist := append(h.history[chatID], data)
	if len(hist) > historyLimit {
		hist = hist[len(hist)-historyLimit:]
	}
	h.history[chatID] = hist

	sent := 0
	for client := range h.rooms[chatID] {
		select {
		case client.Outgoing <- data:
			sent++
		default:
		}
	}
	return sent
}

// History returns a copy of the frames recorded for chatID, oldest first.
func (h *Hub) History(chatID string) [][]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([][]byte, len(h.history[chatID]))
	copy(out, h.history[chatID])
	return out
}
