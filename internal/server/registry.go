package server

import (
	"sort"
	"sync"

	"github.com/omochice/resilient-chat/internal/keyexchange"
)

// keyRegistry is the in-memory public-key registry, one map per chat.
type keyRegistry struct {
	mu    sync.RWMutex
	chats map[string]map[string]string
}

func newKeyRegistry() *keyRegistry {
	return &keyRegistry{chats: make(map[string]map[string]string)}
}

// put stores or replaces the key of clientID in chatID.
func (r *keyRegistry) put(chatID, clientID, publicKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys, ok := r.chats[chatID]
	if !ok {
		keys = make(map[string]string)
		r.chats[chatID] = keys
	}
	keys[clientID] = publicKey
}

// list returns the keys of chatID ordered by client id.
func (r *keyRegistry) list(chatID string) []keyexchange.PeerKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]keyexchange.PeerKey, 0, len(r.chats[chatID]))
	for id, key := range r.chats[chatID] {
		out = append(out, keyexchange.PeerKey{ClientID: id, PublicKey: key})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
