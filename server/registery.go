package server

import (
	"sort"
	"sync"
)

type PeerRegistry struct {
	mu    sync.RWMutex
	store map[string]*Peer
}

func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{store: make(map[string]*Peer)}
}

func (r *PeerRegistry) Store(peer *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store[peer.Id()] = peer
}

func (r *PeerRegistry) Get(id string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	val, ok := r.store[id]
	return val, ok
}

func (r *PeerRegistry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.store, id)
}

func (r *PeerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store)
}

// List returns the connected peers, oldest first.
func (r *PeerRegistry) List() []*Peer {
	r.mu.RLock()
	peers := make([]*Peer, 0, len(r.store))
	for _, peer := range r.store {
		peers = append(peers, peer)
	}
	r.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool {
		if peers[i].connectedAt.Equal(peers[j].connectedAt) {
			return peers[i].id < peers[j].id
		}
		return peers[i].connectedAt.Before(peers[j].connectedAt)
	})
	return peers
}
