package fakeserver

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/karaoke-sync/internal/metrics"
)

// Hub tracks connected peers and their scope subscriptions.
type Hub struct {
	peers  map[*peer]bool
	groups map[string]map[*peer]bool // scope -> peers
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		peers:  make(map[*peer]bool),
		groups: make(map[string]map[*peer]bool),
		logger: logger,
	}
}

// Run blocks until ctx is done, then closes every peer.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.logger.Info("hub shutting down")
	h.shutdown()
}

func (h *Hub) register(p *peer) {
	h.mu.Lock()
	h.peers[p] = true
	n := len(h.peers)
	h.mu.Unlock()

	metrics.ServerClients.Set(float64(n))
	h.logger.Debug("peer registered", zap.String("connID", p.connID))
}

// unregister removes p and closes its send channel, which makes the write
// pump send a close frame.
func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	if _, ok := h.peers[p]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.peers, p)
	for group := range p.groups {
		if peers, ok := h.groups[group]; ok {
			delete(peers, p)
			if len(peers) == 0 {
				delete(h.groups, group)
			}
		}
	}
	close(p.send)
	n := len(h.peers)
	h.mu.Unlock()

	metrics.ServerClients.Set(float64(n))
	h.logger.Debug("peer unregistered", zap.String("connID", p.connID))
}

// shutdown closes all peer connections.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for p := range h.peers {
		close(p.send)
		delete(h.peers, p)
	}
	h.groups = make(map[string]map[*peer]bool)
	metrics.ServerClients.Set(0)
}

// join adds p to a scope group.
func (h *Hub) join(p *peer, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.peers[p]; !ok {
		return
	}
	if h.groups[group] == nil {
		h.groups[group] = make(map[*peer]bool)
	}
	h.groups[group][p] = true
	p.groups[group] = true

	h.logger.Debug("peer joined scope",
		zap.String("connID", p.connID),
		zap.String("scope", group),
	)
}

// leave removes p from a scope group.
func (h *Hub) leave(p *peer, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if peers, ok := h.groups[group]; ok {
		delete(peers, p)
		if len(peers) == 0 {
			delete(h.groups, group)
		}
	}
	delete(p.groups, group)

	h.logger.Debug("peer left scope",
		zap.String("connID", p.connID),
		zap.String("scope", group),
	)
}

// sendTo queues msg for p. A peer whose buffer is full is disconnected.
func (h *Hub) sendTo(p *peer, msg []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sendLocked(p, msg)
}

func (h *Hub) sendLocked(p *peer, msg []byte) bool {
	if !h.peers[p] {
		return false
	}
	select {
	case p.send <- msg:
		return true
	default:
		go h.unregister(p)
		return false
	}
}

// broadcast sends msg to every peer in group, or to every peer when group
// is empty. It returns the number of peers reached.
func (h *Hub) broadcast(group string, msg []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := h.peers
	if group != "" {
		targets = h.groups[group]
	}
	n := 0
	for p := range targets {
		if h.sendLocked(p, msg) {
			n++
		}
	}
	return n
}

// all returns a snapshot of the connected peers.
func (h *Hub) all() []*peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		out = append(out, p)
	}
	return out
}

// Count returns the number of connected peers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// ActiveScopes returns all scopes with at least one subscriber.
func (h *Hub) ActiveScopes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var groups []string
	for group, peers := range h.groups {
		if len(peers) > 0 {
			groups = append(groups, group)
		}
	}
	sort.Strings(groups)
	return groups
}
