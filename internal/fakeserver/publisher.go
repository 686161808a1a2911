package fakeserver

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dgnsrekt/karaoke-sync/internal/merge"
	"github.com/dgnsrekt/karaoke-sync/internal/wire"
)

// Demo topic types produced by Publisher.
const (
	TopicQueue      = "queue"
	TopicNowPlaying = "now_playing"

	EventQueueUpdated      = "queue_updated"
	EventNowPlayingUpdated = "now_playing_updated"
)

var demoRequests = []struct{ Singer, Song string }{
	{"Ana", "Dancing Queen"},
	{"Bo", "Bohemian Rhapsody"},
	{"Chen", "Total Eclipse of the Heart"},
	{"Dee", "I Will Survive"},
	{"Eli", "Livin' on a Prayer"},
	{"Fox", "Don't Stop Believin'"},
}

// Publisher plays a scripted karaoke night into every active scope: songs
// are requested onto the queue and, once it is long enough, the head moves
// to now_playing.
type Publisher struct {
	server   *Server
	interval time.Duration
	maxQueue int
	next     map[string]int // scope -> script position
	mu       sync.Mutex
	logger   *zap.Logger
}

// NewPublisher creates a Publisher. The queue of each scope is kept at no
// more than maxQueue entries.
func NewPublisher(s *Server, interval time.Duration, maxQueue int, logger *zap.Logger) *Publisher {
	if maxQueue <= 0 {
		maxQueue = 5
	}
	return &Publisher{
		server:   s,
		interval: interval,
		maxQueue: maxQueue,
		next:     make(map[string]int),
		logger:   logger,
	}
}

// Run starts the publishing loop. Call in a goroutine.
// Returns when context is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("publisher started", zap.Duration("interval", p.interval))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("publisher stopping")
			return
		case <-ticker.C:
			for _, scope := range p.server.hub.ActiveScopes() {
				if err := p.Step(scope); err != nil {
					p.logger.Warn("publish step failed", zap.String("scope", scope), zap.Error(err))
				}
			}
		}
	}
}

// Step advances the script of one scope by a single update.
func (p *Publisher) Step(scope string) error {
	queueKey := merge.TopicKey{Type: TopicQueue, Scope: scope}

	queue, ok := p.server.Topic(queueKey)
	if !ok {
		_, err := p.server.PublishFull(queueKey, EventQueueUpdated, json.RawMessage("[]"))
		return err
	}

	if len(queue.Items) >= p.maxQueue {
		return p.promote(scope, queue.Items[0])
	}

	p.mu.Lock()
	n := p.next[scope]
	p.next[scope] = n + 1
	p.mu.Unlock()

	req := demoRequests[n%len(demoRequests)]
	position := len(queue.Items)
	_, err := p.server.PublishDelta(queueKey, EventQueueUpdated, []wire.DeltaChange{{
		Action: wire.ActionAdd,
		ItemID: uuid.NewString(),
		Payload: map[string]any{
			"singer":      req.Singer,
			"song":        req.Song,
			"requestedAt": time.Now().UTC().Format(time.RFC3339),
		},
		Position: &position,
	}})
	return err
}

// promote removes the head of the queue and announces it as now playing.
func (p *Publisher) promote(scope string, head merge.Item) error {
	id := merge.ItemID(head)
	if _, err := p.server.PublishDelta(merge.TopicKey{Type: TopicQueue, Scope: scope}, EventQueueUpdated,
		[]wire.DeltaChange{{Action: wire.ActionDelete, ItemID: id}}); err != nil {
		return err
	}

	data, err := json.Marshal(map[string]any{
		"id":        id,
		"singer":    head["singer"],
		"song":      head["song"],
		"startedAt": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	_, err = p.server.PublishFull(merge.TopicKey{Type: TopicNowPlaying, Scope: scope}, EventNowPlayingUpdated, data)
	return err
}
