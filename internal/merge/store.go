// Package merge keeps cached topic snapshots and applies incremental
// updates to them.
package merge

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/dgnsrekt/karaoke-sync/internal/syncerr"
	"github.com/dgnsrekt/karaoke-sync/internal/wire"
)

// TopicKey identifies a cached topic.
type TopicKey struct {
	Type  string
	Scope string
}

// String renders the key as "type_scope", or "type" when unscoped.
func (k TopicKey) String() string {
	if k.Scope == "" {
		return k.Type
	}
	return k.Type + "_" + k.Scope
}

// Item is one element of a list snapshot. Items are matched by their "id" field.
type Item = map[string]any

// Topic is a cached snapshot. Exactly one of Items or Object is set.
type Topic struct {
	Key       TopicKey
	Items     []Item
	Object    map[string]any
	Checksum  string
	UpdatedAt time.Time
}

// Value returns the snapshot in its natural shape.
func (t Topic) Value() any {
	if t.Object != nil {
		return t.Object
	}
	return t.Items
}

// Store is safe for concurrent use. Returned topics are deep copies.
type Store struct {
	mu     sync.RWMutex
	topics map[TopicKey]*Topic
	now    func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		topics: make(map[TopicKey]*Topic),
		now:    time.Now,
	}
}

// ApplyFull replaces the topic snapshot with data.
func (s *Store) ApplyFull(key TopicKey, data json.RawMessage) (Topic, error) {
	t := &Topic{Key: key}
	if len(data) == 0 {
		t.Items = []Item{}
	} else {
		v, err := decode(data)
		if err != nil {
			return Topic{}, syncerr.Protocol("decode snapshot for "+key.String(), err)
		}
		switch val := v.(type) {
		case []any:
			t.Items = make([]Item, 0, len(val))
			for i, e := range val {
				item, ok := e.(map[string]any)
				if !ok {
					return Topic{}, syncerr.Protocol(fmt.Sprintf("snapshot %s element %d is not an object", key, i), nil)
				}
				t.Items = append(t.Items, item)
			}
		case map[string]any:
			t.Object = val
		case nil:
			t.Items = []Item{}
		default:
			return Topic{}, syncerr.Protocol("snapshot for "+key.String()+" must be a list or object", nil)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storeLocked(t); err != nil {
		return Topic{}, err
	}
	return t.clone(), nil
}

// ApplyDelta applies changes in order to the cached list snapshot. It returns
// ErrNoBaseline when there is no list snapshot to merge into.
func (s *Store) ApplyDelta(key TopicKey, changes []wire.DeltaChange) (Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.topics[key]
	if !ok || cur.Object != nil {
		return Topic{}, fmt.Errorf("%s: %w", key, syncerr.ErrNoBaseline)
	}

	items := cloneItems(cur.Items)
	for i, ch := range changes {
		var err error
		items, err = applyChange(items, ch)
		if err != nil {
			return Topic{}, fmt.Errorf("change %d on %s: %w", i, key, err)
		}
	}

	t := &Topic{Key: key, Items: items}
	if err := s.storeLocked(t); err != nil {
		return Topic{}, err
	}
	return t.clone(), nil
}

func (s *Store) storeLocked(t *Topic) error {
	sum, err := Checksum(t.Value())
	if err != nil {
		return syncerr.Protocol("checksum "+t.Key.String(), err)
	}
	t.Checksum = sum
	t.UpdatedAt = s.now()
	s.topics[t.Key] = t
	return nil
}

// Get returns a copy of the cached topic.
func (s *Store) Get(key TopicKey) (Topic, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.topics[key]
	if !ok {
		return Topic{}, false
	}
	return t.clone(), true
}

// Lookup finds a topic by its rendered key.
func (s *Store) Lookup(name string) (Topic, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, t := range s.topics {
		if k.String() == name {
			return t.clone(), true
		}
	}
	return Topic{}, false
}

// Keys lists the cached topics in rendered-key order.
func (s *Store) Keys() []TopicKey {
	s.mu.RLock()
	keys := make([]TopicKey, 0, len(s.topics))
	for k := range s.topics {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Stale returns the topics not updated for at least age.
func (s *Store) Stale(age time.Duration) []Topic {
	cutoff := s.now().Add(-age)

	s.mu.RLock()
	var out []Topic
	for _, t := range s.topics {
		if !t.UpdatedAt.After(cutoff) {
			out = append(out, t.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Clear drops one topic, forcing the next incremental update to resync.
func (s *Store) Clear(key TopicKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.topics[key]
	delete(s.topics, key)
	return ok
}

// ClearAll drops every cached topic.
func (s *Store) ClearAll() {
	s.mu.Lock()
	s.topics = make(map[TopicKey]*Topic)
	s.mu.Unlock()
}

func (t *Topic) clone() Topic {
	c := *t
	if t.Items != nil {
		c.Items = cloneItems(t.Items)
	}
	if t.Object != nil {
		c.Object = cloneMap(t.Object)
	}
	return c
}

func cloneItems(items []Item) []Item {
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = cloneMap(it)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
