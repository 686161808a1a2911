package merge

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/dgnsrekt/karaoke-sync/internal/syncerr"
	"github.com/dgnsrekt/karaoke-sync/internal/wire"
)

var queueKey = TopicKey{Type: "queue", Scope: "5"}

func seed(t *testing.T, s *Store) {
	t.Helper()
	_, err := s.ApplyFull(queueKey, json.RawMessage(`[{"id":"r1","title":"Africa"},{"id":"r2","title":"Toxic"},{"id":"r3","title":"Creep"}]`))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func ids(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = ItemID(it)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func intp(n int) *int { return &n }

func TestTopicKeyString(t *testing.T) {
	if queueKey.String() != "queue_5" {
		t.Errorf("expected queue_5, got %s", queueKey.String())
	}
	if (TopicKey{Type: "settings"}).String() != "settings" {
		t.Error("unscoped key should render as the type alone")
	}
}

func TestApplyDeltaWithoutBaseline(t *testing.T) {
	s := NewStore()
	_, err := s.ApplyDelta(queueKey, []wire.DeltaChange{{Action: wire.ActionDelete, ItemID: "r1"}})
	if !errors.Is(err, syncerr.ErrNoBaseline) {
		t.Fatalf("expected ErrNoBaseline, got %v", err)
	}
}

func TestAddIsIdempotent(t *testing.T) {
	s := NewStore()
	seed(t, s)

	add := []wire.DeltaChange{{Action: wire.ActionAdd, ItemID: "r4", Payload: map[string]any{"id": "r4", "title": "Zombie"}}}
	once, err := s.ApplyDelta(queueKey, add)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	twice, err := s.ApplyDelta(queueKey, add)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(twice.Items) != 4 {
		t.Errorf("expected 4 items, got %d", len(twice.Items))
	}
	if once.Checksum != twice.Checksum {
		t.Error("second add must not change the snapshot")
	}
}

func TestUpdateAndDeleteAreIdempotent(t *testing.T) {
	s := NewStore()
	seed(t, s)

	changes := []wire.DeltaChange{
		{Action: wire.ActionUpdate, ItemID: "r2", Payload: map[string]any{"singer": "Ana"}},
		{Action: wire.ActionDelete, ItemID: "r3"},
	}
	once, _ := s.ApplyDelta(queueKey, changes)
	twice, err := s.ApplyDelta(queueKey, changes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if once.Checksum != twice.Checksum {
		t.Error("repeating update/delete must not change the snapshot")
	}
	if !equal(ids(twice.Items), []string{"r1", "r2"}) {
		t.Errorf("unexpected items: %v", ids(twice.Items))
	}
	if twice.Items[1]["singer"] != "Ana" || twice.Items[1]["title"] != "Toxic" {
		t.Errorf("update must shallow-merge fields, got %v", twice.Items[1])
	}
}

func TestAddAtPositionAndReorder(t *testing.T) {
	s := NewStore()
	seed(t, s)

	topic, err := s.ApplyDelta(queueKey, []wire.DeltaChange{
		{Action: wire.ActionAdd, ItemID: "r0", Payload: map[string]any{"title": "Hello"}, Position: intp(0)},
		{Action: wire.ActionReorder, From: intp(3), To: intp(1)},
		{Action: wire.ActionReorder, ItemID: "r0", To: intp(99)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"r3", "r1", "r2", "r0"}
	if !equal(ids(topic.Items), want) {
		t.Errorf("expected %v, got %v", want, ids(topic.Items))
	}
}

func TestUnknownActionIsProtocolError(t *testing.T) {
	s := NewStore()
	seed(t, s)
	before, _ := s.Get(queueKey)

	_, err := s.ApplyDelta(queueKey, []wire.DeltaChange{
		{Action: wire.ActionDelete, ItemID: "r1"},
		{Action: "explode"},
	})
	if syncerr.Classify(err) != syncerr.KindProtocol {
		t.Fatalf("expected protocol error, got %v", err)
	}

	after, _ := s.Get(queueKey)
	if after.Checksum != before.Checksum {
		t.Error("a failed delta must leave the snapshot untouched")
	}
}

func TestChecksumIgnoresKeyOrder(t *testing.T) {
	a, err := Checksum(map[string]any{"title": "Africa", "id": "r1", "meta": map[string]any{"b": 1, "a": 2}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := Checksum(map[string]any{"meta": map[string]any{"a": 2, "b": 1}, "id": "r1", "title": "Africa"})
	if a != b {
		t.Errorf("expected equal checksums, got %s and %s", a, b)
	}

	s1, s2 := NewStore(), NewStore()
	t1, _ := s1.ApplyFull(queueKey, json.RawMessage(`[{"id":"r1","title":"Africa","n":1}]`))
	t2, _ := s2.ApplyFull(queueKey, json.RawMessage(`[{"n":1,"title":"Africa","id":"r1"}]`))
	if t1.Checksum != t2.Checksum {
		t.Error("snapshots differing only in key order must hash the same")
	}
}

func TestDeltaMatchesEquivalentSnapshot(t *testing.T) {
	s := NewStore()
	seed(t, s)
	merged, _ := s.ApplyDelta(queueKey, []wire.DeltaChange{
		{Action: wire.ActionAdd, ItemID: "r4", Payload: map[string]any{"id": "r4", "votes": float64(3)}},
	})

	other := NewStore()
	full, _ := other.ApplyFull(queueKey, json.RawMessage(`[{"id":"r1","title":"Africa"},{"id":"r2","title":"Toxic"},{"id":"r3","title":"Creep"},{"id":"r4","votes":3}]`))

	if merged.Checksum != full.Checksum {
		t.Error("merged state must hash like the same full snapshot")
	}
}

func TestObjectSnapshotHasNoDeltaBaseline(t *testing.T) {
	s := NewStore()
	if _, err := s.ApplyFull(TopicKey{Type: "settings", Scope: "5"}, json.RawMessage(`{"mode":"party"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := s.ApplyDelta(TopicKey{Type: "settings", Scope: "5"}, []wire.DeltaChange{{Action: wire.ActionDelete, ItemID: "x"}})
	if !errors.Is(err, syncerr.ErrNoBaseline) {
		t.Errorf("expected ErrNoBaseline, got %v", err)
	}
}

func TestStaleAndClear(t *testing.T) {
	s := NewStore()
	base := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	seed(t, s)

	s.now = func() time.Time { return base.Add(4 * time.Minute) }
	if got := s.Stale(5 * time.Minute); len(got) != 0 {
		t.Errorf("expected nothing stale yet, got %d", len(got))
	}

	s.now = func() time.Time { return base.Add(6 * time.Minute) }
	if got := s.Stale(5 * time.Minute); len(got) != 1 || got[0].Key != queueKey {
		t.Errorf("expected queue_5 to be stale, got %v", got)
	}

	if !s.Clear(queueKey) {
		t.Error("expected clear to report a removed topic")
	}
	if _, ok := s.Get(queueKey); ok {
		t.Error("expected topic to be gone")
	}
}
