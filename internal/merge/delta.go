package merge

import (
	"fmt"

	"github.com/dgnsrekt/karaoke-sync/internal/syncerr"
	"github.com/dgnsrekt/karaoke-sync/internal/wire"
)

// ItemID returns the id of an item as a string.
func ItemID(item Item) string {
	v, ok := item["id"]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func indexOf(items []Item, id string) int {
	if id == "" {
		return -1
	}
	for i, it := range items {
		if ItemID(it) == id {
			return i
		}
	}
	return -1
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func applyChange(items []Item, ch wire.DeltaChange) ([]Item, error) {
	switch ch.Action {
	case wire.ActionAdd:
		payload, err := normalize(ch.Payload)
		if err != nil {
			return nil, syncerr.Protocol("normalize add payload", err)
		}
		if payload == nil {
			return nil, syncerr.Protocol("add without payload", nil)
		}
		id := ch.ItemID
		if id == "" {
			id = ItemID(payload)
		}
		if id == "" {
			return nil, syncerr.Protocol("add without item id", nil)
		}
		if indexOf(items, id) >= 0 {
			return items, nil
		}
		if _, ok := payload["id"]; !ok {
			payload["id"] = id
		}
		if ch.Position == nil {
			return append(items, payload), nil
		}
		pos := clamp(*ch.Position, 0, len(items))
		items = append(items, nil)
		copy(items[pos+1:], items[pos:])
		items[pos] = payload
		return items, nil

	case wire.ActionUpdate:
		idx := indexOf(items, ch.ItemID)
		if idx < 0 {
			return items, nil
		}
		payload, err := normalize(ch.Payload)
		if err != nil {
			return nil, syncerr.Protocol("normalize update payload", err)
		}
		for k, v := range payload {
			if k == "id" {
				continue
			}
			items[idx][k] = v
		}
		return items, nil

	case wire.ActionDelete:
		idx := indexOf(items, ch.ItemID)
		if idx < 0 {
			return items, nil
		}
		return append(items[:idx], items[idx+1:]...), nil

	case wire.ActionReorder:
		if len(items) == 0 || ch.To == nil {
			return items, nil
		}
		from := indexOf(items, ch.ItemID)
		if ch.From != nil {
			from = *ch.From
		}
		if from < 0 || from >= len(items) {
			return items, nil
		}
		moved := items[from]
		items = append(items[:from], items[from+1:]...)
		to := clamp(*ch.To, 0, len(items))
		items = append(items, nil)
		copy(items[to+1:], items[to:])
		items[to] = moved
		return items, nil

	default:
		return nil, syncerr.Protocol("unknown delta action "+ch.Action, nil)
	}
}
