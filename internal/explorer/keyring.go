package explorer

import (
	"strconv"
	"strings"
	"sync/atomic"
)

// Slot is one API key together with its position in the ring. Logs and
// metrics refer to keys by Name only.
type Slot struct {
	Index int
	Key   string
}

// Name is a log-safe identifier for the key.
func (s Slot) Name() string {
	return "key-" + strconv.Itoa(s.Index)
}

// KeyRing rotates the starting key across calls. The cursor is a plain
// atomic counter; concurrent callers each get a distinct starting point
// without taking a lock.
type KeyRing struct {
	keys   []string
	cursor atomic.Uint64
}

// NewKeyRing trims, de-duplicates and drops empty keys.
func NewKeyRing(keys []string) *KeyRing {
	seen := make(map[string]struct{}, len(keys))
	r := &KeyRing{}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		r.keys = append(r.keys, k)
	}
	return r
}

// Len returns the number of usable keys.
func (r *KeyRing) Len() int { return len(r.keys) }

// Ordered returns every key exactly once, starting from the next cursor
// position and wrapping around.
func (r *KeyRing) Ordered() []Slot {
	n := len(r.keys)
	if n == 0 {
		return nil
	}
	start := int((r.cursor.Add(1) - 1) % uint64(n))
	out := make([]Slot, n)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		out[i] = Slot{Index: idx, Key: r.keys[idx]}
	}
	return out
}
