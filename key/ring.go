package key

import "sync"

// Ring holds the key used for new values plus older keys that are still
// accepted when reading cookies written before a rotation.
type Ring struct {
	mu       sync.RWMutex
	current  *Key
	previous []*Key
	keep     int
}

// DefaultKeep is how many retired keys a Ring remembers after rotations.
const DefaultKeep = 2

// NewRing creates a ring around current. Keys in previous are accepted for
// decryption only.
func NewRing(current *Key, previous ...*Key) *Ring {
	r := &Ring{current: current, keep: DefaultKeep}
	for _, k := range previous {
		if k != nil && k.ID() != current.ID() {
			r.previous = append(r.previous, k)
		}
	}
	if len(r.previous) > r.keep {
		r.keep = len(r.previous)
	}
	return r
}

// Current returns the key new values are sealed with.
func (r *Ring) Current() *Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Lookup finds the key with the given fingerprint.
func (r *Ring) Lookup(id ID) (*Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current.ID() == id {
		return r.current, true
	}
	for _, k := range r.previous {
		if k.ID() == id {
			return k, true
		}
	}
	return nil, false
}

// Rotate makes next the current key and retires the old current key. It
// reports whether anything changed; rotating to the key already in use is
// a no-op.
func (r *Ring) Rotate(next *Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if next == nil || next.ID() == r.current.ID() {
		return false
	}
	retired := append([]*Key{r.current}, r.previous...)
	kept := retired[:0]
	for _, k := range retired {
		if k.ID() != next.ID() {
			kept = append(kept, k)
		}
	}
	if len(kept) > r.keep {
		kept = kept[:r.keep]
	}
	r.current = next
	r.previous = kept
	return true
}

// IDs lists the fingerprints of every key in the ring, current first.
func (r *Ring) IDs() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ID, 0, 1+len(r.previous))
	ids = append(ids, r.current.ID())
	for _, k := range r.previous {
		ids = append(ids, k.ID())
	}
	return ids
}
