package core

// HandleCache holds the latest fetched handle per counter alongside the
// latest successfully decrypted clear value and the handle it corresponds to.
// It performs no I/O and is not safe for concurrent use; the engine
// serializes access under its own lock.
type HandleCache struct {
	primed  bool
	handles map[Kind]Handle
	clears  map[Kind]ClearValue
	dirty   map[Kind]bool
}

// NewHandleCache returns an empty, unprimed cache.
func NewHandleCache() *HandleCache {
	return &HandleCache{
		handles: make(map[Kind]Handle),
		clears:  make(map[Kind]ClearValue),
		dirty:   make(map[Kind]bool),
	}
}

// Reset drops all cached state, returning the cache to its unprimed state.
// Used when the owner disconnects or the deployment changes.
func (c *HandleCache) Reset() {
	c.primed = false
	c.handles = make(map[Kind]Handle)
	c.clears = make(map[Kind]ClearValue)
	c.dirty = make(map[Kind]bool)
}

// SetHandles overwrites the current handles with a freshly fetched batch.
// Clear values are left untouched: staleness is derived by handle
// comparison. Pending invalidation marks are cleared since the new handles
// already reflect any mutation that caused them.
func (c *HandleCache) SetHandles(handles map[Kind]Handle) {
	c.primed = true
	c.handles = make(map[Kind]Handle, len(handles))
	for kind, h := range handles {
		c.handles[kind] = h
	}
	c.dirty = make(map[Kind]bool)
}

// SetClearValue records a decrypted value tied to the handle it was actually
// decrypted from, which may differ from the counter's current handle if a
// mutation landed underneath.
func (c *HandleCache) SetClearValue(kind Kind, handle Handle, value uint64) {
	c.clears[kind] = ClearValue{Handle: handle, Value: value}
	delete(c.dirty, kind)
}

// SeedZeros records a zero clear value for every counter whose current
// handle is null. Used when the owner has no data so zeros can be shown
// without a decryption round trip. Counters holding a non-null handle keep
// whatever clear value they have; seeding must never mask a real value.
func (c *HandleCache) SeedZeros() {
	c.primed = true
	for _, kind := range Kinds {
		if !c.handles[kind].IsNull() {
			continue
		}
		c.clears[kind] = ClearValue{Handle: NullHandle, Value: 0}
		delete(c.dirty, kind)
	}
}

// Invalidate marks counters affected by a confirmed mutation as stale until
// the next handle fetch. The previous clear values stay cached under their
// old handles.
func (c *HandleCache) Invalidate(kinds ...Kind) {
	for _, kind := range kinds {
		c.dirty[kind] = true
	}
}

// Handle returns the currently cached handle for kind. An unknown counter
// reports the null handle.
func (c *HandleCache) Handle(kind Kind) Handle {
	return c.handles[kind]
}

// IsFresh reports whether the cached clear value for kind still matches the
// counter's current handle. The null handle is always fresh with value zero.
func (c *HandleCache) IsFresh(kind Kind) bool {
	if c.dirty[kind] {
		return false
	}
	handle := c.handles[kind]
	if handle.IsNull() {
		return true
	}
	clear, ok := c.clears[kind]
	return ok && clear.Handle == handle
}

// IsDecrypted reports whether the visible state is fully decrypted: the
// primary counter is fresh and every counter with a non-null handle is
// fresh. Counters that were never written do not block the verdict.
func (c *HandleCache) IsDecrypted() bool {
	if !c.primed {
		return false
	}
	if !c.IsFresh(SessionCount) {
		return false
	}
	for _, kind := range Kinds {
		if !c.handles[kind].IsNull() && !c.IsFresh(kind) {
			return false
		}
	}
	return true
}

// HasData reports whether the owner has ever recorded a session: true iff
// the primary handle is non-null.
func (c *HandleCache) HasData() bool {
	return c.primed && !c.handles[SessionCount].IsNull()
}

// Value returns the counter's clear value when it is fresh. A null handle
// reports zero. Stale or unknown counters report ok=false.
func (c *HandleCache) Value(kind Kind) (uint64, bool) {
	if !c.primed || !c.IsFresh(kind) {
		return 0, false
	}
	if c.handles[kind].IsNull() {
		return 0, true
	}
	return c.clears[kind].Value, true
}

// Clear returns the raw cached clear value for kind, regardless of
// freshness.
func (c *HandleCache) Clear(kind Kind) (ClearValue, bool) {
	clear, ok := c.clears[kind]
	return clear, ok
}
