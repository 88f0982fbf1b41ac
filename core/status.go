package core

import "github.com/ethereum/go-ethereum/common"

// Snapshot is a point-in-time view of the engine's observable state,
// consumed by the presentation layer. Counter values are nil while stale or
// unknown.
type Snapshot struct {
	Active   bool   `json:"active"`
	ChainID  uint64 `json:"chainId,omitempty"`
	Contract string `json:"contract,omitempty"`
	Owner    string `json:"owner,omitempty"`
	Message  string `json:"message"`

	Refreshing     bool `json:"isRefreshing"`
	Decrypting     bool `json:"isDecrypting"`
	LoggingSession bool `json:"isLogging"`
	AddingMinutes  bool `json:"isAddingMinutes"`
	SettingGoal    bool `json:"isSettingGoal"`
	Resetting      bool `json:"isResetting"`

	Decrypted bool `json:"isDecrypted"`
	HasData   bool `json:"hasData"`

	Counters map[string]*uint64 `json:"counters"`
}

// Snapshot returns the current observable state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	snap := Snapshot{
		Active:         e.active,
		Message:        e.message,
		Refreshing:     e.refreshing,
		Decrypting:     e.decrypting,
		LoggingSession: e.logging,
		AddingMinutes:  e.addingMinutes,
		SettingGoal:    e.settingGoal,
		Resetting:      e.resetting,
		Decrypted:      e.cache.IsDecrypted(),
		HasData:        e.cache.HasData(),
		Counters:       make(map[string]*uint64, len(Kinds)),
	}
	if e.active {
		snap.ChainID = e.context.ChainID
		snap.Contract = e.context.Contract.Hex()
		snap.Owner = e.context.Owner.Hex()
	}
	for _, kind := range Kinds {
		if value, ok := e.cache.Value(kind); ok {
			v := value
			snap.Counters[kind.String()] = &v
		} else {
			snap.Counters[kind.String()] = nil
		}
	}
	return snap
}

// Value returns the clear value for kind when it is fresh.
func (e *Engine) Value(kind Kind) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Value(kind)
}

// IsFresh reports whether kind's cached clear value matches its current
// handle.
func (e *Engine) IsFresh(kind Kind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.IsFresh(kind)
}

// IsDecrypted reports whether the visible state is fully decrypted.
func (e *Engine) IsDecrypted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.IsDecrypted()
}

// HasData reports whether the owner has ever recorded a session.
func (e *Engine) HasData() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.HasData()
}

// Message returns the latest human-readable status line.
func (e *Engine) Message() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.message
}

// Context returns the active synchronization context, if any.
func (e *Engine) Context() (Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.context, e.active
}

// Owner returns the active owner address, if any.
func (e *Engine) Owner() (common.Address, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.context.Owner, e.active
}

// Subscribe registers a snapshot listener. Every state transition pushes the
// latest snapshot; slow consumers miss intermediate states rather than
// blocking the engine. The returned cancel func releases the subscription.
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		if existing, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(existing)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

// publish fans the current snapshot out to all subscribers without
// blocking. Sends happen under e.mu, the same lock cancel closes channels
// under, so a subscription torn down concurrently can never be closed
// between the map read and the send.
func (e *Engine) publish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.snapshotLocked()
	for _, ch := range e.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}
