package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/TammyLattimore/bloom-focus-chain/auth"
	cerrors "github.com/TammyLattimore/bloom-focus-chain/core/errors"
	"github.com/TammyLattimore/bloom-focus-chain/observability"
)

var (
	// ErrNoContext is returned when an operation requires an active owner
	// and deployment but none is set.
	ErrNoContext = errors.New("engine: no active synchronization context")
	// ErrNoDeployment is returned when no ledger deployment is known for
	// the requested chain.
	ErrNoDeployment = errors.New("engine: no ledger deployment for chain")
	// ErrBusy is returned when a conflicting operation is already in
	// flight. Calls are dropped, never queued; the caller may re-invoke.
	ErrBusy = errors.New("engine: conflicting operation in flight")
	// ErrStale marks a soft cancellation: the synchronization context
	// changed while the operation was suspended, so its result was
	// discarded without touching the caches.
	ErrStale = errors.New("engine: context changed mid-flight")
)

// Ledger is the thin call layer against the external encrypted-counter
// ledger. Reads are owner-scoped implicitly: the implementation is bound to
// the caller identity. Uninitialized counters must surface as the null
// handle, not as errors.
type Ledger interface {
	Handle(ctx context.Context, kind Kind) (Handle, error)
	Submit(ctx context.Context, op OpKind, input *CiphertextInput) (common.Hash, error)
	AwaitConfirmation(ctx context.Context, tx common.Hash) error
}

// HandlePair names one handle together with the contract it belongs to, as
// required by the decryption capability.
type HandlePair struct {
	Handle   Handle
	Contract common.Address
}

// Decryptor resolves encrypted handles to clear integers under an
// owner-approved authorization artifact.
type Decryptor interface {
	Resolve(ctx context.Context, pairs []HandlePair, artifact auth.Artifact) (map[Handle]uint64, error)
}

// CiphertextInput is a ledger-ready encrypted input: the ciphertext handle
// registered with the coprocessor plus its attestation proof.
type CiphertextInput struct {
	Handle Handle
	Proof  []byte
}

// Encryptor turns a plain integer into a ledger-ready ciphertext bound to
// (contract, owner).
type Encryptor interface {
	Encrypt(ctx context.Context, contract, owner common.Address, value uint64) (CiphertextInput, error)
}

// Deployment locates the ledger contract for one chain.
type Deployment struct {
	ChainID uint64
	Address common.Address
}

// DeploymentResolver maps a chain ID to its ledger deployment. Injected so
// the engine is testable against fixed tables instead of ambient globals.
type DeploymentResolver func(chainID uint64) (Deployment, bool)

// Context is the tuple that must remain unchanged for an in-flight async
// result to be applied. Any change bumps the engine epoch, which is the only
// cancellation signal.
type Context struct {
	ChainID  uint64
	Contract common.Address
	Owner    common.Address
}

// Engine orchestrates handle refresh, decryption and mutations against the
// encrypted-counter ledger for a single owner view. All operations are
// synchronous from the caller's perspective but may suspend at network
// calls, owner prompts and confirmation waits; single-flight guards drop
// conflicting calls instead of queueing them.
type Engine struct {
	ledger    Ledger
	decryptor Decryptor
	encryptor Encryptor
	signer    auth.Signer
	authCache *auth.Cache
	resolve   DeploymentResolver
	logger    *slog.Logger
	metrics   *observability.EngineMetrics
	now       func() time.Time

	mu      sync.Mutex
	active  bool
	context Context
	epoch   uint64
	cache   *HandleCache
	message string

	refreshing    bool
	decrypting    bool
	logging       bool
	addingMinutes bool
	settingGoal   bool
	resetting     bool

	subs    map[uint64]chan Snapshot
	nextSub uint64
}

// Option mutates the engine during construction.
type Option func(*Engine)

// WithAuthorizationCache overrides the default in-memory authorization
// cache, typically with one backed by a durable store.
func WithAuthorizationCache(cache *auth.Cache) Option {
	return func(e *Engine) {
		if cache != nil {
			e.authCache = cache
		}
	}
}

// WithDeploymentResolver supplies the chainID -> deployment table consulted
// by Activate.
func WithDeploymentResolver(resolve DeploymentResolver) Option {
	return func(e *Engine) { e.resolve = resolve }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics attaches the Prometheus engine metrics registry.
func WithMetrics(metrics *observability.EngineMetrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

// WithEngineClock overrides the time source. Primarily for tests.
func WithEngineClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine wires the engine to its external collaborators.
func NewEngine(ledger Ledger, decryptor Decryptor, encryptor Encryptor, signer auth.Signer, opts ...Option) (*Engine, error) {
	if ledger == nil {
		return nil, fmt.Errorf("engine: nil ledger client")
	}
	if decryptor == nil {
		return nil, fmt.Errorf("engine: nil decryption capability")
	}
	if encryptor == nil {
		return nil, fmt.Errorf("engine: nil encryption capability")
	}
	if signer == nil {
		return nil, fmt.Errorf("engine: nil authorization signer")
	}
	engine := &Engine{
		ledger:    ledger,
		decryptor: decryptor,
		encryptor: encryptor,
		signer:    signer,
		authCache: auth.NewCache(nil),
		logger:    slog.Default(),
		now:       time.Now,
		cache:     NewHandleCache(),
		subs:      make(map[uint64]chan Snapshot),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// Activate resolves the ledger deployment for chainID and installs a new
// synchronization context for owner. A missing deployment tears the context
// down and returns ErrNoDeployment. Re-activating an identical context is a
// no-op so in-flight operations are not cancelled gratuitously.
func (e *Engine) Activate(chainID uint64, owner common.Address) error {
	if e.resolve == nil {
		return fmt.Errorf("engine: no deployment resolver configured")
	}
	deployment, ok := e.resolve(chainID)
	if !ok {
		e.Deactivate()
		return fmt.Errorf("%w: chain %d", ErrNoDeployment, chainID)
	}
	e.ActivateAt(chainID, deployment.Address, owner)
	return nil
}

// ActivateAt installs a synchronization context with an explicit contract
// address, bypassing the deployment resolver.
func (e *Engine) ActivateAt(chainID uint64, contract, owner common.Address) {
	next := Context{ChainID: chainID, Contract: contract, Owner: owner}
	e.mu.Lock()
	if e.active && e.context == next {
		e.mu.Unlock()
		return
	}
	e.active = true
	e.context = next
	e.epoch++
	e.cache.Reset()
	e.message = "Connected"
	e.mu.Unlock()
	e.publish()
}

// Deactivate tears the context down: owner disconnected, network changed, or
// the ledger reports no deployment. Any in-flight results become stale.
func (e *Engine) Deactivate() {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	e.active = false
	e.context = Context{}
	e.epoch++
	e.cache.Reset()
	e.message = "Disconnected"
	e.mu.Unlock()
	e.publish()
}

// Refresh pulls the latest handles for all counters. Individual fetch
// failures degrade to the null handle so one counter's read error never
// blocks the others, and results are discarded silently when the context
// changed mid-flight. Refresh never fails the caller; failures surface
// through the status message. Calls while a refresh or decrypt is in flight
// are dropped.
func (e *Engine) Refresh(ctx context.Context) {
	e.mu.Lock()
	if !e.active || e.refreshing || e.decrypting {
		e.mu.Unlock()
		return
	}
	e.refreshing = true
	epoch := e.epoch
	e.message = "Fetching encrypted counters..."
	e.mu.Unlock()
	e.publish()

	started := e.now()
	defer func() {
		e.mu.Lock()
		e.refreshing = false
		e.mu.Unlock()
		e.publish()
	}()

	handles := e.fetchHandles(ctx)

	e.mu.Lock()
	if e.epoch != epoch {
		e.message = "Refresh cancelled"
		e.mu.Unlock()
		e.metrics.ObserveStaleDiscard()
		e.metrics.ObserveRefresh("stale", e.now().Sub(started))
		e.logger.Debug("discarded stale refresh result")
		return
	}
	e.cache.SetHandles(handles)
	if handles[SessionCount].IsNull() {
		e.cache.SeedZeros()
		e.message = "No sessions recorded yet"
	} else if e.cache.IsDecrypted() {
		e.message = "Counters up to date"
	} else {
		e.message = "Encrypted counters fetched; decrypt to view"
	}
	e.mu.Unlock()
	e.metrics.ObserveRefresh("ok", e.now().Sub(started))
}

// fetchHandles reads all counters in parallel, substituting the null handle
// for any counter whose read failed.
func (e *Engine) fetchHandles(ctx context.Context) map[Kind]Handle {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out = make(map[Kind]Handle, len(Kinds))
	)
	for _, kind := range Kinds {
		wg.Add(1)
		go func(kind Kind) {
			defer wg.Done()
			handle, err := e.ledger.Handle(ctx, kind)
			if err != nil {
				e.logger.Warn("handle fetch failed, substituting null handle",
					"counter", kind.String(), "kind", cerrors.KindOf(err).String(), "err", err)
				handle = NullHandle
			}
			mu.Lock()
			out[kind] = handle
			mu.Unlock()
		}(kind)
	}
	wg.Wait()
	return out
}

// Decrypt resolves every stale non-null handle to its clear value using a
// cached (or freshly owner-approved) authorization artifact. The context is
// re-checked after the authorization step and again after the decryption
// call; either mismatch discards the result as a soft cancellation. Already
// fresh state makes Decrypt a no-op with zero capability calls.
func (e *Engine) Decrypt(ctx context.Context) error {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return ErrNoContext
	}
	if e.refreshing || e.decrypting {
		e.mu.Unlock()
		return ErrBusy
	}
	if e.cache.Handle(SessionCount).IsNull() || e.cache.IsDecrypted() {
		e.mu.Unlock()
		return nil
	}
	e.decrypting = true
	epoch := e.epoch
	snapshot := e.context
	e.message = "Requesting decryption authorization..."
	e.mu.Unlock()
	e.publish()

	started := e.now()
	defer func() {
		e.mu.Lock()
		e.decrypting = false
		e.mu.Unlock()
		e.publish()
	}()

	contracts := []common.Address{snapshot.Contract}
	artifact, err := e.authCache.LoadOrCreate(ctx, e.signer, snapshot.Owner, contracts)
	if err != nil {
		if errors.Is(err, auth.ErrAuthorizationDenied) {
			e.setMessage("Decryption authorization denied")
			e.metrics.ObserveDecrypt("denied", e.now().Sub(started))
			return err
		}
		e.setMessage("Decryption authorization failed")
		e.metrics.ObserveDecrypt("error", e.now().Sub(started))
		return err
	}

	// The owner prompt can take arbitrarily long; the world may have moved.
	e.mu.Lock()
	if e.epoch != epoch {
		e.message = "Decryption cancelled"
		e.mu.Unlock()
		e.metrics.ObserveStaleDiscard()
		e.metrics.ObserveDecrypt("stale", e.now().Sub(started))
		return ErrStale
	}
	type target struct {
		kind   Kind
		handle Handle
	}
	var targets []target
	for _, kind := range Kinds {
		handle := e.cache.Handle(kind)
		if handle.IsNull() || e.cache.IsFresh(kind) {
			continue
		}
		targets = append(targets, target{kind: kind, handle: handle})
	}
	if len(targets) == 0 {
		e.cache.SeedZeros()
		e.message = "Counters up to date"
		e.mu.Unlock()
		e.metrics.ObserveDecrypt("ok", e.now().Sub(started))
		return nil
	}
	e.message = "Decrypting counters..."
	e.mu.Unlock()
	e.publish()

	pairs := make([]HandlePair, 0, len(targets))
	for _, t := range targets {
		pairs = append(pairs, HandlePair{Handle: t.handle, Contract: snapshot.Contract})
	}
	values, err := e.decryptor.Resolve(ctx, pairs, artifact)
	if err != nil {
		e.setMessage("Decryption failed: " + cerrors.KindOf(err).String())
		e.metrics.ObserveDecrypt("error", e.now().Sub(started))
		return err
	}

	e.mu.Lock()
	if e.epoch != epoch {
		e.message = "Decryption cancelled"
		e.mu.Unlock()
		e.metrics.ObserveStaleDiscard()
		e.metrics.ObserveDecrypt("stale", e.now().Sub(started))
		return ErrStale
	}
	for _, t := range targets {
		value, ok := values[t.handle]
		if !ok {
			continue
		}
		// Keyed to the handle actually decrypted, never the current one,
		// so a mutation landing underneath cannot mislabel the value.
		e.cache.SetClearValue(t.kind, t.handle, value)
	}
	if e.cache.IsDecrypted() {
		e.message = "Counters up to date"
	} else {
		e.message = "Counters partially decrypted"
	}
	e.mu.Unlock()
	e.metrics.ObserveDecrypt("ok", e.now().Sub(started))
	return nil
}

// setMessage updates the observable status line and notifies subscribers.
func (e *Engine) setMessage(message string) {
	e.mu.Lock()
	e.message = message
	e.mu.Unlock()
	e.publish()
}
