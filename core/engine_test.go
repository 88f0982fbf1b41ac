package core_test

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/TammyLattimore/bloom-focus-chain/auth"
	"github.com/TammyLattimore/bloom-focus-chain/core"
	cerrors "github.com/TammyLattimore/bloom-focus-chain/core/errors"
)

var (
	testContract = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	ownerA       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	ownerB       = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

// fakeChain simulates the external ledger: one encrypted counter triple per
// owner with additive updates, plus the coprocessor's handle-to-value view
// consumed by the fake decryptor.
type fakeChain struct {
	mu      sync.Mutex
	values  map[common.Address]map[core.Kind]uint64
	written map[common.Address]map[core.Kind]bool
	revs    map[common.Address]map[core.Kind]uint64
	handles map[core.Handle]uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		values:  make(map[common.Address]map[core.Kind]uint64),
		written: make(map[common.Address]map[core.Kind]bool),
		revs:    make(map[common.Address]map[core.Kind]uint64),
		handles: make(map[core.Handle]uint64),
	}
}

func (c *fakeChain) ensure(owner common.Address) {
	if c.values[owner] == nil {
		c.values[owner] = make(map[core.Kind]uint64)
		c.written[owner] = make(map[core.Kind]bool)
		c.revs[owner] = make(map[core.Kind]uint64)
	}
}

func (c *fakeChain) seed(owner common.Address, sessions, total, goal uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensure(owner)
	for kind, v := range map[core.Kind]uint64{
		core.SessionCount: sessions,
		core.TotalMinutes: total,
		core.WeeklyGoal:   goal,
	} {
		c.values[owner][kind] = v
		c.written[owner][kind] = true
		c.revs[owner][kind]++
	}
}

// handleFor derives a deterministic handle from (owner, kind, revision):
// equal across fetches iff no mutation landed in between.
func (c *fakeChain) handleFor(owner common.Address, kind core.Kind) core.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensure(owner)
	if !c.written[owner][kind] {
		return core.NullHandle
	}
	var rev [8]byte
	binary.BigEndian.PutUint64(rev[:], c.revs[owner][kind])
	digest := ethcrypto.Keccak256(owner[:], []byte{byte(kind)}, rev[:])
	var h core.Handle
	copy(h[:], digest)
	c.handles[h] = c.values[owner][kind]
	return h
}

func (c *fakeChain) valueFor(h core.Handle) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.handles[h]
	return v, ok
}

func (c *fakeChain) apply(owner common.Address, op core.OpKind, value uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensure(owner)
	bump := func(kind core.Kind) {
		c.revs[owner][kind]++
		c.written[owner][kind] = true
	}
	switch op {
	case core.OpLogSession:
		c.values[owner][core.SessionCount]++
		c.values[owner][core.TotalMinutes] += value
		bump(core.SessionCount)
		bump(core.TotalMinutes)
	case core.OpAddMinutes:
		c.values[owner][core.TotalMinutes] += value
		bump(core.TotalMinutes)
	case core.OpSetWeeklyGoal:
		c.values[owner][core.WeeklyGoal] = value
		bump(core.WeeklyGoal)
	case core.OpReset:
		for _, kind := range core.Kinds {
			c.values[owner][kind] = 0
			c.written[owner][kind] = false
			c.revs[owner][kind]++
		}
	}
}

type fakeEncryptor struct {
	mu    sync.Mutex
	seq   uint64
	plain map[core.Handle]uint64
}

func newFakeEncryptor() *fakeEncryptor {
	return &fakeEncryptor{plain: make(map[core.Handle]uint64)}
}

func (e *fakeEncryptor) Encrypt(_ context.Context, _, _ common.Address, value uint64) (core.CiphertextInput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	var h core.Handle
	h[0] = 0xee
	binary.BigEndian.PutUint64(h[1:9], e.seq)
	e.plain[h] = value
	return core.CiphertextInput{Handle: h, Proof: []byte("attested")}, nil
}

func (e *fakeEncryptor) valueOf(h core.Handle) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plain[h]
}

type pendingTx struct {
	op    core.OpKind
	value uint64
}

type fakeLedger struct {
	chain *fakeChain
	owner common.Address
	enc   *fakeEncryptor

	mu          sync.Mutex
	handleCalls int
	handleErrs  map[core.Kind]error
	readGate    chan struct{}
	confirmGate chan struct{}
	submitErr   error
	confirmErr  error
	submitted   []core.OpKind
	pending     map[common.Hash]pendingTx
	seq         uint64
}

func newFakeLedger(chain *fakeChain, owner common.Address, enc *fakeEncryptor) *fakeLedger {
	return &fakeLedger{
		chain:      chain,
		owner:      owner,
		enc:        enc,
		handleErrs: make(map[core.Kind]error),
		pending:    make(map[common.Hash]pendingTx),
	}
}

func (l *fakeLedger) Handle(_ context.Context, kind core.Kind) (core.Handle, error) {
	l.mu.Lock()
	l.handleCalls++
	gate := l.readGate
	err := l.handleErrs[kind]
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return core.NullHandle, err
	}
	return l.chain.handleFor(l.owner, kind), nil
}

func (l *fakeLedger) Submit(_ context.Context, op core.OpKind, input *core.CiphertextInput) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.submitErr != nil {
		return common.Hash{}, l.submitErr
	}
	var value uint64
	if input != nil {
		value = l.enc.valueOf(input.Handle)
	}
	l.seq++
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], l.seq)
	hash := common.BytesToHash(ethcrypto.Keccak256(l.owner[:], seq[:]))
	l.pending[hash] = pendingTx{op: op, value: value}
	l.submitted = append(l.submitted, op)
	return hash, nil
}

func (l *fakeLedger) AwaitConfirmation(_ context.Context, tx common.Hash) error {
	l.mu.Lock()
	gate := l.confirmGate
	err := l.confirmErr
	p, ok := l.pending[tx]
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return err
	}
	if !ok {
		return cerrors.Newf(cerrors.KindInternal, "fake.AwaitConfirmation", "unknown tx %s", tx.Hex())
	}
	l.chain.apply(l.owner, p.op, p.value)
	return nil
}

func (l *fakeLedger) batches(t *testing.T) int {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.Zero(t, l.handleCalls%len(core.Kinds), "partial handle batch observed")
	return l.handleCalls / len(core.Kinds)
}

type fakeDecryptor struct {
	chain *fakeChain

	mu    sync.Mutex
	calls int
	err   error
}

func (d *fakeDecryptor) Resolve(_ context.Context, pairs []core.HandlePair, _ auth.Artifact) (map[core.Handle]uint64, error) {
	d.mu.Lock()
	d.calls++
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make(map[core.Handle]uint64, len(pairs))
	for _, pair := range pairs {
		if value, ok := d.chain.valueFor(pair.Handle); ok {
			out[pair.Handle] = value
		}
	}
	return out, nil
}

func (d *fakeDecryptor) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeSigner struct {
	mu    sync.Mutex
	calls int
	deny  bool
	gate  chan struct{}
}

func (s *fakeSigner) Sign(_ context.Context, owner common.Address, contracts []common.Address) (auth.Artifact, error) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.deny {
		return auth.Artifact{}, auth.ErrAuthorizationDenied
	}
	return auth.Artifact{
		Owner:     owner,
		Contracts: contracts,
		PublicKey: []byte{0x04, 0x01},
		Signature: []byte{0x01},
		IssuedAt:  time.Now().Add(-time.Minute),
		ValidDays: auth.DefaultValidDays,
	}, nil
}

func (s *fakeSigner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type harness struct {
	chain  *fakeChain
	ledger *fakeLedger
	enc    *fakeEncryptor
	dec    *fakeDecryptor
	signer *fakeSigner
	engine *core.Engine
}

func newHarnessOn(t *testing.T, chain *fakeChain, owner common.Address) *harness {
	t.Helper()
	enc := newFakeEncryptor()
	led := newFakeLedger(chain, owner, enc)
	dec := &fakeDecryptor{chain: chain}
	signer := &fakeSigner{}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := core.NewEngine(led, dec, enc, signer, core.WithLogger(quiet))
	require.NoError(t, err)
	engine.ActivateAt(31337, testContract, owner)
	return &harness{chain: chain, ledger: led, enc: enc, dec: dec, signer: signer, engine: engine}
}

func newHarness(t *testing.T, owner common.Address) *harness {
	return newHarnessOn(t, newFakeChain(), owner)
}

func TestRefreshFreshOwnerSeedsZeros(t *testing.T) {
	h := newHarness(t, ownerA)
	h.engine.Refresh(context.Background())

	snap := h.engine.Snapshot()
	require.False(t, snap.HasData)
	require.True(t, snap.Decrypted)
	for _, kind := range core.Kinds {
		value, ok := h.engine.Value(kind)
		require.True(t, ok, "counter %s should read as zero", kind)
		require.Zero(t, value)
	}
	require.Zero(t, h.dec.callCount(), "no decryption for null handles")
	require.Zero(t, h.signer.callCount())
}

func TestRefreshToleratesPartialReadFailure(t *testing.T) {
	h := newHarness(t, ownerA)
	h.chain.seed(ownerA, 3, 75, 150)
	h.ledger.handleErrs[core.TotalMinutes] = cerrors.Newf(cerrors.KindNetwork, "fake", "read timeout")

	h.engine.Refresh(context.Background())

	require.True(t, h.engine.HasData())
	require.True(t, h.engine.IsFresh(core.TotalMinutes), "failed read degrades to null handle")
	value, ok := h.engine.Value(core.TotalMinutes)
	require.True(t, ok)
	require.Zero(t, value)
	require.False(t, h.engine.IsDecrypted(), "surviving counters still need decryption")
}

func TestRefreshSingleFlight(t *testing.T) {
	h := newHarness(t, ownerA)
	h.chain.seed(ownerA, 1, 25, 0)
	gate := make(chan struct{})
	h.ledger.mu.Lock()
	h.ledger.readGate = gate
	h.ledger.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.engine.Refresh(context.Background())
	}()
	require.Eventually(t, func() bool {
		return h.engine.Snapshot().Refreshing
	}, time.Second, 2*time.Millisecond)

	// Dropped, not queued.
	h.engine.Refresh(context.Background())

	close(gate)
	wg.Wait()
	require.Equal(t, 1, h.ledger.batches(t), "back-to-back refresh must issue one read batch")
}

func TestRefreshDiscardsStaleResult(t *testing.T) {
	h := newHarness(t, ownerA)
	h.chain.seed(ownerA, 5, 125, 300)
	gate := make(chan struct{})
	h.ledger.mu.Lock()
	h.ledger.readGate = gate
	h.ledger.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.engine.Refresh(context.Background())
	}()
	require.Eventually(t, func() bool {
		return h.engine.Snapshot().Refreshing
	}, time.Second, 2*time.Millisecond)

	// Owner switches while the fetch is in flight.
	h.engine.ActivateAt(31337, testContract, ownerB)
	before := h.engine.Snapshot()

	close(gate)
	wg.Wait()

	after := h.engine.Snapshot()
	require.False(t, after.HasData, "stale handles must not be committed")
	require.Equal(t, before.Counters, after.Counters)
	_, ok := h.engine.Value(core.SessionCount)
	require.False(t, ok)
}

func TestDecryptResolvesStaleCounters(t *testing.T) {
	h := newHarness(t, ownerA)
	h.chain.seed(ownerA, 3, 75, 150)
	ctx := context.Background()

	h.engine.Refresh(ctx)
	require.True(t, h.engine.HasData())
	require.False(t, h.engine.IsDecrypted())

	require.NoError(t, h.engine.Decrypt(ctx))
	require.True(t, h.engine.IsDecrypted())
	sessions, _ := h.engine.Value(core.SessionCount)
	total, _ := h.engine.Value(core.TotalMinutes)
	goal, _ := h.engine.Value(core.WeeklyGoal)
	require.EqualValues(t, 3, sessions)
	require.EqualValues(t, 75, total)
	require.EqualValues(t, 150, goal)
	require.Equal(t, 1, h.dec.callCount())
	require.Equal(t, 1, h.signer.callCount())
}

func TestDecryptIsIdempotent(t *testing.T) {
	h := newHarness(t, ownerA)
	h.chain.seed(ownerA, 2, 50, 0)
	ctx := context.Background()
	h.engine.Refresh(ctx)
	require.NoError(t, h.engine.Decrypt(ctx))
	first, _ := h.engine.Value(core.TotalMinutes)

	require.NoError(t, h.engine.Decrypt(ctx))
	second, _ := h.engine.Value(core.TotalMinutes)
	require.Equal(t, first, second)
	require.Equal(t, 1, h.dec.callCount(), "fresh state must not re-invoke the capability")
	require.Equal(t, 1, h.signer.callCount(), "fresh state must not re-prompt the owner")
}

func TestDecryptAuthorizationDenied(t *testing.T) {
	h := newHarness(t, ownerA)
	h.chain.seed(ownerA, 1, 25, 0)
	ctx := context.Background()
	h.engine.Refresh(ctx)

	h.signer.deny = true
	err := h.engine.Decrypt(ctx)
	require.ErrorIs(t, err, auth.ErrAuthorizationDenied)
	require.Zero(t, h.dec.callCount(), "denied authorization must stop before the capability")
	require.False(t, h.engine.IsDecrypted())

	// Handles survived; a retry after approval works without re-fetching.
	h.signer.deny = false
	require.NoError(t, h.engine.Decrypt(ctx))
	require.True(t, h.engine.IsDecrypted())
}

func TestDecryptDiscardsResultAfterContextSwitch(t *testing.T) {
	h := newHarness(t, ownerA)
	h.chain.seed(ownerA, 4, 100, 0)
	ctx := context.Background()
	h.engine.Refresh(ctx)

	gate := make(chan struct{})
	h.signer.mu.Lock()
	h.signer.gate = gate
	h.signer.mu.Unlock()

	errs := make(chan error, 1)
	go func() { errs <- h.engine.Decrypt(ctx) }()
	require.Eventually(t, func() bool {
		return h.engine.Snapshot().Decrypting
	}, time.Second, 2*time.Millisecond)

	// The owner prompt is still open when the account switches.
	h.engine.ActivateAt(31337, testContract, ownerB)
	close(gate)

	require.ErrorIs(t, <-errs, core.ErrStale)
	require.Zero(t, h.dec.callCount(), "stale context must not reach the capability")
	_, ok := h.engine.Value(core.SessionCount)
	require.False(t, ok, "cache must equal the post-switch reset state")
}

func TestMutationInvalidatesAffectedCounters(t *testing.T) {
	h := newHarness(t, ownerA)
	h.chain.seed(ownerA, 1, 25, 150)
	ctx := context.Background()
	h.engine.Refresh(ctx)
	require.NoError(t, h.engine.Decrypt(ctx))
	require.True(t, h.engine.IsDecrypted())

	require.NoError(t, h.engine.LogSession(ctx, 25))

	require.False(t, h.engine.IsFresh(core.SessionCount))
	require.False(t, h.engine.IsFresh(core.TotalMinutes))
	require.True(t, h.engine.IsFresh(core.WeeklyGoal), "goal unaffected by logSession")
	require.False(t, h.engine.IsDecrypted())

	require.NoError(t, h.engine.Decrypt(ctx))
	sessions, _ := h.engine.Value(core.SessionCount)
	total, _ := h.engine.Value(core.TotalMinutes)
	require.EqualValues(t, 2, sessions)
	require.EqualValues(t, 50, total)
}

func TestScenarioTwoSessionsAccumulate(t *testing.T) {
	h := newHarness(t, ownerA)
	ctx := context.Background()
	h.engine.Refresh(ctx)

	require.NoError(t, h.engine.LogSession(ctx, 25))
	require.NoError(t, h.engine.LogSession(ctx, 30))
	require.NoError(t, h.engine.Decrypt(ctx))

	sessions, _ := h.engine.Value(core.SessionCount)
	total, _ := h.engine.Value(core.TotalMinutes)
	require.EqualValues(t, 2, sessions)
	require.EqualValues(t, 55, total)
}

func TestScenarioOwnersAreIsolated(t *testing.T) {
	chain := newFakeChain()
	a := newHarnessOn(t, chain, ownerA)
	b := newHarnessOn(t, chain, ownerB)
	ctx := context.Background()

	a.engine.Refresh(ctx)
	b.engine.Refresh(ctx)
	require.NoError(t, a.engine.LogSession(ctx, 25))
	require.NoError(t, b.engine.LogSession(ctx, 30))
	require.NoError(t, a.engine.Decrypt(ctx))
	require.NoError(t, b.engine.Decrypt(ctx))

	totalA, _ := a.engine.Value(core.TotalMinutes)
	totalB, _ := b.engine.Value(core.TotalMinutes)
	require.EqualValues(t, 25, totalA)
	require.EqualValues(t, 30, totalB)
}

func TestScenarioResetNeedsNoFreshAuthorization(t *testing.T) {
	h := newHarness(t, ownerA)
	h.chain.seed(ownerA, 6, 150, 300)
	ctx := context.Background()
	h.engine.Refresh(ctx)
	require.NoError(t, h.engine.Decrypt(ctx))
	require.Equal(t, 1, h.signer.callCount())

	require.NoError(t, h.engine.Reset(ctx))

	require.False(t, h.engine.HasData(), "reset leaves null handles")
	require.True(t, h.engine.IsDecrypted())
	for _, kind := range core.Kinds {
		value, ok := h.engine.Value(kind)
		require.True(t, ok)
		require.Zero(t, value)
	}
	require.NoError(t, h.engine.Decrypt(ctx))
	require.Equal(t, 1, h.signer.callCount(), "reset must not re-prompt the owner")
}

func TestMutateRejectsNonPositiveMinutes(t *testing.T) {
	h := newHarness(t, ownerA)
	require.Error(t, h.engine.LogSession(context.Background(), 0))
	require.Error(t, h.engine.SetWeeklyGoal(context.Background(), 0))
	h.ledger.mu.Lock()
	defer h.ledger.mu.Unlock()
	require.Empty(t, h.ledger.submitted)
}

func TestMutateSameKindSingleFlight(t *testing.T) {
	h := newHarness(t, ownerA)
	ctx := context.Background()
	h.engine.Refresh(ctx)

	gate := make(chan struct{})
	h.ledger.mu.Lock()
	h.ledger.confirmGate = gate
	h.ledger.mu.Unlock()

	errs := make(chan error, 1)
	go func() { errs <- h.engine.LogSession(ctx, 25) }()
	require.Eventually(t, func() bool {
		return h.engine.Snapshot().LoggingSession
	}, time.Second, 2*time.Millisecond)

	require.ErrorIs(t, h.engine.LogSession(ctx, 30), core.ErrBusy)

	close(gate)
	require.NoError(t, <-errs)
}

func TestMutateRevertedLeavesLastKnownGoodState(t *testing.T) {
	h := newHarness(t, ownerA)
	h.chain.seed(ownerA, 2, 50, 0)
	ctx := context.Background()
	h.engine.Refresh(ctx)
	require.NoError(t, h.engine.Decrypt(ctx))

	h.ledger.mu.Lock()
	h.ledger.confirmErr = cerrors.Newf(cerrors.KindReverted, "fake", "execution reverted")
	h.ledger.mu.Unlock()

	err := h.engine.LogSession(ctx, 25)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, cerrors.KindReverted))

	require.True(t, h.engine.IsDecrypted(), "failed mutation must not disturb the caches")
	sessions, _ := h.engine.Value(core.SessionCount)
	require.EqualValues(t, 2, sessions)
}

func TestDeactivateTearsDownView(t *testing.T) {
	h := newHarness(t, ownerA)
	h.chain.seed(ownerA, 1, 25, 0)
	ctx := context.Background()
	h.engine.Refresh(ctx)
	require.NoError(t, h.engine.Decrypt(ctx))

	h.engine.Deactivate()
	snap := h.engine.Snapshot()
	require.False(t, snap.Active)
	require.False(t, snap.HasData)
	require.ErrorIs(t, h.engine.Decrypt(ctx), core.ErrNoContext)
	require.ErrorIs(t, h.engine.LogSession(ctx, 25), core.ErrNoContext)
}

func TestSubscribeCancelDuringPublish(t *testing.T) {
	h := newHarness(t, ownerA)
	done := make(chan struct{})
	var wg sync.WaitGroup

	// Publisher: every activation bumps the epoch and fans a snapshot out.
	wg.Add(1)
	go func() {
		defer wg.Done()
		owners := [2]common.Address{ownerA, ownerB}
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			h.engine.ActivateAt(31337, testContract, owners[i%2])
		}
	}()

	// Churning subscribers tearing down mid-stream, as a websocket client
	// disconnect does.
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				updates, cancel := h.engine.Subscribe()
				select {
				case <-updates:
				default:
				}
				cancel()
			}
		}()
	}

	time.Sleep(200 * time.Millisecond)
	close(done)
	wg.Wait()
}

func TestSubscribeObservesTransitions(t *testing.T) {
	h := newHarness(t, ownerA)
	updates, cancel := h.engine.Subscribe()
	defer cancel()

	h.engine.Refresh(context.Background())

	require.Eventually(t, func() bool {
		for {
			select {
			case snap := <-updates:
				if !snap.Refreshing && snap.Active && snap.Decrypted {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
}
