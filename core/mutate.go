package core

import (
	"context"
	"fmt"

	cerrors "github.com/TammyLattimore/bloom-focus-chain/core/errors"
)

// OpKind names a ledger mutation.
type OpKind uint8

const (
	// OpLogSession records one completed focus session of N minutes.
	OpLogSession OpKind = iota
	// OpAddMinutes adds focused minutes without logging a session.
	OpAddMinutes
	// OpSetWeeklyGoal replaces the weekly goal.
	OpSetWeeklyGoal
	// OpReset zeroes all counters for the owner.
	OpReset
)

func (o OpKind) String() string {
	switch o {
	case OpLogSession:
		return "logSession"
	case OpAddMinutes:
		return "addMinutes"
	case OpSetWeeklyGoal:
		return "setWeeklyGoal"
	case OpReset:
		return "reset"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// affected lists the counters whose cached clear values can no longer be
// trusted once the operation confirms.
func (o OpKind) affected() []Kind {
	switch o {
	case OpLogSession:
		return []Kind{SessionCount, TotalMinutes}
	case OpAddMinutes:
		return []Kind{TotalMinutes}
	case OpSetWeeklyGoal:
		return []Kind{WeeklyGoal}
	case OpReset:
		return []Kind{SessionCount, TotalMinutes, WeeklyGoal}
	default:
		return nil
	}
}

func (o OpKind) needsInput() bool { return o != OpReset }

// LogSession records a completed session of the given positive duration.
func (e *Engine) LogSession(ctx context.Context, minutes uint64) error {
	return e.mutate(ctx, OpLogSession, minutes)
}

// AddMinutes adds focused minutes to the running total.
func (e *Engine) AddMinutes(ctx context.Context, minutes uint64) error {
	return e.mutate(ctx, OpAddMinutes, minutes)
}

// SetWeeklyGoal replaces the owner's weekly goal in minutes.
func (e *Engine) SetWeeklyGoal(ctx context.Context, minutes uint64) error {
	return e.mutate(ctx, OpSetWeeklyGoal, minutes)
}

// Reset zeroes every counter. No encryption or decryption authorization is
// required.
func (e *Engine) Reset(ctx context.Context) error {
	return e.mutate(ctx, OpReset, 0)
}

// mutate encrypts the input, submits the ledger operation, awaits on-chain
// confirmation, invalidates the affected clear values and triggers a
// refresh. A same-kind mutation already in flight drops the call with
// ErrBusy; errors are returned to the caller exactly once, never retried
// internally, and a failed attempt leaves the caches at last-known-good.
func (e *Engine) mutate(ctx context.Context, op OpKind, minutes uint64) error {
	if op.needsInput() && minutes == 0 {
		return fmt.Errorf("engine: %s requires a positive minute count", op)
	}

	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return ErrNoContext
	}
	flag := e.opFlag(op)
	if *flag {
		e.mu.Unlock()
		return ErrBusy
	}
	*flag = true
	epoch := e.epoch
	snapshot := e.context
	e.message = "Preparing " + op.String() + "..."
	e.mu.Unlock()
	e.publish()

	started := e.now()
	defer func() {
		e.mu.Lock()
		flag := e.opFlag(op)
		*flag = false
		e.mu.Unlock()
		e.publish()
	}()

	var input *CiphertextInput
	if op.needsInput() {
		e.setMessage("Encrypting input...")
		encrypted, err := e.encryptor.Encrypt(ctx, snapshot.Contract, snapshot.Owner, minutes)
		if err != nil {
			e.setMessage("Encryption failed: " + cerrors.KindOf(err).String())
			e.metrics.ObserveMutation(op.String(), "encrypt-error", e.now().Sub(started))
			return err
		}
		input = &encrypted
	}

	e.setMessage("Submitting transaction...")
	tx, err := e.ledger.Submit(ctx, op, input)
	if err != nil {
		e.setMessage("Submission failed: " + cerrors.KindOf(err).String())
		e.metrics.ObserveMutation(op.String(), "submit-error", e.now().Sub(started))
		return err
	}

	e.setMessage("Waiting for confirmation...")
	if err := e.ledger.AwaitConfirmation(ctx, tx); err != nil {
		e.setMessage("Transaction failed: " + cerrors.KindOf(err).String())
		e.metrics.ObserveMutation(op.String(), "confirm-error", e.now().Sub(started))
		return err
	}

	e.mu.Lock()
	if e.epoch != epoch {
		// The mutation landed on chain, but this view has moved on.
		e.message = op.String() + " confirmed for a previous context"
		e.mu.Unlock()
		e.metrics.ObserveStaleDiscard()
		e.metrics.ObserveMutation(op.String(), "stale", e.now().Sub(started))
		return ErrStale
	}
	e.cache.Invalidate(op.affected()...)
	e.message = op.String() + " confirmed"
	e.mu.Unlock()
	e.publish()
	e.metrics.ObserveMutation(op.String(), "ok", e.now().Sub(started))

	e.Refresh(ctx)
	return nil
}

// opFlag returns the per-kind in-flight guard. Callers hold e.mu.
func (e *Engine) opFlag(op OpKind) *bool {
	switch op {
	case OpLogSession:
		return &e.logging
	case OpAddMinutes:
		return &e.addingMinutes
	case OpSetWeeklyGoal:
		return &e.settingGoal
	default:
		return &e.resetting
	}
}
