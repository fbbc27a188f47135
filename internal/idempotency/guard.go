// Package idempotency wraps critical write operations so that retried
// submissions under the same key execute at most once and replay the original
// response.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zenamanage/writepath/internal/apperr"
	domain "github.com/zenamanage/writepath/internal/domain/idempotency"
	"go.uber.org/zap"
)

// Outcome carries the response of a guarded execution plus whether it was
// replayed from a stored snapshot. The flag is part of the observable
// contract so clients and tests can assert non-duplication.
type Outcome struct {
	Response domain.Snapshot
	Replayed bool
}

// Operation is the wrapped critical write. It runs at most once per scope key
// within the replay window and must return the response to snapshot.
type Operation func(ctx context.Context) (domain.Snapshot, error)

// Guard serializes executions per scope key through the repository's
// unique-claim insert.
type Guard struct {
	repo         domain.Repository
	logger       *zap.Logger
	replayWindow time.Duration
	pollInterval time.Duration
	pollDeadline time.Duration
	now          func() time.Time
}

// Config tunes the guard. The replay window default follows the deployment's
// observed client retry horizon.
type Config struct {
	ReplayWindow time.Duration
	PollInterval time.Duration
	PollDeadline time.Duration
}

func NewGuard(repo domain.Repository, cfg Config, logger *zap.Logger) *Guard {
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.PollDeadline <= 0 {
		cfg.PollDeadline = 5 * time.Second
	}
	return &Guard{
		repo:         repo,
		logger:       logger,
		replayWindow: cfg.ReplayWindow,
		pollInterval: cfg.PollInterval,
		pollDeadline: cfg.PollDeadline,
		now:          time.Now,
	}
}

// SetClock overrides the guard's clock. Test hook.
func (g *Guard) SetClock(now func() time.Time) { g.now = now }

// Execute runs op under the scope key.
//
// A completed record with a matching fingerprint replays the stored snapshot.
// A matching record with a different fingerprint is a key-reuse conflict.
// A pending record means another caller is executing right now; we wait for
// its outcome instead of running op a second time.
//
// Failures of the record store refuse the request: under this fault a
// duplicate-write risk is worse than a rejected one, the opposite of the rate
// limiter's fail-open stance.
func (g *Guard) Execute(ctx context.Context, scopeKey, fingerprint string, op Operation) (*Outcome, error) {
	for {
		outcome, retry, err := g.tryExecute(ctx, scopeKey, fingerprint, op)
		if err != nil {
			return nil, err
		}
		if !retry {
			return outcome, nil
		}
	}
}

func (g *Guard) tryExecute(ctx context.Context, scopeKey, fingerprint string, op Operation) (*Outcome, bool, error) {
	now := g.now()

	existing, err := g.repo.FindByScopeKey(ctx, scopeKey)
	switch {
	case err == nil:
		if existing.Expired(now) {
			// Expired keys are reusable; the claim below replaces the record.
			break
		}
		return g.resolveExisting(ctx, existing, fingerprint)
	case errors.Is(err, domain.ErrNotFound):
	default:
		return nil, false, apperr.StoreUnavailable(err)
	}

	claim := &domain.Record{
		ScopeKey:    scopeKey,
		Fingerprint: fingerprint,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.replayWindow),
	}
	if err := g.repo.ClaimPending(ctx, claim); err != nil {
		if errors.Is(err, domain.ErrDuplicateKey) {
			// Lost the race; re-read and fall into the existing-record path.
			return nil, true, nil
		}
		return nil, false, apperr.StoreUnavailable(err)
	}

	// Any exit where op did not succeed, including a panic unwinding through
	// here, must release the claim so the key stays retryable instead of
	// wedging pending for the rest of the replay window.
	succeeded := false
	defer func() {
		if succeeded {
			return
		}
		if delErr := g.repo.DeleteClaim(ctx, scopeKey); delErr != nil {
			g.logger.Error("idempotency_claim_release_failed",
				zap.Error(delErr),
				zap.String("scope_key", scopeKey),
			)
		}
	}()

	snap, opErr := op(ctx)
	if opErr != nil {
		return nil, false, opErr
	}
	succeeded = true

	expiresAt := g.now().Add(g.replayWindow)
	if err := g.repo.Complete(ctx, scopeKey, snap, expiresAt); err != nil {
		// The operation's side effects are already committed; surfacing an
		// error now would make the caller retry a write that happened.
		g.logger.Error("idempotency_record_finalize_failed",
			zap.Error(err),
			zap.String("scope_key", scopeKey),
		)
	}

	return &Outcome{Response: snap, Replayed: false}, false, nil
}

func (g *Guard) resolveExisting(ctx context.Context, rec *domain.Record, fingerprint string) (*Outcome, bool, error) {
	if rec.Fingerprint != fingerprint {
		return nil, false, apperr.KeyConflict(rec.ScopeKey)
	}

	if rec.Status == domain.StatusCompleted {
		return &Outcome{Response: rec.Response, Replayed: true}, false, nil
	}

	// Pending: another caller holds the claim. Poll for its completion.
	outcome, err := g.awaitCompletion(ctx, rec.ScopeKey)
	if err != nil {
		return nil, false, err
	}
	if outcome == nil {
		// First caller failed and released the claim; retry the key.
		return nil, true, nil
	}
	return outcome, false, nil
}

// awaitCompletion polls until the concurrent execution finishes. Returns
// (nil, nil) when the claim disappeared, meaning the first caller failed.
func (g *Guard) awaitCompletion(ctx context.Context, scopeKey string) (*Outcome, error) {
	deadline := g.now().Add(g.pollDeadline)
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		rec, err := g.repo.FindByScopeKey(ctx, scopeKey)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, apperr.StoreUnavailable(err)
		}
		if rec.Status == domain.StatusCompleted {
			return &Outcome{Response: rec.Response, Replayed: true}, nil
		}

		if g.now().After(deadline) {
			return nil, fmt.Errorf("concurrent execution for key still pending: %w", apperr.ErrIdempotencyKeyConflict)
		}
	}
}

// PruneExpired removes records past their replay window. Called from the
// dispatcher's maintenance loop.
func (g *Guard) PruneExpired(ctx context.Context) (int64, error) {
	return g.repo.DeleteExpired(ctx, g.now())
}
