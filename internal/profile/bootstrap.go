// Package profile ensures every authenticated user has exactly one profile,
// creating it on first sign-in and degrading to a synthesized in-memory
// profile when the store is unavailable.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/flightcheckhq/flightcheck/internal/model"
	"github.com/flightcheckhq/flightcheck/internal/plan"
	"github.com/flightcheckhq/flightcheck/internal/store"
)

// State is the bootstrap state machine position.
type State string

const (
	StateFetching State = "fetching"
	StateCreating State = "creating"
	StateRetrying State = "retrying"
	StateReady    State = "ready"
	StateDegraded State = "degraded"

	// StateIncomplete means fetch and creation failed permanently and no
	// fallback could be synthesized (the user has no email).
	StateIncomplete State = "incomplete"
)

// ErrSetupIncomplete is returned when bootstrap cannot produce a profile at all.
var ErrSetupIncomplete = errors.New("profile: setup incomplete")

// Store is the subset of the profile store bootstrap depends on.
type Store interface {
	GetByUserID(userID int64) (*model.Profile, error)
	Create(userID int64, email, displayName string) (*model.Profile, error)
}

// Config tunes the retry schedule. Zero values select the defaults:
// 3 retries, 1s base delay doubling, capped at 5s.
type Config struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Bootstrap produces a usable profile for an authenticated user.
type Bootstrap struct {
	store  Store
	cfg    Config
	logger *slog.Logger

	// OnState, if set, observes every state transition. Used by tests and
	// by the session handler to surface progress.
	OnState func(State)
}

func New(st Store, cfg Config, logger *slog.Logger) *Bootstrap {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	return &Bootstrap{store: st, cfg: cfg, logger: logger}
}

// Result is the bootstrap outcome. Profile is always non-nil when Err is nil;
// in the degraded state it is a synthesized, non-persisted fallback.
type Result struct {
	Profile *model.Profile
	State   State
}

func (b *Bootstrap) setState(s State) {
	if b.OnState != nil {
		b.OnState(s)
	}
}

// Run fetches the user's profile, creating it on first sign-in. Transient
// failures are retried with exponential backoff; after the retries are
// exhausted a fallback profile is synthesized so callers never block. The
// returned state distinguishes ready, degraded, and incomplete outcomes.
func (b *Bootstrap) Run(ctx context.Context, userID int64, email, displayName string) (Result, error) {
	var p *model.Profile

	backoff := retry.WithMaxRetries(b.cfg.MaxRetries,
		retry.WithCappedDuration(b.cfg.MaxDelay,
			retry.NewExponential(b.cfg.BaseDelay)))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if attempt > 0 {
			b.setState(StateRetrying)
		}
		attempt++

		var err error
		p, err = b.ensure(userID, email, displayName)
		if err != nil {
			b.logger.Warn("profile bootstrap attempt failed",
				"user_id", userID, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err == nil {
		b.setState(StateReady)
		return Result{Profile: p, State: StateReady}, nil
	}

	if email == "" {
		b.setState(StateIncomplete)
		return Result{State: StateIncomplete}, fmt.Errorf("%w: %v", ErrSetupIncomplete, err)
	}

	b.logger.Error("profile bootstrap exhausted retries, using fallback",
		"user_id", userID, "error", err)
	b.setState(StateDegraded)
	return Result{Profile: Fallback(userID, email, displayName), State: StateDegraded}, nil
}

// ensure runs one fetch-or-create pass.
func (b *Bootstrap) ensure(userID int64, email, displayName string) (*model.Profile, error) {
	b.setState(StateFetching)
	p, err := b.store.GetByUserID(userID)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	if p != nil {
		return p, nil
	}

	b.setState(StateCreating)
	p, err = b.store.Create(userID, email, displayName)
	if errors.Is(err, store.ErrConflict) {
		// Another session created the row first; the constraint did its job.
		p, err = b.store.GetByUserID(userID)
		if err != nil {
			return nil, fmt.Errorf("refetch after conflict: %w", err)
		}
		if p == nil {
			return nil, errors.New("profile missing after conflict")
		}
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	return p, nil
}

// Fallback synthesizes a non-persisted free-tier profile.
func Fallback(userID int64, email, displayName string) *model.Profile {
	now := time.Now().UTC()
	return &model.Profile{
		UserID:             userID,
		Email:              email,
		DisplayName:        displayName,
		PlanType:           string(plan.TierFree),
		SubscriptionStatus: "none",
		ConcurrentSlots:    plan.Slots(plan.TierFree),
		CreatedAt:          now,
		UpdatedAt:          now,
		Persisted:          false,
	}
}
