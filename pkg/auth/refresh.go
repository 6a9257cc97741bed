// Package auth provides the single-flight credential refresh coordinator.
// Many concurrent requests discovering an expiring token trigger exactly
// one refresh call; every caller observes that call's result.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/averill/finch/internal/observability"
)

// DefaultRefreshMargin is how long before expiry a token is considered stale.
const DefaultRefreshMargin = 5 * time.Minute

// ErrCredentialInvalid is returned after a failed refresh until the
// credential is re-seeded; callers must re-authenticate.
var ErrCredentialInvalid = errors.New("credential invalidated, re-authentication required")

// Token is an access token with its expiry.
type Token struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Refresher performs the underlying refresh call for a credential.
type Refresher interface {
	Refresh(ctx context.Context, credentialID string) (Token, error)
}

// RefresherFunc adapts a function to the Refresher interface.
type RefresherFunc func(ctx context.Context, credentialID string) (Token, error)

// Refresh implements Refresher.
func (f RefresherFunc) Refresh(ctx context.Context, credentialID string) (Token, error) {
	return f(ctx, credentialID)
}

type refreshResult struct {
	token Token
	err   error
}

// credState is per-credential transient refresh state. The mutex guards
// enqueue/dequeue only; it is never held across the refresh call.
type credState struct {
	mu       sync.Mutex
	token    Token
	invalid  bool
	inFlight bool
	waiters  []chan refreshResult
}

// Coordinator serializes refreshes per credential.
type Coordinator struct {
	refresher Refresher
	margin    time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	mu    sync.Mutex
	creds map[string]*credState
}

// NewCoordinator creates a coordinator. A margin of zero selects
// DefaultRefreshMargin.
func NewCoordinator(refresher Refresher, margin time.Duration, logger zerolog.Logger) *Coordinator {
	observability.EnsureRegistered()

	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	return &Coordinator{
		refresher: refresher,
		margin:    margin,
		logger:    logger,
		now:       time.Now,
		creds:     make(map[string]*credState),
	}
}

// SetToken seeds or replaces the token for a credential and clears any
// invalidated state.
func (c *Coordinator) SetToken(credentialID string, token Token) {
	state := c.state(credentialID)
	state.mu.Lock()
	state.token = token
	state.invalid = false
	state.mu.Unlock()
}

func (c *Coordinator) state(credentialID string) *credState {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.creds[credentialID]
	if !ok {
		state = &credState{}
		c.creds[credentialID] = state
	}
	return state
}

// EnsureFresh returns a token valid for at least the configured margin.
// The fast path takes no refresh call; the slow path coalesces all
// concurrent callers onto a single in-flight refresh.
func (c *Coordinator) EnsureFresh(ctx context.Context, credentialID string) (Token, error) {
	state := c.state(credentialID)

	state.mu.Lock()

	if state.invalid {
		state.mu.Unlock()
		return Token{}, ErrCredentialInvalid
	}

	if state.token.Value != "" && state.token.ExpiresAt.After(c.now().Add(c.margin)) {
		token := state.token
		state.mu.Unlock()
		return token, nil
	}

	if state.inFlight {
		waiter := make(chan refreshResult, 1)
		state.waiters = append(state.waiters, waiter)
		state.mu.Unlock()

		observability.RecordRefreshCoalesced()

		select {
		case res := <-waiter:
			return res.token, res.err
		case <-ctx.Done():
			return Token{}, ctx.Err()
		}
	}

	state.inFlight = true
	state.mu.Unlock()

	c.logger.Debug().Str("credential_id", credentialID).Msg("Refreshing credential")

	// The refresh call runs outside the lock.
	token, err := c.refresher.Refresh(ctx, credentialID)

	state.mu.Lock()
	if err != nil {
		state.invalid = true
		state.token = Token{}
		err = fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	} else {
		state.token = token
		state.invalid = false
	}
	waiters := state.waiters
	state.waiters = nil
	state.inFlight = false
	state.mu.Unlock()

	observability.RecordRefresh(err == nil)

	res := refreshResult{token: token, err: err}
	for _, waiter := range waiters {
		waiter <- res
	}

	if err != nil {
		c.logger.Warn().
			Str("credential_id", credentialID).
			Int("waiters", len(waiters)).
			Err(err).
			Msg("Credential refresh failed")
		return Token{}, err
	}

	c.logger.Debug().
		Str("credential_id", credentialID).
		Int("waiters", len(waiters)).
		Time("expires_at", token.ExpiresAt).
		Msg("Credential refreshed")

	return token, nil
}
