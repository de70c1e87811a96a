// Package undo stores reversal descriptors and redeems them once.
package undo

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaot623/taskagent/internal/apperr"
	"github.com/xiaot623/taskagent/internal/domain"
)

// DefaultTTL is how long a token stays redeemable.
const DefaultTTL = 30 * time.Minute

const shardCount = 16

type tokenState int

const (
	stateAvailable tokenState = iota
	stateRedeeming
	stateConsumed
)

type entry struct {
	token domain.UndoToken
	state tokenState
}

type shard struct {
	mu     sync.Mutex
	tokens map[string]*entry
}

// Runner executes a reversal action.
type Runner interface {
	ExecuteReversal(ctx context.Context, sessionID string, action domain.Action, tokenID string) domain.ActionResult
}

// Forgetter drops the idempotency record of an undone action.
type Forgetter interface {
	Forget(sessionID, fp string)
}

// Manager issues and redeems undo tokens.
type Manager struct {
	shards [shardCount]shard
	ttl    time.Duration
	runner Runner
	forget Forgetter
	log    *zap.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithForgetter clears idempotency records of undone actions.
func WithForgetter(f Forgetter) Option {
	return func(m *Manager) { m.forget = f }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a manager. A non-positive ttl uses DefaultTTL.
func NewManager(ttl time.Duration, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{ttl: ttl, log: zap.NewNop(), now: time.Now}
	for i := range m.shards {
		m.shards[i].tokens = make(map[string]*entry)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetRunner wires the executor that runs reversals.
// The executor issues tokens through the manager, so the two are linked after construction.
func (m *Manager) SetRunner(r Runner) {
	m.runner = r
}

func (m *Manager) shardFor(tokenID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(tokenID))
	return &m.shards[h.Sum32()%shardCount]
}

// Issue records a reversal and returns its token.
func (m *Manager) Issue(sessionID string, reversal domain.Action, originFingerprint string) (domain.UndoToken, error) {
	now := m.now()
	tok := domain.UndoToken{
		TokenID:           "undo_" + uuid.NewString(),
		SessionID:         sessionID,
		Reversal:          reversal,
		OriginFingerprint: originFingerprint,
		CreatedAt:         now,
		ExpiresAt:         now.Add(m.ttl),
	}
	s := m.shardFor(tok.TokenID)
	s.mu.Lock()
	s.tokens[tok.TokenID] = &entry{token: tok}
	s.mu.Unlock()
	return tok, nil
}

// Lookup returns a copy of a token.
func (m *Manager) Lookup(tokenID string) (domain.UndoToken, bool) {
	s := m.shardFor(tokenID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tokens[tokenID]
	if !ok {
		return domain.UndoToken{}, false
	}
	tok := e.token
	tok.Consumed = e.state == stateConsumed
	return tok, true
}

// Begin claims a token for redemption.
func (m *Manager) Begin(tokenID string) (domain.UndoToken, error) {
	s := m.shardFor(tokenID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tokens[tokenID]
	if !ok {
		return domain.UndoToken{}, apperr.Newf(apperr.KindNotFound, "undo token %s not found", tokenID)
	}
	switch e.state {
	case stateConsumed:
		return domain.UndoToken{}, apperr.Newf(apperr.KindAlreadyConsumed, "undo token %s was already used", tokenID)
	case stateRedeeming:
		return domain.UndoToken{}, apperr.Newf(apperr.KindInProgress, "undo token %s is being redeemed", tokenID)
	}
	if !m.now().Before(e.token.ExpiresAt) {
		delete(s.tokens, tokenID)
		return domain.UndoToken{}, apperr.Newf(apperr.KindNotFound, "undo token %s has expired", tokenID)
	}
	e.state = stateRedeeming
	return e.token, nil
}

// Finish settles a claimed token: consumed on success, available again otherwise.
func (m *Manager) Finish(tokenID string, ok bool) {
	s := m.shardFor(tokenID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.tokens[tokenID]
	if !found || e.state != stateRedeeming {
		return
	}
	if ok {
		e.state = stateConsumed
		e.token.Consumed = true
	} else {
		e.state = stateAvailable
	}
}

// Redeem runs the reversal of a token exactly once.
// A failed reversal leaves the token redeemable; the failure is reported in the result.
func (m *Manager) Redeem(ctx context.Context, tokenID string) (domain.ActionResult, error) {
	tok, err := m.Begin(tokenID)
	if err != nil {
		return domain.ActionResult{}, err
	}
	if m.runner == nil {
		m.Finish(tokenID, false)
		return domain.ActionResult{}, apperr.New(apperr.KindInternal, "undo runner not configured")
	}

	res := m.runner.ExecuteReversal(ctx, tok.SessionID, tok.Reversal, tok.TokenID)
	m.Finish(tokenID, res.OK)
	if res.OK && m.forget != nil && tok.OriginFingerprint != "" {
		m.forget.Forget(tok.SessionID, tok.OriginFingerprint)
	}
	m.log.Info("undo redeemed",
		zap.String("token_id", tokenID),
		zap.String("session_id", tok.SessionID),
		zap.String("reversal", tok.Reversal.Name),
		zap.Bool("ok", res.OK),
	)
	return res, nil
}

// Sweep removes expired tokens. Consumed tokens are kept until expiry so reuse reports AlreadyConsumed.
func (m *Manager) Sweep() int {
	now := m.now()
	removed := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for id, e := range s.tokens {
			if e.state != stateRedeeming && !now.Before(e.token.ExpiresAt) {
				delete(s.tokens, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
