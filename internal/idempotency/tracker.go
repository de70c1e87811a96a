// Package idempotency deduplicates side-effecting actions per session.
package idempotency

import (
	"container/list"
	"slices"
	"sync"
	"time"

	"github.com/xiaot623/taskagent/internal/domain"
)

// Default bounds of the per-session record set.
const (
	DefaultTTL           = 10 * time.Minute
	DefaultMaxPerSession = 256
)

// Status is the outcome of CheckAndReserve.
type Status int

const (
	// Reserved means the caller owns the fingerprint and must Commit or Release it.
	Reserved Status = iota
	// Cached means a prior execution succeeded; its result is returned.
	Cached
	// InProgress means another caller holds the reservation. Retry later.
	InProgress
)

func (s Status) String() string {
	switch s {
	case Reserved:
		return "reserved"
	case Cached:
		return "cached"
	case InProgress:
		return "in_progress"
	}
	return "unknown"
}

type record struct {
	fingerprint string
	committed   bool
	result      domain.ActionResult
	tags        []string
	expiresAt   time.Time
}

type session struct {
	mu      sync.Mutex
	records map[string]*list.Element
	lru     *list.List // front = most recently used
	touched time.Time
}

// Tracker holds idempotency records keyed by session.
// Records live for ttl after commit and at most maxPerSession are kept per session.
type Tracker struct {
	mu            sync.Mutex
	sessions      map[string]*session
	ttl           time.Duration
	maxPerSession int
	now           func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker. Non-positive bounds use the defaults.
func NewTracker(ttl time.Duration, maxPerSession int, opts ...Option) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxPerSession <= 0 {
		maxPerSession = DefaultMaxPerSession
	}
	t := &Tracker{
		sessions:      make(map[string]*session),
		ttl:           ttl,
		maxPerSession: maxPerSession,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) session(id string, create bool) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok && create {
		s = &session{records: make(map[string]*list.Element), lru: list.New()}
		t.sessions[id] = s
	}
	return s
}

// CheckAndReserve returns the cached result of fp, or reserves it for the caller.
func (t *Tracker) CheckAndReserve(sessionID, fp string) (Status, *domain.ActionResult) {
	s := t.session(sessionID, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := t.now()
	s.touched = now
	if el, ok := s.records[fp]; ok {
		rec := el.Value.(*record)
		switch {
		case !rec.committed && now.Before(rec.expiresAt):
			return InProgress, nil
		case rec.committed && now.Before(rec.expiresAt):
			s.lru.MoveToFront(el)
			res := rec.result
			return Cached, &res
		}
		s.lru.Remove(el)
		delete(s.records, fp)
	}

	// A reservation expires after ttl as well, so a crashed holder cannot block forever.
	rec := &record{fingerprint: fp, expiresAt: now.Add(t.ttl)}
	s.records[fp] = s.lru.PushFront(rec)
	t.evict(s)
	return Reserved, nil
}

// Commit stores the result of a reserved fingerprint. tags name the resources it mutated.
func (t *Tracker) Commit(sessionID, fp string, result domain.ActionResult, tags ...string) {
	s := t.session(sessionID, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := t.now()
	s.touched = now
	rec := &record{fingerprint: fp, committed: true, result: result, tags: tags, expiresAt: now.Add(t.ttl)}
	if el, ok := s.records[fp]; ok {
		el.Value = rec
		s.lru.MoveToFront(el)
	} else {
		s.records[fp] = s.lru.PushFront(rec)
	}
	t.evict(s)
}

// Release drops a reservation after a failed execution so a retry can run.
func (t *Tracker) Release(sessionID, fp string) {
	s := t.session(sessionID, false)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.records[fp]; ok && !el.Value.(*record).committed {
		s.lru.Remove(el)
		delete(s.records, fp)
	}
}

// Forget drops a committed record, e.g. after its effect was undone.
func (t *Tracker) Forget(sessionID, fp string) {
	s := t.session(sessionID, false)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.records[fp]; ok {
		s.lru.Remove(el)
		delete(s.records, fp)
	}
}

// Invalidate drops committed records tagged with tag, except the one for fp.
// A record of a mutation stops deduplicating once a later mutation touches the same resource.
func (t *Tracker) Invalidate(sessionID, tag, except string) int {
	s := t.session(sessionID, false)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for fp, el := range s.records {
		rec := el.Value.(*record)
		if fp == except || !rec.committed || !slices.Contains(rec.tags, tag) {
			continue
		}
		s.lru.Remove(el)
		delete(s.records, fp)
		n++
	}
	return n
}

// Sweep removes expired records and idle sessions. It returns the number of records removed.
func (t *Tracker) Sweep() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, s := range t.sessions {
		s.mu.Lock()
		for fp, el := range s.records {
			if !now.Before(el.Value.(*record).expiresAt) {
				s.lru.Remove(el)
				delete(s.records, fp)
				removed++
			}
		}
		idle := len(s.records) == 0 && now.Sub(s.touched) >= t.ttl
		s.mu.Unlock()
		if idle {
			delete(t.sessions, id)
		}
	}
	return removed
}

// Len returns the number of records held for a session.
func (t *Tracker) Len(sessionID string) int {
	s := t.session(sessionID, false)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// evict trims the least recently used committed records beyond capacity.
// Reservations in flight are never evicted. Caller holds s.mu.
func (t *Tracker) evict(s *session) {
	for el := s.lru.Back(); el != nil && s.lru.Len() > t.maxPerSession; {
		prev := el.Prev()
		rec := el.Value.(*record)
		if rec.committed {
			s.lru.Remove(el)
			delete(s.records, rec.fingerprint)
		}
		el = prev
	}
}
