package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/candorlab/candor/pkg/analysis"
)

const (
	// defaultTTL is how long an idle session survives before eviction.
	defaultTTL = 24 * time.Hour

	// defaultMaxHistory caps results per session; the oldest results are
	// dropped first.
	defaultMaxHistory = 100

	// janitorInterval is how often expired sessions are swept.
	janitorInterval = 10 * time.Minute
)

var _ Store = (*MemStore)(nil)

// MemOption is a functional option for configuring a MemStore.
type MemOption func(*MemStore)

// WithTTL sets the idle lifetime of a session. Default 24h.
func WithTTL(ttl time.Duration) MemOption {
	return func(s *MemStore) { s.ttl = ttl }
}

// WithMaxHistory caps the results kept per session; older results are
// evicted first. Default 100.
func WithMaxHistory(n int) MemOption {
	return func(s *MemStore) { s.maxHistory = n }
}

// WithClock overrides the time source. Tests use this to trigger expiry
// without sleeping.
func WithClock(now func() time.Time) MemOption {
	return func(s *MemStore) { s.now = now }
}

type memSession struct {
	info     Info
	results  []analysis.Result
	inFlight bool
	lastUsed time.Time
}

// MemStore is the in-process [Store]. Sessions idle longer than the TTL are
// evicted by a background janitor started with [MemStore.StartJanitor].
// Safe for concurrent use.
type MemStore struct {
	ttl        time.Duration
	maxHistory int
	now        func() time.Time
	logger     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*memSession
}

// NewMemStore creates an empty MemStore.
func NewMemStore(logger *slog.Logger, opts ...MemOption) *MemStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MemStore{
		ttl:        defaultTTL,
		maxHistory: defaultMaxHistory,
		now:        time.Now,
		logger:     logger,
		sessions:   make(map[string]*memSession),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// StartJanitor sweeps expired sessions every 10 minutes until ctx is
// cancelled.
func (s *MemStore) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					s.logger.Info("evicted expired sessions", "count", n)
				}
			}
		}
	}()
}

// Sweep removes all expired sessions and returns how many were evicted.
// Sessions with an analysis in flight are never evicted mid-run.
func (s *MemStore) Sweep() int {
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, sess := range s.sessions {
		if !sess.inFlight && sess.lastUsed.Before(cutoff) {
			delete(s.sessions, id)
			evicted++
		}
	}
	return evicted
}

// Create implements [Store].
func (s *MemStore) Create(_ context.Context) (Info, error) {
	id, err := generateID()
	if err != nil {
		return Info{}, fmt.Errorf("session: generate id: %w", err)
	}
	now := s.now()
	info := Info{ID: id, CreatedAt: now}

	s.mu.Lock()
	s.sessions[id] = &memSession{info: info, results: []analysis.Result{}, lastUsed: now}
	s.mu.Unlock()
	return info, nil
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, id string) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Info{}, ErrNotFound
	}
	info := sess.info
	info.TurnCount = len(sess.results)
	return info, nil
}

// Acquire implements [Store].
func (s *MemStore) Acquire(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.inFlight {
		return ErrAnalysisInProgress
	}
	sess.inFlight = true
	sess.lastUsed = s.now()
	return nil
}

// Release implements [Store].
func (s *MemStore) Release(_ context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.inFlight = false
		sess.lastUsed = s.now()
	}
}

// Append implements [Store].
func (s *MemStore) Append(_ context.Context, id string, result analysis.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.results = append(sess.results, result)
	if len(sess.results) > s.maxHistory {
		sess.results = sess.results[len(sess.results)-s.maxHistory:]
	}
	sess.lastUsed = s.now()
	return nil
}

// History implements [Store].
func (s *MemStore) History(_ context.Context, id string) ([]analysis.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]analysis.Result, len(sess.results))
	copy(out, sess.results)
	return out, nil
}

// Delete implements [Store].
func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// Close implements [Store]. It drops all sessions; the janitor goroutine, if
// any, stops with the context passed to [MemStore.StartJanitor].
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*memSession)
	return nil
}

// generateID produces a random 16-byte hex string using crypto/rand.
func generateID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
