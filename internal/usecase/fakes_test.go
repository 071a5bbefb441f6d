package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/arklim/social-platform-verification/internal/core/domain"
	"github.com/arklim/social-platform-verification/internal/core/port"
	"github.com/arklim/social-platform-verification/internal/repository"
)

var testEpoch = time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testEpoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]domain.VerificationSession
	owners   map[string]string
	budget   time.Duration
	now      func() time.Time
	updates  int
	purged   []time.Time
	// extraDue is appended to ListDue results to mimic index entries that outlived their record.
	extraDue []string
}

func newFakeSessionStore(clock *testClock, budget time.Duration) *fakeSessionStore {
	return &fakeSessionStore{
		sessions: make(map[string]domain.VerificationSession),
		owners:   make(map[string]string),
		budget:   budget,
		now:      clock.Now,
	}
}

func (f *fakeSessionStore) Create(_ context.Context, session domain.VerificationSession, supersededID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if holder, ok := f.owners[session.OwnerUserID]; ok && holder != supersededID {
		return repository.ErrVersionConflict
	}
	if _, exists := f.sessions[session.ID]; exists {
		return repository.ErrVersionConflict
	}
	f.sessions[session.ID] = session.Clone()
	f.owners[session.OwnerUserID] = session.ID
	return nil
}

func (f *fakeSessionStore) Get(_ context.Context, sessionID string) (*domain.VerificationSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := session.Clone()
	return &clone, nil
}

func (f *fakeSessionStore) Update(_ context.Context, session domain.VerificationSession, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.sessions[session.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if current.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	f.sessions[session.ID] = session.Clone()
	f.updates++
	if session.State.IsTerminal() && f.owners[session.OwnerUserID] == session.ID {
		delete(f.owners, session.OwnerUserID)
	}
	return nil
}

func (f *fakeSessionStore) ActiveForOwner(ctx context.Context, ownerUserID string) (*domain.VerificationSession, error) {
	f.mu.Lock()
	id, ok := f.owners[ownerUserID]
	f.mu.Unlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return f.Get(ctx, id)
}

func (f *fakeSessionStore) ListDue(_ context.Context, before time.Time, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0)
	for id, session := range f.sessions {
		if session.State.IsTerminal() {
			continue
		}
		if !session.DeadlineAt(f.budget).After(before) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	ids = append(ids, f.extraDue...)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (f *fakeSessionStore) Delete(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, id := range f.extraDue {
		if id == sessionID {
			f.extraDue = append(f.extraDue[:i], f.extraDue[i+1:]...)
			break
		}
	}
	if _, ok := f.sessions[sessionID]; !ok {
		return repository.ErrNotFound
	}
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeSessionStore) PurgeTerminal(_ context.Context, olderThan time.Time, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, olderThan)
	count := 0
	for id, session := range f.sessions {
		if limit > 0 && count >= limit {
			break
		}
		if session.State.IsTerminal() && session.LastUpdatedAt.Before(olderThan) {
			delete(f.sessions, id)
			count++
		}
	}
	return count, nil
}

func (f *fakeSessionStore) put(session domain.VerificationSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[session.ID] = session.Clone()
	if !session.State.IsTerminal() {
		f.owners[session.OwnerUserID] = session.ID
	}
}

func (f *fakeSessionStore) snapshot(t *testing.T, sessionID string) domain.VerificationSession {
	t.Helper()
	session, err := f.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("load %s: %v", sessionID, err)
	}
	return *session
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (p *recordingPublisher) PublishSessionEvent(_ context.Context, event domain.SessionEvent) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]string, 0, len(p.events))
	for _, event := range p.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

func (p *recordingPublisher) has(kind string) bool {
	for _, k := range p.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

type evaluatorFunc func(ctx context.Context, sessionID string, artifacts map[domain.Step]string) (domain.EvaluationSignals, error)

func (f evaluatorFunc) Evaluate(ctx context.Context, sessionID string, artifacts map[domain.Step]string) (domain.EvaluationSignals, error) {
	return f(ctx, sessionID, artifacts)
}

func fixedEvaluator(signals domain.EvaluationSignals) port.ResultEvaluator {
	return evaluatorFunc(func(context.Context, string, map[domain.Step]string) (domain.EvaluationSignals, error) {
		return signals, nil
	})
}

func blockingEvaluator() port.ResultEvaluator {
	return evaluatorFunc(func(ctx context.Context, _ string, _ map[domain.Step]string) (domain.EvaluationSignals, error) {
		<-ctx.Done()
		return domain.EvaluationSignals{}, ctx.Err()
	})
}

var errScorerCrashed = errors.New("scorer crashed")

type engineFixture struct {
	clock     *testClock
	store     *fakeSessionStore
	publisher *recordingPublisher
	engine    *VerificationEngine
}

func newEngineFixture(t *testing.T, evaluator port.ResultEvaluator, cfg EngineConfig) *engineFixture {
	t.Helper()
	if cfg.Thresholds == (domain.Thresholds{}) {
		cfg.Thresholds = domain.Thresholds{Verified: 0.85, RejectFloor: 0.5}
	}
	if cfg.EvaluatorTimeout == 0 {
		cfg.EvaluatorTimeout = time.Second
	}
	clock := newTestClock()
	store := newFakeSessionStore(clock, cfg.EvaluatorTimeout+cfg.ProcessingGrace)
	publisher := &recordingPublisher{}
	engine := NewVerificationEngine(store, evaluator, publisher, cfg, zaptest.NewLogger(t)).WithClock(clock.Now)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Wait(ctx)
	})
	return &engineFixture{clock: clock, store: store, publisher: publisher, engine: engine}
}

func (f *engineFixture) seed(id string, docType domain.DocumentType) domain.VerificationSession {
	session := domain.NewVerificationSession(id, "owner-"+id, "hash-"+id, docType, f.clock.Now(), 10*time.Minute)
	f.store.put(session)
	return session
}

func (f *engineFixture) waitEvaluations(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.engine.Wait(ctx); err != nil {
		t.Fatalf("evaluations did not finish: %v", err)
	}
}

func (f *engineFixture) apply(t *testing.T, sessionID string, step domain.Step, ref string) *domain.VerificationSession {
	t.Helper()
	session, err := f.engine.Apply(context.Background(), sessionID, domain.StepEvent{Step: step, ArtifactRef: ref})
	if err != nil {
		t.Fatalf("Apply(%s) returned error: %v", step, err)
	}
	return session
}
