package service

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/vipul43/subtrack/internal/agent"
	"github.com/vipul43/subtrack/internal/models"
	"github.com/vipul43/subtrack/internal/parser"
	"github.com/vipul43/subtrack/internal/repository"
)

type mockConnectionLookup struct {
	getActiveForUserFunc func(ctx context.Context, userID, connectionID string) (*models.EmailConnection, error)

	mu          sync.Mutex
	touchedIDs  []string
	touchedTime time.Time
}

func (m *mockConnectionLookup) GetActiveForUser(ctx context.Context, userID, connectionID string) (*models.EmailConnection, error) {
	if m.getActiveForUserFunc != nil {
		return m.getActiveForUserFunc(ctx, userID, connectionID)
	}
	return &models.EmailConnection{ID: connectionID, UserID: userID, IsActive: true}, nil
}

func (m *mockConnectionLookup) TouchLastSync(ctx context.Context, connectionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchedIDs = append(m.touchedIDs, connectionID)
	m.touchedTime = at
	return nil
}

// fakeRunStore keeps runs in memory and enforces the terminal-once rule
type fakeRunStore struct {
	createFunc func(ctx context.Context, run models.ImportRun) error

	mu         sync.Mutex
	runs       map[string]*models.ImportRun
	progress   [][2]int
	heartbeats int
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: make(map[string]*models.ImportRun)}
}

func (s *fakeRunStore) Create(ctx context.Context, run models.ImportRun) error {
	if s.createFunc != nil {
		if err := s.createFunc(ctx, run); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.runs {
		if existing.ConnectionID == run.ConnectionID && existing.Status == models.ImportStatusInProgress {
			return repository.ErrImportInProgress
		}
	}
	run.HeartbeatAt = &run.StartedAt
	s.runs[run.ID] = &run
	return nil
}

func (s *fakeRunStore) Heartbeat(ctx context.Context, importID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[importID]
	if !ok || run.Status != models.ImportStatusInProgress {
		return repository.ErrImportNotFound
	}
	run.HeartbeatAt = &at
	s.heartbeats++
	return nil
}

// reapStale does what the repository's FailStale does to rows whose last
// heartbeat is before cutoff
func (s *fakeRunStore) reapStale(cutoff time.Time, message string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, run := range s.runs {
		if run.Status != models.ImportStatusInProgress || !run.HeartbeatAt.Before(cutoff) {
			continue
		}
		now := time.Now()
		run.Status = models.ImportStatusFailed
		run.CompletedAt = &now
		run.ErrorMessage = &message
		n++
	}
	return n
}

func (s *fakeRunStore) heartbeatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

func (s *fakeRunStore) UpdateProgress(ctx context.Context, importID string, processed, found int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[importID]
	if !ok || run.Status != models.ImportStatusInProgress {
		return repository.ErrImportNotFound
	}
	run.EmailsProcessed = max(run.EmailsProcessed, processed)
	run.SubscriptionsFound = max(run.SubscriptionsFound, found)
	s.progress = append(s.progress, [2]int{processed, found})
	return nil
}

func (s *fakeRunStore) Complete(ctx context.Context, importID string, processed, found int, at time.Time) error {
	return s.finish(importID, models.ImportStatusCompleted, processed, found, nil, at)
}

func (s *fakeRunStore) Fail(ctx context.Context, importID string, processed, found int, message string, at time.Time) error {
	return s.finish(importID, models.ImportStatusFailed, processed, found, &message, at)
}

func (s *fakeRunStore) finish(importID string, status models.ImportStatus, processed, found int, message *string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[importID]
	if !ok || run.Status != models.ImportStatusInProgress {
		return repository.ErrImportNotFound
	}
	run.Status = status
	run.EmailsProcessed = processed
	run.SubscriptionsFound = found
	run.ErrorMessage = message
	run.CompletedAt = &at
	return nil
}

func (s *fakeRunStore) get(id string) models.ImportRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.runs[id]
}

func (s *fakeRunStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

type staticTemplates []models.Template

func (t staticTemplates) ListOrdered(ctx context.Context) ([]models.Template, error) {
	return t, nil
}

// fakeSubscriptionStore applies the same duplicate rule as the repository
type fakeSubscriptionStore struct {
	createFunc func(ctx context.Context, sub *models.Subscription) error

	mu   sync.Mutex
	subs []models.Subscription
}

func (s *fakeSubscriptionStore) FindDuplicate(ctx context.Context, userID, company string, amount float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.UserID == userID && sub.Company == company && math.Abs(sub.Amount-amount) < repository.DuplicateTolerance {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeSubscriptionStore) Create(ctx context.Context, sub *models.Subscription) error {
	if s.createFunc != nil {
		if err := s.createFunc(ctx, sub); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, *sub)
	return nil
}

func (s *fakeSubscriptionStore) all() []models.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Subscription(nil), s.subs...)
}

type mockFetcher struct {
	searchFunc func(ctx context.Context, accessToken string, since time.Time, pageSize int) ([]string, error)
	onFetch    func(ids []string)
	messages   map[string]*parser.RawMessage
	block      chan struct{}
}

func (m *mockFetcher) SearchCandidates(ctx context.Context, accessToken string, since time.Time, pageSize int) ([]string, error) {
	if m.searchFunc != nil {
		return m.searchFunc(ctx, accessToken, since, pageSize)
	}
	return nil, nil
}

func (m *mockFetcher) FetchBatch(ctx context.Context, accessToken string, ids []string, batchSize int, delay time.Duration) []*parser.RawMessage {
	if m.onFetch != nil {
		m.onFetch(ids)
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
		}
	}
	out := make([]*parser.RawMessage, len(ids))
	for i, id := range ids {
		out[i] = m.messages[id]
	}
	return out
}

type mockTokenRefresher struct {
	ensureFreshTokenFunc func(ctx context.Context, conn *models.EmailConnection) (string, error)
}

func (m *mockTokenRefresher) EnsureFreshToken(ctx context.Context, conn *models.EmailConnection) (string, error) {
	if m.ensureFreshTokenFunc != nil {
		return m.ensureFreshTokenFunc(ctx, conn)
	}
	return "access-token", nil
}

type mockDetector struct {
	enabled    bool
	detectFunc func(ctx context.Context, userID string, email agent.EmailData) (*agent.Detection, error)
}

func (m *mockDetector) Enabled() bool { return m.enabled }

func (m *mockDetector) DetectSubscription(ctx context.Context, userID string, email agent.EmailData) (*agent.Detection, error) {
	if m.detectFunc != nil {
		return m.detectFunc(ctx, userID, email)
	}
	return nil, nil
}
