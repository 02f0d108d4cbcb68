package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vipul43/subtrack/internal/agent"
	"github.com/vipul43/subtrack/internal/lock"
	"github.com/vipul43/subtrack/internal/models"
	"github.com/vipul43/subtrack/internal/parser"
	"github.com/vipul43/subtrack/internal/repository"
)

func testTemplates() staticTemplates {
	amount := `([$€£¥]\s?\d[\d.,]*)`
	return staticTemplates{
		{ServiceName: "Netflix", Category: "entertainment", SenderPattern: `netflix\.com`, SubjectPattern: `receipt`, BodyPatterns: models.StringMap{models.FieldAmount: amount}},
		{ServiceName: "Spotify", Category: "music", SenderPattern: `spotify\.com`, SubjectPattern: `receipt`, BodyPatterns: models.StringMap{models.FieldAmount: amount}},
		{ServiceName: "Hulu", Category: "entertainment", SenderPattern: `hulu\.com`, SubjectPattern: `(receipt|payment)`, BodyPatterns: models.StringMap{
			models.FieldAmount:       amount,
			models.FieldBillingCycle: `(yearly|monthly)`,
		}},
	}
}

func textMessage(id, from, subject, body string) *parser.RawMessage {
	return &parser.RawMessage{
		ID:      id,
		Headers: map[string]string{"From": from, "Subject": subject},
		Payload: &parser.MessagePart{
			MimeType: "text/plain",
			Data:     base64.URLEncoding.EncodeToString([]byte(body)),
		},
	}
}

type orchestratorFixture struct {
	connections *mockConnectionLookup
	runs        *fakeRunStore
	subs        *fakeSubscriptionStore
	fetcher     *mockFetcher
	tokens      *mockTokenRefresher
	detector    *mockDetector
	locker      lock.Locker
	opts        ImportOptions
}

func newFixture() *orchestratorFixture {
	return &orchestratorFixture{
		connections: &mockConnectionLookup{},
		runs:        newFakeRunStore(),
		subs:        &fakeSubscriptionStore{},
		fetcher:     &mockFetcher{messages: map[string]*parser.RawMessage{}},
		tokens:      &mockTokenRefresher{},
		detector:    &mockDetector{},
		locker:      lock.NewLocalLocker(),
		opts:        ImportOptions{BatchSize: 5, ProgressEvery: 10},
	}
}

func (f *orchestratorFixture) build() *ImportOrchestrator {
	return NewImportOrchestrator(ImportDependencies{
		Connections:   f.connections,
		Runs:          f.runs,
		Templates:     testTemplates(),
		Subscriptions: f.subs,
		Fetcher:       f.fetcher,
		Tokens:        f.tokens,
		Detector:      f.detector,
		Locker:        f.locker,
	}, f.opts, zap.NewNop())
}

func (f *orchestratorFixture) setMessages(msgs ...*parser.RawMessage) {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
		f.fetcher.messages[m.ID] = m
	}
	f.fetcher.searchFunc = func(ctx context.Context, accessToken string, since time.Time, pageSize int) ([]string, error) {
		return ids, nil
	}
}

func waitRun(t *testing.T, o *ImportOrchestrator, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Wait(ctx, id); err != nil {
		t.Fatalf("run %s did not finish: %v", id, err)
	}
}

func TestImportOrchestrator_EndToEnd(t *testing.T) {
	f := newFixture()
	f.subs.subs = []models.Subscription{{ID: "existing", UserID: "user-1", Company: "Spotify", Amount: 9.99}}

	msgs := make([]*parser.RawMessage, 0, 25)
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("m%02d", i)
		switch i {
		case 3:
			msgs = append(msgs, textMessage(id, "Netflix <info@netflix.com>", "Your receipt", "Charged $15.99"))
		case 7:
			msgs = append(msgs, textMessage(id, "no-reply@spotify.com", "Spotify receipt", "Total $9.995"))
		case 12:
			msgs = append(msgs, textMessage(id, "billing@hulu.com", "Payment confirmation", "€7,99 billed yearly"))
		default:
			msgs = append(msgs, textMessage(id, "news@shop.example", "Weekly deals", "Nothing to see"))
		}
	}
	f.setMessages(msgs...)

	o := f.build()
	run, err := o.Start(context.Background(), "user-1", "conn-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if run.Status != models.ImportStatusInProgress {
		t.Errorf("expected in_progress, got %s", run.Status)
	}

	waitRun(t, o, run.ID)

	final := f.runs.get(run.ID)
	if final.Status != models.ImportStatusCompleted {
		t.Fatalf("expected completed, got %s (%v)", final.Status, final.ErrorMessage)
	}
	if final.EmailsProcessed != 25 || final.SubscriptionsFound != 2 {
		t.Errorf("expected 25/2, got %d/%d", final.EmailsProcessed, final.SubscriptionsFound)
	}
	if final.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}

	if len(f.runs.progress) != 2 || f.runs.progress[0][0] != 10 || f.runs.progress[1][0] != 20 {
		t.Errorf("expected progress flushes at 10 and 20, got %v", f.runs.progress)
	}

	created := f.subs.all()[1:]
	if len(created) != 2 {
		t.Fatalf("expected 2 new subscriptions, got %d", len(created))
	}
	if created[0].Company != "Netflix" || created[0].Amount != 15.99 || created[0].Currency != "USD" {
		t.Errorf("unexpected netflix row: %+v", created[0])
	}
	hulu := created[1]
	if hulu.Company != "Hulu" || hulu.Amount != 7.99 || hulu.Currency != "EUR" || hulu.BillingCycle != models.CycleYearly {
		t.Errorf("unexpected hulu row: %+v", hulu)
	}
	for _, sub := range created {
		if sub.Source != models.SourceEmail || sub.ImportID == nil || *sub.ImportID != run.ID || sub.SourceID == nil {
			t.Errorf("imported row missing provenance: %+v", sub)
		}
		if !sub.IsActive {
			t.Errorf("imported row should be active")
		}
	}

	if len(f.connections.touchedIDs) != 1 || f.connections.touchedIDs[0] != "conn-1" {
		t.Errorf("expected last_sync_at update, got %v", f.connections.touchedIDs)
	}
}

func TestImportOrchestrator_ReimportIsIdempotent(t *testing.T) {
	f := newFixture()
	f.setMessages(
		textMessage("a", "info@netflix.com", "receipt", "$15.99"),
		textMessage("b", "info@netflix.com", "receipt", "$15.99"),
	)
	o := f.build()

	for i := 0; i < 2; i++ {
		run, err := o.Start(context.Background(), "user-1", "conn-1")
		if err != nil {
			t.Fatalf("Start %d failed: %v", i, err)
		}
		waitRun(t, o, run.ID)

		final := f.runs.get(run.ID)
		wantFound := 1
		if i == 1 {
			wantFound = 0
		}
		if final.EmailsProcessed != 2 || final.SubscriptionsFound != wantFound {
			t.Errorf("run %d: expected 2/%d, got %d/%d", i, wantFound, final.EmailsProcessed, final.SubscriptionsFound)
		}
	}

	if n := len(f.subs.all()); n != 1 {
		t.Errorf("expected a single stored subscription, got %d", n)
	}
}

func TestImportOrchestrator_ConnectionNotFound(t *testing.T) {
	f := newFixture()
	f.connections.getActiveForUserFunc = func(ctx context.Context, userID, connectionID string) (*models.EmailConnection, error) {
		return nil, repository.ErrConnectionNotFound
	}
	o := f.build()

	_, err := o.Start(context.Background(), "user-1", "missing")
	if !errors.Is(err, repository.ErrConnectionNotFound) {
		t.Fatalf("expected ErrConnectionNotFound, got %v", err)
	}
	if f.runs.count() != 0 {
		t.Errorf("expected no import row, found %d", f.runs.count())
	}

	// the lock must not be left behind
	if _, err := f.locker.TryLock(context.Background(), "import:missing", time.Minute); err != nil {
		t.Errorf("lock should be free: %v", err)
	}
}

func TestImportOrchestrator_InvalidRequest(t *testing.T) {
	o := newFixture().build()

	tests := []struct {
		name         string
		userID       string
		connectionID string
	}{
		{"missing connection", "user-1", ""},
		{"blank connection", "user-1", "   "},
		{"missing user", "", "conn-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := o.Start(context.Background(), tt.userID, tt.connectionID); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestImportOrchestrator_RejectsConcurrentRun(t *testing.T) {
	f := newFixture()
	f.setMessages(textMessage("a", "info@netflix.com", "receipt", "$15.99"))
	f.fetcher.block = make(chan struct{})
	o := f.build()

	first, err := o.Start(context.Background(), "user-1", "conn-1")
	if err != nil {
		t.Fatalf("first Start failed: %v", err)
	}

	if _, err := o.Start(context.Background(), "user-1", "conn-1"); !errors.Is(err, repository.ErrImportInProgress) {
		t.Errorf("expected ErrImportInProgress, got %v", err)
	}
	if f.runs.count() != 1 {
		t.Errorf("expected one run row, got %d", f.runs.count())
	}

	// a different connection is unaffected
	other, err := o.Start(context.Background(), "user-1", "conn-2")
	if err != nil {
		t.Fatalf("Start on another connection failed: %v", err)
	}

	close(f.fetcher.block)
	waitRun(t, o, first.ID)
	waitRun(t, o, other.ID)

	if _, err := o.Start(context.Background(), "user-1", "conn-1"); err != nil {
		t.Errorf("Start after completion failed: %v", err)
	}
}

func TestImportOrchestrator_UniqueIndexConflictReleasesLock(t *testing.T) {
	f := newFixture()
	calls := 0
	f.runs.createFunc = func(ctx context.Context, run models.ImportRun) error {
		calls++
		if calls == 1 {
			return repository.ErrImportInProgress
		}
		return nil
	}
	o := f.build()

	if _, err := o.Start(context.Background(), "user-1", "conn-1"); !errors.Is(err, repository.ErrImportInProgress) {
		t.Fatalf("expected ErrImportInProgress, got %v", err)
	}

	run, err := o.Start(context.Background(), "user-1", "conn-1")
	if err != nil {
		t.Fatalf("retry should acquire the released lock: %v", err)
	}
	waitRun(t, o, run.ID)
}

func TestImportOrchestrator_RunLevelFailure(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(f *orchestratorFixture)
		wantMessage string
	}{
		{
			name: "search fails",
			setup: func(f *orchestratorFixture) {
				f.fetcher.searchFunc = func(ctx context.Context, accessToken string, since time.Time, pageSize int) ([]string, error) {
					return nil, errors.New("quota exceeded")
				}
			},
			wantMessage: "quota exceeded",
		},
		{
			name: "token refresh fails",
			setup: func(f *orchestratorFixture) {
				f.tokens.ensureFreshTokenFunc = func(ctx context.Context, conn *models.EmailConnection) (string, error) {
					return "", errors.New("invalid_grant")
				}
			},
			wantMessage: "invalid_grant",
		},
		{
			name: "panic outside the message loop",
			setup: func(f *orchestratorFixture) {
				f.fetcher.searchFunc = func(ctx context.Context, accessToken string, since time.Time, pageSize int) ([]string, error) {
					panic("provider exploded")
				}
			},
			wantMessage: "provider exploded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.setup(f)
			o := f.build()

			run, err := o.Start(context.Background(), "user-1", "conn-1")
			if err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			waitRun(t, o, run.ID)

			final := f.runs.get(run.ID)
			if final.Status != models.ImportStatusFailed {
				t.Fatalf("expected failed, got %s", final.Status)
			}
			if final.ErrorMessage == nil || !strings.Contains(*final.ErrorMessage, tt.wantMessage) {
				t.Errorf("expected error message containing %q, got %v", tt.wantMessage, final.ErrorMessage)
			}
			if final.CompletedAt == nil {
				t.Error("expected completed_at on failure")
			}
			if len(f.connections.touchedIDs) != 0 {
				t.Error("failed run must not update last_sync_at")
			}
		})
	}
}

func TestImportOrchestrator_PerMessageErrorsAreCounted(t *testing.T) {
	f := newFixture()
	f.setMessages(
		textMessage("ok", "info@netflix.com", "receipt", "$15.99"),
		textMessage("boom", "x@hulu.com", "receipt", "$7.99"),
		&parser.RawMessage{ID: "undecodable", Payload: &parser.MessagePart{Data: "***"}},
		textMessage("spotify", "a@spotify.com", "receipt", "$9.99"),
	)
	// "missing" was listed but could not be fetched
	search := f.fetcher.searchFunc
	f.fetcher.searchFunc = func(ctx context.Context, accessToken string, since time.Time, pageSize int) ([]string, error) {
		ids, _ := search(ctx, accessToken, since, pageSize)
		return append(ids, "missing"), nil
	}
	f.subs.createFunc = func(ctx context.Context, sub *models.Subscription) error {
		if sub.Company == "Hulu" {
			panic("driver bug")
		}
		if sub.Company == "Spotify" {
			return errors.New("connection reset")
		}
		return nil
	}
	o := f.build()

	run, err := o.Start(context.Background(), "user-1", "conn-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitRun(t, o, run.ID)

	final := f.runs.get(run.ID)
	if final.Status != models.ImportStatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if final.EmailsProcessed != 5 || final.SubscriptionsFound != 1 {
		t.Errorf("expected 5/1, got %d/%d", final.EmailsProcessed, final.SubscriptionsFound)
	}
}

func TestImportOrchestrator_AgentFallback(t *testing.T) {
	amount := 12.5
	newDetector := func() *mockDetector {
		return &mockDetector{
			enabled: true,
			detectFunc: func(ctx context.Context, userID string, email agent.EmailData) (*agent.Detection, error) {
				if !strings.Contains(email.Body, "Plan renews") {
					return nil, nil
				}
				return &agent.Detection{IsSubscription: true, Company: "Notion", Amount: &amount, Currency: "usd", BillingCycle: "Monthly"}, nil
			},
		}
	}

	tests := []struct {
		name      string
		enabled   bool
		wantFound int
	}{
		{"disabled by option", false, 0},
		{"enabled", true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.detector = newDetector()
			f.opts.AgentDetection = tt.enabled
			f.setMessages(
				textMessage("n1", "team@makenotion.com", "Your invoice", "Plan renews monthly, $12.50"),
				textMessage("n2", "team@makenotion.com", "Product update", "New features"),
			)
			o := f.build()

			run, err := o.Start(context.Background(), "user-1", "conn-1")
			if err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			waitRun(t, o, run.ID)

			final := f.runs.get(run.ID)
			if final.EmailsProcessed != 2 || final.SubscriptionsFound != tt.wantFound {
				t.Errorf("expected 2/%d, got %d/%d", tt.wantFound, final.EmailsProcessed, final.SubscriptionsFound)
			}
			if tt.wantFound == 1 {
				sub := f.subs.all()[0]
				if sub.Company != "Notion" || sub.Currency != "USD" || sub.BillingCycle != models.CycleMonthly || sub.Category != "other" {
					t.Errorf("unexpected agent row: %+v", sub)
				}
			}
		})
	}
}

func TestImportOrchestrator_Shutdown(t *testing.T) {
	f := newFixture()
	f.setMessages(textMessage("a", "info@netflix.com", "receipt", "$15.99"))
	f.fetcher.block = make(chan struct{})
	o := f.build()

	run, err := o.Start(context.Background(), "user-1", "conn-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := o.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	final := f.runs.get(run.ID)
	if final.Status != models.ImportStatusFailed {
		t.Fatalf("expected interrupted run to fail, got %s", final.Status)
	}
	if final.ErrorMessage == nil || *final.ErrorMessage != ErrImportInterrupted.Error() {
		t.Errorf("unexpected error message %v", final.ErrorMessage)
	}

	if _, err := o.Start(context.Background(), "user-1", "conn-9"); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
}

func TestImportOrchestrator_ProcessesEachBatchAsFetched(t *testing.T) {
	f := newFixture()
	f.opts.BatchSize = 2
	f.opts.ProgressEvery = 2
	msgs := make([]*parser.RawMessage, 0, 6)
	for i := 0; i < 6; i++ {
		msgs = append(msgs, textMessage(fmt.Sprintf("m%d", i), "news@shop.example", "Weekly deals", "Nothing"))
	}
	f.setMessages(msgs...)

	var flushedBeforeFetch, batchSizes []int
	f.fetcher.onFetch = func(ids []string) {
		f.runs.mu.Lock()
		flushedBeforeFetch = append(flushedBeforeFetch, len(f.runs.progress))
		f.runs.mu.Unlock()
		batchSizes = append(batchSizes, len(ids))
	}
	o := f.build()

	run, err := o.Start(context.Background(), "user-1", "conn-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitRun(t, o, run.ID)

	if fmt.Sprint(batchSizes) != "[2 2 2]" {
		t.Errorf("expected three fetches of 2, got %v", batchSizes)
	}
	if fmt.Sprint(flushedBeforeFetch) != "[0 1 2]" {
		t.Errorf("expected progress to be flushed between fetches, got %v", flushedBeforeFetch)
	}
	if final := f.runs.get(run.ID); final.EmailsProcessed != 6 {
		t.Errorf("expected 6 processed, got %d", final.EmailsProcessed)
	}
}

func TestImportOrchestrator_HeartbeatKeepsLongRunAlive(t *testing.T) {
	f := newFixture()
	f.opts.LockTTL = 60 * time.Millisecond
	f.opts.HeartbeatInterval = 10 * time.Millisecond
	f.setMessages(textMessage("a", "info@netflix.com", "receipt", "$15.99"))
	f.fetcher.block = make(chan struct{})
	o := f.build()

	first, err := o.Start(context.Background(), "user-1", "conn-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// outlive the lock TTL several times over
	time.Sleep(200 * time.Millisecond)

	if _, err := o.Start(context.Background(), "user-1", "conn-1"); !errors.Is(err, repository.ErrImportInProgress) {
		t.Errorf("expected ErrImportInProgress while the first run is alive, got %v", err)
	}
	if f.runs.heartbeatCount() == 0 {
		t.Error("expected heartbeats to be recorded")
	}

	// the run started long before this cutoff but has a recent heartbeat
	if n := f.runs.reapStale(time.Now().Add(-150*time.Millisecond), ErrImportInterrupted.Error()); n != 0 {
		t.Errorf("live run must not be reaped, reaped %d", n)
	}

	close(f.fetcher.block)
	waitRun(t, o, first.ID)

	final := f.runs.get(first.ID)
	if final.Status != models.ImportStatusCompleted || final.EmailsProcessed != 1 || final.SubscriptionsFound != 1 {
		t.Errorf("expected completed 1/1, got %s %d/%d", final.Status, final.EmailsProcessed, final.SubscriptionsFound)
	}
}

func TestImportOrchestrator_StopsWhenRowFinishedElsewhere(t *testing.T) {
	f := newFixture()
	f.opts.HeartbeatInterval = 10 * time.Millisecond
	f.setMessages(textMessage("a", "info@netflix.com", "receipt", "$15.99"))
	f.fetcher.block = make(chan struct{})
	defer close(f.fetcher.block)
	o := f.build()

	run, err := o.Start(context.Background(), "user-1", "conn-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// another process reaps the row out from under the task
	if n := f.runs.reapStale(time.Now().Add(time.Hour), ErrImportInterrupted.Error()); n != 1 {
		t.Fatalf("expected to reap 1 run, reaped %d", n)
	}

	waitRun(t, o, run.ID)

	if n := len(f.subs.all()); n != 0 {
		t.Errorf("a reaped run must stop writing, got %d subscriptions", n)
	}
	final := f.runs.get(run.ID)
	if final.Status != models.ImportStatusFailed || *final.ErrorMessage != ErrImportInterrupted.Error() {
		t.Errorf("reaped row must stay as the reaper left it, got %s %v", final.Status, final.ErrorMessage)
	}

	if _, err := o.Start(context.Background(), "user-1", "conn-1"); err != nil {
		t.Errorf("Start after the stopped run failed: %v", err)
	}
}

type lostLease struct{}

func (lostLease) Extend(context.Context, time.Duration) error { return lock.ErrLost }
func (lostLease) Release(context.Context) error               { return nil }

type losingLocker struct{}

func (losingLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (lock.Lease, error) {
	return lostLease{}, nil
}

func TestImportOrchestrator_StopsWhenLockLost(t *testing.T) {
	f := newFixture()
	f.locker = losingLocker{}
	f.opts.HeartbeatInterval = 10 * time.Millisecond
	f.setMessages(textMessage("a", "info@netflix.com", "receipt", "$15.99"))
	f.fetcher.block = make(chan struct{})
	defer close(f.fetcher.block)
	o := f.build()

	run, err := o.Start(context.Background(), "user-1", "conn-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitRun(t, o, run.ID)

	final := f.runs.get(run.ID)
	if final.Status != models.ImportStatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.ErrorMessage == nil || *final.ErrorMessage != ErrImportLockLost.Error() {
		t.Errorf("expected %q, got %v", ErrImportLockLost, final.ErrorMessage)
	}
	if n := len(f.subs.all()); n != 0 {
		t.Errorf("expected no subscriptions after losing the lock, got %d", n)
	}
}
