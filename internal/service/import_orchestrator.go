package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vipul43/subtrack/internal/agent"
	"github.com/vipul43/subtrack/internal/lock"
	"github.com/vipul43/subtrack/internal/metrics"
	"github.com/vipul43/subtrack/internal/models"
	"github.com/vipul43/subtrack/internal/parser"
	"github.com/vipul43/subtrack/internal/repository"
)

var (
	// ErrImportInterrupted is recorded on runs stopped by shutdown or found
	// stuck after a restart
	ErrImportInterrupted = errors.New("import interrupted")
	// ErrImportLockLost stops a run whose connection lock was taken over
	ErrImportLockLost = errors.New("import lock lost")
	// ErrImportAbandoned stops a run whose row was finished by someone else
	ErrImportAbandoned = errors.New("import run is no longer in progress")
)

type ConnectionLookup interface {
	GetActiveForUser(ctx context.Context, userID, connectionID string) (*models.EmailConnection, error)
	TouchLastSync(ctx context.Context, connectionID string, at time.Time) error
}

type ImportRunStore interface {
	Create(ctx context.Context, run models.ImportRun) error
	UpdateProgress(ctx context.Context, importID string, processed, found int) error
	Heartbeat(ctx context.Context, importID string, at time.Time) error
	Complete(ctx context.Context, importID string, processed, found int, at time.Time) error
	Fail(ctx context.Context, importID string, processed, found int, message string, at time.Time) error
}

type TemplateSource interface {
	ListOrdered(ctx context.Context) ([]models.Template, error)
}

type SubscriptionWriter interface {
	FindDuplicate(ctx context.Context, userID, company string, amount float64) (bool, error)
	Create(ctx context.Context, sub *models.Subscription) error
}

// TokenRefresher returns a usable access token for conn, refreshing and
// persisting it when it is about to expire
type TokenRefresher interface {
	EnsureFreshToken(ctx context.Context, conn *models.EmailConnection) (string, error)
}

type Detector interface {
	Enabled() bool
	DetectSubscription(ctx context.Context, userID string, email agent.EmailData) (*agent.Detection, error)
}

type ImportOptions struct {
	BatchSize         int
	BatchDelay        time.Duration
	PageSize          int
	ProgressEvery     int
	LookbackMonths    int
	LockTTL           time.Duration
	AgentDetection    bool
	// HeartbeatInterval is how often a live run extends its lock and
	// touches heartbeat_at. Defaults to a third of LockTTL.
	HeartbeatInterval time.Duration
}

type ImportDependencies struct {
	Connections   ConnectionLookup
	Runs          ImportRunStore
	Templates     TemplateSource
	Subscriptions SubscriptionWriter
	Fetcher       MailFetcher
	Tokens        TokenRefresher
	Detector      Detector // optional
	Locker        lock.Locker
}

// ImportOrchestrator starts import runs and owns their background tasks.
// The ImportRun row is the source of truth for a run's state; the task
// handles here only let the process wait for runs it started.
type ImportOrchestrator struct {
	deps   ImportDependencies
	opts   ImportOptions
	logger *zap.Logger
	now    func() time.Time
	newID  func() string

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]chan struct{}
	wg     sync.WaitGroup
	closed bool
}

func NewImportOrchestrator(deps ImportDependencies, opts ImportOptions, logger *zap.Logger) *ImportOrchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 10
	}
	if opts.LookbackMonths <= 0 {
		opts.LookbackMonths = 3
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Hour
	}
	if opts.HeartbeatInterval <= 0 || opts.HeartbeatInterval >= opts.LockTTL {
		opts.HeartbeatInterval = opts.LockTTL / 3
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLocker()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ImportOrchestrator{
		deps:    deps,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
		baseCtx: ctx,
		cancel:  cancel,
		tasks:   make(map[string]chan struct{}),
	}
}

// Start validates the request, creates the run row and launches the
// import in the background. An unknown, inactive or foreign connection
// fails with repository.ErrConnectionNotFound before any row is written.
func (o *ImportOrchestrator) Start(ctx context.Context, userID, connectionID string) (*models.ImportRun, error) {
	userID = strings.TrimSpace(userID)
	connectionID = strings.TrimSpace(connectionID)
	if userID == "" || connectionID == "" {
		return nil, fmt.Errorf("%w: connection id is required", ErrInvalidRequest)
	}

	conn, err := o.deps.Connections.GetActiveForUser(ctx, userID, connectionID)
	if err != nil {
		return nil, err
	}

	// Reserve the task slot under the same lock Shutdown takes
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrShuttingDown
	}
	o.wg.Add(1)
	o.mu.Unlock()

	launched := false
	defer func() {
		if !launched {
			o.wg.Done()
		}
	}()

	lease, err := o.deps.Locker.TryLock(ctx, "import:"+conn.ID, o.opts.LockTTL)
	if errors.Is(err, lock.ErrHeld) {
		return nil, repository.ErrImportInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire import lock: %w", err)
	}

	run := models.ImportRun{
		ID:           o.newID(),
		UserID:       userID,
		ConnectionID: conn.ID,
		Status:       models.ImportStatusInProgress,
		StartedAt:    o.now().UTC(),
	}
	if err := o.deps.Runs.Create(ctx, run); err != nil {
		o.releaseLock(lease, conn.ID)
		return nil, err
	}

	done := make(chan struct{})
	o.mu.Lock()
	o.tasks[run.ID] = done
	o.mu.Unlock()

	launched = true
	go o.runTask(run, conn, lease, done)

	o.logger.Info("import started",
		zap.String("import_id", run.ID),
		zap.String("user_id", userID),
		zap.String("connection_id", conn.ID),
	)

	return &run, nil
}

// Wait blocks until the task for runID finishes. Runs not started by this
// process return immediately.
func (o *ImportOrchestrator) Wait(ctx context.Context, runID string) error {
	o.mu.Lock()
	done, ok := o.tasks[runID]
	o.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting runs and waits for running ones. When ctx
// expires first, the remaining runs are cancelled and recorded as failed.
func (o *ImportOrchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	allDone := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.logger.Warn("shutdown timeout reached, interrupting running imports")
		o.cancel()
		<-allDone
		return ctx.Err()
	}
}

type importProgress struct {
	processed int
	found     int
}

func (o *ImportOrchestrator) runTask(run models.ImportRun, conn *models.EmailConnection, lease lock.Lease, done chan struct{}) {
	ctx, cancel := context.WithCancelCause(o.baseCtx)
	defer cancel(nil)
	started := o.now()
	progress := &importProgress{}

	defer func() {
		o.releaseLock(lease, conn.ID)
		o.mu.Lock()
		delete(o.tasks, run.ID)
		o.mu.Unlock()
		close(done)
		o.wg.Done()
	}()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		o.heartbeat(hbCtx, run.ID, lease, cancel)
	}()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("import panicked", zap.String("import_id", run.ID), zap.Any("panic", r), zap.Stack("stack"))
				err = fmt.Errorf("internal error: %v", r)
			}
		}()
		return o.execute(ctx, run, conn, progress)
	}()

	stopHeartbeat()
	<-hbDone

	// Terminal writes must land even when the task was cancelled
	finishCtx := context.WithoutCancel(ctx)
	at := o.now().UTC()

	if err != nil {
		message := err.Error()
		if errors.Is(err, context.Canceled) {
			message = ErrImportInterrupted.Error()
			if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
				message = cause.Error()
			}
		}
		if ferr := o.deps.Runs.Fail(finishCtx, run.ID, progress.processed, progress.found, message, at); ferr != nil {
			o.logger.Error("failed to mark import failed", zap.String("import_id", run.ID), zap.Error(ferr))
		}
		metrics.RecordImportRun(string(models.ImportStatusFailed), time.Since(started))
		o.logger.Error("import failed",
			zap.String("import_id", run.ID),
			zap.Int("emails_processed", progress.processed),
			zap.Int("subscriptions_found", progress.found),
			zap.Error(err),
		)
		return
	}

	if cerr := o.deps.Runs.Complete(finishCtx, run.ID, progress.processed, progress.found, at); cerr != nil {
		o.logger.Error("failed to mark import completed", zap.String("import_id", run.ID), zap.Error(cerr))
	}
	if terr := o.deps.Connections.TouchLastSync(finishCtx, conn.ID, at); terr != nil {
		o.logger.Warn("failed to update last sync time", zap.String("connection_id", conn.ID), zap.Error(terr))
	}
	metrics.RecordImportRun(string(models.ImportStatusCompleted), time.Since(started))
	o.logger.Info("import completed",
		zap.String("import_id", run.ID),
		zap.Int("emails_processed", progress.processed),
		zap.Int("subscriptions_found", progress.found),
		zap.Duration("duration", time.Since(started)),
	)
}

func (o *ImportOrchestrator) execute(ctx context.Context, run models.ImportRun, conn *models.EmailConnection, progress *importProgress) error {
	accessToken, err := o.deps.Tokens.EnsureFreshToken(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to refresh access token: %w", err)
	}

	templates, err := o.deps.Templates.ListOrdered(ctx)
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}
	matcher, err := parser.NewMatcher(templates)
	if err != nil {
		return fmt.Errorf("failed to compile templates: %w", err)
	}

	since := o.now().AddDate(0, -o.opts.LookbackMonths, 0)
	ids, err := o.deps.Fetcher.SearchCandidates(ctx, accessToken, since, o.opts.PageSize)
	if err != nil {
		return fmt.Errorf("failed to search mailbox: %w", err)
	}

	o.logger.Info("import candidates found",
		zap.String("import_id", run.ID),
		zap.Int("candidates", len(ids)),
		zap.Int("templates", matcher.Len()),
	)

	// Each batch is processed as soon as it arrives so progress moves
	// while the rest of the mailbox is still being fetched
	for start := 0; start < len(ids); start += o.opts.BatchSize {
		if start > 0 && o.opts.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", ErrImportInterrupted, ctx.Err())
			case <-time.After(o.opts.BatchDelay):
			}
		}

		batch := ids[start:min(start+o.opts.BatchSize, len(ids))]
		messages := o.deps.Fetcher.FetchBatch(ctx, accessToken, batch, len(batch), 0)

		for i, id := range batch {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("%w: %w", ErrImportInterrupted, err)
			}

			var msg *parser.RawMessage
			if i < len(messages) {
				msg = messages[i]
			}

			outcome := o.processMessage(ctx, run, matcher, id, msg)
			metrics.IncrementImportEmail(outcome)

			progress.processed++
			if outcome == metrics.OutcomeMatched {
				progress.found++
			}

			if progress.processed%o.opts.ProgressEvery == 0 {
				o.flushProgress(ctx, run.ID, progress)
			}
		}
	}

	return nil
}

func (o *ImportOrchestrator) flushProgress(ctx context.Context, importID string, progress *importProgress) {
	if err := o.deps.Runs.UpdateProgress(ctx, importID, progress.processed, progress.found); err != nil {
		o.logger.Warn("failed to flush import progress", zap.String("import_id", importID), zap.Error(err))
		return
	}
	o.logger.Debug("import progress",
		zap.String("import_id", importID),
		zap.Int("emails_processed", progress.processed),
		zap.Int("subscriptions_found", progress.found),
	)
}

// heartbeat keeps a live run's lock and row fresh until ctx is done. It
// stops the run when either has been taken over, since another run may
// now own the connection.
func (o *ImportOrchestrator) heartbeat(ctx context.Context, importID string, lease lock.Lease, stop context.CancelCauseFunc) {
	ticker := time.NewTicker(o.opts.HeartbeatInterval)
	defer ticker.Stop()

	log := o.logger.With(zap.String("import_id", importID))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := lease.Extend(ctx, o.opts.LockTTL); err != nil {
			if errors.Is(err, lock.ErrLost) {
				log.Error("import lock lost, stopping run")
				stop(ErrImportLockLost)
				return
			}
			if ctx.Err() != nil {
				return
			}
			log.Warn("failed to extend import lock", zap.Error(err))
		}

		if err := o.deps.Runs.Heartbeat(ctx, importID, o.now().UTC()); err != nil {
			if errors.Is(err, repository.ErrImportNotFound) {
				log.Error("import run finished elsewhere, stopping run")
				stop(ErrImportAbandoned)
				return
			}
			if ctx.Err() != nil {
				return
			}
			log.Warn("failed to record import heartbeat", zap.Error(err))
		}
	}
}

// processMessage handles one candidate and reports its outcome. It never
// fails the run: errors and panics are logged and counted.
func (o *ImportOrchestrator) processMessage(ctx context.Context, run models.ImportRun, matcher *parser.Matcher, id string, msg *parser.RawMessage) (outcome string) {
	log := o.logger.With(zap.String("import_id", run.ID), zap.String("message_id", id))

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing message", zap.Any("panic", r))
			outcome = metrics.OutcomeError
		}
	}()

	if msg == nil {
		return metrics.OutcomeFetchFailed
	}

	headers, body, err := parser.Decode(msg)
	if err != nil {
		log.Warn("failed to decode message", zap.Error(err))
		return metrics.OutcomeError
	}

	now := o.now()
	var draft models.SubscriptionDraft

	if res := matcher.Match(headers, body); res.Matched {
		draft = parser.BuildDraft(res, headers, msg.ID, now)
	} else {
		d, ok := o.detect(ctx, run.UserID, msg, headers, body, now)
		if !ok {
			return metrics.OutcomeNoMatch
		}
		draft = d
	}

	duplicate, err := o.deps.Subscriptions.FindDuplicate(ctx, run.UserID, draft.Company, draft.Amount)
	if err != nil {
		log.Warn("duplicate check failed", zap.Error(err))
		return metrics.OutcomeError
	}
	if duplicate {
		log.Debug("skipping duplicate subscription", zap.Stringer("draft", draft))
		return metrics.OutcomeDuplicate
	}

	sub := subscriptionFromDraft(draft, run.UserID, run.ID, o.newID())
	if err := o.deps.Subscriptions.Create(ctx, sub); err != nil {
		log.Warn("failed to save subscription", zap.Error(err))
		return metrics.OutcomeError
	}

	log.Info("subscription imported", zap.Stringer("draft", draft), zap.String("template", draft.Template))
	return metrics.OutcomeMatched
}

// detect asks the agent about a message no template matched. Any agent
// failure is a no-match.
func (o *ImportOrchestrator) detect(ctx context.Context, userID string, msg *parser.RawMessage, h parser.Headers, body string, now time.Time) (models.SubscriptionDraft, bool) {
	if !o.opts.AgentDetection || o.deps.Detector == nil || !o.deps.Detector.Enabled() {
		return models.SubscriptionDraft{}, false
	}

	text := body
	if strings.TrimSpace(text) == "" {
		converted, err := parser.HTMLToText(parser.HTMLBody(msg))
		if err == nil {
			text = converted
		}
	}
	if strings.TrimSpace(text) == "" {
		return models.SubscriptionDraft{}, false
	}

	d, err := o.deps.Detector.DetectSubscription(ctx, userID, agent.EmailData{
		From:    h.From,
		Subject: h.Subject,
		Body:    text,
	})
	if err != nil {
		o.logger.Warn("agent detection failed", zap.String("message_id", msg.ID), zap.Error(err))
		return models.SubscriptionDraft{}, false
	}
	if d == nil {
		return models.SubscriptionDraft{}, false
	}

	return draftFromDetection(d, h, msg.ID, now), true
}

func draftFromDetection(d *agent.Detection, h parser.Headers, messageID string, now time.Time) models.SubscriptionDraft {
	cycle := models.BillingCycle(strings.ToLower(strings.TrimSpace(d.BillingCycle)))
	if !cycle.Valid() {
		cycle = parser.ParseBillingCycle(d.BillingCycle)
	}

	currency := strings.ToUpper(strings.TrimSpace(d.Currency))
	if len(currency) != 3 {
		currency = "USD"
	}

	category := strings.TrimSpace(d.Category)
	if category == "" {
		category = "other"
	}

	return models.SubscriptionDraft{
		Company:         strings.TrimSpace(d.Company),
		Category:        category,
		Amount:          *d.Amount,
		Currency:        currency,
		BillingCycle:    cycle,
		NextBillingDate: parser.ParseNextBillingDate(d.NextBillingDate, now),
		Notes:           "Detected from email: " + h.Subject,
		Source:          models.SourceEmail,
		SourceID:        messageID,
		Template:        "agent",
	}
}

func subscriptionFromDraft(d models.SubscriptionDraft, userID, importID, id string) *models.Subscription {
	notes := d.Notes
	sourceID := d.SourceID
	return &models.Subscription{
		ID:              id,
		UserID:          userID,
		Company:         d.Company,
		Category:        d.Category,
		BillingCycle:    d.BillingCycle,
		NextBillingDate: d.NextBillingDate,
		Amount:          d.Amount,
		Currency:        d.Currency,
		Notes:           &notes,
		IsActive:        true,
		Source:          d.Source,
		SourceID:        &sourceID,
		ImportID:        &importID,
	}
}

func (o *ImportOrchestrator) releaseLock(lease lock.Lease, connectionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		o.logger.Warn("failed to release import lock", zap.String("connection_id", connectionID), zap.Error(err))
	}
}
