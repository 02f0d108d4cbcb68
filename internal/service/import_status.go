package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vipul43/subtrack/internal/models"
)

const defaultImportListLimit = 20

type ImportRunReader interface {
	GetForUser(ctx context.Context, userID, importID string) (*models.ImportRun, error)
	ListByUser(ctx context.Context, userID, connectionID string, limit int) ([]models.ImportRun, error)
	FailStale(ctx context.Context, cutoff time.Time, message string) (int64, error)
}

// ImportStatusService is the read side of import runs. Reads never change
// a run.
type ImportStatusService struct {
	runs       ImportRunReader
	staleAfter time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

func NewImportStatusService(runs ImportRunReader, staleAfter time.Duration, logger *zap.Logger) *ImportStatusService {
	return &ImportStatusService{
		runs:       runs,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// Get returns the run if it belongs to userID, else ErrImportNotFound
func (s *ImportStatusService) Get(ctx context.Context, userID, importID string) (*models.ImportRun, error) {
	if strings.TrimSpace(importID) == "" {
		return nil, fmt.Errorf("%w: import id is required", ErrInvalidRequest)
	}
	return s.runs.GetForUser(ctx, userID, importID)
}

// List returns the user's newest runs, optionally for one connection
func (s *ImportStatusService) List(ctx context.Context, userID, connectionID string) ([]models.ImportRun, error) {
	return s.runs.ListByUser(ctx, userID, strings.TrimSpace(connectionID), defaultImportListLimit)
}

// ReapStale fails in-progress runs whose last heartbeat is older than the
// stale threshold, which only happens when the process running them died
func (s *ImportStatusService) ReapStale(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.staleAfter)
	n, err := s.runs.FailStale(ctx, cutoff, ErrImportInterrupted.Error())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("marked stale imports as failed", zap.Int64("runs", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}
