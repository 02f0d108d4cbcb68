package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vipul43/subtrack/internal/models"
	"github.com/vipul43/subtrack/internal/repository"
)

const (
	recentImportLimit = 20
	rolloverBatchSize = 500
	upcomingWindow    = 7 * 24 * time.Hour
)

type SubscriptionStore interface {
	Create(ctx context.Context, sub *models.Subscription) error
	GetForUser(ctx context.Context, userID, subID string) (*models.Subscription, error)
	List(ctx context.Context, userID string, filter repository.SubscriptionFilter) ([]models.Subscription, error)
	Update(ctx context.Context, sub *models.Subscription) error
	Delete(ctx context.Context, userID, subID string) error
	ListByImport(ctx context.Context, userID, importID string) ([]models.Subscription, error)
	ListRecentBySource(ctx context.Context, userID string, source models.SubscriptionSource, limit int) ([]models.Subscription, error)
	ListDue(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error)
	UpdateNextBillingDate(ctx context.Context, subID string, next time.Time) error
}

// SubscriptionInput is the editable part of a subscription as sent by
// clients. NextBillingDate accepts YYYY-MM-DD or RFC 3339.
type SubscriptionInput struct {
	Company         string              `json:"company"`
	Category        string              `json:"category"`
	Amount          *float64            `json:"amount"`
	Currency        string              `json:"currency"`
	BillingCycle    models.BillingCycle `json:"billing_cycle"`
	NextBillingDate string              `json:"next_billing_date"`
	Notes           *string             `json:"notes"`
	IsActive        *bool               `json:"is_active"`
}

type CategorySpend struct {
	Category      string  `json:"category"`
	Currency      string  `json:"currency"`
	MonthlyAmount float64 `json:"monthly_amount"`
}

type Stats struct {
	ActiveCount  int                   `json:"active_count"`
	MonthlySpend map[string]float64    `json:"monthly_spend"`
	ByCategory   []CategorySpend       `json:"by_category"`
	UpcomingWeek []models.Subscription `json:"upcoming_week"`
}

type SubscriptionService struct {
	store  SubscriptionStore
	logger *zap.Logger
	now    func() time.Time
}

func NewSubscriptionService(store SubscriptionStore, logger *zap.Logger) *SubscriptionService {
	return &SubscriptionService{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

func (s *SubscriptionService) List(ctx context.Context, userID string, filter repository.SubscriptionFilter) ([]models.Subscription, error) {
	return s.store.List(ctx, userID, filter)
}

func (s *SubscriptionService) Get(ctx context.Context, userID, subID string) (*models.Subscription, error) {
	return s.store.GetForUser(ctx, userID, subID)
}

// Create stores a manually entered subscription
func (s *SubscriptionService) Create(ctx context.Context, userID string, in SubscriptionInput) (*models.Subscription, error) {
	sub := &models.Subscription{
		ID:       uuid.New().String(),
		UserID:   userID,
		IsActive: true,
		Source:   models.SourceManual,
	}
	if err := applyInput(sub, in); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Update replaces the editable fields of a subscription. Source and
// provenance never change.
func (s *SubscriptionService) Update(ctx context.Context, userID, subID string, in SubscriptionInput) (*models.Subscription, error) {
	sub, err := s.store.GetForUser(ctx, userID, subID)
	if err != nil {
		return nil, err
	}
	if err := applyInput(sub, in); err != nil {
		return nil, err
	}

	if err := s.store.Update(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *SubscriptionService) Delete(ctx context.Context, userID, subID string) error {
	return s.store.Delete(ctx, userID, subID)
}

// Recent lists what an import created. Without an import id it returns the
// newest email-sourced subscriptions.
func (s *SubscriptionService) Recent(ctx context.Context, userID, importID string) ([]models.Subscription, error) {
	if importID = strings.TrimSpace(importID); importID != "" {
		return s.store.ListByImport(ctx, userID, importID)
	}
	return s.store.ListRecentBySource(ctx, userID, models.SourceEmail, recentImportLimit)
}

// Stats summarises active subscriptions as monthly-equivalent spend
func (s *SubscriptionService) Stats(ctx context.Context, userID string) (*Stats, error) {
	active := true
	subs, err := s.store.List(ctx, userID, repository.SubscriptionFilter{Active: &active})
	if err != nil {
		return nil, err
	}
	return computeStats(subs, s.now()), nil
}

func computeStats(subs []models.Subscription, now time.Time) *Stats {
	stats := &Stats{
		MonthlySpend: make(map[string]float64),
		ByCategory:   []CategorySpend{},
		UpcomingWeek: []models.Subscription{},
	}

	type categoryKey struct{ category, currency string }
	byCategory := make(map[categoryKey]float64)

	today := startOfDay(now)
	horizon := today.Add(upcomingWindow)

	for _, sub := range subs {
		if !sub.IsActive {
			continue
		}
		stats.ActiveCount++

		monthly := sub.Amount * sub.BillingCycle.MonthlyFactor()
		stats.MonthlySpend[sub.Currency] += monthly

		category := sub.Category
		if category == "" {
			category = "other"
		}
		byCategory[categoryKey{category, sub.Currency}] += monthly

		if !sub.NextBillingDate.Before(today) && sub.NextBillingDate.Before(horizon) {
			stats.UpcomingWeek = append(stats.UpcomingWeek, sub)
		}
	}

	for currency, v := range stats.MonthlySpend {
		stats.MonthlySpend[currency] = round2(v)
	}
	for k, v := range byCategory {
		stats.ByCategory = append(stats.ByCategory, CategorySpend{Category: k.category, Currency: k.currency, MonthlyAmount: round2(v)})
	}
	sort.Slice(stats.ByCategory, func(i, j int) bool {
		if stats.ByCategory[i].MonthlyAmount != stats.ByCategory[j].MonthlyAmount {
			return stats.ByCategory[i].MonthlyAmount > stats.ByCategory[j].MonthlyAmount
		}
		return stats.ByCategory[i].Category < stats.ByCategory[j].Category
	})
	sort.Slice(stats.UpcomingWeek, func(i, j int) bool {
		return stats.UpcomingWeek[i].NextBillingDate.Before(stats.UpcomingWeek[j].NextBillingDate)
	})

	return stats
}

// RollOverDue advances every active subscription whose next billing date
// has passed, one cycle at a time, until it is today or later
func (s *SubscriptionService) RollOverDue(ctx context.Context) (int, error) {
	today := startOfDay(s.now())
	updated := 0

	for {
		due, err := s.store.ListDue(ctx, today, rolloverBatchSize)
		if err != nil {
			return updated, err
		}

		for _, sub := range due {
			next := NextBillingAfter(sub.BillingCycle, sub.NextBillingDate, today)
			if err := s.store.UpdateNextBillingDate(ctx, sub.ID, next); err != nil {
				return updated, err
			}
			updated++
		}

		if len(due) < rolloverBatchSize {
			break
		}
	}

	if updated > 0 {
		s.logger.Info("rolled over billing dates", zap.Int("subscriptions", updated))
	}
	return updated, nil
}

// NextBillingAfter advances from by whole cycles until it is not before
// today
func NextBillingAfter(cycle models.BillingCycle, from, today time.Time) time.Time {
	next := from
	for next.Before(today) {
		next = cycle.Advance(next)
	}
	return next
}

// maxAmount is the first value NUMERIC(12, 2) cannot hold
const maxAmount = 1e10

func applyInput(sub *models.Subscription, in SubscriptionInput) error {
	company := strings.TrimSpace(in.Company)
	if company == "" {
		return fmt.Errorf("%w: company is required", ErrInvalidRequest)
	}
	if in.Amount == nil || math.IsNaN(*in.Amount) || math.IsInf(*in.Amount, 0) || *in.Amount < 0 {
		return fmt.Errorf("%w: amount must be zero or more", ErrInvalidRequest)
	}
	if math.Round(*in.Amount*100)/100 >= maxAmount {
		return fmt.Errorf("%w: amount must be less than %.0f", ErrInvalidRequest, maxAmount)
	}
	if !in.BillingCycle.Valid() {
		return fmt.Errorf("%w: billing_cycle must be one of daily, weekly, monthly, yearly", ErrInvalidRequest)
	}

	next, err := parseDate(in.NextBillingDate)
	if err != nil {
		return fmt.Errorf("%w: next_billing_date %v", ErrInvalidRequest, err)
	}

	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = "USD"
	}
	if len(currency) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter code", ErrInvalidRequest)
	}

	category := strings.TrimSpace(in.Category)
	if category == "" {
		category = "other"
	}

	sub.Company = company
	sub.Category = category
	sub.Amount = round2(*in.Amount)
	sub.Currency = currency
	sub.BillingCycle = in.BillingCycle
	sub.NextBillingDate = next
	sub.Notes = in.Notes
	if in.IsActive != nil {
		sub.IsActive = *in.IsActive
	}
	return nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("is required")
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("must be YYYY-MM-DD")
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
