package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/subtrack/internal/models"
	"gorm.io/gorm"
)

// DuplicateTolerance is the absolute amount difference under which two
// subscriptions of the same company are considered the same
const DuplicateTolerance = 0.01

type SubscriptionFilter struct {
	Active   *bool
	Category string
}

type SubscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Create creates a new subscription
func (r *SubscriptionRepository) Create(ctx context.Context, sub *models.Subscription) error {
	if err := r.db.WithContext(ctx).Create(sub).Error; err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// GetForUser retrieves one subscription owned by userID
func (r *SubscriptionRepository) GetForUser(ctx context.Context, userID, subID string) (*models.Subscription, error) {
	var sub models.Subscription
	result := r.db.WithContext(ctx).First(&sub, "id = ? AND user_id = ?", subID, userID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", result.Error)
	}
	return &sub, nil
}

// List retrieves a user's subscriptions ordered by next billing date
func (r *SubscriptionRepository) List(ctx context.Context, userID string, filter SubscriptionFilter) ([]models.Subscription, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if filter.Active != nil {
		q = q.Where("is_active = ?", *filter.Active)
	}
	if filter.Category != "" {
		q = q.Where("category = ?", filter.Category)
	}

	var subs []models.Subscription
	if err := q.Order("next_billing_date ASC").Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// Update writes the user-editable fields of an existing subscription.
// Zero values are written too, so callers pass the full record.
func (r *SubscriptionRepository) Update(ctx context.Context, sub *models.Subscription) error {
	result := r.db.WithContext(ctx).Model(sub).
		Where("user_id = ?", sub.UserID).
		Select("company", "category", "billing_cycle", "next_billing_date",
			"amount", "currency", "notes", "is_active", "updated_at").
		Updates(sub)
	if result.Error != nil {
		return fmt.Errorf("failed to update subscription: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// Delete removes a user's subscription
func (r *SubscriptionRepository) Delete(ctx context.Context, userID, subID string) error {
	result := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", subID, userID).
		Delete(&models.Subscription{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete subscription: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// FindDuplicate reports whether userID already has a subscription for
// company whose amount is within DuplicateTolerance. Billing cycle and
// dates are not compared.
func (r *SubscriptionRepository) FindDuplicate(ctx context.Context, userID, company string, amount float64) (bool, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("user_id = ? AND company = ? AND ABS(amount - ?) < ?", userID, company, amount, DuplicateTolerance).
		Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("failed to check duplicate: %w", result.Error)
	}
	return count > 0, nil
}

// ListByImport retrieves the subscriptions created by one import run
func (r *SubscriptionRepository) ListByImport(ctx context.Context, userID, importID string) ([]models.Subscription, error) {
	var subs []models.Subscription
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND import_id = ?", userID, importID).
		Order("created_at ASC").
		Find(&subs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list imported subscriptions: %w", result.Error)
	}
	return subs, nil
}

// ListRecentBySource retrieves the newest subscriptions from one source
func (r *SubscriptionRepository) ListRecentBySource(ctx context.Context, userID string, source models.SubscriptionSource, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND source = ?", userID, source).
		Order("created_at DESC").
		Limit(limit).
		Find(&subs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list recent subscriptions: %w", result.Error)
	}
	return subs, nil
}

// ListDue retrieves active subscriptions of all users billing before cutoff
func (r *SubscriptionRepository) ListDue(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	result := r.db.WithContext(ctx).
		Where("is_active = ? AND next_billing_date < ?", true, cutoff).
		Order("next_billing_date ASC").
		Limit(limit).
		Find(&subs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list due subscriptions: %w", result.Error)
	}
	return subs, nil
}

// UpdateNextBillingDate sets the next billing date of one subscription
func (r *SubscriptionRepository) UpdateNextBillingDate(ctx context.Context, subID string, next time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ?", subID).
		Updates(map[string]interface{}{
			"next_billing_date": next,
			"updated_at":        time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update next billing date: %w", result.Error)
	}
	return nil
}
