package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/subtrack/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ConnectionRepository struct {
	db *gorm.DB
}

func NewConnectionRepository(db *gorm.DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

// GetActiveForUser retrieves an active connection owned by userID. Inactive,
// missing, and foreign connections are all reported as ErrConnectionNotFound.
func (r *ConnectionRepository) GetActiveForUser(ctx context.Context, userID, connectionID string) (*models.EmailConnection, error) {
	var conn models.EmailConnection
	result := r.db.WithContext(ctx).
		First(&conn, "id = ? AND user_id = ? AND is_active = ?", connectionID, userID, true)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to get connection: %w", result.Error)
	}
	return &conn, nil
}

// ListByUser retrieves all connections of a user, newest first
func (r *ConnectionRepository) ListByUser(ctx context.Context, userID string) ([]models.EmailConnection, error) {
	var conns []models.EmailConnection
	result := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&conns)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list connections: %w", result.Error)
	}
	return conns, nil
}

// Upsert inserts a connection or, when the same mailbox is already linked
// for the user, reactivates it with the new tokens
func (r *ConnectionRepository) Upsert(ctx context.Context, conn *models.EmailConnection) error {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "provider"}, {Name: "email_address"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_token", "refresh_token", "token_expiry", "is_active", "updated_at",
		}),
	}).Create(conn)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert connection: %w", result.Error)
	}

	// On conflict the generated ID was discarded; reload the stored row.
	var stored models.EmailConnection
	if err := r.db.WithContext(ctx).
		First(&stored, "user_id = ? AND provider = ? AND email_address = ?", conn.UserID, conn.Provider, conn.EmailAddress).Error; err != nil {
		return fmt.Errorf("failed to reload connection: %w", err)
	}
	*conn = stored
	return nil
}

// UpdateTokens updates access token, refresh token, and expiry
func (r *ConnectionRepository) UpdateTokens(ctx context.Context, connectionID string, accessToken string, refreshToken string, expiry time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.EmailConnection{}).
		Where("id = ?", connectionID).
		Updates(map[string]interface{}{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"token_expiry":  expiry,
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update tokens: %w", result.Error)
	}
	return nil
}

// Deactivate marks a user's connection inactive
func (r *ConnectionRepository) Deactivate(ctx context.Context, userID, connectionID string) error {
	result := r.db.WithContext(ctx).Model(&models.EmailConnection{}).
		Where("id = ? AND user_id = ? AND is_active = ?", connectionID, userID, true).
		Updates(map[string]interface{}{
			"is_active":  false,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to deactivate connection: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// TouchLastSync sets last_sync_at
func (r *ConnectionRepository) TouchLastSync(ctx context.Context, connectionID string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.EmailConnection{}).
		Where("id = ?", connectionID).
		Updates(map[string]interface{}{
			"last_sync_at": at,
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update last sync: %w", result.Error)
	}
	return nil
}
