package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/vipul43/subtrack/internal/models"
	"gorm.io/gorm"
)

type TemplateRepository struct {
	db *gorm.DB
}

func NewTemplateRepository(db *gorm.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// ListOrdered returns all templates in match priority order
func (r *TemplateRepository) ListOrdered(ctx context.Context) ([]models.Template, error) {
	var templates []models.Template
	result := r.db.WithContext(ctx).Order("position ASC").Find(&templates)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list templates: %w", result.Error)
	}
	return templates, nil
}

// SeedIfEmpty inserts templates, in order, when the table has no rows.
// Returns the number of rows inserted.
func (r *TemplateRepository) SeedIfEmpty(ctx context.Context, templates []models.Template) (int, error) {
	inserted := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Template{}).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 || len(templates) == 0 {
			return nil
		}

		rows := make([]models.Template, len(templates))
		for i, t := range templates {
			t.ID = uuid.New().String()
			t.Position = i
			rows[i] = t
		}
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}
		inserted = len(rows)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to seed templates: %w", err)
	}
	return inserted, nil
}
