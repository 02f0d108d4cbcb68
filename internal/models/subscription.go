package models

import (
	"fmt"
	"time"
)

type BillingCycle string

const (
	CycleDaily   BillingCycle = "daily"
	CycleWeekly  BillingCycle = "weekly"
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// Valid reports whether c is one of the supported cycles
func (c BillingCycle) Valid() bool {
	switch c {
	case CycleDaily, CycleWeekly, CycleMonthly, CycleYearly:
		return true
	}
	return false
}

// Advance returns t moved forward by one billing period
func (c BillingCycle) Advance(t time.Time) time.Time {
	switch c {
	case CycleDaily:
		return t.AddDate(0, 0, 1)
	case CycleWeekly:
		return t.AddDate(0, 0, 7)
	case CycleYearly:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}

// MonthlyFactor converts one period's amount into a monthly equivalent
func (c BillingCycle) MonthlyFactor() float64 {
	switch c {
	case CycleDaily:
		return 365.0 / 12.0
	case CycleWeekly:
		return 52.0 / 12.0
	case CycleYearly:
		return 1.0 / 12.0
	default:
		return 1
	}
}

type SubscriptionSource string

const (
	SourceManual SubscriptionSource = "manual"
	SourceEmail  SubscriptionSource = "email"
)

type Subscription struct {
	ID              string             `gorm:"column:id;primaryKey" json:"id"`
	UserID          string             `gorm:"column:user_id;index" json:"user_id"`
	Company         string             `gorm:"column:company;index" json:"company"`
	Category        string             `gorm:"column:category" json:"category"`
	BillingCycle    BillingCycle       `gorm:"column:billing_cycle" json:"billing_cycle"`
	NextBillingDate time.Time          `gorm:"column:next_billing_date;index" json:"next_billing_date"`
	Amount          float64            `gorm:"column:amount" json:"amount"`
	Currency        string             `gorm:"column:currency" json:"currency"`
	Notes           *string            `gorm:"column:notes" json:"notes,omitempty"`
	IsActive        bool               `gorm:"column:is_active" json:"is_active"`
	Source          SubscriptionSource `gorm:"column:source" json:"source"`
	SourceID        *string            `gorm:"column:source_id" json:"source_id,omitempty"`
	ImportID        *string            `gorm:"column:import_id;index" json:"import_id,omitempty"`
	CreatedAt       time.Time          `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time          `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Subscription) TableName() string {
	return "subscriptions"
}

// SubscriptionDraft is what the parser extracts from one matched email.
// It becomes a Subscription only after the duplicate check.
type SubscriptionDraft struct {
	Company         string
	Category        string
	Amount          float64
	Currency        string
	BillingCycle    BillingCycle
	NextBillingDate time.Time
	Notes           string
	Source          SubscriptionSource
	SourceID        string // provider message id
	Template        string
}

func (d SubscriptionDraft) String() string {
	return fmt.Sprintf("%s %.2f %s (%s, next %s)", d.Company, d.Amount, d.Currency, d.BillingCycle, d.NextBillingDate.Format("2006-01-02"))
}
