package models

import "time"

type ImportStatus string

const (
	ImportStatusInProgress ImportStatus = "in_progress"
	ImportStatusCompleted  ImportStatus = "completed"
	ImportStatusFailed     ImportStatus = "failed"
)

// Terminal reports whether no further transition is possible
func (s ImportStatus) Terminal() bool {
	return s == ImportStatusCompleted || s == ImportStatusFailed
}

// ImportRun is one row of email_import_log. Counts only grow while the run
// is in progress and the row is immutable once terminal. HeartbeatAt is
// touched by the owning process while the run is alive.
type ImportRun struct {
	ID                 string       `gorm:"column:id;primaryKey" json:"id"`
	UserID             string       `gorm:"column:user_id;index" json:"user_id"`
	ConnectionID       string       `gorm:"column:connection_id;index" json:"connection_id"`
	Status             ImportStatus `gorm:"column:status;index" json:"status"`
	StartedAt          time.Time    `gorm:"column:started_at" json:"started_at"`
	CompletedAt        *time.Time   `gorm:"column:completed_at" json:"completed_at,omitempty"`
	EmailsProcessed    int          `gorm:"column:emails_processed" json:"emails_processed"`
	SubscriptionsFound int          `gorm:"column:subscriptions_found" json:"subscriptions_found"`
	ErrorMessage       *string      `gorm:"column:error_message" json:"error_message,omitempty"`
	HeartbeatAt        *time.Time   `gorm:"column:heartbeat_at" json:"heartbeat_at,omitempty"`
}

// TableName specifies the table name for GORM
func (ImportRun) TableName() string {
	return "email_import_log"
}
