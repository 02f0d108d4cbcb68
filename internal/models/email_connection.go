package models

import "time"

const ProviderGmail = "gmail"

// EmailConnection is a linked mailbox. Disconnecting deactivates the row;
// it is never deleted.
type EmailConnection struct {
	ID           string     `gorm:"column:id;primaryKey" json:"id"`
	UserID       string     `gorm:"column:user_id;index" json:"user_id"`
	Provider     string     `gorm:"column:provider" json:"provider"`
	EmailAddress string     `gorm:"column:email_address" json:"email_address"`
	AccessToken  string     `gorm:"column:access_token" json:"-"`
	RefreshToken string     `gorm:"column:refresh_token" json:"-"`
	TokenExpiry  *time.Time `gorm:"column:token_expiry" json:"token_expiry,omitempty"`
	IsActive     bool       `gorm:"column:is_active" json:"is_active"`
	LastSyncAt   *time.Time `gorm:"column:last_sync_at" json:"last_sync_at,omitempty"`
	CreatedAt    time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (EmailConnection) TableName() string {
	return "email_connections"
}

// TokenExpiresWithin reports whether the access token expires within d of now.
// A connection with no recorded expiry is treated as expired.
func (c EmailConnection) TokenExpiresWithin(now time.Time, d time.Duration) bool {
	if c.TokenExpiry == nil {
		return true
	}
	return now.Add(d).After(*c.TokenExpiry)
}
