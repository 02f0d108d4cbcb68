package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// Body pattern field names understood by the parser
const (
	FieldAmount       = "amount"
	FieldDate         = "date"
	FieldBillingCycle = "billing_cycle"
)

// StringMap stores a JSONB object of string values
type StringMap map[string]string

// Value implements driver.Valuer for StringMap
func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for StringMap
func (m *StringMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, m)
}

// Template recognises one service's receipt emails. Position is the match
// priority: lower positions are tried first.
type Template struct {
	ID             string    `gorm:"column:id;primaryKey" json:"id" yaml:"-"`
	Position       int       `gorm:"column:position;index" json:"position" yaml:"-"`
	ServiceName    string    `gorm:"column:service_name" json:"service_name" yaml:"service_name"`
	Category       string    `gorm:"column:category" json:"category" yaml:"category"`
	SenderPattern  string    `gorm:"column:sender_pattern" json:"sender_pattern" yaml:"sender_pattern"`
	SubjectPattern string    `gorm:"column:subject_pattern" json:"subject_pattern" yaml:"subject_pattern"`
	BodyPatterns   StringMap `gorm:"column:body_patterns;type:jsonb" json:"body_patterns" yaml:"body_patterns"`
}

// TableName specifies the table name for GORM
func (Template) TableName() string {
	return "subscription_templates"
}
