package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ContactStatus enumerates the delivery status of one recipient within one campaign
type ContactStatus string

const (
	ContactStatusPending ContactStatus = "pending"
	ContactStatusSending ContactStatus = "sending"
	ContactStatusSent    ContactStatus = "sent"
	ContactStatusFailed  ContactStatus = "failed"
	ContactStatusSkipped ContactStatus = "skipped"
)

// String returns the string representation of the status
func (s ContactStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s ContactStatus) Valid() bool {
	switch s {
	case ContactStatusPending, ContactStatusSending, ContactStatusSent,
		ContactStatusFailed, ContactStatusSkipped:
		return true
	default:
		return false
	}
}

// IsResolved reports whether the row has reached a final outcome
func (s ContactStatus) IsResolved() bool {
	return s == ContactStatusSent || s == ContactStatusFailed || s == ContactStatusSkipped
}

// Scan implements the sql.Scanner interface for ContactStatus
func (s *ContactStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*s = ContactStatus(v)
	case []byte:
		*s = ContactStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into ContactStatus", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for ContactStatus
func (s ContactStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid ContactStatus: %s", s)
	}
	return string(s), nil
}

// ContactVariables is the free-form variable bag used for templating
type ContactVariables map[string]any

// Value implements the driver.Valuer interface for ContactVariables
func (v ContactVariables) Value() (driver.Value, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

// Scan implements the sql.Scanner interface for ContactVariables
func (v *ContactVariables) Scan(value any) error {
	if value == nil {
		*v = ContactVariables{}
		return nil
	}

	var bytes []byte
	switch val := value.(type) {
	case []byte:
		bytes = val
	case string:
		bytes = []byte(val)
	default:
		return fmt.Errorf("cannot scan %T into ContactVariables", value)
	}

	out := ContactVariables{}
	if len(bytes) > 0 {
		if err := json.Unmarshal(bytes, &out); err != nil {
			return err
		}
	}
	*v = out
	return nil
}

// CampaignContact is one addressee within one campaign's send list.
// Rows are not deduplicated across campaigns; within a campaign at most one row per
// phone reaches sent and later duplicates are resolved as skipped.
type CampaignContact struct {
	ID         uint             `gorm:"primaryKey" json:"id"`
	CampaignID uint             `gorm:"not null;index:idx_campaign_contacts_campaign_status,priority:1" json:"campaign_id"`
	Phone      string           `gorm:"size:32;not null;index:idx_campaign_contacts_phone" json:"phone"`
	Name       string           `gorm:"size:255;not null;default:''" json:"name"`
	Variables  ContactVariables `gorm:"type:jsonb;not null;default:'{}'" json:"variables"`

	Status            ContactStatus `gorm:"type:varchar(16);not null;default:'pending';index:idx_campaign_contacts_campaign_status,priority:2" json:"status"`
	ClaimedAt         *time.Time    `json:"claimed_at,omitempty"`
	SentAt            *time.Time    `json:"sent_at,omitempty"`
	ErrorMessage      *string       `gorm:"type:text" json:"error_message,omitempty"`
	ProviderMessageID *string       `gorm:"size:128" json:"provider_message_id,omitempty"`
	Attempts          int           `gorm:"not null;default:0" json:"attempts"`

	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

// TableName returns the table name for the model
func (CampaignContact) TableName() string {
	return "campaign_contacts"
}

// TemplateVariables returns the variable bag used when rendering for this
// recipient: name and phone plus the caller-supplied pairs (which win on conflict).
func (c *CampaignContact) TemplateVariables() map[string]any {
	vars := make(map[string]any, len(c.Variables)+2)
	vars["name"] = c.Name
	vars["phone"] = c.Phone
	for k, v := range c.Variables {
		vars[k] = v
	}
	return vars
}

// CampaignContactFilter provides filter fields for repository queries
type CampaignContactFilter struct {
	ID         *uint
	CampaignID *uint
	Phone      *string
	Status     *ContactStatus
}
