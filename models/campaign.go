package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/amirphl/orochi-dispatch/utils"
	"gorm.io/gorm"
)

// CampaignStatus represents the status of a bulk-message campaign
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

// String returns the string representation of the status
func (s CampaignStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignStatusDraft, CampaignStatusScheduled, CampaignStatusRunning,
		CampaignStatusPaused, CampaignStatusCompleted, CampaignStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusCancelled
}

// Scan implements the sql.Scanner interface for CampaignStatus
func (s *CampaignStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*s = CampaignStatus(v)
	case []byte:
		*s = CampaignStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into CampaignStatus", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for CampaignStatus
func (s CampaignStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid CampaignStatus: %s", s)
	}
	return string(s), nil
}

// MediaKind is the gateway media category of an attachment
type MediaKind string

const (
	MediaKindImage    MediaKind = "image"
	MediaKindVideo    MediaKind = "video"
	MediaKindAudio    MediaKind = "audio"
	MediaKindDocument MediaKind = "document"
)

// Campaign is a configured bulk-send job: template + recipient list + timing policy.
// The engine never creates campaigns; it only consumes and mutates them.
type Campaign struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	TenantID uint   `gorm:"not null;index:idx_campaigns_tenant_id" json:"tenant_id"`
	Name     string `gorm:"size:255;not null" json:"name"`

	MessageTemplate string     `gorm:"type:text;not null" json:"message_template"`
	MediaURL        *string    `gorm:"type:text" json:"media_url,omitempty"`
	MediaKind       *MediaKind `gorm:"size:20" json:"media_kind,omitempty"`
	MediaFileName   *string    `gorm:"size:255" json:"media_file_name,omitempty"`

	// Daily window in the tenant's civil time, "HH:MM". Both empty means no window.
	SendWindowStart string `gorm:"size:5;not null;default:''" json:"send_window_start"`
	SendWindowEnd   string `gorm:"size:5;not null;default:''" json:"send_window_end"`
	Timezone        string `gorm:"size:64;not null;default:''" json:"timezone"`

	DelayMin        int     `gorm:"not null;default:5" json:"delay_min"`
	DelayMax        int     `gorm:"not null;default:15" json:"delay_max"`
	GatewayInstance *string `gorm:"size:128" json:"gateway_instance,omitempty"`

	Status        CampaignStatus `gorm:"type:varchar(20);not null;default:'draft';index:idx_campaigns_status" json:"status"`
	SentCount     int            `gorm:"not null;default:0" json:"sent_count"`
	FailedCount   int            `gorm:"not null;default:0" json:"failed_count"`
	SkippedCount  int            `gorm:"not null;default:0" json:"skipped_count"`
	TotalContacts int            `gorm:"not null;default:0" json:"total_contacts"`

	ScheduledAt *time.Time `gorm:"index:idx_campaigns_scheduled_at" json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`

	// Relations
	Contacts []CampaignContact `gorm:"foreignKey:CampaignID;constraint:OnDelete:CASCADE" json:"contacts,omitempty"`
}

// TableName returns the table name for the model
func (Campaign) TableName() string {
	return "campaigns"
}

// BeforeCreate is called before creating a new record
func (c *Campaign) BeforeCreate(tx *gorm.DB) error {
	if c.Status == "" {
		c.Status = CampaignStatusDraft
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = utils.UTCNow()
	}
	return nil
}

// BeforeUpdate is called before updating a record
func (c *Campaign) BeforeUpdate(tx *gorm.DB) error {
	c.UpdatedAt = utils.UTCNowPtr()
	return nil
}

// IsDue reports whether a scheduled campaign should be promoted to running at now.
// A nil schedule means "run immediately".
func (c *Campaign) IsDue(now time.Time) bool {
	return c.ScheduledAt == nil || !c.ScheduledAt.After(now)
}

// IsEditable checks if the contact set may be replaced
func (c *Campaign) IsEditable() bool {
	return c.Status != CampaignStatusRunning
}

// CanTransitionTo checks if the campaign can transition to the given status
func (c *Campaign) CanTransitionTo(newStatus CampaignStatus) bool {
	switch c.Status {
	case CampaignStatusDraft, CampaignStatusScheduled:
		return newStatus == CampaignStatusRunning ||
			newStatus == CampaignStatusScheduled ||
			newStatus == CampaignStatusPaused ||
			newStatus == CampaignStatusCancelled
	case CampaignStatusRunning:
		return newStatus == CampaignStatusPaused ||
			newStatus == CampaignStatusCompleted ||
			newStatus == CampaignStatusCancelled
	case CampaignStatusPaused:
		return newStatus == CampaignStatusRunning ||
			newStatus == CampaignStatusCancelled
	default:
		return false
	}
}

// Counters returns a snapshot of the delivery counters
func (c *Campaign) Counters() CampaignCounters {
	return CampaignCounters{
		Sent:    c.SentCount,
		Failed:  c.FailedCount,
		Skipped: c.SkippedCount,
		Total:   c.TotalContacts,
	}
}

// CampaignCounters is the mutable progress of a campaign
type CampaignCounters struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Total   int `json:"total"`
}

// CampaignFilter represents filter criteria for campaigns
type CampaignFilter struct {
	ID       *uint            `json:"id,omitempty"`
	TenantID *uint            `json:"tenant_id,omitempty"`
	Statuses []CampaignStatus `json:"statuses,omitempty"`
}
