package dto

// CampaignActionRequest identifies the campaign a control operation applies to.
// TenantID, when set, restricts the operation to campaigns owned by that tenant.
type CampaignActionRequest struct {
	CampaignID uint  `json:"-" validate:"required"`
	TenantID   *uint `json:"-"`
}

// CampaignActionResponse represents the outcome of start, pause and cancel
type CampaignActionResponse struct {
	Message    string `json:"message"`
	CampaignID uint   `json:"campaign_id"`
	Status     string `json:"status"`
	Changed    bool   `json:"changed"`
}

// ContactInput is one recipient of a contact replacement
type ContactInput struct {
	Phone     string         `json:"phone" validate:"required,max=32"`
	Name      string         `json:"name,omitempty" validate:"max=255"`
	Variables map[string]any `json:"variables,omitempty"`
}

// ReplaceContactsRequest replaces the whole contact set of a campaign
type ReplaceContactsRequest struct {
	CampaignID uint           `json:"-" validate:"required"`
	TenantID   *uint          `json:"-"`
	Contacts   []ContactInput `json:"contacts" validate:"required,min=1,max=100000,dive"`
}

// ReplaceContactsResponse represents the response to a contact replacement or import
type ReplaceContactsResponse struct {
	Message       string `json:"message"`
	CampaignID    uint   `json:"campaign_id"`
	TotalContacts int    `json:"total_contacts"`
}

// InvalidContact describes a rejected row of a contact replacement
type InvalidContact struct {
	Row    int    `json:"row"`
	Phone  string `json:"phone"`
	Reason string `json:"reason"`
}

// CampaignProgressResponse is the delivery progress of a campaign
type CampaignProgressResponse struct {
	CampaignID    uint              `json:"campaign_id"`
	TenantID      uint              `json:"tenant_id"`
	Name          string            `json:"name"`
	Status        string            `json:"status"`
	SentCount     int               `json:"sent_count"`
	FailedCount   int               `json:"failed_count"`
	SkippedCount  int               `json:"skipped_count"`
	TotalContacts int               `json:"total_contacts"`
	Contacts      map[string]int64  `json:"contacts"`
	ScheduledAt   *string           `json:"scheduled_at,omitempty"`
	StartedAt     *string           `json:"started_at,omitempty"`
	CompletedAt   *string           `json:"completed_at,omitempty"`
	Worker        *WorkerStatusInfo `json:"worker,omitempty"`
}

// WorkerStatusInfo reports whether this process runs a worker for the campaign
type WorkerStatusInfo struct {
	Active bool `json:"active"`
}
