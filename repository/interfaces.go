// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

// ErrContactNotClaimed is returned when an outcome is written for a contact row that
// is no longer in sending (resolved elsewhere, e.g. by the stale-claim reconciler).
var ErrContactNotClaimed = errors.New("contact is not claimed")

type Repository[T any, F any] interface {
	ByID(ctx context.Context, id uint) (*T, error)
	ByFilter(ctx context.Context, filter F, orderBy string, limit, offset int) ([]*T, error)
	Save(ctx context.Context, entity *T) error
	SaveBatch(ctx context.Context, entities []*T) error
}

// CampaignRepository defines operations for campaigns
type CampaignRepository interface {
	Repository[models.Campaign, models.CampaignFilter]
	// ByIDForUpdate loads a campaign and row-locks it until the surrounding transaction ends
	ByIDForUpdate(ctx context.Context, id uint) (*models.Campaign, error)
	// ListRunnable returns campaigns that are scheduled and due at now, or running
	ListRunnable(ctx context.Context, now time.Time) ([]*models.Campaign, error)
	// TransitionStatus moves a campaign to status `to` only if its current status is in `from`
	TransitionStatus(ctx context.Context, id uint, from []models.CampaignStatus, to models.CampaignStatus, at time.Time) (bool, error)
	IncrementCounters(ctx context.Context, id uint, delta models.CampaignCounters) (*models.CampaignCounters, error)
	RecomputeCounters(ctx context.Context, id uint) error
	ResetCounters(ctx context.Context, id uint, total int) error
}

// CampaignContactRepository defines operations for campaign contacts
type CampaignContactRepository interface {
	Repository[models.CampaignContact, models.CampaignContactFilter]
	// ClaimNext atomically moves the oldest pending row of a campaign to sending.
	// It returns nil when no pending row is available.
	ClaimNext(ctx context.Context, campaignID uint, at time.Time) (*models.CampaignContact, error)
	HasDeliveredDuplicate(ctx context.Context, campaignID uint, phone string, excludeID uint) (bool, error)
	MarkSent(ctx context.Context, id uint, providerMessageID *string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uint, reason string, attempts int, at time.Time) (bool, error)
	MarkSkipped(ctx context.Context, id uint, reason string, at time.Time) (bool, error)
	ReplaceForCampaign(ctx context.Context, campaignID uint, contacts []*models.CampaignContact) error
	CountByStatus(ctx context.Context, campaignID uint) (map[models.ContactStatus]int64, error)
	// FailStaleSending resolves rows claimed before `before` as failed and returns the affected campaign IDs
	FailStaleSending(ctx context.Context, before time.Time, reason string, at time.Time) ([]uint, error)
}
