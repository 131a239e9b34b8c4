package scheduler

import (
	"context"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
)

// Store is the persistence the engine needs. repository.DispatchStore implements it.
type Store interface {
	Campaign(ctx context.Context, id uint) (*models.Campaign, error)
	ListRunnable(ctx context.Context, now time.Time) ([]*models.Campaign, error)
	TransitionStatus(ctx context.Context, id uint, from []models.CampaignStatus, to models.CampaignStatus, at time.Time) (bool, error)
	ClaimNext(ctx context.Context, campaignID uint, at time.Time) (*models.CampaignContact, error)
	HasDeliveredDuplicate(ctx context.Context, campaignID uint, phone string, excludeID uint) (bool, error)
	RecordSent(ctx context.Context, contact *models.CampaignContact, providerMessageID *string, at time.Time) (*models.CampaignCounters, error)
	RecordFailed(ctx context.Context, contact *models.CampaignContact, reason string, attempts int, at time.Time) (*models.CampaignCounters, error)
	RecordSkipped(ctx context.Context, contact *models.CampaignContact, reason string, at time.Time) (*models.CampaignCounters, error)
	FailStaleClaims(ctx context.Context, before time.Time, reason string, at time.Time) ([]uint, error)
}
