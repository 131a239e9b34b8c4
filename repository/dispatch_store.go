package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"gorm.io/gorm"
)

// DispatchStore composes the campaign and contact repositories into the unit-of-work
// operations the delivery engine needs. Every outcome write updates the contact row
// and the campaign counters in one transaction.
type DispatchStore struct {
	db       *gorm.DB
	campaign CampaignRepository
	contact  CampaignContactRepository
}

// NewDispatchStore creates a new dispatch store
func NewDispatchStore(db *gorm.DB, campaignRepo CampaignRepository, contactRepo CampaignContactRepository) *DispatchStore {
	return &DispatchStore{
		db:       db,
		campaign: campaignRepo,
		contact:  contactRepo,
	}
}

// Campaign loads a campaign by ID; nil when it does not exist
func (s *DispatchStore) Campaign(ctx context.Context, id uint) (*models.Campaign, error) {
	return s.campaign.ByID(ctx, id)
}

// ListRunnable returns running and due scheduled campaigns
func (s *DispatchStore) ListRunnable(ctx context.Context, now time.Time) ([]*models.Campaign, error) {
	return s.campaign.ListRunnable(ctx, now)
}

// TransitionStatus performs a guarded campaign status change
func (s *DispatchStore) TransitionStatus(ctx context.Context, id uint, from []models.CampaignStatus, to models.CampaignStatus, at time.Time) (bool, error) {
	return s.campaign.TransitionStatus(ctx, id, from, to, at)
}

// ClaimNext claims the oldest pending contact of a campaign
func (s *DispatchStore) ClaimNext(ctx context.Context, campaignID uint, at time.Time) (*models.CampaignContact, error) {
	return s.contact.ClaimNext(ctx, campaignID, at)
}

// HasDeliveredDuplicate checks whether another row with the same phone was sent or is still in flight
func (s *DispatchStore) HasDeliveredDuplicate(ctx context.Context, campaignID uint, phone string, excludeID uint) (bool, error) {
	return s.contact.HasDeliveredDuplicate(ctx, campaignID, phone, excludeID)
}

// RecordSent resolves the contact as sent and bumps the sent counter
func (s *DispatchStore) RecordSent(ctx context.Context, contact *models.CampaignContact, providerMessageID *string, at time.Time) (*models.CampaignCounters, error) {
	return s.record(ctx, contact, models.CampaignCounters{Sent: 1}, func(txCtx context.Context) (bool, error) {
		return s.contact.MarkSent(txCtx, contact.ID, providerMessageID, at)
	})
}

// RecordFailed resolves the contact as failed and bumps the failed counter
func (s *DispatchStore) RecordFailed(ctx context.Context, contact *models.CampaignContact, reason string, attempts int, at time.Time) (*models.CampaignCounters, error) {
	return s.record(ctx, contact, models.CampaignCounters{Failed: 1}, func(txCtx context.Context) (bool, error) {
		return s.contact.MarkFailed(txCtx, contact.ID, reason, attempts, at)
	})
}

// RecordSkipped resolves the contact as skipped and bumps the skipped counter
func (s *DispatchStore) RecordSkipped(ctx context.Context, contact *models.CampaignContact, reason string, at time.Time) (*models.CampaignCounters, error) {
	return s.record(ctx, contact, models.CampaignCounters{Skipped: 1}, func(txCtx context.Context) (bool, error) {
		return s.contact.MarkSkipped(txCtx, contact.ID, reason, at)
	})
}

func (s *DispatchStore) record(ctx context.Context, contact *models.CampaignContact, delta models.CampaignCounters, mark func(context.Context) (bool, error)) (*models.CampaignCounters, error) {
	var counters *models.CampaignCounters
	err := WithTransaction(ctx, s.db, func(txCtx context.Context) error {
		resolved, err := mark(txCtx)
		if err != nil {
			return err
		}
		if !resolved {
			return fmt.Errorf("contact %d: %w", contact.ID, ErrContactNotClaimed)
		}
		counters, err = s.campaign.IncrementCounters(txCtx, contact.CampaignID, delta)
		return err
	})
	if err != nil {
		return nil, err
	}
	return counters, nil
}

// ReplaceContacts swaps the full contact set of a campaign and resets its counters.
// check, when non-nil, runs against the row-locked campaign first (nil when it does
// not exist) and aborts the replacement by returning an error.
func (s *DispatchStore) ReplaceContacts(ctx context.Context, campaignID uint, contacts []*models.CampaignContact, check func(*models.Campaign) error) error {
	return WithTransaction(ctx, s.db, func(txCtx context.Context) error {
		if check != nil {
			campaign, err := s.campaign.ByIDForUpdate(txCtx, campaignID)
			if err != nil {
				return err
			}
			if err := check(campaign); err != nil {
				return err
			}
		}
		if err := s.contact.ReplaceForCampaign(txCtx, campaignID, contacts); err != nil {
			return err
		}
		return s.campaign.ResetCounters(txCtx, campaignID, len(contacts))
	})
}

// FailStaleClaims fails rows stuck in sending and re-derives counters of the affected campaigns.
// It returns the affected campaign IDs.
func (s *DispatchStore) FailStaleClaims(ctx context.Context, before time.Time, reason string, at time.Time) ([]uint, error) {
	var ids []uint
	err := WithTransaction(ctx, s.db, func(txCtx context.Context) error {
		var err error
		ids, err = s.contact.FailStaleSending(txCtx, before, reason, at)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := s.campaign.RecomputeCounters(txCtx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ContactCounts returns the contact rows of a campaign grouped by status
func (s *DispatchStore) ContactCounts(ctx context.Context, campaignID uint) (map[models.ContactStatus]int64, error) {
	return s.contact.CountByStatus(ctx, campaignID)
}
