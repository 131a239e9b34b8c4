package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
)

// fakeStore is an in-memory Store with the same claim and outcome semantics as
// repository.DispatchStore
type fakeStore struct {
	mu        sync.Mutex
	campaigns map[uint]*models.Campaign
	contacts  []*models.CampaignContact
	nextID    uint

	// campaignErrs makes the next n Campaign calls fail
	campaignErrs int
	// afterRecord runs after each outcome write, outside the lock
	afterRecord func(contact models.CampaignContact)
	// recordErrs makes the next n RecordSent or RecordFailed calls fail
	recordErrs int
}

func newFakeStore() *fakeStore {
	return &fakeStore{campaigns: make(map[uint]*models.Campaign)}
}

func (f *fakeStore) addCampaign(c models.Campaign) *models.Campaign {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := c
	f.campaigns[c.ID] = &cp
	return &cp
}

func (f *fakeStore) addContacts(campaignID uint, phones ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range phones {
		f.nextID++
		f.contacts = append(f.contacts, &models.CampaignContact{
			ID:         f.nextID,
			CampaignID: campaignID,
			Phone:      p,
			Name:       fmt.Sprintf("Contact %d", i+1),
			Status:     models.ContactStatusPending,
		})
	}
	f.campaigns[campaignID].TotalContacts += len(phones)
}

func (f *fakeStore) setStatus(id uint, status models.CampaignStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaigns[id].Status = status
}

func (f *fakeStore) campaign(id uint) models.Campaign {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.campaigns[id]
}

func (f *fakeStore) contactStatuses(campaignID uint) []models.ContactStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ContactStatus
	for _, c := range f.contacts {
		if c.CampaignID == campaignID {
			out = append(out, c.Status)
		}
	}
	return out
}

func (f *fakeStore) contact(id uint) models.CampaignContact {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.contacts {
		if c.ID == id {
			return *c
		}
	}
	return models.CampaignContact{}
}

func (f *fakeStore) Campaign(ctx context.Context, id uint) (*models.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.campaignErrs > 0 {
		f.campaignErrs--
		return nil, fmt.Errorf("connection refused")
	}
	c, ok := f.campaigns[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) ListRunnable(ctx context.Context, now time.Time) ([]*models.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Campaign
	for _, c := range f.campaigns {
		if c.Status == models.CampaignStatusRunning ||
			(c.Status == models.CampaignStatusScheduled && c.IsDue(now)) {
			cp := *c
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *models.Campaign) int { return int(a.ID) - int(b.ID) })
	return out, nil
}

func (f *fakeStore) TransitionStatus(ctx context.Context, id uint, from []models.CampaignStatus, to models.CampaignStatus, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok || !slices.Contains(from, c.Status) {
		return false, nil
	}
	c.Status = to
	switch to {
	case models.CampaignStatusRunning:
		if c.StartedAt == nil {
			c.StartedAt = &at
		}
	case models.CampaignStatusCompleted, models.CampaignStatusCancelled:
		c.CompletedAt = &at
	}
	return true, nil
}

func (f *fakeStore) ClaimNext(ctx context.Context, campaignID uint, at time.Time) (*models.CampaignContact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.contacts {
		if c.CampaignID == campaignID && c.Status == models.ContactStatusPending {
			c.Status = models.ContactStatusSending
			c.ClaimedAt = &at
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) HasDeliveredDuplicate(ctx context.Context, campaignID uint, phone string, excludeID uint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.contacts {
		if c.CampaignID != campaignID || c.Phone != phone || c.ID == excludeID {
			continue
		}
		if c.Status == models.ContactStatusSent || (c.Status == models.ContactStatusSending && c.ID < excludeID) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) resolve(contact *models.CampaignContact, apply func(row *models.CampaignContact, camp *models.Campaign)) (*models.CampaignCounters, error) {
	f.mu.Lock()
	var row *models.CampaignContact
	for _, c := range f.contacts {
		if c.ID == contact.ID {
			row = c
		}
	}
	if row == nil || row.Status != models.ContactStatusSending {
		f.mu.Unlock()
		return nil, fmt.Errorf("contact %d: %w", contact.ID, repository.ErrContactNotClaimed)
	}
	camp := f.campaigns[row.CampaignID]
	apply(row, camp)
	counters := camp.Counters()
	snapshot := *row
	hook := f.afterRecord
	f.mu.Unlock()

	if hook != nil {
		hook(snapshot)
	}
	return &counters, nil
}

func (f *fakeStore) failRecord() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErrs > 0 {
		f.recordErrs--
		return fmt.Errorf("connection reset")
	}
	return nil
}

func (f *fakeStore) RecordSent(ctx context.Context, contact *models.CampaignContact, providerMessageID *string, at time.Time) (*models.CampaignCounters, error) {
	if err := f.failRecord(); err != nil {
		return nil, err
	}
	return f.resolve(contact, func(row *models.CampaignContact, camp *models.Campaign) {
		row.Status = models.ContactStatusSent
		row.SentAt = &at
		row.ProviderMessageID = providerMessageID
		row.Attempts++
		camp.SentCount++
	})
}

func (f *fakeStore) RecordFailed(ctx context.Context, contact *models.CampaignContact, reason string, attempts int, at time.Time) (*models.CampaignCounters, error) {
	if err := f.failRecord(); err != nil {
		return nil, err
	}
	return f.resolve(contact, func(row *models.CampaignContact, camp *models.Campaign) {
		row.Status = models.ContactStatusFailed
		row.ErrorMessage = &reason
		row.Attempts += attempts
		camp.FailedCount++
	})
}

func (f *fakeStore) RecordSkipped(ctx context.Context, contact *models.CampaignContact, reason string, at time.Time) (*models.CampaignCounters, error) {
	return f.resolve(contact, func(row *models.CampaignContact, camp *models.Campaign) {
		row.Status = models.ContactStatusSkipped
		row.ErrorMessage = &reason
		camp.SkippedCount++
	})
}

func (f *fakeStore) FailStaleClaims(ctx context.Context, before time.Time, reason string, at time.Time) ([]uint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[uint]bool{}
	var ids []uint
	for _, c := range f.contacts {
		if c.Status == models.ContactStatusSending && c.ClaimedAt != nil && c.ClaimedAt.Before(before) {
			c.Status = models.ContactStatusFailed
			c.ErrorMessage = &reason
			f.campaigns[c.CampaignID].FailedCount++
			if !seen[c.CampaignID] {
				seen[c.CampaignID] = true
				ids = append(ids, c.CampaignID)
			}
		}
	}
	slices.Sort(ids)
	return ids, nil
}
