package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CampaignRepositoryImpl implements the CampaignRepository interface
type CampaignRepositoryImpl struct {
	*BaseRepository[models.Campaign, models.CampaignFilter]
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(db *gorm.DB) CampaignRepository {
	return &CampaignRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Campaign, models.CampaignFilter](db),
	}
}

// ByFilter retrieves campaigns based on filter criteria
func (r *CampaignRepositoryImpl) ByFilter(ctx context.Context, filter models.CampaignFilter, orderBy string, limit, offset int) ([]*models.Campaign, error) {
	db := r.getDB(ctx)
	query := db.Model(&models.Campaign{})

	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.TenantID != nil {
		query = query.Where("tenant_id = ?", *filter.TenantID)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status = ANY(?)", pq.Array(statusStrings(filter.Statuses)))
	}

	if orderBy == "" {
		orderBy = "id ASC"
	}
	query = query.Order(orderBy)

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var campaigns []*models.Campaign
	if err := query.Find(&campaigns).Error; err != nil {
		return nil, fmt.Errorf("failed to find campaigns: %w", err)
	}

	return campaigns, nil
}

// ByIDForUpdate loads a campaign with SELECT ... FOR UPDATE
func (r *CampaignRepositoryImpl) ByIDForUpdate(ctx context.Context, id uint) (*models.Campaign, error) {
	db := r.getDB(ctx)

	var campaign models.Campaign
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&campaign, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock campaign %d: %w", id, err)
	}

	return &campaign, nil
}

// ListRunnable returns running campaigns and scheduled campaigns that are due
func (r *CampaignRepositoryImpl) ListRunnable(ctx context.Context, now time.Time) ([]*models.Campaign, error) {
	db := r.getDB(ctx)

	var campaigns []*models.Campaign
	err := db.Model(&models.Campaign{}).
		Where("status = ? OR (status = ? AND (scheduled_at IS NULL OR scheduled_at <= ?))",
			models.CampaignStatusRunning, models.CampaignStatusScheduled, now).
		Order("id ASC").
		Find(&campaigns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list runnable campaigns: %w", err)
	}

	return campaigns, nil
}

// TransitionStatus performs a guarded status change. It reports false when the
// current status was not one of `from`.
func (r *CampaignRepositoryImpl) TransitionStatus(ctx context.Context, id uint, from []models.CampaignStatus, to models.CampaignStatus, at time.Time) (bool, error) {
	db := r.getDB(ctx)

	updates := map[string]any{
		"status":     to,
		"updated_at": at,
	}
	switch to {
	case models.CampaignStatusRunning:
		updates["started_at"] = gorm.Expr("COALESCE(started_at, ?)", at)
	case models.CampaignStatusCompleted, models.CampaignStatusCancelled:
		updates["completed_at"] = at
	}

	res := db.Model(&models.Campaign{}).
		Where("id = ? AND status = ANY(?)", id, pq.Array(statusStrings(from))).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to move campaign %d to %s: %w", id, to, res.Error)
	}

	return res.RowsAffected == 1, nil
}

// IncrementCounters adds delta to the delivery counters and returns the new values
func (r *CampaignRepositoryImpl) IncrementCounters(ctx context.Context, id uint, delta models.CampaignCounters) (*models.CampaignCounters, error) {
	db := r.getDB(ctx)

	var out models.CampaignCounters
	err := db.Raw(`
		UPDATE campaigns
		SET sent_count = sent_count + ?,
		    failed_count = failed_count + ?,
		    skipped_count = skipped_count + ?,
		    updated_at = NOW()
		WHERE id = ?
		RETURNING sent_count AS sent, failed_count AS failed, skipped_count AS skipped, total_contacts AS total`,
		delta.Sent, delta.Failed, delta.Skipped, id).
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to increment counters of campaign %d: %w", id, err)
	}

	return &out, nil
}

// RecomputeCounters rebuilds the counters from the contact rows
func (r *CampaignRepositoryImpl) RecomputeCounters(ctx context.Context, id uint) error {
	db := r.getDB(ctx)

	err := db.Exec(`
		UPDATE campaigns c
		SET sent_count = s.sent,
		    failed_count = s.failed,
		    skipped_count = s.skipped,
		    total_contacts = s.total,
		    updated_at = NOW()
		FROM (
			SELECT COUNT(*) FILTER (WHERE status = 'sent') AS sent,
			       COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			       COUNT(*) FILTER (WHERE status = 'skipped') AS skipped,
			       COUNT(*) AS total
			FROM campaign_contacts
			WHERE campaign_id = ?
		) s
		WHERE c.id = ?`, id, id).Error
	if err != nil {
		return fmt.Errorf("failed to recompute counters of campaign %d: %w", id, err)
	}

	return nil
}

// ResetCounters zeroes the delivery counters and sets the contact total
func (r *CampaignRepositoryImpl) ResetCounters(ctx context.Context, id uint, total int) error {
	db := r.getDB(ctx)

	err := db.Model(&models.Campaign{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"sent_count":     0,
			"failed_count":   0,
			"skipped_count":  0,
			"total_contacts": total,
			"completed_at":   nil,
			"updated_at":     gorm.Expr("NOW()"),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to reset counters of campaign %d: %w", id, err)
	}

	return nil
}

func statusStrings(statuses []models.CampaignStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
