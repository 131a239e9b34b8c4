package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"gorm.io/gorm"
)

// CampaignContactRepositoryImpl implements the CampaignContactRepository interface
type CampaignContactRepositoryImpl struct {
	*BaseRepository[models.CampaignContact, models.CampaignContactFilter]
}

// NewCampaignContactRepository creates a new campaign contact repository
func NewCampaignContactRepository(db *gorm.DB) CampaignContactRepository {
	return &CampaignContactRepositoryImpl{
		BaseRepository: NewBaseRepository[models.CampaignContact, models.CampaignContactFilter](db),
	}
}

// ByFilter retrieves campaign contacts based on filter criteria
func (r *CampaignContactRepositoryImpl) ByFilter(ctx context.Context, filter models.CampaignContactFilter, orderBy string, limit, offset int) ([]*models.CampaignContact, error) {
	db := r.getDB(ctx)
	query := db.Model(&models.CampaignContact{})

	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.CampaignID != nil {
		query = query.Where("campaign_id = ?", *filter.CampaignID)
	}
	if filter.Phone != nil {
		query = query.Where("phone = ?", *filter.Phone)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
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

	var contacts []*models.CampaignContact
	if err := query.Find(&contacts).Error; err != nil {
		return nil, fmt.Errorf("failed to find campaign contacts: %w", err)
	}

	return contacts, nil
}

// ClaimNext moves the oldest pending row to sending in a single statement.
// SKIP LOCKED lets concurrent claimers pass over a row another claimer holds,
// so no two callers ever receive the same row.
func (r *CampaignContactRepositoryImpl) ClaimNext(ctx context.Context, campaignID uint, at time.Time) (*models.CampaignContact, error) {
	db := r.getDB(ctx)

	var contact models.CampaignContact
	err := db.Raw(`
		UPDATE campaign_contacts
		SET status = ?, claimed_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM campaign_contacts
			WHERE campaign_id = ? AND status = ?
			ORDER BY id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`,
		models.ContactStatusSending, at, at, campaignID, models.ContactStatusPending).
		Scan(&contact).Error
	if err != nil {
		return nil, fmt.Errorf("failed to claim contact of campaign %d: %w", campaignID, err)
	}

	if contact.ID == 0 {
		return nil, nil
	}

	return &contact, nil
}

// HasDeliveredDuplicate reports whether another row of the campaign with the same phone
// was already sent, or is an older row still in sending whose outcome is not recorded yet
func (r *CampaignContactRepositoryImpl) HasDeliveredDuplicate(ctx context.Context, campaignID uint, phone string, excludeID uint) (bool, error) {
	db := r.getDB(ctx)

	var count int64
	err := db.Model(&models.CampaignContact{}).
		Where("campaign_id = ? AND phone = ? AND id <> ?", campaignID, phone, excludeID).
		Where("(status = ? OR (status = ? AND id < ?))",
			models.ContactStatusSent, models.ContactStatusSending, excludeID).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check duplicate phone for campaign %d: %w", campaignID, err)
	}

	return count > 0, nil
}

// MarkSent resolves a claimed row as sent
func (r *CampaignContactRepositoryImpl) MarkSent(ctx context.Context, id uint, providerMessageID *string, at time.Time) (bool, error) {
	return r.resolve(ctx, id, map[string]any{
		"status":              models.ContactStatusSent,
		"sent_at":             at,
		"provider_message_id": providerMessageID,
		"error_message":       nil,
		"attempts":            gorm.Expr("attempts + 1"),
		"updated_at":          at,
	})
}

// MarkFailed resolves a claimed row as failed with a reason
func (r *CampaignContactRepositoryImpl) MarkFailed(ctx context.Context, id uint, reason string, attempts int, at time.Time) (bool, error) {
	return r.resolve(ctx, id, map[string]any{
		"status":        models.ContactStatusFailed,
		"error_message": reason,
		"attempts":      gorm.Expr("attempts + ?", attempts),
		"updated_at":    at,
	})
}

// MarkSkipped resolves a claimed row as skipped without a send
func (r *CampaignContactRepositoryImpl) MarkSkipped(ctx context.Context, id uint, reason string, at time.Time) (bool, error) {
	return r.resolve(ctx, id, map[string]any{
		"status":        models.ContactStatusSkipped,
		"error_message": reason,
		"updated_at":    at,
	})
}

// resolve only touches rows still in sending; a row resolved elsewhere is left as is
func (r *CampaignContactRepositoryImpl) resolve(ctx context.Context, id uint, updates map[string]any) (bool, error) {
	db := r.getDB(ctx)

	res := db.Model(&models.CampaignContact{}).
		Where("id = ? AND status = ?", id, models.ContactStatusSending).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to resolve contact %d: %w", id, res.Error)
	}

	return res.RowsAffected == 1, nil
}

// ReplaceForCampaign deletes every contact of the campaign and inserts the given set
func (r *CampaignContactRepositoryImpl) ReplaceForCampaign(ctx context.Context, campaignID uint, contacts []*models.CampaignContact) (err error) {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return err
	}
	defer func() { err = finish(db, shouldCommit, err) }()

	if err = db.Where("campaign_id = ?", campaignID).Delete(&models.CampaignContact{}).Error; err != nil {
		return fmt.Errorf("failed to delete contacts of campaign %d: %w", campaignID, err)
	}

	if len(contacts) == 0 {
		return nil
	}

	for _, c := range contacts {
		c.ID = 0
		c.CampaignID = campaignID
		c.Status = models.ContactStatusPending
	}

	if err = db.CreateInBatches(contacts, 100).Error; err != nil {
		return fmt.Errorf("failed to insert contacts of campaign %d: %w", campaignID, err)
	}

	return nil
}

// CountByStatus groups the contact rows of a campaign by status
func (r *CampaignContactRepositoryImpl) CountByStatus(ctx context.Context, campaignID uint) (map[models.ContactStatus]int64, error) {
	db := r.getDB(ctx)

	var rows []struct {
		Status models.ContactStatus
		Count  int64
	}
	err := db.Model(&models.CampaignContact{}).
		Select("status, COUNT(*) AS count").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count contacts of campaign %d: %w", campaignID, err)
	}

	out := make(map[models.ContactStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}

	return out, nil
}

// FailStaleSending resolves rows stuck in sending since before `before` as failed.
// The message may or may not have reached the gateway, so the row is never re-sent.
func (r *CampaignContactRepositoryImpl) FailStaleSending(ctx context.Context, before time.Time, reason string, at time.Time) ([]uint, error) {
	db := r.getDB(ctx)

	var ids []uint
	err := db.Raw(`
		WITH stale AS (
			UPDATE campaign_contacts
			SET status = ?, error_message = ?, updated_at = ?
			WHERE status = ? AND claimed_at < ?
			RETURNING campaign_id
		)
		SELECT DISTINCT campaign_id FROM stale ORDER BY campaign_id`,
		models.ContactStatusFailed, reason, at, models.ContactStatusSending, before).
		Scan(&ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fail stale contacts: %w", err)
	}

	return ids, nil
}
