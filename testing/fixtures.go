package testing

import (
	"fmt"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
)

// TestFixtures provides helper methods for creating test data
type TestFixtures struct {
	DB *TestDB
}

// NewTestFixtures creates a new test fixtures instance
func NewTestFixtures(db *TestDB) *TestFixtures {
	return &TestFixtures{DB: db}
}

// CreateTestCampaign creates a campaign in the given status with no send window
func (tf *TestFixtures) CreateTestCampaign(status models.CampaignStatus) (*models.Campaign, error) {
	campaign := &models.Campaign{
		TenantID:        1,
		Name:            "Test Campaign",
		MessageTemplate: "Hello {name}",
		Timezone:        "UTC",
		DelayMin:        0,
		DelayMax:        0,
		GatewayInstance: utils.ToPtr("test-instance"),
		Status:          status,
	}

	if err := tf.DB.DB.Create(campaign).Error; err != nil {
		return nil, fmt.Errorf("failed to create test campaign: %w", err)
	}

	return campaign, nil
}

// CreateTestContacts inserts pending contacts for the given phones, in order
func (tf *TestFixtures) CreateTestContacts(campaignID uint, phones ...string) ([]*models.CampaignContact, error) {
	contacts := make([]*models.CampaignContact, 0, len(phones))
	for i, phone := range phones {
		contacts = append(contacts, &models.CampaignContact{
			CampaignID: campaignID,
			Phone:      phone,
			Name:       fmt.Sprintf("Contact %d", i+1),
			Variables:  models.ContactVariables{},
			Status:     models.ContactStatusPending,
		})
	}

	if len(contacts) > 0 {
		if err := tf.DB.DB.Create(&contacts).Error; err != nil {
			return nil, fmt.Errorf("failed to create test contacts: %w", err)
		}
	}

	if err := tf.DB.DB.Model(&models.Campaign{}).Where("id = ?", campaignID).
		Update("total_contacts", len(contacts)).Error; err != nil {
		return nil, fmt.Errorf("failed to update total contacts: %w", err)
	}

	return contacts, nil
}
