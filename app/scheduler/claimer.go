package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
)

// ClaimOutcome is the result of one claim
type ClaimOutcome int

const (
	// ClaimReady hands back a contact to deliver
	ClaimReady ClaimOutcome = iota
	// ClaimSkipped means the claimed row was a duplicate and was resolved as skipped
	ClaimSkipped
	// ClaimExhausted means no pending row is left
	ClaimExhausted
)

func (o ClaimOutcome) String() string {
	switch o {
	case ClaimReady:
		return "ready"
	case ClaimSkipped:
		return "skipped"
	case ClaimExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("ClaimOutcome(%d)", int(o))
	}
}

// Claim is one claimed contact with the counters after a skip, if any
type Claim struct {
	Outcome  ClaimOutcome
	Contact  *models.CampaignContact
	Counters *models.CampaignCounters
}

// Claimer hands out one not-yet-attempted contact at a time
type Claimer struct {
	store Store
	now   func() time.Time
}

// NewClaimer creates a claimer over the store
func NewClaimer(store Store, now func() time.Time) *Claimer {
	if now == nil {
		now = utils.UTCNow
	}
	return &Claimer{store: store, now: now}
}

// Next claims the oldest pending contact of the campaign. A claimed row whose phone
// already reached sent through another row, or is still in flight on an older row,
// is resolved as skipped right away.
func (c *Claimer) Next(ctx context.Context, campaignID uint) (*Claim, error) {
	contact, err := c.store.ClaimNext(ctx, campaignID, c.now())
	if err != nil {
		return nil, err
	}
	if contact == nil {
		return &Claim{Outcome: ClaimExhausted}, nil
	}

	dup, err := c.store.HasDeliveredDuplicate(ctx, campaignID, contact.Phone, contact.ID)
	if err != nil {
		return nil, fmt.Errorf("duplicate check for contact %d: %w", contact.ID, err)
	}
	if !dup {
		return &Claim{Outcome: ClaimReady, Contact: contact}, nil
	}

	counters, err := c.store.RecordSkipped(ctx, contact, utils.ReasonDuplicateRecipient, c.now())
	if err != nil {
		return nil, fmt.Errorf("skip duplicate contact %d: %w", contact.ID, err)
	}
	return &Claim{Outcome: ClaimSkipped, Contact: contact, Counters: counters}, nil
}
