package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/streadway/amqp"
)

// ProgressOutcome names the result a progress event reports
type ProgressOutcome string

const (
	ProgressOutcomeSent    ProgressOutcome = "sent"
	ProgressOutcomeFailed  ProgressOutcome = "failed"
	ProgressOutcomeSkipped ProgressOutcome = "skipped"
)

// ProgressEvent is the best-effort notification emitted after each contact outcome
type ProgressEvent struct {
	ID         string                  `json:"id"`
	CampaignID uint                    `json:"campaign_id"`
	TenantID   uint                    `json:"tenant_id"`
	ContactID  uint                    `json:"contact_id"`
	Recipient  string                  `json:"recipient"`
	Outcome    ProgressOutcome         `json:"outcome"`
	Reason     string                  `json:"reason,omitempty"`
	Counters   models.CampaignCounters `json:"counters"`
	OccurredAt time.Time               `json:"occurred_at"`
}

// NewProgressEvent stamps a fresh id and timestamp
func NewProgressEvent(contact *models.CampaignContact, tenantID uint, outcome ProgressOutcome, reason string, counters models.CampaignCounters, at time.Time) ProgressEvent {
	return ProgressEvent{
		ID:         uuid.NewString(),
		CampaignID: contact.CampaignID,
		TenantID:   tenantID,
		ContactID:  contact.ID,
		Recipient:  contact.Phone,
		Outcome:    outcome,
		Reason:     reason,
		Counters:   counters,
		OccurredAt: at,
	}
}

// ProgressPublisher delivers progress events to the event bus.
// A publish failure never affects the send it reports.
type ProgressPublisher interface {
	Publish(ctx context.Context, ev ProgressEvent) error
	Close() error
}

// NoopPublisher discards every event
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, ProgressEvent) error { return nil }
func (NoopPublisher) Close() error                                 { return nil }

type redisPublisher struct {
	rc      *redis.Client
	channel string
}

// NewRedisPublisher publishes events as JSON on a Pub/Sub channel
func NewRedisPublisher(rc *redis.Client, channel string) ProgressPublisher {
	if channel == "" {
		channel = "dispatch.progress"
	}
	return &redisPublisher{rc: rc, channel: channel}
}

func (p *redisPublisher) Publish(ctx context.Context, ev ProgressEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.rc.Publish(ctx, p.channel, b).Err(); err != nil {
		return fmt.Errorf("failed to publish progress event: %w", err)
	}
	return nil
}

// Close leaves the shared client open; its owner closes it
func (p *redisPublisher) Close() error { return nil }

type amqpPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewAMQPPublisher connects to the broker and declares a durable fanout exchange
func NewAMQPPublisher(url, exchange string) (ProgressPublisher, error) {
	if exchange == "" {
		exchange = "dispatch.progress"
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"fanout", // kind
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &amqpPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish writes one persistent message to the exchange. The amqp client takes no
// context, so ctx is only checked before the write.
func (p *amqpPublisher) Publish(ctx context.Context, ev ProgressEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.Publish(p.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.OccurredAt,
		Body:         b,
	})
	if err != nil {
		return fmt.Errorf("failed to publish progress event: %w", err)
	}
	return nil
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}

// RecordingPublisher keeps published events in memory
type RecordingPublisher struct {
	mu     sync.Mutex
	Events []ProgressEvent
	Err    error
}

func (r *RecordingPublisher) Publish(_ context.Context, ev ProgressEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, ev)
	return r.Err
}

func (r *RecordingPublisher) Close() error { return nil }

// Snapshot returns a copy of the recorded events
func (r *RecordingPublisher) Snapshot() []ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProgressEvent, len(r.Events))
	copy(out, r.Events)
	return out
}
