package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/models"
)

var (
	// ErrGatewayNotConfigured is returned when credentials or the instance are missing
	ErrGatewayNotConfigured = errors.New("messaging gateway is not configured")
	// ErrGatewayNoAck is returned when a 2xx response carries no acknowledgment
	ErrGatewayNoAck = errors.New("gateway response carried no acknowledgment")
)

// GatewayMessage is one outbound message for one recipient
type GatewayMessage struct {
	Instance  string
	Recipient string
	Text      string
	Media     *MediaPayload
}

// GatewayResult is an affirmative acknowledgment from the gateway
type GatewayResult struct {
	ProviderMessageID string
}

// GatewayClient sends one message through the messaging gateway
type GatewayClient interface {
	Send(ctx context.Context, msg GatewayMessage) (*GatewayResult, error)
}

type httpGatewayClient struct {
	cfg    config.GatewayConfig
	client *http.Client
}

// NewGatewayClient creates the HTTP messaging gateway client. The per-attempt ceiling
// is enforced by the delivery client; cfg.Timeout only bounds the transport.
func NewGatewayClient(cfg config.GatewayConfig) GatewayClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &httpGatewayClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sendMediaRequest struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	MimeType  string `json:"mimetype"`
	Caption   string `json:"caption,omitempty"`
	Media     string `json:"media"`
	FileName  string `json:"fileName,omitempty"`
}

type sendResponse struct {
	Key *struct {
		ID string `json:"id"`
	} `json:"key"`
	Status  string `json:"status"`
	Success *bool  `json:"success"`
	Message any    `json:"message"`
}

// Send posts a text or media message
func (c *httpGatewayClient) Send(ctx context.Context, msg GatewayMessage) (*GatewayResult, error) {
	if c.cfg.BaseURL == "" || c.cfg.APIKey == "" || msg.Instance == "" {
		return nil, ErrGatewayNotConfigured
	}

	var (
		endpoint string
		payload  any
	)
	if msg.Media != nil {
		endpoint = "message/sendMedia/"
		payload = sendMediaRequest{
			Number:    msg.Recipient,
			MediaType: string(msg.Media.Kind),
			MimeType:  msg.Media.MimeType,
			Caption:   msg.Text,
			Media:     msg.Media.Base64,
			FileName:  msg.Media.FileName,
		}
	} else {
		endpoint = "message/sendText/"
		payload = sendTextRequest{Number: msg.Recipient, Text: msg.Text}
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + endpoint + url.PathEscape(msg.Instance)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out sendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayNoAck, err)
	}
	if out.Key != nil && out.Key.ID != "" {
		return &GatewayResult{ProviderMessageID: out.Key.ID}, nil
	}
	if out.Success != nil && *out.Success {
		return &GatewayResult{}, nil
	}
	return nil, ErrGatewayNoAck
}

// SendRecord is a message captured by the mock gateway
type SendRecord struct {
	Message GatewayMessage
	SentAt  time.Time
}

// MockGateway implements GatewayClient for development and tests.
// SendFunc, when set, decides the outcome of each call.
type MockGateway struct {
	SendFunc func(ctx context.Context, msg GatewayMessage) (*GatewayResult, error)

	mu    sync.Mutex
	calls []SendRecord
}

// NewMockGateway creates a mock gateway that acknowledges every message
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

// Send records the message and returns the SendFunc outcome or a generated id
func (m *MockGateway) Send(ctx context.Context, msg GatewayMessage) (*GatewayResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, SendRecord{Message: msg, SentAt: time.Now().UTC()})
	n := len(m.calls)
	fn := m.SendFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, msg)
	}
	return &GatewayResult{ProviderMessageID: fmt.Sprintf("mock-%d", n)}, nil
}

// Calls returns a copy of every recorded message
func (m *MockGateway) Calls() []SendRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SendRecord, len(m.calls))
	copy(out, m.calls)
	return out
}

// MediaKindFor maps a MIME type to the gateway media category
func MediaKindFor(mime string) models.MediaKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return models.MediaKindImage
	case strings.HasPrefix(mime, "video/"):
		return models.MediaKindVideo
	case strings.HasPrefix(mime, "audio/"):
		return models.MediaKindAudio
	default:
		return models.MediaKindDocument
	}
}

// ErrInstanceNotSelected is returned when neither the campaign nor the configuration names an instance
var ErrInstanceNotSelected = errors.New("no gateway instance selected")

// ResolveInstance returns the campaign's gateway instance, or the configured default
func ResolveInstance(cfg config.GatewayConfig, campaign *models.Campaign) string {
	if campaign.GatewayInstance != nil && strings.TrimSpace(*campaign.GatewayInstance) != "" {
		return strings.TrimSpace(*campaign.GatewayInstance)
	}
	return cfg.DefaultInstance
}

// CheckDispatchable reports configuration errors that make delivering a campaign
// impossible: missing gateway credentials or no instance selection.
func CheckDispatchable(cfg config.GatewayConfig, campaign *models.Campaign) error {
	if cfg.Provider == "mock" {
		if ResolveInstance(cfg, campaign) == "" {
			return ErrInstanceNotSelected
		}
		return nil
	}
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return ErrGatewayNotConfigured
	}
	if ResolveInstance(cfg, campaign) == "" {
		return ErrInstanceNotSelected
	}
	return nil
}
