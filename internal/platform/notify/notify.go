// Package notify publishes scheduling lifecycle events to interested
// parties. Delivery is fire-and-forget: the engine's state transitions never
// wait on, or fail because of, a notification.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types emitted by the scheduling engine.
const (
	EventBlockPendingRenewal = "block.pending_renewal"
	EventBlockDismissed      = "block.dismissed"
	EventBlockRenewed        = "block.renewed"
	EventAssignmentCancelled = "assignment.cancelled"
)

// Event is one scheduling lifecycle notification.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	BlockID   uuid.UUID       `json:"block_id"`
	PatientID uuid.UUID       `json:"patient_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher delivers events. Implementations must not block the caller beyond
// queueing; slow transports do their work on their own goroutines.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// LogPublisher writes events to the structured log. It is the default when no
// webhook targets are configured, and the publisher the test suite inspects.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, event Event) {
	p.logger.Info().
		Str("event_type", event.Type).
		Str("event_id", event.ID.String()).
		Str("block_id", event.BlockID.String()).
		Str("patient_id", event.PatientID.String()).
		Msg("scheduling event")
}

// DeliveryAttempt records a single webhook POST for one event.
type DeliveryAttempt struct {
	ID         uuid.UUID     `json:"id"`
	URL        string        `json:"url"`
	EventID    uuid.UUID     `json:"event_id"`
	EventType  string        `json:"event_type"`
	Attempt    int           `json:"attempt"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration_ns"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches SignPayload(payload, secret).
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// WebhookOption configures a WebhookPublisher.
type WebhookOption func(*WebhookPublisher)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(p *WebhookPublisher) { p.httpClient = c }
}

// WithMaxAttempts sets how many times one delivery is tried before giving up.
func WithMaxAttempts(n int) WebhookOption {
	return func(p *WebhookPublisher) { p.maxAttempts = n }
}

// WithRetryDelay sets the pause between delivery attempts.
func WithRetryDelay(d time.Duration) WebhookOption {
	return func(p *WebhookPublisher) { p.retryDelay = d }
}

// WebhookPublisher POSTs each event to every configured URL, signing the body
// with HMAC-SHA256. Deliveries run on a goroutine per event; failures are
// retried a bounded number of times and logged, never surfaced to the caller.
type WebhookPublisher struct {
	urls        []string
	secret      string
	httpClient  *http.Client
	maxAttempts int
	retryDelay  time.Duration
	logger      zerolog.Logger

	mu  sync.Mutex
	log []DeliveryAttempt

	wg sync.WaitGroup
}

func NewWebhookPublisher(urls []string, secret string, logger zerolog.Logger, opts ...WebhookOption) *WebhookPublisher {
	p := &WebhookPublisher{
		urls:        urls,
		secret:      secret,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		maxAttempts: 3,
		retryDelay:  time.Second,
		logger:      logger,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *WebhookPublisher) Publish(_ context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Str("event_type", event.Type).Msg("marshal event")
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for _, u := range p.urls {
			p.deliver(u, event, payload)
		}
	}()
}

// Wait blocks until all in-flight deliveries finish. Used by shutdown and
// tests.
func (p *WebhookPublisher) Wait() { p.wg.Wait() }

// Deliveries returns a copy of the delivery log.
func (p *WebhookPublisher) Deliveries() []DeliveryAttempt {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]DeliveryAttempt, len(p.log))
	copy(out, p.log)
	return out
}

func (p *WebhookPublisher) deliver(url string, event Event, payload []byte) {
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		rec := p.post(url, event, payload, attempt)
		p.mu.Lock()
		p.log = append(p.log, rec)
		p.mu.Unlock()

		if rec.Error == "" {
			return
		}
		p.logger.Warn().
			Str("url", url).
			Str("event_type", event.Type).
			Int("attempt", attempt).
			Str("error", rec.Error).
			Msg("webhook delivery failed")
		if attempt < p.maxAttempts {
			time.Sleep(p.retryDelay)
		}
	}
}

func (p *WebhookPublisher) post(url string, event Event, payload []byte, attempt int) DeliveryAttempt {
	rec := DeliveryAttempt{
		ID:        uuid.New(),
		URL:       url,
		EventID:   event.ID,
		EventType: event.Type,
		Attempt:   attempt,
		CreatedAt: time.Now(),
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		rec.Error = err.Error()
		return rec
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, p.secret))
	req.Header.Set("X-Webhook-Timestamp", rec.CreatedAt.UTC().Format(time.RFC3339))

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	rec.Duration = time.Since(start)
	if err != nil {
		rec.Error = err.Error()
		return rec
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	rec.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rec.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return rec
}
