// Package events publishes redemption outcomes to RabbitMQ.
package events

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/RedeemFox/app/models"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/env"
)

const (
	Exchange        = "redeemfox.events"
	RoutingRecorded = "exchange.recorded"
)

// Recorded is the payload of exchange.recorded.
type Recorded struct {
	RequestID       string    `json:"request_id"`
	Status          string    `json:"status"`
	Stage           string    `json:"stage"`
	Reason          string    `json:"reason,omitempty"`
	CardType        int       `json:"card_type"`
	Country         string    `json:"country"`
	Currency        string    `json:"currency"`
	OriginalBalance float64   `json:"original_balance"`
	Rate            float64   `json:"rate"`
	ConvertedAmount float64   `json:"converted_amount"`
	AccountID       *uint     `json:"account_id,omitempty"`
	PlanID          *uint     `json:"plan_id,omitempty"`
	TransactionID   string    `json:"transaction_id,omitempty"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// FromRecord builds the event for a stored record. The card code is left out.
func FromRecord(rec *models.ExchangeRecord) Recorded {
	return Recorded{
		RequestID:       rec.RequestID,
		Status:          rec.Status,
		Stage:           rec.Stage,
		Reason:          rec.Reason,
		CardType:        rec.CardType,
		Country:         rec.Country,
		Currency:        rec.Currency,
		OriginalBalance: rec.OriginalBalance,
		Rate:            rec.Rate,
		ConvertedAmount: rec.ConvertedAmount,
		AccountID:       rec.AccountID,
		PlanID:          rec.PlanID,
		TransactionID:   rec.TransactionID,
		RecordedAt:      rec.CreatedAt,
	}
}

// Publisher is implemented by Producer and LoggingPublisher.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body any) error
	Close()
}

// PublishRecorded sends the exchange.recorded event for rec.
func PublishRecorded(ctx context.Context, p Publisher, rec *models.ExchangeRecord) error {
	return p.Publish(ctx, Exchange, RoutingRecorded, FromRecord(rec))
}

// LoggingPublisher stands in when RabbitMQ is not configured or unreachable.
type LoggingPublisher struct{}

func (LoggingPublisher) Publish(_ context.Context, exchange, routingKey string, _ any) error {
	log.Warnf("[Events] Publish skipped (no broker): exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (LoggingPublisher) Close() {}

// NewFromEnv connects to AMQP_URL, falling back to LoggingPublisher when the
// URL is empty or the broker cannot be reached.
func NewFromEnv() Publisher {
	url := env.GetEnv("AMQP_URL", "")
	if url == "" {
		log.Info("[Events] AMQP_URL not set, using logging publisher")
		return LoggingPublisher{}
	}
	p, err := NewProducer(url)
	if err != nil {
		log.Warnf("[Events] RabbitMQ unavailable, using logging publisher: %v", err)
		return LoggingPublisher{}
	}
	log.Info("[Events] Connected to RabbitMQ")
	return p
}

// Fanout delivers every event to all publishers. The first error is returned
// after all publishers have been tried.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, exchange, routingKey, body); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f Fanout) Close() {
	for _, p := range f {
		p.Close()
	}
}
