package events

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/escrow-engine/internal/apperr"
	"github.com/akylbek/payment-system/escrow-engine/internal/telemetry"
)

const (
	relayGroupID    = "escrow-engine-webhooks"
	HeaderProvider  = "provider"
	HeaderSignature = "signature"
)

// WebhookFunc processes one raw provider delivery.
type WebhookFunc func(ctx context.Context, providerCode string, raw []byte, signature string) error

// WebhookRelay consumes webhook deliveries that an edge gateway forwarded to
// Kafka unchanged. The provider code and signature travel as headers.
type WebhookRelay struct {
	reader     *kafka.Reader
	handle     WebhookFunc
	newBackOff func() backoff.BackOff
}

func NewWebhookRelay(brokers, topic string, handle WebhookFunc) *WebhookRelay {
	return &WebhookRelay{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  strings.Split(brokers, ","),
			Topic:    topic,
			GroupID:  relayGroupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		handle:     handle,
		newBackOff: relayBackOff,
	}
}

func relayBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 10 * time.Minute
	return b
}

// Run commits a message only once it is settled: handled, or rejected for
// good. Shutdown mid-retry leaves the offset for the next consumer.
func (r *WebhookRelay) Run(ctx context.Context) error {
	defer r.reader.Close()
	telemetry.Logger.Info("Started consuming relayed webhooks", zap.String("topic", r.reader.Config().Topic))

	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			telemetry.Logger.Error("Error reading message from Kafka", zap.Error(err))
			continue
		}

		if !r.process(ctx, msg) {
			return ctx.Err()
		}
		if err := r.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			telemetry.Logger.Error("Error committing Kafka offset", zap.Error(err))
		}
	}
}

// process handles msg, retrying transient failures. It returns false when
// ctx ended before the message settled.
func (r *WebhookRelay) process(ctx context.Context, msg kafka.Message) bool {
	provider, signature := relayHeaders(msg.Headers)
	if provider == "" {
		telemetry.Logger.Warn("Relayed webhook without provider header", zap.Int64("offset", msg.Offset))
		return true
	}

	op := func() error {
		err := r.handle(ctx, provider, msg.Value, signature)
		switch apperr.KindOf(err) {
		case apperr.Authenticity, apperr.Validation, apperr.InvalidTransition:
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		telemetry.Logger.Warn("Retrying relayed webhook",
			zap.String("provider", provider),
			zap.Int64("offset", msg.Offset),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(r.newBackOff(), ctx), notify)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		telemetry.Logger.Error("Dropping relayed webhook",
			zap.String("provider", provider),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
	}
	return true
}

func relayHeaders(headers []kafka.Header) (provider, signature string) {
	for _, h := range headers {
		switch strings.ToLower(h.Key) {
		case HeaderProvider:
			provider = string(h.Value)
		case HeaderSignature:
			signature = string(h.Value)
		}
	}
	return provider, signature
}
