package models

import (
	"encoding/json"
	"time"
)

type WebhookEventType string

const (
	EventPaymentCompleted  WebhookEventType = "payment.completed"
	EventPaymentProcessing WebhookEventType = "payment.processing"
	EventPaymentFailed     WebhookEventType = "payment.failed"
	EventPaymentCancelled  WebhookEventType = "payment.cancelled"
	EventRefundCompleted   WebhookEventType = "refund.completed"
	EventDisputeOpened     WebhookEventType = "dispute.opened"
	EventUnknown           WebhookEventType = "unknown"
)

// WebhookEvent is a provider notification normalized by an adapter.
type WebhookEvent struct {
	EventID           string           `json:"event_id"`
	EventType         WebhookEventType `json:"event_type"`
	ProviderEventType string           `json:"provider_event_type"`
	ProviderPaymentID string           `json:"provider_payment_id"`
	Data              json.RawMessage  `json:"data,omitempty"`
	Timestamp         time.Time        `json:"timestamp"`
}

// WebhookRecord is the stored copy of a received event, deduplicated per provider.
type WebhookRecord struct {
	ID           string
	ProviderCode string
	EventID      string
	EventType    string
	Payload      []byte
	ReceivedAt   time.Time
	ProcessedAt  *time.Time
	ProcessError string
}
