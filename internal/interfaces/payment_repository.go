package interfaces

import (
	"context"
	"time"

	"github.com/akylbek/payment-system/escrow-engine/internal/models"
)

// PaymentRepository defines the contract for payment ledger data access
type PaymentRepository interface {
	Insert(ctx context.Context, p *models.Payment) error
	GetByID(ctx context.Context, id string) (*models.Payment, error)
	GetByProviderPaymentID(ctx context.Context, providerCode, providerPaymentID string) (*models.Payment, error)

	// CompareAndSet writes p only if the stored row still has expectedStatus and
	// expectedVersion. It reports whether the row was written.
	CompareAndSet(ctx context.Context, p *models.Payment, expectedStatus models.PaymentStatus, expectedVersion int64, actor string) (bool, error)

	ListDueHeld(ctx context.Context, now time.Time, limit int) ([]*models.Payment, error)
	ListTransitions(ctx context.Context, paymentID string) ([]models.Transition, error)

	// RecordWebhookEvent stores the event and reports false if it was already recorded.
	RecordWebhookEvent(ctx context.Context, rec *models.WebhookRecord) (bool, error)
	GetWebhookEvent(ctx context.Context, providerCode, eventID string) (*models.WebhookRecord, error)
	MarkWebhookEventProcessed(ctx context.Context, providerCode, eventID, processErr string) error
}

// Lease is a best-effort cross-process mutex with expiry. Holding it is an
// optimisation; correctness still rests on the ledger's compare-and-set.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// EventPublisher announces committed state changes
type EventPublisher interface {
	Publish(ctx context.Context, change models.StateChange) error
	Close() error
}
