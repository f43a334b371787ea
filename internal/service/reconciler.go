package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/escrow-engine/internal/apperr"
	"github.com/akylbek/payment-system/escrow-engine/internal/interfaces"
	"github.com/akylbek/payment-system/escrow-engine/internal/models"
	"github.com/akylbek/payment-system/escrow-engine/internal/providers"
	"github.com/akylbek/payment-system/escrow-engine/internal/telemetry"
)

type WebhookOutcome string

const (
	OutcomeApplied        WebhookOutcome = "applied"
	OutcomeAlreadyApplied WebhookOutcome = "already_applied"
	OutcomeDuplicate      WebhookOutcome = "duplicate"
	OutcomeIgnored        WebhookOutcome = "ignored"
)

type WebhookResult struct {
	Outcome   WebhookOutcome          `json:"outcome"`
	EventID   string                  `json:"event_id"`
	EventType models.WebhookEventType `json:"event_type"`
	PaymentID string                  `json:"payment_id,omitempty"`
	Status    models.PaymentStatus    `json:"status,omitempty"`
}

// escrowTracker is the part of Scheduler the reconciler and orchestrator need.
type escrowTracker interface {
	Track(paymentID string, heldUntil time.Time)
	Cancel(paymentID string)
}

// Reconciler turns verified provider webhooks into ledger transitions.
// Redelivered or out-of-date events are acknowledged, not failed.
type Reconciler struct {
	registry *providers.Registry
	ledger   *Ledger
	repo     interfaces.PaymentRepository
	escrow   escrowTracker
	now      func() time.Time
}

func NewReconciler(registry *providers.Registry, ledger *Ledger, repo interfaces.PaymentRepository, escrow escrowTracker) *Reconciler {
	return &Reconciler{registry: registry, ledger: ledger, repo: repo, escrow: escrow, now: time.Now}
}

func (r *Reconciler) Handle(ctx context.Context, providerCode string, raw []byte, signature string) (*WebhookResult, error) {
	provider, err := r.registry.Get(providerCode)
	if err != nil {
		return nil, err
	}
	code := provider.Code()

	if !provider.VerifyWebhookSignature(raw, signature) {
		telemetry.WebhookEvents.WithLabelValues(code, "rejected").Inc()
		telemetry.Logger.Warn("Webhook signature rejected",
			zap.String("provider", code),
			zap.Int("payload_bytes", len(raw)),
		)
		return nil, apperr.AuthenticityErr(code)
	}

	event, err := provider.ParseWebhookEvent(raw)
	if err != nil {
		telemetry.WebhookEvents.WithLabelValues(code, "malformed").Inc()
		return nil, err
	}
	if event.EventID == "" {
		sum := sha256.Sum256(raw)
		event.EventID = "sha256:" + hex.EncodeToString(sum[:])
	}
	result := &WebhookResult{EventID: event.EventID, EventType: event.EventType}

	fresh, err := r.repo.RecordWebhookEvent(ctx, &models.WebhookRecord{
		ProviderCode: code,
		EventID:      event.EventID,
		EventType:    event.ProviderEventType,
		Payload:      raw,
		ReceivedAt:   r.now().UTC(),
	})
	if err != nil {
		return nil, apperr.Wrap("record webhook event", err)
	}
	if !fresh {
		rec, err := r.repo.GetWebhookEvent(ctx, code, event.EventID)
		if err != nil {
			return nil, apperr.Wrap("load webhook event", err)
		}
		if rec.ProcessedAt != nil {
			telemetry.WebhookEvents.WithLabelValues(code, string(OutcomeDuplicate)).Inc()
			telemetry.Logger.Info("Duplicate webhook acknowledged",
				zap.String("provider", code),
				zap.String("event_id", event.EventID),
			)
			result.Outcome = OutcomeDuplicate
			return result, nil
		}
		// an earlier delivery failed part way; apply again
	}

	outcome, p, err := r.apply(ctx, code, event)
	processErr := ""
	if err != nil {
		processErr = err.Error()
	}
	if merr := r.repo.MarkWebhookEventProcessed(ctx, code, event.EventID, processErr); merr != nil {
		telemetry.Logger.Error("Failed to mark webhook event",
			zap.String("provider", code),
			zap.String("event_id", event.EventID),
			zap.Error(merr),
		)
	}
	if err != nil {
		telemetry.WebhookEvents.WithLabelValues(code, "error").Inc()
		return nil, err
	}

	telemetry.WebhookEvents.WithLabelValues(code, string(outcome)).Inc()
	result.Outcome = outcome
	if p != nil {
		result.PaymentID = p.ID
		result.Status = p.Status
	}
	telemetry.Logger.Info("Webhook processed",
		zap.String("provider", code),
		zap.String("event_id", event.EventID),
		zap.String("event_type", string(event.EventType)),
		zap.String("outcome", string(outcome)),
		zap.String("payment_id", result.PaymentID),
	)
	return result, nil
}

func (r *Reconciler) apply(ctx context.Context, code string, event *models.WebhookEvent) (WebhookOutcome, *models.Payment, error) {
	if event.EventType == models.EventUnknown || event.EventType == "" {
		return OutcomeIgnored, nil, nil
	}
	if event.ProviderPaymentID == "" {
		return OutcomeIgnored, nil, nil
	}

	p, err := r.ledger.GetByProviderPaymentID(ctx, code, event.ProviderPaymentID)
	if err != nil {
		return "", nil, err
	}

	actor := "webhook:" + code
	var next *models.Payment
	switch event.EventType {
	case models.EventPaymentCompleted:
		next, err = r.ledger.Confirm(ctx, p.ID, "", actor)
		if err == nil && next.Status == models.StatusHeld && r.escrow != nil {
			r.escrow.Track(next.ID, next.Escrow.HeldUntil)
		}
	case models.EventPaymentProcessing:
		next, err = r.ledger.MarkProcessing(ctx, p.ID, actor)
	case models.EventPaymentFailed:
		next, err = r.ledger.Fail(ctx, p.ID, "provider reported "+event.ProviderEventType, actor)
	case models.EventPaymentCancelled:
		next, err = r.ledger.Cancel(ctx, p.ID, actor)
	case models.EventRefundCompleted:
		next, err = r.applyRefund(ctx, p, event, actor)
	case models.EventDisputeOpened:
		next, err = r.ledger.OpenDispute(ctx, p.ID, "provider dispute", event.ProviderEventType, actor)
		if err == nil && r.escrow != nil {
			r.escrow.Cancel(p.ID)
		}
	default:
		return OutcomeIgnored, p, nil
	}

	switch apperr.KindOf(err) {
	case apperr.Conflict:
		return OutcomeAlreadyApplied, r.reload(ctx, p), nil
	case apperr.InvalidTransition:
		current := r.reload(ctx, p)
		if overtaken(event.EventType, current.Status) {
			return OutcomeAlreadyApplied, current, nil
		}
		telemetry.Logger.Warn("Webhook event does not apply to current state",
			zap.String("payment_id", p.ID),
			zap.String("state", string(current.Status)),
			zap.String("event_type", string(event.EventType)),
		)
		return "", nil, err
	}
	if err != nil {
		return "", nil, err
	}
	return OutcomeApplied, next, nil
}

// applyRefund records money the provider already returned. A refund of an
// escrowed payment goes through a dispute so the pending release is dropped
// and released is never reachable afterwards.
func (r *Reconciler) applyRefund(ctx context.Context, p *models.Payment, event *models.WebhookEvent, actor string) (*models.Payment, error) {
	const resolution = "refunded at provider"
	switch p.Status {
	case models.StatusHeld:
		disputed, err := r.ledger.OpenDispute(ctx, p.ID, "provider refund", event.ProviderEventType, actor)
		if err != nil {
			return nil, err
		}
		if r.escrow != nil {
			r.escrow.Cancel(p.ID)
		}
		return r.ledger.ResolveDispute(ctx, p.ID, resolution, models.OutcomeRefund, disputed.RefundableAmount(), actor)
	case models.StatusDisputed:
		return r.ledger.ResolveDispute(ctx, p.ID, resolution, models.OutcomeRefund, p.RefundableAmount(), actor)
	}
	return r.ledger.MarkRefunded(ctx, p.ID, p.RefundableAmount(), actor)
}

// overtaken reports whether status is at or past the state the event moves
// a payment to, so the event carries nothing new.
func overtaken(event models.WebhookEventType, status models.PaymentStatus) bool {
	if event == models.EventRefundCompleted {
		// money left through the provider; any other end state needs an operator
		return status == models.StatusRefunded
	}
	if status.IsTerminal() {
		return true
	}
	switch event {
	case models.EventPaymentProcessing:
		return status != models.StatusPending
	case models.EventPaymentCompleted, models.EventPaymentFailed, models.EventPaymentCancelled:
		return status != models.StatusPending && status != models.StatusProcessing
	case models.EventDisputeOpened:
		return status == models.StatusDisputed
	}
	return false
}

func (r *Reconciler) reload(ctx context.Context, p *models.Payment) *models.Payment {
	if current, err := r.ledger.Get(ctx, p.ID); err == nil {
		return current
	}
	return p
}
