package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/escrow-engine/internal/apperr"
	"github.com/akylbek/payment-system/escrow-engine/internal/models"
	"github.com/akylbek/payment-system/escrow-engine/internal/providers"
	"github.com/akylbek/payment-system/escrow-engine/internal/telemetry"
)

const orchestratorActor = "orchestrator"

type CreatePaymentInput struct {
	Type          models.PaymentType `json:"type" validate:"required,oneof=full percentage delivery_secured"`
	Amount        decimal.Decimal    `json:"amount"`
	Currency      string             `json:"currency" validate:"required,len=3,alpha"`
	OrderID       string             `json:"order_id" validate:"required,max=255"`
	StoreID       string             `json:"store_id" validate:"max=255"`
	CustomerID    string             `json:"customer_id" validate:"required,max=255"`
	CustomerEmail string             `json:"customer_email" validate:"omitempty,email"`
	PaymentMethod string             `json:"payment_method" validate:"max=64"`
	Description   string             `json:"description" validate:"max=500"`
	ReturnURL     string             `json:"return_url" validate:"omitempty,url"`
	CancelURL     string             `json:"cancel_url" validate:"omitempty,url"`

	// ProviderCode pins the provider; otherwise one is selected by capability.
	ProviderCode string              `json:"provider_code" validate:"max=64"`
	Country      string              `json:"country" validate:"omitempty,len=2,alpha"`
	Features     []providers.Feature `json:"features"`

	Rate              int             `json:"rate" validate:"min=0,max=99"`
	HoldDuration      time.Duration   `json:"hold_duration"`
	HoldReason        string          `json:"hold_reason" validate:"max=255"`
	ReleaseConditions json.RawMessage `json:"release_conditions"`

	Metadata map[string]string `json:"metadata" validate:"max=50,dive,keys,max=64,endkeys,max=512"`
}

// Orchestrator is the entry point for callers. It composes provider routing,
// remote calls and ledger transitions; it holds no payment state itself.
type Orchestrator struct {
	ledger   *Ledger
	registry *providers.Registry
	escrow   escrowTracker
	now      func() time.Time
}

func NewOrchestrator(ledger *Ledger, registry *providers.Registry, escrow escrowTracker) *Orchestrator {
	return &Orchestrator{ledger: ledger, registry: registry, escrow: escrow, now: time.Now}
}

func (o *Orchestrator) CreatePayment(ctx context.Context, in CreatePaymentInput) (*models.Payment, error) {
	if err := validateInput(&in); err != nil {
		return nil, err
	}

	provider, err := o.selectProvider(in)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	p := &models.Payment{
		ID:            uuid.NewString(),
		OrderID:       in.OrderID,
		StoreID:       in.StoreID,
		CustomerID:    in.CustomerID,
		Amount:        in.Amount,
		Currency:      in.Currency,
		PaymentMethod: in.PaymentMethod,
		Type:          in.Type,
		Status:        models.StatusPending,
		ProviderCode:  provider.Code(),
		Metadata:      in.Metadata,
		CreatedAt:     now,
	}
	switch in.Type {
	case models.TypePercentage:
		p.Percentage = &models.PercentageTerms{
			Rate:            in.Rate,
			RemainingAmount: models.RemainingAfterUpfront(in.Amount, in.Rate),
		}
	case models.TypeDeliverySecured:
		p.Escrow = &models.EscrowTerms{
			HeldAmount:        in.Amount,
			HeldUntil:         now.Add(in.HoldDuration),
			HoldReason:        in.HoldReason,
			ReleaseConditions: in.ReleaseConditions,
		}
	}

	if err := o.ledger.Create(ctx, p); err != nil {
		return nil, err
	}

	res, err := provider.CreatePayment(ctx, providers.PaymentRequest{
		Reference:     p.ID,
		Amount:        p.UpfrontAmount(),
		Currency:      p.Currency,
		Description:   in.Description,
		CustomerID:    p.CustomerID,
		CustomerEmail: in.CustomerEmail,
		PaymentMethod: p.PaymentMethod,
		ReturnURL:     in.ReturnURL,
		CancelURL:     in.CancelURL,
		Metadata:      map[string]string{"order_id": p.OrderID},
	})
	if err != nil {
		return nil, o.providerFailed(ctx, p, err)
	}

	if _, err := o.ledger.SetProviderRefs(ctx, p.ID, res.ProviderPaymentID, res.ProviderTransactionID, res.RedirectURL); err != nil {
		return nil, err
	}
	return o.applyProviderResult(ctx, p.ID, res, "provider:"+provider.Code())
}

// providerFailed marks the payment failed when the provider definitively
// rejected it. Retryable failures and timeouts leave it pending because the
// remote side may still have acted; a later verify settles it.
func (o *Orchestrator) providerFailed(ctx context.Context, p *models.Payment, cause error) error {
	if apperr.IsRetryable(cause) || errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, context.Canceled) {
		telemetry.Logger.Warn("Provider create did not complete, payment left pending",
			zap.String("payment_id", p.ID),
			zap.String("provider", p.ProviderCode),
			zap.Error(cause),
		)
		return cause
	}
	if _, err := o.ledger.Fail(ctx, p.ID, apperr.PublicMessage(cause), orchestratorActor); err != nil {
		telemetry.Logger.Error("Failed to mark payment failed",
			zap.String("payment_id", p.ID),
			zap.Error(err),
		)
	}
	return cause
}

// VerifyPayment polls the provider and applies whatever it reports. Results
// already reflected in the ledger are not errors.
func (o *Orchestrator) VerifyPayment(ctx context.Context, id string) (*models.Payment, error) {
	p, err := o.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.ProviderPaymentID == "" {
		return nil, apperr.ValidationErr("payment has no provider reference yet", nil)
	}
	provider, err := o.registry.Get(p.ProviderCode)
	if err != nil {
		return nil, err
	}
	res, err := provider.VerifyPayment(ctx, p.ProviderPaymentID)
	if err != nil {
		return nil, err
	}
	return o.applyProviderResult(ctx, p.ID, res, "verify:"+provider.Code())
}

func (o *Orchestrator) applyProviderResult(ctx context.Context, id string, res *providers.PaymentResult, actor string) (*models.Payment, error) {
	var (
		p   *models.Payment
		err error
	)
	switch res.Status {
	case models.StatusCompleted:
		p, err = o.ledger.Confirm(ctx, id, res.ProviderTransactionID, actor)
		if err == nil && p.Status == models.StatusHeld && o.escrow != nil {
			o.escrow.Track(p.ID, p.Escrow.HeldUntil)
		}
	case models.StatusProcessing:
		p, err = o.ledger.MarkProcessing(ctx, id, actor)
	case models.StatusFailed:
		p, err = o.ledger.Fail(ctx, id, "provider reported "+res.RawStatus, actor)
	case models.StatusCancelled:
		p, err = o.ledger.Cancel(ctx, id, actor)
	}

	switch apperr.KindOf(err) {
	case apperr.Conflict, apperr.InvalidTransition:
		err = nil
		p = nil
	}
	if err != nil {
		return nil, err
	}
	if p == nil {
		return o.ledger.Get(ctx, id)
	}
	return p, nil
}

func (o *Orchestrator) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	return o.ledger.Get(ctx, id)
}

func (o *Orchestrator) History(ctx context.Context, id string) ([]models.Transition, error) {
	if _, err := o.ledger.Get(ctx, id); err != nil {
		return nil, err
	}
	return o.ledger.History(ctx, id)
}

// ReleasePayment releases a held payment early.
func (o *Orchestrator) ReleasePayment(ctx context.Context, id, releasedBy string) (*models.Payment, error) {
	if strings.TrimSpace(releasedBy) == "" {
		return nil, apperr.ValidationErr("released_by is required", map[string]string{"released_by": "is required"})
	}
	p, err := o.ledger.Release(ctx, id, releasedBy)
	if err != nil {
		return nil, err
	}
	if o.escrow != nil {
		o.escrow.Cancel(id)
	}
	return p, nil
}

func (o *Orchestrator) OpenDispute(ctx context.Context, id, reason, description string) (*models.Payment, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, apperr.ValidationErr("reason is required", map[string]string{"reason": "is required"})
	}
	p, err := o.ledger.OpenDispute(ctx, id, reason, description, orchestratorActor)
	if err != nil {
		return nil, err
	}
	if o.escrow != nil {
		o.escrow.Cancel(id)
	}
	return p, nil
}

// ResolveDispute records the decision on a dispute. A refund outcome returns
// the refundable amount through the provider before the ledger moves.
func (o *Orchestrator) ResolveDispute(ctx context.Context, id, resolution string, outcome models.DisputeOutcome, resolvedBy string) (*models.Payment, error) {
	if outcome != models.OutcomeRelease && outcome != models.OutcomeRefund {
		return nil, apperr.ValidationErr("outcome must be release or refund", map[string]string{"outcome": "must be one of release refund"})
	}
	if resolvedBy == "" {
		resolvedBy = orchestratorActor
	}
	p, err := o.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusDisputed {
		return nil, apperr.InvalidTransitionErr(id, string(p.Status), string(disputeTarget(outcome)))
	}

	if outcome == models.OutcomeRelease {
		return o.ledger.ResolveDispute(ctx, id, resolution, outcome, decimal.Zero, resolvedBy)
	}

	res, err := o.refundAtProvider(ctx, p, p.RefundableAmount(), "dispute: "+resolution, models.StatusDisputed)
	if err != nil {
		return nil, err
	}
	p, err = o.ledger.ResolveDispute(ctx, id, resolution, outcome, res.Amount, resolvedBy)
	return o.refundRecorded(ctx, id, p, err)
}

func disputeTarget(outcome models.DisputeOutcome) models.PaymentStatus {
	if outcome == models.OutcomeRefund {
		return models.StatusRefunded
	}
	return models.StatusReleased
}

// Refund returns money on a settled, non-escrowed payment. A nil amount
// refunds everything settled.
func (o *Orchestrator) Refund(ctx context.Context, id string, amount *decimal.Decimal, reason string) (*models.Payment, error) {
	p, err := o.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.CanTransitionTo(models.StatusRefunded) || p.Status == models.StatusDisputed {
		return nil, apperr.InvalidTransitionErr(id, string(p.Status), string(models.StatusRefunded))
	}

	settled := p.RefundableAmount()
	requested := settled
	if amount != nil {
		requested = *amount
	}
	if !requested.IsPositive() {
		return nil, apperr.ValidationErr("refund amount must be positive", map[string]string{"amount": "must be > 0"})
	}
	if requested.GreaterThan(settled) {
		return nil, apperr.RefundExceedsSettledErr(id, requested.String(), settled.String())
	}

	res, err := o.refundAtProvider(ctx, p, requested, reason, models.StatusCompleted)
	if err != nil {
		return nil, err
	}
	p, err = o.ledger.MarkRefunded(ctx, id, res.Amount, orchestratorActor)
	return o.refundRecorded(ctx, id, p, err)
}

// refundRecorded accepts a conflict when a refund webhook already recorded
// the same refund.
func (o *Orchestrator) refundRecorded(ctx context.Context, id string, p *models.Payment, err error) (*models.Payment, error) {
	if apperr.KindOf(err) != apperr.Conflict {
		return p, err
	}
	current, gerr := o.ledger.Get(ctx, id)
	if gerr != nil || current.Status != models.StatusRefunded {
		return nil, err
	}
	return current, nil
}

// refundAtProvider claims the refund on the ledger, then asks the provider
// for it. A rejected refund releases the claim; one with an unknown outcome
// keeps it so that a concurrent release cannot pay out the same money.
func (o *Orchestrator) refundAtProvider(ctx context.Context, p *models.Payment, amount decimal.Decimal, reason string, from models.PaymentStatus) (*providers.RefundResult, error) {
	provider, err := o.registry.Get(p.ProviderCode)
	if err != nil {
		return nil, err
	}
	if !provider.SupportsFeature(providers.FeatureRefund) {
		return nil, apperr.NoCapableProviderErr(provider.Code() + " does not support refunds")
	}
	if amount.LessThan(p.SettledAmount()) && !provider.SupportsFeature(providers.FeaturePartialRefund) {
		return nil, apperr.NoCapableProviderErr(provider.Code() + " does not support partial refunds")
	}

	p, err = o.ledger.ClaimRefund(ctx, p.ID, amount, from)
	if err != nil {
		return nil, err
	}

	res, err := provider.Refund(ctx, providers.RefundRequest{
		Reference:             p.ID,
		ProviderPaymentID:     p.ProviderPaymentID,
		ProviderTransactionID: p.ProviderTransactionID,
		Amount:                amount,
		Currency:              p.Currency,
		Reason:                reason,
		SettledAmount:         p.RefundableAmount(),
	})
	if err != nil {
		o.abandonRefund(ctx, p, err)
		return nil, err
	}
	if res.Amount.IsZero() {
		res.Amount = amount
	}
	telemetry.Logger.Info("Provider refund accepted",
		zap.String("payment_id", p.ID),
		zap.String("provider", p.ProviderCode),
		zap.String("refund_id", res.RefundID),
		zap.String("amount", res.Amount.String()),
	)
	return res, nil
}

func (o *Orchestrator) abandonRefund(ctx context.Context, p *models.Payment, cause error) {
	if apperr.IsRetryable(cause) || ctx.Err() != nil {
		telemetry.Logger.Warn("Refund outcome unknown, keeping claim",
			zap.String("payment_id", p.ID),
			zap.String("amount", p.PendingRefund.String()),
			zap.Error(cause),
		)
		return
	}
	if err := o.ledger.ClearRefundClaim(ctx, p.ID); err != nil {
		telemetry.Logger.Error("Failed to clear refund claim",
			zap.String("payment_id", p.ID),
			zap.Error(err),
		)
	}
}

// SettleBalance records a balance payment on a percentage payment.
func (o *Orchestrator) SettleBalance(ctx context.Context, id string, amount decimal.Decimal, providerTransactionID string) (*models.Payment, error) {
	return o.ledger.SettleBalance(ctx, id, amount, providerTransactionID, orchestratorActor)
}

func (o *Orchestrator) CancelPayment(ctx context.Context, id string) (*models.Payment, error) {
	return o.ledger.Cancel(ctx, id, orchestratorActor)
}

func (o *Orchestrator) selectProvider(in CreatePaymentInput) (providers.Provider, error) {
	criteria := providers.Criteria{Currency: in.Currency, Country: in.Country, Features: in.Features}
	if in.Type == models.TypeDeliverySecured {
		criteria.Features = append(criteria.Features, providers.FeatureEscrow, providers.FeatureRefund)
	}

	if in.ProviderCode == "" {
		return o.registry.Select(criteria)
	}
	p, err := o.registry.Get(in.ProviderCode)
	if err != nil {
		return nil, err
	}
	if !providers.Capable(p, criteria) {
		return nil, apperr.NoCapableProviderErr(p.Code() + " does not support " + criteria.String())
	}
	return p, nil
}

func validateInput(in *CreatePaymentInput) error {
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	in.Country = strings.ToUpper(strings.TrimSpace(in.Country))
	if err := validateStruct(in); err != nil {
		return err
	}
	if !in.Amount.IsPositive() {
		return apperr.ValidationErr("amount must be positive", map[string]string{"amount": "must be > 0"})
	}
	switch in.Type {
	case models.TypePercentage:
		if in.Rate < 1 || in.Rate > 99 {
			return apperr.ValidationErr("rate must be within 1..99", map[string]string{"rate": "must be between 1 and 99"})
		}
	case models.TypeDeliverySecured:
		if in.HoldDuration <= 0 {
			return apperr.ValidationErr("hold duration must be positive", map[string]string{"hold_duration": "must be > 0"})
		}
		if len(in.ReleaseConditions) > 0 && !json.Valid(in.ReleaseConditions) {
			return apperr.ValidationErr("release conditions must be JSON", map[string]string{"release_conditions": "is invalid"})
		}
	}
	if in.Type != models.TypePercentage && in.Rate != 0 {
		return apperr.ValidationErr("rate only applies to percentage payments", map[string]string{"rate": "must be empty"})
	}
	return nil
}
