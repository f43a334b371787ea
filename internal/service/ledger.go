package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/escrow-engine/internal/apperr"
	"github.com/akylbek/payment-system/escrow-engine/internal/interfaces"
	"github.com/akylbek/payment-system/escrow-engine/internal/models"
	"github.com/akylbek/payment-system/escrow-engine/internal/telemetry"
)

// Ledger owns every mutation of payment state. Each write is a single
// compare-and-set on (id, status, version); losers get a ConflictError.
type Ledger struct {
	repo      interfaces.PaymentRepository
	publisher interfaces.EventPublisher
	now       func() time.Time
}

func NewLedger(repo interfaces.PaymentRepository, publisher interfaces.EventPublisher) *Ledger {
	return &Ledger{repo: repo, publisher: publisher, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) Create(ctx context.Context, p *models.Payment) error {
	if p.Status == "" {
		p.Status = models.StatusPending
	}
	if p.Status != models.StatusPending {
		return apperr.ValidationErr("new payments must start pending", nil)
	}
	if err := checkInvariants(p); err != nil {
		return err
	}
	now := l.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt

	if err := l.repo.Insert(ctx, p); err != nil {
		return apperr.Wrap("insert payment", err)
	}

	l.publish(ctx, p, "", "")
	telemetry.Logger.Info("Payment created",
		zap.String("payment_id", p.ID),
		zap.String("type", string(p.Type)),
		zap.String("amount", p.Amount.String()),
		zap.String("currency", p.Currency),
	)
	return nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*models.Payment, error) {
	return l.repo.GetByID(ctx, id)
}

func (l *Ledger) GetByProviderPaymentID(ctx context.Context, providerCode, providerPaymentID string) (*models.Payment, error) {
	return l.repo.GetByProviderPaymentID(ctx, providerCode, providerPaymentID)
}

func (l *Ledger) History(ctx context.Context, id string) ([]models.Transition, error) {
	return l.repo.ListTransitions(ctx, id)
}

func (l *Ledger) ListDueHeld(ctx context.Context, now time.Time, limit int) ([]*models.Payment, error) {
	return l.repo.ListDueHeld(ctx, now, limit)
}

// SetProviderRefs stores the provider references on a pending payment. The
// provider payment id may be set once and never changed.
func (l *Ledger) SetProviderRefs(ctx context.Context, id, providerPaymentID, providerTransactionID, redirectURL string) (*models.Payment, error) {
	p, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusPending {
		return nil, apperr.InvalidTransitionErr(id, string(p.Status), string(p.Status))
	}
	if p.ProviderPaymentID != "" && p.ProviderPaymentID != providerPaymentID {
		return nil, apperr.ValidationErr("provider payment id already assigned", nil)
	}
	return l.commit(ctx, p, p.Status, "provider", func(next *models.Payment) error {
		next.ProviderPaymentID = providerPaymentID
		if providerTransactionID != "" {
			next.ProviderTransactionID = providerTransactionID
		}
		next.RedirectURL = redirectURL
		return nil
	})
}

// Confirm records a provider-confirmed capture. Percentage payments move to
// processing (balance outstanding); escrow payments continue to held.
func (l *Ledger) Confirm(ctx context.Context, id, providerTransactionID, actor string) (*models.Payment, error) {
	p, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	setTx := func(next *models.Payment) error {
		if providerTransactionID != "" {
			next.ProviderTransactionID = providerTransactionID
		}
		return nil
	}

	switch {
	case p.Type == models.TypePercentage && p.Status == models.StatusPending:
		return l.commit(ctx, p, models.StatusProcessing, actor, setTx)
	case p.Type == models.TypePercentage:
		return nil, alreadyOrInvalid(p, models.StatusProcessing, models.StatusProcessing, models.StatusCompleted)
	case p.Status == models.StatusPending || p.Status == models.StatusProcessing:
		p, err = l.commit(ctx, p, models.StatusCompleted, actor, setTx)
		if err != nil {
			return nil, err
		}
	case p.Status == models.StatusCompleted && p.Type == models.TypeDeliverySecured:
		// resume a hold interrupted between the two writes
	default:
		return nil, alreadyOrInvalid(p, models.StatusCompleted, models.StatusCompleted, models.StatusHeld,
			models.StatusReleased, models.StatusDisputed, models.StatusRefunded)
	}

	if p.Type != models.TypeDeliverySecured {
		return p, nil
	}
	return l.commit(ctx, p, models.StatusHeld, actor, nil)
}

func (l *Ledger) MarkProcessing(ctx context.Context, id, actor string) (*models.Payment, error) {
	return l.advance(ctx, id, models.StatusProcessing, actor, []models.PaymentStatus{models.StatusPending}, nil)
}

func (l *Ledger) Fail(ctx context.Context, id, reason, actor string) (*models.Payment, error) {
	return l.advance(ctx, id, models.StatusFailed, actor,
		[]models.PaymentStatus{models.StatusPending, models.StatusProcessing},
		func(next *models.Payment) error {
			next.FailureReason = reason
			return nil
		})
}

func (l *Ledger) Cancel(ctx context.Context, id, actor string) (*models.Payment, error) {
	return l.advance(ctx, id, models.StatusCancelled, actor, []models.PaymentStatus{models.StatusPending}, nil)
}

// SettleBalance records a payment toward the outstanding balance of a
// percentage payment. The remaining amount only ever decreases; reaching zero
// completes the payment.
func (l *Ledger) SettleBalance(ctx context.Context, id string, amount decimal.Decimal, providerTransactionID, actor string) (*models.Payment, error) {
	p, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Type != models.TypePercentage || p.Percentage == nil {
		return nil, apperr.ValidationErr("only percentage payments carry a balance", nil)
	}
	if p.Status != models.StatusProcessing {
		return nil, apperr.InvalidTransitionErr(id, string(p.Status), string(models.StatusCompleted))
	}
	if !amount.IsPositive() {
		return nil, apperr.ValidationErr("settlement amount must be positive", map[string]string{"amount": "must be > 0"})
	}
	remaining := p.Percentage.RemainingAmount.Sub(amount)
	if remaining.IsNegative() {
		return nil, apperr.ValidationErr("settlement exceeds remaining balance",
			map[string]string{"amount": "must be <= " + p.Percentage.RemainingAmount.String()})
	}

	to := models.StatusProcessing
	if remaining.IsZero() {
		to = models.StatusCompleted
	}
	return l.commit(ctx, p, to, actor, func(next *models.Payment) error {
		next.Percentage = &models.PercentageTerms{Rate: p.Percentage.Rate, RemainingAmount: remaining}
		if providerTransactionID != "" {
			next.ProviderTransactionID = providerTransactionID
		}
		return nil
	})
}

func (l *Ledger) Release(ctx context.Context, id, releasedBy string) (*models.Payment, error) {
	return l.advance(ctx, id, models.StatusReleased, releasedBy, []models.PaymentStatus{models.StatusHeld},
		func(next *models.Payment) error {
			now := next.UpdatedAt
			next.ReleasedAt = &now
			next.ReleasedBy = releasedBy
			return nil
		})
}

// ReleaseSnapshot releases p only if the stored row still matches the
// snapshot, as the scheduler requires after its due scan.
func (l *Ledger) ReleaseSnapshot(ctx context.Context, p *models.Payment, releasedBy string) (*models.Payment, error) {
	if !p.CanTransitionTo(models.StatusReleased) || p.Status != models.StatusHeld {
		return nil, apperr.InvalidTransitionErr(p.ID, string(p.Status), string(models.StatusReleased))
	}
	return l.commit(ctx, p, models.StatusReleased, releasedBy, func(next *models.Payment) error {
		now := next.UpdatedAt
		next.ReleasedAt = &now
		next.ReleasedBy = releasedBy
		return nil
	})
}

func (l *Ledger) OpenDispute(ctx context.Context, id, reason, description, actor string) (*models.Payment, error) {
	return l.advance(ctx, id, models.StatusDisputed, actor, []models.PaymentStatus{models.StatusHeld},
		func(next *models.Payment) error {
			next.Dispute = &models.Dispute{
				Reason:      reason,
				Description: description,
				OpenedAt:    next.UpdatedAt,
			}
			return nil
		})
}

// ResolveDispute closes a dispute; refunded is the amount already returned by
// the provider when outcome is refund.
func (l *Ledger) ResolveDispute(ctx context.Context, id, resolution string, outcome models.DisputeOutcome, refunded decimal.Decimal, actor string) (*models.Payment, error) {
	var to models.PaymentStatus
	switch outcome {
	case models.OutcomeRelease:
		to = models.StatusReleased
	case models.OutcomeRefund:
		to = models.StatusRefunded
	default:
		return nil, apperr.ValidationErr("outcome must be release or refund", map[string]string{"outcome": "invalid"})
	}

	return l.advance(ctx, id, to, actor, []models.PaymentStatus{models.StatusDisputed},
		func(next *models.Payment) error {
			now := next.UpdatedAt
			next.ResolvedAt = &now
			d := models.Dispute{}
			if next.Dispute != nil {
				d = *next.Dispute
			}
			d.Resolution = resolution
			d.Outcome = outcome
			next.Dispute = &d
			if outcome == models.OutcomeRelease {
				next.ReleasedAt = &now
				next.ReleasedBy = actor
			} else {
				next.RefundedAmount = next.RefundedAmount.Add(refunded)
				next.PendingRefund = nil
			}
			return nil
		})
}

// MarkRefunded records a provider refund of a settled, non-disputed payment.
func (l *Ledger) MarkRefunded(ctx context.Context, id string, amount decimal.Decimal, actor string) (*models.Payment, error) {
	return l.advance(ctx, id, models.StatusRefunded, actor, []models.PaymentStatus{models.StatusCompleted},
		func(next *models.Payment) error {
			next.RefundedAmount = next.RefundedAmount.Add(amount)
			next.PendingRefund = nil
			return nil
		})
}

// ClaimRefund marks the payment as having amount in flight at the provider
// before any money moves. A claim for the same amount is returned as is so an
// interrupted refund can be resumed; a different amount conflicts.
func (l *Ledger) ClaimRefund(ctx context.Context, id string, amount decimal.Decimal, from ...models.PaymentStatus) (*models.Payment, error) {
	p, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !containsStatus(from, p.Status) || !p.CanTransitionTo(models.StatusRefunded) {
		return nil, apperr.InvalidTransitionErr(id, string(p.Status), string(models.StatusRefunded))
	}
	if p.PendingRefund != nil {
		if p.PendingRefund.Equal(amount) {
			return p, nil
		}
		return nil, apperr.RefundInProgressErr(id, p.PendingRefund.String())
	}
	return l.commit(ctx, p, p.Status, "refund", func(next *models.Payment) error {
		claim := amount
		next.PendingRefund = &claim
		return nil
	})
}

// ClearRefundClaim drops the claim after the provider rejected the refund.
func (l *Ledger) ClearRefundClaim(ctx context.Context, id string) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		var p *models.Payment
		p, err = l.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if p.PendingRefund == nil {
			return nil
		}
		_, err = l.commit(ctx, p, p.Status, "refund", func(next *models.Payment) error {
			next.PendingRefund = nil
			return nil
		})
		if apperr.KindOf(err) != apperr.Conflict {
			return err
		}
	}
	return err
}

// advance re-reads the payment and moves it to `to` if its current status is
// one of from. A payment already at `to` means a concurrent writer won.
func (l *Ledger) advance(ctx context.Context, id string, to models.PaymentStatus, actor string, from []models.PaymentStatus, mutate func(*models.Payment) error) (*models.Payment, error) {
	p, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == to {
		return nil, apperr.ConflictErr(id, string(from[0]), string(p.Status))
	}
	if !containsStatus(from, p.Status) || !p.CanTransitionTo(to) {
		return nil, apperr.InvalidTransitionErr(id, string(p.Status), string(to))
	}
	return l.commit(ctx, p, to, actor, mutate)
}

func (l *Ledger) commit(ctx context.Context, p *models.Payment, to models.PaymentStatus, actor string, mutate func(*models.Payment) error) (_ *models.Payment, err error) {
	ctx, span := telemetry.StartSpan(ctx, "ledger.commit",
		attribute.String("payment.id", p.ID),
		attribute.String("payment.from", string(p.Status)),
		attribute.String("payment.to", string(to)),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	from := p.Status
	if to != from && !p.CanTransitionTo(to) {
		return nil, apperr.InvalidTransitionErr(p.ID, string(from), string(to))
	}
	if p.PendingRefund != nil && to != from && to != models.StatusRefunded {
		return nil, apperr.RefundInProgressErr(p.ID, p.PendingRefund.String())
	}

	next := clonePayment(p)
	next.Status = to
	next.UpdatedAt = l.now().UTC()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	if p.ProviderPaymentID != "" && next.ProviderPaymentID != p.ProviderPaymentID {
		return nil, apperr.ValidationErr("provider payment id is immutable", nil)
	}
	if err := checkInvariants(next); err != nil {
		return nil, err
	}

	ok, err := l.repo.CompareAndSet(ctx, next, from, p.Version, actor)
	if err != nil {
		return nil, apperr.Wrap("compare and set", err)
	}
	if !ok {
		telemetry.TransitionConflicts.WithLabelValues(string(to)).Inc()
		actual := "unknown"
		if current, gerr := l.repo.GetByID(ctx, p.ID); gerr == nil {
			actual = string(current.Status)
		}
		telemetry.Logger.Warn("Payment transition lost compare-and-set",
			zap.String("payment_id", p.ID),
			zap.String("expected_state", string(from)),
			zap.String("actual_state", actual),
			zap.String("to_state", string(to)),
		)
		return nil, apperr.ConflictErr(p.ID, string(from), actual)
	}

	if from != to {
		telemetry.StateTransitions.WithLabelValues(string(from), string(to)).Inc()
		l.publish(ctx, next, from, actor)
		telemetry.Logger.Info("Payment state transition",
			zap.String("payment_id", next.ID),
			zap.String("from_state", string(from)),
			zap.String("to_state", string(to)),
			zap.String("actor", actor),
		)
	}
	return next, nil
}

func (l *Ledger) publish(ctx context.Context, p *models.Payment, from models.PaymentStatus, actor string) {
	if l.publisher == nil {
		return
	}
	change := models.StateChange{
		PaymentID:     p.ID,
		OrderID:       p.OrderID,
		ProviderCode:  p.ProviderCode,
		Type:          p.Type,
		State:         p.Status,
		PreviousState: from,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Actor:         actor,
		Timestamp:     p.UpdatedAt,
	}
	if err := l.publisher.Publish(ctx, change); err != nil {
		telemetry.EventPublishFailures.WithLabelValues("state").Inc()
		telemetry.Logger.Error("Failed to publish state change",
			zap.String("payment_id", p.ID),
			zap.String("state", string(p.Status)),
			zap.Error(err),
		)
	}
}

// alreadyOrInvalid distinguishes a payment another writer already moved past
// the requested step (conflict) from one where the step can never apply.
func alreadyOrInvalid(p *models.Payment, target models.PaymentStatus, applied ...models.PaymentStatus) error {
	if containsStatus(applied, p.Status) {
		return apperr.ConflictErr(p.ID, "pre-"+string(target), string(p.Status))
	}
	return apperr.InvalidTransitionErr(p.ID, string(p.Status), string(target))
}

func containsStatus(list []models.PaymentStatus, s models.PaymentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func clonePayment(p *models.Payment) *models.Payment {
	c := *p
	if p.Percentage != nil {
		v := *p.Percentage
		c.Percentage = &v
	}
	if p.Escrow != nil {
		v := *p.Escrow
		c.Escrow = &v
	}
	if p.Dispute != nil {
		v := *p.Dispute
		c.Dispute = &v
	}
	if p.PendingRefund != nil {
		v := *p.PendingRefund
		c.PendingRefund = &v
	}
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func checkInvariants(p *models.Payment) error {
	if !p.Amount.IsPositive() {
		return apperr.ValidationErr("amount must be positive", map[string]string{"amount": "must be > 0"})
	}
	if !p.Type.Valid() {
		return apperr.ValidationErr("unknown payment type", map[string]string{"type": string(p.Type)})
	}
	switch p.Type {
	case models.TypePercentage:
		if p.Percentage == nil || p.Percentage.Rate < 1 || p.Percentage.Rate > 99 {
			return apperr.ValidationErr("percentage rate must be within 1..99", map[string]string{"rate": "1..99"})
		}
		if p.Percentage.RemainingAmount.IsNegative() || p.Percentage.RemainingAmount.GreaterThan(p.Amount) {
			return apperr.ValidationErr("remaining amount out of range", nil)
		}
	case models.TypeDeliverySecured:
		if p.Escrow == nil || p.Escrow.HeldUntil.IsZero() {
			return apperr.ValidationErr("escrow payments need a hold deadline", map[string]string{"held_until": "required"})
		}
	}
	if p.Type != models.TypeDeliverySecured && p.Escrow != nil {
		return apperr.ValidationErr("only delivery-secured payments carry escrow terms", nil)
	}
	if p.Type != models.TypePercentage && p.Percentage != nil {
		return apperr.ValidationErr("only percentage payments carry percentage terms", nil)
	}
	if p.RefundedAmount.IsNegative() || p.RefundedAmount.GreaterThan(p.Amount) {
		return apperr.ValidationErr("refunded amount out of range", nil)
	}
	if p.PendingRefund != nil && (!p.PendingRefund.IsPositive() || p.RefundedAmount.Add(*p.PendingRefund).GreaterThan(p.Amount)) {
		return apperr.ValidationErr("pending refund out of range", nil)
	}
	return nil
}
