package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	StatusPending    PaymentStatus = "pending"
	StatusProcessing PaymentStatus = "processing"
	StatusCompleted  PaymentStatus = "completed"
	StatusFailed     PaymentStatus = "failed"
	StatusCancelled  PaymentStatus = "cancelled"
	StatusHeld       PaymentStatus = "held"
	StatusReleased   PaymentStatus = "released"
	StatusDisputed   PaymentStatus = "disputed"
	StatusRefunded   PaymentStatus = "refunded"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []PaymentStatus{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
	StatusHeld,
	StatusReleased,
	StatusDisputed,
	StatusRefunded,
}

var transitions = map[PaymentStatus][]PaymentStatus{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusHeld, StatusRefunded},
	StatusHeld:       {StatusReleased, StatusDisputed},
	StatusDisputed:   {StatusReleased, StatusRefunded},
}

// Valid reports whether s is a known status.
func (s PaymentStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether target is a legal next status for s.
// Type-specific restrictions (completed -> held) are enforced by Payment.CanTransitionTo.
func (s PaymentStatus) CanTransitionTo(target PaymentStatus) bool {
	for _, next := range transitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no outgoing edge exists for s.
func (s PaymentStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

type PaymentType string

const (
	TypeFull            PaymentType = "full"
	TypePercentage      PaymentType = "percentage"
	TypeDeliverySecured PaymentType = "delivery_secured"
)

func (t PaymentType) Valid() bool {
	return t == TypeFull || t == TypePercentage || t == TypeDeliverySecured
}

type PercentageTerms struct {
	Rate            int             `json:"rate"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
}

type EscrowTerms struct {
	HeldAmount        decimal.Decimal `json:"held_amount"`
	HeldUntil         time.Time       `json:"held_until"`
	HoldReason        string          `json:"hold_reason,omitempty"`
	ReleaseConditions json.RawMessage `json:"release_conditions,omitempty"`
}

type DisputeOutcome string

const (
	OutcomeRelease DisputeOutcome = "release"
	OutcomeRefund  DisputeOutcome = "refund"
)

type Dispute struct {
	Reason      string         `json:"reason"`
	Description string         `json:"description,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
	Outcome     DisputeOutcome `json:"outcome,omitempty"`
	OpenedAt    time.Time      `json:"opened_at"`
}

// Payment is the ledger record for one payment intent.
type Payment struct {
	ID         string `json:"id"`
	OrderID    string `json:"order_id"`
	StoreID    string `json:"store_id,omitempty"`
	CustomerID string `json:"customer_id"`

	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"payment_method,omitempty"`

	Type       PaymentType      `json:"type"`
	Percentage *PercentageTerms `json:"percentage,omitempty"`
	Escrow     *EscrowTerms     `json:"escrow,omitempty"`

	Status PaymentStatus `json:"status"`

	ProviderCode          string `json:"provider_code"`
	ProviderPaymentID     string `json:"provider_payment_id,omitempty"`
	ProviderTransactionID string `json:"provider_transaction_id,omitempty"`
	RedirectURL           string `json:"redirect_url,omitempty"`

	RefundedAmount decimal.Decimal `json:"refunded_amount"`
	// PendingRefund is set while a provider refund is outstanding. Only the
	// refunded transition may leave a payment carrying it.
	PendingRefund *decimal.Decimal `json:"pending_refund,omitempty"`
	Dispute       *Dispute         `json:"dispute,omitempty"`
	ReleasedBy    string           `json:"released_by,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	Version int64 `json:"version"`
}

// CanTransitionTo applies the status table plus the escrow-only completed -> held edge.
func (p *Payment) CanTransitionTo(target PaymentStatus) bool {
	if !p.Status.CanTransitionTo(target) {
		return false
	}
	if target == StatusHeld && p.Type != TypeDeliverySecured {
		return false
	}
	return true
}

// HeldUntil returns the escrow deadline, nil for non-escrow payments.
func (p *Payment) HeldUntil() *time.Time {
	if p.Type != TypeDeliverySecured || p.Escrow == nil {
		return nil
	}
	t := p.Escrow.HeldUntil
	return &t
}

// UpfrontAmount is what the provider is asked to capture at creation.
func (p *Payment) UpfrontAmount() decimal.Decimal {
	if p.Type == TypePercentage && p.Percentage != nil {
		return p.Amount.Sub(p.Percentage.RemainingAmount)
	}
	return p.Amount
}

// SettledAmount is the amount captured so far, before refunds.
func (p *Payment) SettledAmount() decimal.Decimal {
	switch p.Status {
	case StatusPending, StatusFailed, StatusCancelled:
		return decimal.Zero
	}
	if p.Type == TypePercentage && p.Percentage != nil {
		return p.Amount.Sub(p.Percentage.RemainingAmount)
	}
	if p.Type == TypeDeliverySecured && p.Escrow != nil {
		return p.Escrow.HeldAmount
	}
	return p.Amount
}

// RefundableAmount is the settled amount not yet refunded.
func (p *Payment) RefundableAmount() decimal.Decimal {
	r := p.SettledAmount().Sub(p.RefundedAmount)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

var hundred = decimal.NewFromInt(100)

// RemainingAfterUpfront returns amount * (1 - rate/100).
func RemainingAfterUpfront(amount decimal.Decimal, rate int) decimal.Decimal {
	return amount.Mul(hundred.Sub(decimal.NewFromInt(int64(rate)))).Div(hundred)
}

// StateChange is published after every committed transition.
type StateChange struct {
	PaymentID     string          `json:"payment_id"`
	OrderID       string          `json:"order_id"`
	ProviderCode  string          `json:"provider_code"`
	Type          PaymentType     `json:"type"`
	State         PaymentStatus   `json:"state"`
	PreviousState PaymentStatus   `json:"previous_state"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Actor         string          `json:"actor,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Transition is one row of the payment audit trail.
type Transition struct {
	PaymentID string        `json:"payment_id"`
	From      PaymentStatus `json:"from"`
	To        PaymentStatus `json:"to"`
	Actor     string        `json:"actor,omitempty"`
	Version   int64         `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
}
