package models

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	allowed := map[PaymentStatus][]PaymentStatus{
		StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled},
		StatusProcessing: {StatusCompleted, StatusFailed},
		StatusCompleted:  {StatusHeld, StatusRefunded},
		StatusHeld:       {StatusReleased, StatusDisputed},
		StatusDisputed:   {StatusReleased, StatusRefunded},
	}

	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := false
			for _, next := range allowed[from] {
				if next == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []PaymentStatus{StatusFailed, StatusCancelled, StatusReleased, StatusRefunded} {
		assert.True(t, s.IsTerminal(), s)
		for _, to := range AllStatuses {
			assert.False(t, s.CanTransitionTo(to), "%s -> %s", s, to)
		}
	}
	assert.False(t, StatusHeld.IsTerminal())
}

func TestHeldOnlyForDeliverySecured(t *testing.T) {
	for _, typ := range []PaymentType{TypeFull, TypePercentage} {
		p := &Payment{Type: typ, Status: StatusCompleted}
		assert.False(t, p.CanTransitionTo(StatusHeld), typ)
		assert.True(t, p.CanTransitionTo(StatusRefunded), typ)
	}
	p := &Payment{Type: TypeDeliverySecured, Status: StatusCompleted}
	assert.True(t, p.CanTransitionTo(StatusHeld))
}

// Random walks never leave the transition table: every status a walk reaches
// is reachable by a legal edge and illegal targets are always refused.
func TestRandomWalkNeverTakesIllegalEdge(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	types := []PaymentType{TypeFull, TypePercentage, TypeDeliverySecured}

	for i := 0; i < 500; i++ {
		p := &Payment{Type: types[rng.Intn(len(types))], Status: StatusPending}
		for step := 0; step < 12; step++ {
			target := AllStatuses[rng.Intn(len(AllStatuses))]
			if !p.CanTransitionTo(target) {
				continue
			}
			require.True(t, p.Status.CanTransitionTo(target))
			if target == StatusHeld {
				require.Equal(t, TypeDeliverySecured, p.Type)
			}
			p.Status = target
		}
		if p.Status.IsTerminal() {
			for _, to := range AllStatuses {
				require.False(t, p.CanTransitionTo(to))
			}
		}
	}
}

func TestRemainingAfterUpfront(t *testing.T) {
	cases := []struct {
		amount string
		rate   int
		want   string
	}{
		{"20000", 30, "14000"},
		{"100", 1, "99"},
		{"100", 99, "1"},
		{"10.50", 50, "5.25"},
		{"333", 33, "223.11"},
	}
	for _, tc := range cases {
		got := RemainingAfterUpfront(decimal.RequireFromString(tc.amount), tc.rate)
		assert.True(t, decimal.RequireFromString(tc.want).Equal(got), "%s at %d%%: got %s", tc.amount, tc.rate, got)
	}
}

func TestPercentageAmounts(t *testing.T) {
	p := &Payment{
		Type:   TypePercentage,
		Status: StatusPending,
		Amount: decimal.NewFromInt(20000),
		Percentage: &PercentageTerms{
			Rate:            30,
			RemainingAmount: RemainingAfterUpfront(decimal.NewFromInt(20000), 30),
		},
	}
	assert.Equal(t, "6000", p.UpfrontAmount().String())
	assert.True(t, p.SettledAmount().IsZero())

	p.Status = StatusProcessing
	assert.Equal(t, "6000", p.SettledAmount().String())

	p.Percentage.RemainingAmount = decimal.Zero
	p.Status = StatusCompleted
	assert.Equal(t, "20000", p.SettledAmount().String())
}

func TestRefundableAmount(t *testing.T) {
	p := &Payment{Type: TypeFull, Status: StatusCompleted, Amount: decimal.NewFromInt(100)}
	assert.Equal(t, "100", p.RefundableAmount().String())

	p.RefundedAmount = decimal.NewFromInt(40)
	assert.Equal(t, "60", p.RefundableAmount().String())

	p.RefundedAmount = decimal.NewFromInt(150)
	assert.True(t, p.RefundableAmount().IsZero())
}

func TestHeldUntil(t *testing.T) {
	deadline := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &Payment{Type: TypeDeliverySecured, Escrow: &EscrowTerms{HeldUntil: deadline}}
	require.NotNil(t, p.HeldUntil())
	assert.Equal(t, deadline, *p.HeldUntil())

	assert.Nil(t, (&Payment{Type: TypeFull}).HeldUntil())
}
