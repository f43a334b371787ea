package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/escrow-engine/internal/apperr"
	"github.com/akylbek/payment-system/escrow-engine/internal/models"
)

func newPending(typ models.PaymentType) *models.Payment {
	p := &models.Payment{
		ID:           uuid.NewString(),
		OrderID:      "order-1",
		CustomerID:   "cust-1",
		Amount:       decimal.NewFromInt(20000),
		Currency:     "XOF",
		Type:         typ,
		ProviderCode: "fake",
	}
	switch typ {
	case models.TypePercentage:
		p.Percentage = &models.PercentageTerms{Rate: 30, RemainingAmount: models.RemainingAfterUpfront(p.Amount, 30)}
	case models.TypeDeliverySecured:
		p.Escrow = &models.EscrowTerms{HeldAmount: p.Amount, HeldUntil: time.Now().Add(48 * time.Hour).UTC()}
	}
	return p
}

func TestLedgerCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := newPending(models.TypeFull)
	require.NoError(t, f.ledger.Create(ctx, p))
	assert.Equal(t, models.StatusPending, p.Status)

	got, err := f.ledger.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Version)
	assert.Equal(t, []models.PaymentStatus{models.StatusPending}, f.publisher.states())
}

func TestLedgerCreateRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := newPending(models.TypeFull)
	p.Status = models.StatusCompleted
	assert.ErrorIs(t, f.ledger.Create(ctx, p), apperr.ErrValidation)

	p = newPending(models.TypeFull)
	p.Amount = decimal.Zero
	assert.ErrorIs(t, f.ledger.Create(ctx, p), apperr.ErrValidation)

	p = newPending(models.TypePercentage)
	p.Percentage.Rate = 100
	assert.ErrorIs(t, f.ledger.Create(ctx, p), apperr.ErrValidation)

	p = newPending(models.TypeDeliverySecured)
	p.Escrow.HeldUntil = time.Time{}
	assert.ErrorIs(t, f.ledger.Create(ctx, p), apperr.ErrValidation)
}

func TestLedgerIllegalTransitionWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := newPending(models.TypeFull)
	require.NoError(t, f.ledger.Create(ctx, p))

	_, err := f.ledger.Release(ctx, p.ID, "seller")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.ledger.MarkRefunded(ctx, p.ID, decimal.NewFromInt(1), "test")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	got, err := f.ledger.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, int64(0), got.Version)

	history, err := f.ledger.History(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestLedgerRepeatedStepConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := newPending(models.TypeFull)
	require.NoError(t, f.ledger.Create(ctx, p))

	_, err := f.ledger.MarkProcessing(ctx, p.ID, "test")
	require.NoError(t, err)
	_, err = f.ledger.MarkProcessing(ctx, p.ID, "test")
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestLedgerClockStampsTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fixed := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	f.ledger.WithClock(func() time.Time { return fixed })

	p := newPending(models.TypeDeliverySecured)
	require.NoError(t, f.ledger.Create(ctx, p))
	assert.True(t, fixed.Equal(p.CreatedAt))

	_, err := f.ledger.Confirm(ctx, p.ID, "", "test")
	require.NoError(t, err)
	got, err := f.ledger.Release(ctx, p.ID, "seller")
	require.NoError(t, err)
	assert.True(t, fixed.Equal(got.UpdatedAt))
	require.NotNil(t, got.ReleasedAt)
	assert.True(t, fixed.Equal(*got.ReleasedAt))

	history, err := f.ledger.History(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for _, tr := range history {
		assert.True(t, fixed.Equal(tr.CreatedAt), "%s -> %s at %s", tr.From, tr.To, tr.CreatedAt)
	}
}

func TestLedgerConfirmByType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		typ  models.PaymentType
		want models.PaymentStatus
	}{
		{models.TypeFull, models.StatusCompleted},
		{models.TypePercentage, models.StatusProcessing},
		{models.TypeDeliverySecured, models.StatusHeld},
	}
	for _, tc := range cases {
		t.Run(string(tc.typ), func(t *testing.T) {
			p := newPending(tc.typ)
			require.NoError(t, f.ledger.Create(ctx, p))

			got, err := f.ledger.Confirm(ctx, p.ID, "txn_1", "test")
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Status)
			assert.Equal(t, "txn_1", got.ProviderTransactionID)

			_, err = f.ledger.Confirm(ctx, p.ID, "txn_1", "test")
			assert.ErrorIs(t, err, apperr.ErrConflict, "second confirmation is already applied")
		})
	}
}

func TestLedgerConfirmEscrowAuditTrail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := newPending(models.TypeDeliverySecured)
	require.NoError(t, f.ledger.Create(ctx, p))
	_, err := f.ledger.Confirm(ctx, p.ID, "", "webhook:fake")
	require.NoError(t, err)

	history, err := f.ledger.History(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.StatusPending, history[0].From)
	assert.Equal(t, models.StatusCompleted, history[0].To)
	assert.Equal(t, models.StatusCompleted, history[1].From)
	assert.Equal(t, models.StatusHeld, history[1].To)
	assert.Equal(t, "webhook:fake", history[1].Actor)
	assert.Less(t, history[0].Version, history[1].Version)
}

func TestLedgerConcurrentReleaseOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seed(t, heldPayment(time.Now().Add(time.Hour)))

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
		others    []error
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := f.ledger.Release(ctx, p.ID, "buyer")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case apperr.KindOf(err) == apperr.Conflict:
				conflicts++
			default:
				others = append(others, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Empty(t, others)
	assert.Equal(t, 1, successes)
	assert.Equal(t, writers-1, conflicts)

	history, err := f.ledger.History(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "exactly one release is recorded")
}

func TestLedgerReleaseAndDisputeRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seed(t, heldPayment(time.Now().Add(time.Hour)))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.ledger.Release(ctx, p.ID, "buyer")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.ledger.OpenDispute(ctx, p.ID, "not delivered", "", "buyer")
	}()
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		kind := apperr.KindOf(err)
		assert.True(t, kind == apperr.Conflict || kind == apperr.InvalidTransition, "unexpected %v", err)
	}
	assert.Equal(t, 1, winners)
}

func TestLedgerSettleBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := newPending(models.TypePercentage)
	require.NoError(t, f.ledger.Create(ctx, p))
	assert.Equal(t, "14000", p.Percentage.RemainingAmount.String())

	_, err := f.ledger.SettleBalance(ctx, p.ID, decimal.NewFromInt(1000), "", "test")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "balance cannot be settled before the upfront part")

	_, err = f.ledger.Confirm(ctx, p.ID, "txn_up", "test")
	require.NoError(t, err)

	got, err := f.ledger.SettleBalance(ctx, p.ID, decimal.NewFromInt(4000), "txn_b1", "test")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Equal(t, "10000", got.Percentage.RemainingAmount.String())

	_, err = f.ledger.SettleBalance(ctx, p.ID, decimal.NewFromInt(10001), "", "test")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.ledger.SettleBalance(ctx, p.ID, decimal.NewFromInt(-5), "", "test")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	got, err = f.ledger.SettleBalance(ctx, p.ID, decimal.NewFromInt(10000), "txn_b2", "test")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.True(t, got.Percentage.RemainingAmount.IsZero())
	assert.Equal(t, "20000", got.SettledAmount().String())
}

func TestLedgerDisputeLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	released := f.seed(t, heldPayment(time.Now().Add(time.Hour)))
	got, err := f.ledger.OpenDispute(ctx, released.ID, "damaged", "box crushed", "buyer")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisputed, got.Status)
	require.NotNil(t, got.Dispute)
	assert.Equal(t, "damaged", got.Dispute.Reason)

	got, err = f.ledger.ResolveDispute(ctx, released.ID, "seller proved delivery", models.OutcomeRelease, decimal.Zero, "agent-7")
	require.NoError(t, err)
	assert.Equal(t, models.StatusReleased, got.Status)
	assert.Equal(t, models.OutcomeRelease, got.Dispute.Outcome)
	assert.Equal(t, "agent-7", got.ReleasedBy)
	assert.NotNil(t, got.ResolvedAt)

	refunded := f.seed(t, heldPayment(time.Now().Add(time.Hour)))
	_, err = f.ledger.OpenDispute(ctx, refunded.ID, "not delivered", "", "buyer")
	require.NoError(t, err)
	got, err = f.ledger.ResolveDispute(ctx, refunded.ID, "lost parcel", models.OutcomeRefund, decimal.NewFromInt(10000), "agent-7")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRefunded, got.Status)
	assert.Equal(t, "10000", got.RefundedAmount.String())

	_, err = f.ledger.ResolveDispute(ctx, refunded.ID, "again", models.DisputeOutcome("split"), decimal.Zero, "agent-7")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestLedgerOpenDisputeRequiresHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := newPending(models.TypeFull)
	require.NoError(t, f.ledger.Create(ctx, p))
	_, err := f.ledger.OpenDispute(ctx, p.ID, "reason", "", "buyer")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestLedgerMarkRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := newPending(models.TypeFull)
	require.NoError(t, f.ledger.Create(ctx, p))
	_, err := f.ledger.Confirm(ctx, p.ID, "", "test")
	require.NoError(t, err)

	got, err := f.ledger.MarkRefunded(ctx, p.ID, decimal.NewFromInt(20000), "test")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRefunded, got.Status)

	_, err = f.ledger.MarkRefunded(ctx, p.ID, decimal.NewFromInt(1), "test")
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestLedgerRefundClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := newPending(models.TypeFull)
	require.NoError(t, f.ledger.Create(ctx, p))
	_, err := f.ledger.ClaimRefund(ctx, p.ID, decimal.NewFromInt(100), models.StatusCompleted)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "nothing settled to refund")

	_, err = f.ledger.Confirm(ctx, p.ID, "", "test")
	require.NoError(t, err)

	claimed, err := f.ledger.ClaimRefund(ctx, p.ID, decimal.NewFromInt(500), models.StatusCompleted)
	require.NoError(t, err)
	require.NotNil(t, claimed.PendingRefund)
	assert.Equal(t, models.StatusCompleted, claimed.Status)

	again, err := f.ledger.ClaimRefund(ctx, p.ID, decimal.NewFromInt(500), models.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, claimed.Version, again.Version, "same claim resumes without a write")

	_, err = f.ledger.ClaimRefund(ctx, p.ID, decimal.NewFromInt(700), models.StatusCompleted)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	require.NoError(t, f.ledger.ClearRefundClaim(ctx, p.ID))
	got, err := f.ledger.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PendingRefund)
	require.NoError(t, f.ledger.ClearRefundClaim(ctx, p.ID))

	history, err := f.ledger.History(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "claims are not transitions")
}

func TestLedgerClaimBlocksRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := newPending(models.TypeDeliverySecured)
	require.NoError(t, f.ledger.Create(ctx, p))
	_, err := f.ledger.Confirm(ctx, p.ID, "", "test")
	require.NoError(t, err)
	_, err = f.ledger.OpenDispute(ctx, p.ID, "damaged", "", "buyer")
	require.NoError(t, err)
	_, err = f.ledger.ClaimRefund(ctx, p.ID, decimal.NewFromInt(20000), models.StatusDisputed)
	require.NoError(t, err)

	_, err = f.ledger.ResolveDispute(ctx, p.ID, "seller wins", models.OutcomeRelease, decimal.Zero, "agent")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	got, err := f.ledger.ResolveDispute(ctx, p.ID, "buyer wins", models.OutcomeRefund, decimal.NewFromInt(20000), "agent")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRefunded, got.Status)
	assert.Nil(t, got.PendingRefund)
}

func TestLedgerFailAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := newPending(models.TypeFull)
	require.NoError(t, f.ledger.Create(ctx, p))
	got, err := f.ledger.Fail(ctx, p.ID, "card declined", "provider")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "card declined", got.FailureReason)

	_, err = f.ledger.Cancel(ctx, p.ID, "buyer")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	held := f.seed(t, heldPayment(time.Now().Add(time.Hour)))
	_, err = f.ledger.Fail(ctx, held.ID, "late failure", "provider")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestLedgerProviderRefsAreImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := newPending(models.TypeFull)
	require.NoError(t, f.ledger.Create(ctx, p))

	got, err := f.ledger.SetProviderRefs(ctx, p.ID, "pp_1", "", "https://pay.example/1")
	require.NoError(t, err)
	assert.Equal(t, "pp_1", got.ProviderPaymentID)
	assert.Equal(t, models.StatusPending, got.Status)

	_, err = f.ledger.SetProviderRefs(ctx, p.ID, "pp_1", "", "https://pay.example/2")
	require.NoError(t, err, "same reference may be stored again")

	_, err = f.ledger.SetProviderRefs(ctx, p.ID, "pp_2", "", "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	byRef, err := f.ledger.GetByProviderPaymentID(ctx, "fake", "pp_1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byRef.ID)
}
