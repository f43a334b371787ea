package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/akylbek/payment-system/escrow-engine/internal/apperr"
	"github.com/akylbek/payment-system/escrow-engine/internal/models"
)

func setupTestRepo(t *testing.T) *PaymentRepository {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	repo := NewPaymentRepository(db, SQLite)
	require.NoError(t, repo.InitDB())
	return repo
}

func newEscrowPayment(heldUntil time.Time) *models.Payment {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.Payment{
		ID:           uuid.NewString(),
		OrderID:      "order-1",
		CustomerID:   "cust-1",
		Amount:       decimal.NewFromInt(10000),
		Currency:     "XOF",
		Type:         models.TypeDeliverySecured,
		Status:       models.StatusHeld,
		ProviderCode: "stripe",
		Escrow: &models.EscrowTerms{
			HeldAmount:        decimal.NewFromInt(10000),
			HeldUntil:         heldUntil.UTC(),
			HoldReason:        "delivery",
			ReleaseConditions: json.RawMessage(`{"proof":"signature"}`),
		},
		Metadata:  map[string]string{"channel": "web"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestInsertAndGet(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	p := newEscrowPayment(time.Now().Add(72 * time.Hour))
	p.ProviderPaymentID = "cs_123"
	require.NoError(t, repo.Insert(ctx, p))

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, models.StatusHeld, got.Status)
	assert.True(t, p.Amount.Equal(got.Amount))
	require.NotNil(t, got.Escrow)
	assert.True(t, got.Escrow.HeldUntil.Equal(p.Escrow.HeldUntil))
	assert.JSONEq(t, `{"proof":"signature"}`, string(got.Escrow.ReleaseConditions))
	assert.Equal(t, "web", got.Metadata["channel"])
	assert.Nil(t, got.Percentage)

	byRef, err := repo.GetByProviderPaymentID(ctx, "stripe", "cs_123")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byRef.ID)
}

func TestGetMissingPayment(t *testing.T) {
	repo := setupTestRepo(t)

	_, err := repo.GetByID(context.Background(), "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPercentageRoundTrip(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	p := newEscrowPayment(time.Now())
	p.Type = models.TypePercentage
	p.Status = models.StatusProcessing
	p.Escrow = nil
	p.Percentage = &models.PercentageTerms{Rate: 30, RemainingAmount: decimal.RequireFromString("14000.50")}
	require.NoError(t, repo.Insert(ctx, p))

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Percentage)
	assert.Equal(t, 30, got.Percentage.Rate)
	assert.Equal(t, "14000.5", got.Percentage.RemainingAmount.String())
	assert.Nil(t, got.Escrow)
}

func TestCompareAndSet(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	p := newEscrowPayment(time.Now().Add(time.Hour))
	require.NoError(t, repo.Insert(ctx, p))

	next := *p
	next.Status = models.StatusReleased
	next.ReleasedBy = "buyer"
	ok, err := repo.CompareAndSet(ctx, &next, models.StatusHeld, 0, "buyer")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), next.Version)

	stale := *p
	stale.Status = models.StatusDisputed
	ok, err = repo.CompareAndSet(ctx, &stale, models.StatusHeld, 0, "seller")
	require.NoError(t, err)
	assert.False(t, ok, "stale version must not be written")

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReleased, got.Status)
	assert.Equal(t, "buyer", got.ReleasedBy)
	assert.Equal(t, int64(1), got.Version)

	history, err := repo.ListTransitions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusHeld, history[0].From)
	assert.Equal(t, models.StatusReleased, history[0].To)
	assert.Equal(t, "buyer", history[0].Actor)
}

func TestCompareAndSetSameStatusSkipsAudit(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	p := newEscrowPayment(time.Now().Add(time.Hour))
	require.NoError(t, repo.Insert(ctx, p))

	next := *p
	next.RedirectURL = "https://pay.example/checkout"
	ok, err := repo.CompareAndSet(ctx, &next, models.StatusHeld, 0, "provider")
	require.NoError(t, err)
	require.True(t, ok)

	history, err := repo.ListTransitions(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestPendingRefundRoundTrip(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	p := newEscrowPayment(time.Now().Add(time.Hour))
	p.Status = models.StatusDisputed
	require.NoError(t, repo.Insert(ctx, p))

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PendingRefund)

	claim := decimal.RequireFromString("2500.75")
	next := *got
	next.PendingRefund = &claim
	ok, err := repo.CompareAndSet(ctx, &next, models.StatusDisputed, got.Version, "refund")
	require.NoError(t, err)
	require.True(t, ok)

	got, err = repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PendingRefund)
	assert.Equal(t, "2500.75", got.PendingRefund.String())
}

func TestListDueHeld(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := newEscrowPayment(now.Add(-time.Hour))
	later := newEscrowPayment(now.Add(time.Hour))
	disputed := newEscrowPayment(now.Add(-2 * time.Hour))
	disputed.Status = models.StatusDisputed
	for _, p := range []*models.Payment{due, later, disputed} {
		require.NoError(t, repo.Insert(ctx, p))
	}

	got, err := repo.ListDueHeld(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)

	got, err = repo.ListDueHeld(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, due.ID, got[0].ID, "ordered by deadline")
	assert.Equal(t, later.ID, got[1].ID)
}

func TestWebhookEventDeduplication(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	rec := &models.WebhookRecord{
		ProviderCode: "stripe",
		EventID:      "evt_1",
		EventType:    "checkout.session.completed",
		Payload:      []byte(`{"id":"evt_1"}`),
		ReceivedAt:   time.Now(),
	}
	fresh, err := repo.RecordWebhookEvent(ctx, rec)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = repo.RecordWebhookEvent(ctx, &models.WebhookRecord{
		ProviderCode: "stripe", EventID: "evt_1", EventType: "x", Payload: []byte("{}"), ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, fresh)

	// same id from another provider is a different event
	fresh, err = repo.RecordWebhookEvent(ctx, &models.WebhookRecord{
		ProviderCode: "paypal", EventID: "evt_1", EventType: "x", Payload: []byte("{}"), ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, fresh)

	stored, err := repo.GetWebhookEvent(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.Nil(t, stored.ProcessedAt)
	assert.Equal(t, `{"id":"evt_1"}`, string(stored.Payload))

	require.NoError(t, repo.MarkWebhookEventProcessed(ctx, "stripe", "evt_1", ""))
	stored, err = repo.GetWebhookEvent(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.NotNil(t, stored.ProcessedAt)

	require.NoError(t, repo.MarkWebhookEventProcessed(ctx, "paypal", "evt_1", "payment not found"))
	stored, err = repo.GetWebhookEvent(ctx, "paypal", "evt_1")
	require.NoError(t, err)
	assert.Nil(t, stored.ProcessedAt)
	assert.Equal(t, "payment not found", stored.ProcessError)

	_, err = repo.GetWebhookEvent(ctx, "stripe", "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestProcessErrorTruncatedOnRuneBoundary(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	fresh, err := repo.RecordWebhookEvent(ctx, &models.WebhookRecord{
		ProviderCode: "flutterwave", EventID: "evt_utf8", EventType: "x", Payload: []byte("{}"), ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, fresh)

	// "é" is two bytes; byte 250 falls inside one of them
	msg := strings.Repeat("a", 249) + strings.Repeat("é", 10)
	require.NoError(t, repo.MarkWebhookEventProcessed(ctx, "flutterwave", "evt_utf8", msg))

	stored, err := repo.GetWebhookEvent(ctx, "flutterwave", "evt_utf8")
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(stored.ProcessError))
	assert.Equal(t, strings.Repeat("a", 249), stored.ProcessError)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc", truncate("abcdef", 3))
	assert.Equal(t, "日", truncate("日本語", 4))
	assert.Equal(t, "日本", truncate("日本語", 6))
	assert.Equal(t, "", truncate("日本語", 2))
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", Postgres.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	assert.Equal(t, "a = ?", SQLite.rebind("a = ?"))
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("sqlite3")
	require.NoError(t, err)
	assert.Equal(t, SQLite.Name, d.Name)

	d, err = DialectFor("")
	require.NoError(t, err)
	assert.Equal(t, Postgres.Name, d.Name)

	_, err = DialectFor("mysql")
	assert.Error(t, err)
}
