package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/akylbek/payment-system/escrow-engine/internal/apperr"
	"github.com/akylbek/payment-system/escrow-engine/internal/models"
	"github.com/akylbek/payment-system/escrow-engine/internal/providers"
	"github.com/akylbek/payment-system/escrow-engine/internal/repository"
)

type recordingPublisher struct {
	mu      sync.Mutex
	changes []models.StateChange
}

func (p *recordingPublisher) Publish(_ context.Context, change models.StateChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) states() []models.PaymentStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.PaymentStatus, 0, len(p.changes))
	for _, c := range p.changes {
		out = append(out, c.State)
	}
	return out
}

type fixture struct {
	repo      *repository.PaymentRepository
	ledger    *Ledger
	publisher *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	repo := repository.NewPaymentRepository(db, repository.SQLite)
	require.NoError(t, repo.InitDB())

	pub := &recordingPublisher{}
	return &fixture{repo: repo, ledger: NewLedger(repo, pub), publisher: pub}
}

// seed stores a payment directly in the given status.
func (f *fixture) seed(t *testing.T, p *models.Payment) *models.Payment {
	t.Helper()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
		p.UpdatedAt = p.CreatedAt
	}
	require.NoError(t, f.repo.Insert(context.Background(), p))
	return p
}

func heldPayment(heldUntil time.Time) *models.Payment {
	return &models.Payment{
		OrderID:           "order-" + uuid.NewString()[:8],
		CustomerID:        "cust-1",
		Amount:            decimal.NewFromInt(10000),
		Currency:          "XOF",
		Type:              models.TypeDeliverySecured,
		Status:            models.StatusHeld,
		ProviderCode:      "fake",
		ProviderPaymentID: "fake_" + uuid.NewString(),
		Escrow: &models.EscrowTerms{
			HeldAmount: decimal.NewFromInt(10000),
			HeldUntil:  heldUntil.UTC(),
		},
	}
}

// fakeProvider is a scriptable in-process gateway.
type fakeProvider struct {
	info providers.Info

	mu         sync.Mutex
	createErr  error
	status     models.PaymentStatus
	refunds    []providers.RefundRequest
	refundErr  error
	createReqs []providers.PaymentRequest

	// when set, Refund signals refundStarted and waits on refundGate
	refundStarted chan struct{}
	refundGate    chan struct{}
}

func newFakeProvider(features ...providers.Feature) *fakeProvider {
	if len(features) == 0 {
		features = []providers.Feature{
			providers.FeatureCard, providers.FeatureRefund, providers.FeaturePartialRefund, providers.FeatureEscrow,
		}
	}
	return &fakeProvider{
		info: providers.Info{
			Code:       "fake",
			Name:       "Fake",
			Currencies: []string{"XOF", "USD", "EUR"},
			Countries:  []string{"SN", "US"},
			Features:   features,
		},
		status: models.StatusCompleted,
	}
}

func (f *fakeProvider) Code() string                             { return f.info.Code }
func (f *fakeProvider) Info() providers.Info                     { return f.info }
func (f *fakeProvider) SupportsCurrency(c string) bool           { return f.info.SupportsCurrency(c) }
func (f *fakeProvider) SupportsCountry(c string) bool            { return f.info.SupportsCountry(c) }
func (f *fakeProvider) SupportsFeature(x providers.Feature) bool { return f.info.SupportsFeature(x) }
func (f *fakeProvider) SignatureHeader() string                  { return "X-Fake-Signature" }

func (f *fakeProvider) CreatePayment(_ context.Context, req providers.PaymentRequest) (*providers.PaymentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createReqs = append(f.createReqs, req)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &providers.PaymentResult{
		ProviderPaymentID:     "fake_" + req.Reference,
		ProviderTransactionID: "fake_txn_" + req.Reference,
		Status:                f.status,
		RawStatus:             string(f.status),
		Amount:                req.Amount,
		Currency:              req.Currency,
	}, nil
}

func (f *fakeProvider) VerifyPayment(_ context.Context, id string) (*providers.PaymentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &providers.PaymentResult{
		ProviderPaymentID:     id,
		ProviderTransactionID: "fake_txn_" + id,
		Status:                f.status,
		RawStatus:             string(f.status),
	}, nil
}

func (f *fakeProvider) Refund(_ context.Context, req providers.RefundRequest) (*providers.RefundResult, error) {
	if f.refundGate != nil {
		f.refundStarted <- struct{}{}
		<-f.refundGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	if req.Amount.GreaterThan(req.SettledAmount) {
		return nil, apperr.RefundExceedsSettledErr(req.Reference, req.Amount.String(), req.SettledAmount.String())
	}
	f.refunds = append(f.refunds, req)
	return &providers.RefundResult{
		RefundID: "fake_refund_" + req.Reference,
		Status:   models.StatusRefunded,
		Amount:   req.Amount,
	}, nil
}

// The fake accepts the literal signature "valid".
func (f *fakeProvider) VerifyWebhookSignature(_ []byte, signature string) bool {
	return signature == "valid"
}

func (f *fakeProvider) ParseWebhookEvent(payload []byte) (*models.WebhookEvent, error) {
	return parseFakeEvent(payload)
}

func (f *fakeProvider) setRefundErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundErr = err
}

func (f *fakeProvider) refundCalls() []providers.RefundRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]providers.RefundRequest(nil), f.refunds...)
}

type fakeEvent struct {
	ID   string                  `json:"id"`
	Type models.WebhookEventType `json:"type"`
	Ref  string                  `json:"ref"`
}

func parseFakeEvent(payload []byte) (*models.WebhookEvent, error) {
	var ev fakeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, apperr.ValidationErr("malformed fake event", nil)
	}
	return &models.WebhookEvent{
		EventID:           ev.ID,
		EventType:         ev.Type,
		ProviderEventType: string(ev.Type),
		ProviderPaymentID: ev.Ref,
	}, nil
}

func fakeEventPayload(t *testing.T, id string, typ models.WebhookEventType, ref string) []byte {
	t.Helper()
	b, err := json.Marshal(fakeEvent{ID: id, Type: typ, Ref: ref})
	require.NoError(t, err)
	return b
}
