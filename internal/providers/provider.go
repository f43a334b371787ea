// Package providers normalizes external payment gateways behind one contract.
// Adapters differ only in wire format; the registry routes by provider code
// and capability before any network call is made.
package providers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/escrow-engine/internal/models"
)

type Feature string

const (
	FeatureRefund        Feature = "refund"
	FeaturePartialRefund Feature = "partial_refund"
	FeatureEscrow        Feature = "escrow"
	FeatureWebhooks      Feature = "webhooks"
	FeatureCard          Feature = "card"
	FeatureMobileMoney   Feature = "mobile_money"
	FeatureBankTransfer  Feature = "bank_transfer"
	FeatureWallet        Feature = "wallet"
)

// Info is the static descriptor used for capability queries.
type Info struct {
	Code       string
	Name       string
	Currencies []string
	Countries  []string
	Features   []Feature
}

func (i Info) SupportsCurrency(currency string) bool {
	return containsFold(i.Currencies, currency)
}

// SupportsCountry treats an empty country as "any".
func (i Info) SupportsCountry(country string) bool {
	if country == "" {
		return true
	}
	return containsFold(i.Countries, country)
}

func (i Info) SupportsFeature(f Feature) bool {
	for _, have := range i.Features {
		if have == f {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

type PaymentRequest struct {
	// Reference is the engine payment id; adapters send it as the idempotency key.
	Reference     string
	Amount        decimal.Decimal
	Currency      string
	Description   string
	CustomerID    string
	CustomerEmail string
	PaymentMethod string
	ReturnURL     string
	CancelURL     string
	Metadata      map[string]string
}

type PaymentResult struct {
	ProviderPaymentID     string
	ProviderTransactionID string
	Status                models.PaymentStatus
	RawStatus             string
	RedirectURL           string
	Amount                decimal.Decimal
	Currency              string
}

type RefundRequest struct {
	Reference             string
	ProviderPaymentID     string
	ProviderTransactionID string
	Amount                decimal.Decimal
	Currency              string
	Reason                string
	// SettledAmount is the engine's view; live adapters re-verify remotely.
	SettledAmount decimal.Decimal
}

type RefundResult struct {
	RefundID  string
	Status    models.PaymentStatus
	RawStatus string
	Amount    decimal.Decimal
}

// Provider is the contract every gateway adapter implements.
type Provider interface {
	Code() string
	Info() Info
	SupportsCurrency(currency string) bool
	SupportsCountry(country string) bool
	SupportsFeature(f Feature) bool

	CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error)
	VerifyPayment(ctx context.Context, providerPaymentID string) (*PaymentResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)

	// SignatureHeader names the HTTP header carrying the webhook signature.
	SignatureHeader() string
	VerifyWebhookSignature(payload []byte, signature string) bool
	ParseWebhookEvent(payload []byte) (*models.WebhookEvent, error)
}

// Config carries the credentials and switches for one adapter.
type Config struct {
	TestMode      bool
	BaseURL       string
	SecretKey     string
	ClientID      string
	WebhookSecret string
	WebhookID     string
	HTTPClient    *http.Client
	Now           func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// capabilities is embedded by adapters to answer capability queries from Info.
type capabilities struct {
	info Info
}

func (c capabilities) Code() string                     { return c.info.Code }
func (c capabilities) Info() Info                       { return c.info }
func (c capabilities) SupportsCurrency(cur string) bool { return c.info.SupportsCurrency(cur) }
func (c capabilities) SupportsCountry(cc string) bool   { return c.info.SupportsCountry(cc) }
func (c capabilities) SupportsFeature(f Feature) bool   { return c.info.SupportsFeature(f) }

// NormalizeStatus maps the common provider vocabulary onto engine statuses.
func NormalizeStatus(raw string) models.PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "successful", "success", "succeeded", "paid", "completed", "complete", "captured", "no_payment_required":
		return models.StatusCompleted
	case "failed", "failure", "denied", "declined", "error":
		return models.StatusFailed
	case "cancelled", "canceled", "expired", "voided", "abandoned":
		return models.StatusCancelled
	case "processing", "approved", "authorized", "in_progress":
		return models.StatusProcessing
	default:
		return models.StatusPending
	}
}

// testModeResult is the deterministic synthetic success returned without any
// network call when an adapter runs in test mode.
func testModeResult(code string, req PaymentRequest) *PaymentResult {
	id := "test_" + code + "_" + req.Reference
	return &PaymentResult{
		ProviderPaymentID:     id,
		ProviderTransactionID: "txn_" + id,
		Status:                models.StatusCompleted,
		RawStatus:             "test_success",
		Amount:                req.Amount,
		Currency:              strings.ToUpper(req.Currency),
	}
}

func testModeRefund(req RefundRequest) (*RefundResult, error) {
	if err := checkRefundable(req.Reference, req.Amount, req.SettledAmount); err != nil {
		return nil, err
	}
	return &RefundResult{
		RefundID:  "test_refund_" + req.ProviderPaymentID,
		Status:    models.StatusRefunded,
		RawStatus: "test_success",
		Amount:    req.Amount,
	}, nil
}
