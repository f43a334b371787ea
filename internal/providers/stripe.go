package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/akylbek/payment-system/escrow-engine/internal/apperr"
	"github.com/akylbek/payment-system/escrow-engine/internal/models"
)

const (
	StripeCode          = "stripe"
	stripeDefaultURL    = "https://api.stripe.com"
	stripeSigTolerance  = 5 * time.Minute
	stripeSignatureName = "Stripe-Signature"
)

var stripeInfo = Info{
	Code: StripeCode,
	Name: "Stripe",
	Currencies: []string{
		"USD", "EUR", "GBP", "CAD", "AUD", "CHF", "JPY", "SEK", "NOK", "DKK", "PLN", "XOF", "XAF", "NGN", "ZAR", "MAD",
	},
	Countries: []string{
		"US", "CA", "GB", "IE", "FR", "DE", "ES", "IT", "NL", "BE", "CH", "AT", "SE", "NO", "DK", "PL", "AU", "JP",
	},
	Features: []Feature{FeatureCard, FeatureWallet, FeatureRefund, FeaturePartialRefund, FeatureWebhooks, FeatureEscrow},
}

// Stripe drives Checkout Sessions. The session id is the provider payment id;
// the payment intent id is kept as the transaction id for refunds.
type Stripe struct {
	capabilities
	cfg    Config
	client *apiClient
}

func NewStripe(cfg Config) *Stripe {
	if cfg.BaseURL == "" {
		cfg.BaseURL = stripeDefaultURL
	}
	return &Stripe{
		capabilities: capabilities{info: stripeInfo},
		cfg:          cfg,
		client: &apiClient{
			code:    StripeCode,
			baseURL: strings.TrimRight(cfg.BaseURL, "/"),
			http:    cfg.httpClient(),
			authorize: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+cfg.SecretKey)
			},
		},
	}
}

type stripeSession struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"payment_status"`
	PaymentIntent string            `json:"payment_intent"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
}

func (s *Stripe) CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	if s.cfg.TestMode {
		return testModeResult(StripeCode, req), nil
	}

	currency := strings.ToLower(req.Currency)
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", req.Reference)
	form.Set("success_url", req.ReturnURL)
	form.Set("cancel_url", req.CancelURL)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(toMinorUnits(req.Amount, req.Currency), 10))
	form.Set("line_items[0][price_data][product_data][name]", nonEmpty(req.Description, "Order payment"))
	form.Set("metadata[payment_id]", req.Reference)
	form.Set("payment_intent_data[metadata][payment_id]", req.Reference)
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}
	if req.CustomerEmail != "" {
		form.Set("customer_email", req.CustomerEmail)
	}

	var session stripeSession
	err := s.client.doForm(ctx, "stripe create", http.MethodPost, "/v1/checkout/sessions", form,
		map[string]string{"Idempotency-Key": req.Reference}, &session)
	if err != nil {
		return nil, err
	}
	return s.result(session), nil
}

func (s *Stripe) VerifyPayment(ctx context.Context, providerPaymentID string) (*PaymentResult, error) {
	if s.cfg.TestMode {
		return &PaymentResult{
			ProviderPaymentID:     providerPaymentID,
			ProviderTransactionID: "txn_" + providerPaymentID,
			Status:                models.StatusCompleted,
			RawStatus:             "test_success",
		}, nil
	}
	var session stripeSession
	err := s.client.doJSON(ctx, "stripe verify", http.MethodGet,
		"/v1/checkout/sessions/"+url.PathEscape(providerPaymentID), nil, nil, &session)
	if err != nil {
		return nil, err
	}
	return s.result(session), nil
}

func (s *Stripe) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if s.cfg.TestMode {
		return testModeRefund(req)
	}

	verified, err := s.VerifyPayment(ctx, req.ProviderPaymentID)
	if err != nil {
		return nil, err
	}
	if verified.Status != models.StatusCompleted {
		return nil, apperr.ProviderErr("stripe refund", StripeCode, false,
			fmt.Errorf("session %s is %s, not settled", req.ProviderPaymentID, verified.RawStatus))
	}
	if err := checkRefundable(req.Reference, req.Amount, verified.Amount); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("payment_intent", verified.ProviderTransactionID)
	form.Set("amount", strconv.FormatInt(toMinorUnits(req.Amount, req.Currency), 10))
	form.Set("metadata[payment_id]", req.Reference)
	if req.Reason != "" {
		form.Set("metadata[reason]", req.Reason)
	}

	var refund struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Amount int64  `json:"amount"`
	}
	err = s.client.doForm(ctx, "stripe refund", http.MethodPost, "/v1/refunds", form,
		map[string]string{"Idempotency-Key": "refund-" + req.Reference + "-" + req.Amount.String()}, &refund)
	if err != nil {
		return nil, err
	}
	status := models.StatusPending
	if refund.Status == "succeeded" {
		status = models.StatusRefunded
	} else if refund.Status == "failed" || refund.Status == "canceled" {
		return nil, apperr.ProviderErr("stripe refund", StripeCode, false, fmt.Errorf("refund %s %s", refund.ID, refund.Status))
	}
	return &RefundResult{
		RefundID:  refund.ID,
		Status:    status,
		RawStatus: refund.Status,
		Amount:    fromMinorUnits(refund.Amount, req.Currency),
	}, nil
}

func (s *Stripe) SignatureHeader() string { return stripeSignatureName }

func (s *Stripe) VerifyWebhookSignature(payload []byte, signature string) bool {
	return verifyStripeSignature(s.cfg.WebhookSecret, payload, signature, s.cfg.now(), stripeSigTolerance)
}

func (s *Stripe) ParseWebhookEvent(payload []byte) (*models.WebhookEvent, error) {
	var ev struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Created int64  `json:"created"`
		Data    struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, apperr.ValidationErr("malformed stripe event", nil)
	}
	var obj stripeSession
	if len(ev.Data.Object) > 0 {
		if err := json.Unmarshal(ev.Data.Object, &obj); err != nil {
			return nil, apperr.ValidationErr("malformed stripe event object", nil)
		}
	}

	out := &models.WebhookEvent{
		EventID:           ev.ID,
		ProviderEventType: ev.Type,
		ProviderPaymentID: obj.ID,
		Data:              ev.Data.Object,
		Timestamp:         time.Unix(ev.Created, 0).UTC(),
	}
	switch ev.Type {
	case "checkout.session.completed":
		if obj.PaymentStatus == "paid" || obj.PaymentStatus == "no_payment_required" {
			out.EventType = models.EventPaymentCompleted
		} else {
			out.EventType = models.EventPaymentProcessing
		}
	case "checkout.session.async_payment_succeeded":
		out.EventType = models.EventPaymentCompleted
	case "checkout.session.async_payment_failed":
		out.EventType = models.EventPaymentFailed
	case "checkout.session.expired":
		out.EventType = models.EventPaymentCancelled
	default:
		out.EventType = models.EventUnknown
	}
	return out, nil
}

func (s *Stripe) result(session stripeSession) *PaymentResult {
	var status models.PaymentStatus
	switch {
	case session.PaymentStatus == "paid" || session.PaymentStatus == "no_payment_required":
		status = models.StatusCompleted
	case session.Status == "expired":
		status = models.StatusCancelled
	case session.Status == "complete":
		status = models.StatusProcessing
	default:
		status = models.StatusPending
	}
	return &PaymentResult{
		ProviderPaymentID:     session.ID,
		ProviderTransactionID: session.PaymentIntent,
		Status:                status,
		RawStatus:             session.Status + "/" + session.PaymentStatus,
		RedirectURL:           session.URL,
		Amount:                fromMinorUnits(session.AmountTotal, session.Currency),
		Currency:              strings.ToUpper(session.Currency),
	}
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
