package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/akylbek/payment-system/escrow-engine/internal/apperr"
	"github.com/akylbek/payment-system/escrow-engine/internal/models"
)

const (
	PayPalCode          = "paypal"
	paypalDefaultURL    = "https://api-m.paypal.com"
	paypalSignatureName = "Paypal-Transmission-Sig"
)

var paypalInfo = Info{
	Code: PayPalCode,
	Name: "PayPal",
	Currencies: []string{
		"USD", "EUR", "GBP", "CAD", "AUD", "CHF", "JPY", "SEK", "NOK", "DKK", "PLN", "MXN", "BRL",
	},
	Countries: []string{
		"US", "CA", "GB", "FR", "DE", "ES", "IT", "NL", "BE", "CH", "AT", "SE", "NO", "DK", "PL", "AU", "JP", "MX", "BR",
	},
	Features: []Feature{FeatureWallet, FeatureCard, FeatureRefund, FeaturePartialRefund, FeatureWebhooks},
}

// PayPal drives Orders v2. The order id is the provider payment id and the
// capture id is the transaction id used for refunds.
type PayPal struct {
	capabilities
	cfg    Config
	client *apiClient
}

// NewPayPal authenticates with OAuth2 client credentials; the token source
// caches and refreshes the access token.
func NewPayPal(cfg Config) *PayPal {
	if cfg.BaseURL == "" {
		cfg.BaseURL = paypalDefaultURL
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.SecretKey,
		TokenURL:     base + "/v1/oauth2/token",
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, cfg.httpClient())
	httpClient := cc.Client(ctx)
	httpClient.Timeout = cfg.httpClient().Timeout

	return &PayPal{
		capabilities: capabilities{info: paypalInfo},
		cfg:          cfg,
		client: &apiClient{
			code:    PayPalCode,
			baseURL: base,
			http:    httpClient,
		},
	}
}

type paypalMoney struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalCapture struct {
	ID     string      `json:"id"`
	Status string      `json:"status"`
	Amount paypalMoney `json:"amount"`
}

type paypalOrder struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	Links         []paypalLink `json:"links"`
	PurchaseUnits []struct {
		ReferenceID string      `json:"reference_id"`
		Amount      paypalMoney `json:"amount"`
		Payments    struct {
			Captures []paypalCapture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (p *PayPal) CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	if p.cfg.TestMode {
		return testModeResult(PayPalCode, req), nil
	}

	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": req.Reference,
			"custom_id":    req.Reference,
			"description":  nonEmpty(req.Description, "Order payment"),
			"amount": paypalMoney{
				CurrencyCode: strings.ToUpper(req.Currency),
				Value:        majorString(req.Amount, req.Currency),
			},
		}},
		"application_context": map[string]string{
			"return_url": req.ReturnURL,
			"cancel_url": req.CancelURL,
		},
	}

	var order paypalOrder
	err := p.client.doJSON(ctx, "paypal create", http.MethodPost, "/v2/checkout/orders", body,
		map[string]string{"PayPal-Request-Id": req.Reference}, &order)
	if err != nil {
		return nil, err
	}
	return p.result(order), nil
}

func (p *PayPal) VerifyPayment(ctx context.Context, providerPaymentID string) (*PaymentResult, error) {
	if p.cfg.TestMode {
		return &PaymentResult{
			ProviderPaymentID:     providerPaymentID,
			ProviderTransactionID: "txn_" + providerPaymentID,
			Status:                models.StatusCompleted,
			RawStatus:             "test_success",
		}, nil
	}
	var order paypalOrder
	err := p.client.doJSON(ctx, "paypal verify", http.MethodGet,
		"/v2/checkout/orders/"+url.PathEscape(providerPaymentID), nil, nil, &order)
	if err != nil {
		return nil, err
	}
	if order.Status == "APPROVED" {
		// approval only authorizes; funds move on capture
		var captured paypalOrder
		err = p.client.doJSON(ctx, "paypal capture", http.MethodPost,
			"/v2/checkout/orders/"+url.PathEscape(providerPaymentID)+"/capture", struct{}{},
			map[string]string{"PayPal-Request-Id": "capture-" + providerPaymentID}, &captured)
		if err != nil {
			return nil, err
		}
		order = captured
	}
	return p.result(order), nil
}

func (p *PayPal) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if p.cfg.TestMode {
		return testModeRefund(req)
	}

	verified, err := p.VerifyPayment(ctx, req.ProviderPaymentID)
	if err != nil {
		return nil, err
	}
	if verified.Status != models.StatusCompleted || verified.ProviderTransactionID == "" {
		return nil, apperr.ProviderErr("paypal refund", PayPalCode, false,
			fmt.Errorf("order %s is %s, nothing captured", req.ProviderPaymentID, verified.RawStatus))
	}
	if err := checkRefundable(req.Reference, req.Amount, verified.Amount); err != nil {
		return nil, err
	}

	body := map[string]any{
		"amount": paypalMoney{
			CurrencyCode: strings.ToUpper(req.Currency),
			Value:        majorString(req.Amount, req.Currency),
		},
		"note_to_payer": req.Reason,
	}
	var refund struct {
		ID     string      `json:"id"`
		Status string      `json:"status"`
		Amount paypalMoney `json:"amount"`
	}
	err = p.client.doJSON(ctx, "paypal refund", http.MethodPost,
		"/v2/payments/captures/"+url.PathEscape(verified.ProviderTransactionID)+"/refund", body,
		map[string]string{"PayPal-Request-Id": "refund-" + req.Reference + "-" + req.Amount.String()}, &refund)
	if err != nil {
		return nil, err
	}

	status := models.StatusPending
	switch refund.Status {
	case "COMPLETED":
		status = models.StatusRefunded
	case "FAILED", "CANCELLED":
		return nil, apperr.ProviderErr("paypal refund", PayPalCode, false, fmt.Errorf("refund %s %s", refund.ID, refund.Status))
	}
	amount, _ := decimal.NewFromString(refund.Amount.Value)
	if amount.IsZero() {
		amount = req.Amount
	}
	return &RefundResult{RefundID: refund.ID, Status: status, RawStatus: refund.Status, Amount: amount}, nil
}

func (p *PayPal) SignatureHeader() string { return paypalSignatureName }

// VerifyWebhookSignature checks a base64 HMAC-SHA256 over
// "<webhook id>|<crc32 of the raw body>".
func (p *PayPal) VerifyWebhookSignature(payload []byte, signature string) bool {
	if p.cfg.WebhookSecret == "" || signature == "" {
		return false
	}
	crc := strconv.FormatUint(uint64(crc32.ChecksumIEEE(payload)), 10)
	mac := hmacSHA256([]byte(p.cfg.WebhookSecret), []byte(p.cfg.WebhookID), []byte("|"), []byte(crc))
	return equalBase64(signature, mac)
}

// SignPayPalPayload produces the signature VerifyWebhookSignature accepts.
func SignPayPalPayload(secret, webhookID string, payload []byte) string {
	crc := strconv.FormatUint(uint64(crc32.ChecksumIEEE(payload)), 10)
	return SignBase64Payload(secret, []byte(webhookID), []byte("|"), []byte(crc))
}

func (p *PayPal) ParseWebhookEvent(payload []byte) (*models.WebhookEvent, error) {
	var ev struct {
		ID         string          `json:"id"`
		EventType  string          `json:"event_type"`
		CreateTime string          `json:"create_time"`
		Resource   json.RawMessage `json:"resource"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, apperr.ValidationErr("malformed paypal event", nil)
	}
	var res struct {
		ID                string `json:"id"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	}
	if len(ev.Resource) > 0 {
		if err := json.Unmarshal(ev.Resource, &res); err != nil {
			return nil, apperr.ValidationErr("malformed paypal event resource", nil)
		}
	}

	out := &models.WebhookEvent{
		EventID:           ev.ID,
		ProviderEventType: ev.EventType,
		Data:              ev.Resource,
	}
	if ts, err := time.Parse(time.RFC3339, ev.CreateTime); err == nil {
		out.Timestamp = ts.UTC()
	}
	// order events carry the order id directly; capture events point back to it
	orderID := res.SupplementaryData.RelatedIDs.OrderID
	if strings.HasPrefix(ev.EventType, "CHECKOUT.ORDER.") || orderID == "" {
		orderID = res.ID
	}
	out.ProviderPaymentID = orderID

	switch ev.EventType {
	case "CHECKOUT.ORDER.COMPLETED", "PAYMENT.CAPTURE.COMPLETED":
		out.EventType = models.EventPaymentCompleted
	case "CHECKOUT.ORDER.APPROVED", "PAYMENT.CAPTURE.PENDING":
		out.EventType = models.EventPaymentProcessing
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		out.EventType = models.EventPaymentFailed
	case "CHECKOUT.ORDER.VOIDED":
		out.EventType = models.EventPaymentCancelled
	case "PAYMENT.CAPTURE.REFUNDED":
		out.EventType = models.EventRefundCompleted
	case "CUSTOMER.DISPUTE.CREATED":
		out.EventType = models.EventDisputeOpened
	default:
		out.EventType = models.EventUnknown
	}
	return out, nil
}

func (p *PayPal) result(order paypalOrder) *PaymentResult {
	out := &PaymentResult{
		ProviderPaymentID: order.ID,
		RawStatus:         order.Status,
	}
	for _, l := range order.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			out.RedirectURL = l.Href
		}
	}
	if len(order.PurchaseUnits) > 0 {
		pu := order.PurchaseUnits[0]
		out.Currency = pu.Amount.CurrencyCode
		out.Amount, _ = decimal.NewFromString(pu.Amount.Value)
		for _, c := range pu.Payments.Captures {
			if c.Status == "COMPLETED" {
				out.ProviderTransactionID = c.ID
				if v, err := decimal.NewFromString(c.Amount.Value); err == nil {
					out.Amount = v
				}
			}
		}
	}
	switch order.Status {
	case "CREATED", "SAVED", "PAYER_ACTION_REQUIRED":
		out.Status = models.StatusPending
	default:
		out.Status = NormalizeStatus(order.Status)
	}
	return out
}
