package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/escrow-engine/internal/apperr"
)

// apiClient is the shared HTTP plumbing for adapters. Auth is applied by the
// adapter through authorize or by the transport of http itself.
type apiClient struct {
	code      string
	baseURL   string
	http      *http.Client
	authorize func(*http.Request)
}

func (c *apiClient) doJSON(ctx context.Context, op, method, path string, in any, headers map[string]string, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return apperr.ProviderErr(op, c.code, false, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperr.ProviderErr(op, c.code, false, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.send(req, op, out)
}

func (c *apiClient) doForm(ctx context.Context, op, method, path string, form url.Values, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return apperr.ProviderErr(op, c.code, false, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.send(req, op, out)
}

func (c *apiClient) send(req *http.Request, op string, out any) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "escrow-engine/1.0")
	if c.authorize != nil {
		c.authorize(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// a cancelled caller must not be retried; anything else on the wire may be
		retryable := !errors.Is(err, context.Canceled)
		return apperr.ProviderErr(op, c.code, retryable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.ProviderErr(op, c.code, true, err)
	}

	if resp.StatusCode >= 300 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return apperr.ProviderErr(op, c.code, retryable,
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, providerMessage(raw)))
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.ProviderErr(op, c.code, false, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// providerMessage extracts the human message from common error envelopes,
// falling back to the raw body.
func providerMessage(raw []byte) string {
	var envelope struct {
		Message string `json:"message"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
		Details []struct {
			Description string `json:"description"`
		} `json:"details"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		switch {
		case envelope.Error.Message != "":
			return envelope.Error.Message
		case len(envelope.Details) > 0 && envelope.Details[0].Description != "":
			return envelope.Message + ": " + envelope.Details[0].Description
		case envelope.Message != "":
			return envelope.Message
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

// zeroDecimalCurrencies are charged in whole units by card networks.
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

func currencyExponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// toMinorUnits converts 10.50 USD into 1050.
func toMinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(currencyExponent(currency)).Round(0).IntPart()
}

func fromMinorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -currencyExponent(currency))
}

// majorString renders an amount with the currency's decimal places.
func majorString(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(currencyExponent(currency))
}

func checkRefundable(reference string, requested, settled decimal.Decimal) error {
	if !requested.IsPositive() {
		return apperr.ValidationErr("refund amount must be positive", map[string]string{"amount": "must be > 0"})
	}
	if requested.GreaterThan(settled) {
		return apperr.RefundExceedsSettledErr(reference, requested.String(), settled.String())
	}
	return nil
}
