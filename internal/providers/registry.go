package providers

import (
	"fmt"
	"strings"
	"sync"

	"github.com/akylbek/payment-system/escrow-engine/internal/apperr"
)

// Criteria is what a caller needs from a provider when none is named.
type Criteria struct {
	Currency string
	Country  string
	Features []Feature
}

func (c Criteria) String() string {
	parts := []string{"currency=" + c.Currency}
	if c.Country != "" {
		parts = append(parts, "country="+c.Country)
	}
	for _, f := range c.Features {
		parts = append(parts, "feature="+string(f))
	}
	return strings.Join(parts, " ")
}

// Registry maps provider codes to adapters and routes by capability.
// Selection order is registration order.
type Registry struct {
	mu    sync.RWMutex
	order []string
	byKey map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{byKey: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds p, replacing any adapter already registered under its code
// without changing its position.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	code := strings.ToLower(p.Code())
	if _, exists := r.byKey[code]; !exists {
		r.order = append(r.order, code)
	}
	r.byKey[code] = p
}

func (r *Registry) Get(code string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byKey[strings.ToLower(code)]
	if !ok {
		return nil, apperr.ValidationErr(fmt.Sprintf("unknown provider %q", code),
			map[string]string{"provider_code": "not registered"})
	}
	return p, nil
}

func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Capable reports whether p satisfies every criterion.
func Capable(p Provider, c Criteria) bool {
	if !p.SupportsCurrency(c.Currency) || !p.SupportsCountry(c.Country) {
		return false
	}
	for _, f := range c.Features {
		if !p.SupportsFeature(f) {
			return false
		}
	}
	return true
}

// Select returns the first registered provider matching c.
func (r *Registry) Select(c Criteria) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, code := range r.order {
		if p := r.byKey[code]; Capable(p, c) {
			return p, nil
		}
	}
	return nil, apperr.NoCapableProviderErr("no provider supports " + c.String())
}

// New builds the adapter for code.
func New(code string, cfg Config) (Provider, error) {
	switch strings.ToLower(code) {
	case StripeCode:
		return NewStripe(cfg), nil
	case PayPalCode:
		return NewPayPal(cfg), nil
	case FlutterwaveCode:
		return NewFlutterwave(cfg), nil
	}
	return nil, fmt.Errorf("unknown provider %q", code)
}
