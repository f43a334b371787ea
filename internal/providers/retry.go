package providers

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/escrow-engine/internal/apperr"
	"github.com/akylbek/payment-system/escrow-engine/internal/telemetry"
)

// RetryPolicy bounds provider calls. MaxAttempts counts the first try.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Timeout applies to each attempt.
	Timeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Timeout:         15 * time.Second,
	}
}

// Retrying wraps a Provider with timeouts, bounded exponential backoff,
// tracing and latency metrics. Only retryable provider errors are retried.
type Retrying struct {
	Provider
	policy RetryPolicy
}

func WithRetry(p Provider, policy RetryPolicy) *Retrying {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Retrying{Provider: p, policy: policy}
}

func (r *Retrying) CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	return retryCall(ctx, r, "create", func(ctx context.Context) (*PaymentResult, error) {
		return r.Provider.CreatePayment(ctx, req)
	})
}

func (r *Retrying) VerifyPayment(ctx context.Context, providerPaymentID string) (*PaymentResult, error) {
	return retryCall(ctx, r, "verify", func(ctx context.Context) (*PaymentResult, error) {
		return r.Provider.VerifyPayment(ctx, providerPaymentID)
	})
}

func (r *Retrying) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	return retryCall(ctx, r, "refund", func(ctx context.Context) (*RefundResult, error) {
		return r.Provider.Refund(ctx, req)
	})
}

func (r *Retrying) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		eb.InitialInterval = r.policy.InitialInterval
	}
	if r.policy.MaxInterval > 0 {
		eb.MaxInterval = r.policy.MaxInterval
	}
	// attempts, not elapsed time, bound the loop
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.policy.MaxAttempts-1)), ctx)
}

func retryCall[T any](ctx context.Context, r *Retrying, op string, fn func(context.Context) (T, error)) (_ T, err error) {
	code := r.Code()
	ctx, span := telemetry.StartSpan(ctx, "provider."+op,
		attribute.String("provider", code),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	start := time.Now()
	attempts := 0
	result, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempts++
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.policy.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		}
		defer cancel()

		v, err := fn(attemptCtx)
		if err != nil && !apperr.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, r.backOff(ctx), func(err error, wait time.Duration) {
		telemetry.ProviderRetries.WithLabelValues(code, op).Inc()
		telemetry.Logger.Warn("Retrying provider call",
			zap.String("provider", code),
			zap.String("operation", op),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	})

	span.SetAttributes(attribute.Int("provider.attempts", attempts))
	outcome := "success"
	if err != nil {
		outcome = string(apperr.KindOf(err))
		if _, ok := apperr.As(err); !ok {
			// the caller's context ended between attempts
			err = apperr.ProviderErr("provider "+op, code, false, err)
			outcome = string(apperr.Provider)
		}
	}
	telemetry.ProviderCallDuration.WithLabelValues(code, op, outcome).Observe(time.Since(start).Seconds())
	return result, err
}
