package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/escrow-engine/internal/apperr"
	"github.com/akylbek/payment-system/escrow-engine/internal/models"
)

type stubPublisher struct {
	err    error
	closed bool
	got    []models.StateChange
}

func (c *stubPublisher) Publish(_ context.Context, change models.StateChange) error {
	c.got = append(c.got, change)
	return c.err
}

func (c *stubPublisher) Close() error {
	c.closed = true
	return c.err
}

func TestRelayHeaders(t *testing.T) {
	provider, signature := relayHeaders([]kafka.Header{
		{Key: "Provider", Value: []byte("stripe")},
		{Key: "trace-id", Value: []byte("abc")},
		{Key: "signature", Value: []byte("t=1,v1=ff")},
	})
	assert.Equal(t, "stripe", provider)
	assert.Equal(t, "t=1,v1=ff", signature)

	provider, signature = relayHeaders(nil)
	assert.Empty(t, provider)
	assert.Empty(t, signature)
}

func TestNewPublisher(t *testing.T) {
	p, err := New("none", "", "")
	require.NoError(t, err)
	assert.IsType(t, Nop{}, p)

	p, err = New("", "", "")
	require.NoError(t, err)
	assert.IsType(t, Nop{}, p)

	p, err = New("kafka", "localhost:9092", "")
	require.NoError(t, err)
	assert.IsType(t, &KafkaPublisher{}, p)
	assert.NoError(t, p.Close())

	_, err = New("kafka", "", "")
	assert.Error(t, err)

	_, err = New("carrier-pigeon", "", "")
	assert.Error(t, err)
}

func TestMultiFansOut(t *testing.T) {
	a, b := &stubPublisher{}, &stubPublisher{err: errors.New("broker down")}
	m := Multi{a, b}

	change := models.StateChange{PaymentID: "p-1", State: models.StatusHeld}
	err := m.Publish(context.Background(), change)
	assert.Error(t, err)
	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1, "one failing bus does not starve the others")

	err = m.Close()
	assert.ErrorContains(t, err, "broker down")
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func testRelay(handle WebhookFunc) *WebhookRelay {
	return &WebhookRelay{
		handle: handle,
		newBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
		},
	}
}

func relayedMessage() kafka.Message {
	return kafka.Message{
		Offset: 7,
		Value:  []byte(`{"id":"evt_1"}`),
		Headers: []kafka.Header{
			{Key: HeaderProvider, Value: []byte("stripe")},
			{Key: HeaderSignature, Value: []byte("t=1,v1=ff")},
		},
	}
}

func TestRelayRetriesTransientFailure(t *testing.T) {
	calls := 0
	r := testRelay(func(_ context.Context, provider string, raw []byte, signature string) error {
		calls++
		assert.Equal(t, "stripe", provider)
		assert.Equal(t, "t=1,v1=ff", signature)
		if calls < 3 {
			return apperr.Wrap("record webhook", errors.New("connection reset"))
		}
		return nil
	})

	assert.True(t, r.process(context.Background(), relayedMessage()))
	assert.Equal(t, 3, calls)
}

func TestRelayDoesNotRetryRejectedDelivery(t *testing.T) {
	for name, rejection := range map[string]error{
		"forged":    apperr.AuthenticityErr("stripe"),
		"malformed": apperr.ValidationErr("malformed stripe event", nil),
	} {
		t.Run(name, func(t *testing.T) {
			calls := 0
			r := testRelay(func(context.Context, string, []byte, string) error {
				calls++
				return rejection
			})
			assert.True(t, r.process(context.Background(), relayedMessage()), "settled, offset may advance")
			assert.Equal(t, 1, calls)
		})
	}
}

func TestRelayGivesUpAfterRetries(t *testing.T) {
	calls := 0
	r := testRelay(func(context.Context, string, []byte, string) error {
		calls++
		return apperr.NotFoundErr("get payment by provider reference", "cs_1")
	})

	assert.True(t, r.process(context.Background(), relayedMessage()))
	assert.Equal(t, 4, calls, "first attempt plus three retries")
}

func TestRelayLeavesOffsetOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := testRelay(func(context.Context, string, []byte, string) error {
		cancel()
		return errors.New("database is closed")
	})

	assert.False(t, r.process(ctx, relayedMessage()))
}

func TestRelaySkipsMessageWithoutProvider(t *testing.T) {
	r := testRelay(func(context.Context, string, []byte, string) error {
		t.Fatal("handler must not run without a provider header")
		return nil
	})

	assert.True(t, r.process(context.Background(), kafka.Message{Value: []byte("{}")}))
}
