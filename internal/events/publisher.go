package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/escrow-engine/internal/interfaces"
	"github.com/akylbek/payment-system/escrow-engine/internal/models"
	"github.com/akylbek/payment-system/escrow-engine/internal/telemetry"
)

const (
	StateChangedTopic   = "payment.state.changed"
	StateSubjectPrefix  = "payment.state."
	defaultWriteTimeout = 5 * time.Second
)

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        StateChangedTopic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: defaultWriteTimeout,
		RequiredAcks: kafka.RequireAll,
	}}
}

// Publish keys messages by payment id so one payment's changes stay ordered.
func (p *KafkaPublisher) Publish(ctx context.Context, change models.StateChange) error {
	body, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(change.PaymentID),
		Value: body,
		Time:  change.Timestamp,
	})
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

type NATSPublisher struct {
	nc *nats.Conn
}

func NewNATSPublisher(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("escrow-engine"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSPublisher{nc: nc}, nil
}

// Publish sends to payment.state.<status> so consumers can subscribe per status.
func (p *NATSPublisher) Publish(_ context.Context, change models.StateChange) error {
	body, err := json.Marshal(change)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(StateSubjectPrefix + string(change.State))
	msg.Data = body
	msg.Header.Set("Payment-Id", change.PaymentID)
	return p.nc.PublishMsg(msg)
}

func (p *NATSPublisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}
	return nil
}

// Multi fans out to every publisher and joins their errors.
type Multi []interfaces.EventPublisher

func (m Multi) Publish(ctx context.Context, change models.StateChange) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Publish(context.Context, models.StateChange) error { return nil }
func (Nop) Close() error                                      { return nil }

// New builds the publisher for a comma separated bus list: kafka, nats or none.
func New(bus, kafkaBrokers, natsURL string) (interfaces.EventPublisher, error) {
	var out Multi
	for _, name := range strings.Split(bus, ",") {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "", "none":
		case "kafka":
			if kafkaBrokers == "" {
				return nil, errors.New("EVENT_BUS includes kafka but KAFKA_BROKERS is empty")
			}
			out = append(out, NewKafkaPublisher(kafkaBrokers))
		case "nats":
			p, err := NewNATSPublisher(natsURL)
			if err != nil {
				out.Close()
				return nil, err
			}
			out = append(out, p)
		default:
			out.Close()
			return nil, fmt.Errorf("unknown event bus %q", name)
		}
	}
	switch len(out) {
	case 0:
		return Nop{}, nil
	case 1:
		return out[0], nil
	}
	telemetry.Logger.Info("Publishing state changes to multiple buses", zap.String("bus", bus))
	return out, nil
}
