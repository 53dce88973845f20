package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/segmentio/kafka-go"

	"github.com/ManuelReschke/FoxPay/internal/pkg/billing"
	"github.com/ManuelReschke/FoxPay/internal/pkg/env"
)

const (
	TypePaymentPaid     = "payment.paid"
	defaultPaymentTopic = "payments"
	writeTimeout        = 5 * time.Second
)

// Envelope is the message value written to the payment topic.
type Envelope struct {
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes billing events keyed by invoice id, so all events
// of one invoice land on one partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: writeTimeout,
		},
		topic: topic,
	}
}

// NewPublisherFromEnv returns a Kafka publisher when KAFKA_BROKERS is set and
// a no-op publisher otherwise.
func NewPublisherFromEnv() Publisher {
	brokers := env.GetEnvList("KAFKA_BROKERS")
	if len(brokers) == 0 {
		log.Info("[Events] KAFKA_BROKERS not set, domain events disabled")
		return NopPublisher{}
	}
	topic := env.GetEnv("KAFKA_PAYMENT_TOPIC", defaultPaymentTopic)
	log.Infof("[Events] Publishing to topic %s on %v", topic, brokers)
	return NewKafkaPublisher(brokers, topic)
}

// Publisher is a billing.EventPublisher that can be shut down.
type Publisher interface {
	billing.EventPublisher
	Close() error
}

func (p *KafkaPublisher) PublishPaymentPaid(ctx context.Context, evt billing.PaymentPaidEvent) error {
	msg, err := newMessage(TypePaymentPaid, evt.InvoiceID, evt.PaidAt, evt)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return p.writer.WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func newMessage(eventType, key string, at time.Time, data interface{}) (kafka.Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return kafka.Message{}, err
	}
	value, err := json.Marshal(Envelope{Type: eventType, OccurredAt: at.UTC(), Data: raw})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(eventType)},
		},
	}, nil
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) PublishPaymentPaid(context.Context, billing.PaymentPaidEvent) error { return nil }

func (NopPublisher) Close() error { return nil }
