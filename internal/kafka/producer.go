package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// NegotiationEvent is published on every negotiation transition worth
// auditing: created, approved, declined, booked, failed, expired.
type NegotiationEvent struct {
	Type           string    `json:"type"`
	NegotiationID  string    `json:"negotiation_id"`
	StudentName    string    `json:"student_name"`
	StudentContact string    `json:"student_contact"`
	Style          string    `json:"style"`
	SlotStart      time.Time `json:"slot_start"`
	SlotEnd        time.Time `json:"slot_end"`
	State          string    `json:"state"`
	EventID        string    `json:"event_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

// OutboundMessage is a notification that failed on both delivery
// channels and was queued for later redelivery instead of being
// dropped.
type OutboundMessage struct {
	To       string    `json:"to"`
	Body     string    `json:"body"`
	Attempts int       `json:"attempts"`
	QueuedAt time.Time `json:"queued_at"`
}

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
	}
}

func (p *Producer) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("write message to kafka: %w", err)
	}
	return nil
}

func (p *Producer) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}
