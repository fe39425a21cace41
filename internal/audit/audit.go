// Package audit records negotiation transitions consumed from the
// events topic, giving the studio a durable log of every booking
// outcome independent of the chat history.
package audit

import (
	"context"

	"github.com/majaostudio/classbooking/internal/kafka"
	"go.uber.org/zap"
)

type Recorder struct {
	log *zap.Logger
}

func NewRecorder(log *zap.Logger) *Recorder {
	return &Recorder{log: log}
}

func (r *Recorder) Record(_ context.Context, event kafka.NegotiationEvent) error {
	r.log.Info("negotiation event",
		zap.String("type", event.Type),
		zap.String("negotiation_id", event.NegotiationID),
		zap.String("student", event.StudentName),
		zap.String("style", event.Style),
		zap.Time("slot_start", event.SlotStart),
		zap.String("state", event.State),
		zap.String("event_id", event.EventID),
		zap.String("reason", event.Reason),
	)
	return nil
}
