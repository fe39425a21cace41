// Package messaging delivers outbound notifications through Twilio.
// WhatsApp is the primary channel, SMS the fallback; a message that
// fails on both is queued on the dead-letter topic for the worker to
// retry, never dropped.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/majaostudio/classbooking/config"
	"github.com/majaostudio/classbooking/internal/kafka"
	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

const whatsappPrefix = "whatsapp:"

// messageCreator is the slice of the Twilio REST client the gateway
// uses; *twilio.RestClient's Api service satisfies it.
type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

type Producer interface {
	Publish(ctx context.Context, topic, key string, value interface{}) error
}

type Gateway struct {
	api             messageCreator
	whatsappFrom    string
	smsFrom         string
	producer        Producer
	deadLetterTopic string
	log             *zap.Logger
}

func NewGateway(cfg config.MessagingConfig, producer Producer, deadLetterTopic string, log *zap.Logger) *Gateway {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Gateway{
		api:             client.Api,
		whatsappFrom:    cfg.WhatsAppFrom,
		smsFrom:         cfg.SMSFrom,
		producer:        producer,
		deadLetterTopic: deadLetterTopic,
		log:             log,
	}
}

// Notify delivers body to a bare phone number, trying WhatsApp first
// and SMS second. When both channels fail the message is queued on the
// dead-letter topic and Notify still returns nil: queued means the
// caller's transition can proceed.
func (g *Gateway) Notify(ctx context.Context, to, body string) error {
	err := g.Send(ctx, to, body)
	if err == nil {
		return nil
	}
	g.log.Warn("all delivery channels failed, queueing message",
		zap.String("to", to), zap.Error(err))

	queued := kafka.OutboundMessage{To: to, Body: body, Attempts: 1, QueuedAt: time.Now()}
	if qErr := g.producer.Publish(ctx, g.deadLetterTopic, to, queued); qErr != nil {
		return fmt.Errorf("delivery failed and dead-letter enqueue failed: %w", errors.Join(err, qErr))
	}
	return nil
}

// Send attempts one delivery through each channel without queuing.
// The worker uses it directly when draining the dead-letter topic.
func (g *Gateway) Send(ctx context.Context, to, body string) error {
	attempts := []struct {
		channel string
		from    string
		to      string
	}{
		{"whatsapp", g.whatsappFrom, whatsappPrefix + bareNumber(to)},
		{"sms", g.smsFrom, bareNumber(to)},
	}

	var lastErr error
	for _, attempt := range attempts {
		if err := ctx.Err(); err != nil {
			return err
		}
		params := &openapi.CreateMessageParams{}
		params.SetFrom(attempt.from)
		params.SetTo(attempt.to)
		params.SetBody(body)

		msg, err := g.api.CreateMessage(params)
		if err == nil {
			sid := ""
			if msg != nil && msg.Sid != nil {
				sid = *msg.Sid
			}
			g.log.Info("message sent",
				zap.String("channel", attempt.channel),
				zap.String("to", attempt.to),
				zap.String("sid", sid))
			return nil
		}
		g.log.Warn("delivery attempt failed",
			zap.String("channel", attempt.channel),
			zap.String("to", attempt.to),
			zap.Error(err))
		lastErr = err
	}
	return fmt.Errorf("send to %s failed on all channels: %w", to, lastErr)
}

func bareNumber(to string) string {
	return strings.TrimPrefix(to, whatsappPrefix)
}
