package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"
)

// PubSubHandler feeds Pub/Sub messages to a Runner.
type PubSubHandler struct {
	client           *pubsub.Client
	subscriber       *pubsub.Subscriber
	subscriptionName string
	runner           *Runner
	logger           zerolog.Logger
}

// PubSubConfig holds configuration for the Pub/Sub handler.
type PubSubConfig struct {
	ProjectID        string
	SubscriptionName string
	Runner           *Runner
	Logger           zerolog.Logger

	// MaxExtension bounds how long a message is kept leased.
	// Default: 2 hours
	MaxExtension time.Duration
}

// NewPubSubHandler creates a new Pub/Sub handler.
func NewPubSubHandler(ctx context.Context, cfg PubSubConfig) (*PubSubHandler, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	subscriber := client.Subscriber(cfg.SubscriptionName)

	// Downloads are sequential against the rate-limited API: one job at a time.
	subscriber.ReceiveSettings.MaxOutstandingMessages = 1
	subscriber.ReceiveSettings.MaxExtension = cfg.MaxExtension
	if cfg.MaxExtension <= 0 {
		subscriber.ReceiveSettings.MaxExtension = 2 * time.Hour
	}

	return &PubSubHandler{
		client:           client,
		subscriber:       subscriber,
		subscriptionName: cfg.SubscriptionName,
		runner:           cfg.Runner,
		logger:           cfg.Logger,
	}, nil
}

// Start processes messages until ctx ends.
func (h *PubSubHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("subscription", h.subscriptionName).
		Msg("starting pubsub handler")

	return h.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		h.handleMessage(ctx, msg)
	})
}

// Close closes the Pub/Sub client.
func (h *PubSubHandler) Close() error {
	return h.client.Close()
}

func (h *PubSubHandler) handleMessage(ctx context.Context, msg *pubsub.Message) {
	logger := h.logger.With().
		Str("message_id", msg.ID).
		Str("publish_time", msg.PublishTime.Format(time.RFC3339)).
		Logger()

	logger.Debug().Msg("received pubsub message")

	res, err := h.runner.Dispatch(ctx, msg.Data)
	if ShouldAck(err) {
		if err != nil {
			logger.Warn().Err(err).Msg("dropping invalid job")
		}
		msg.Ack()
		return
	}

	evt := logger.Error().Err(err)
	if res != nil {
		evt = evt.Str("job_type", string(res.JobType)).Dur("duration", res.Duration)
	}
	evt.Msg("job failed")
	msg.Nack()
}

// ShouldAck reports whether a message with this Dispatch error is done:
// it succeeded, or retrying cannot help.
func ShouldAck(err error) bool {
	return err == nil || errors.Is(err, ErrInvalidJob)
}
