// Package pubsub delivers producer envelopes from a Google Cloud Pub/Sub
// subscription into the same validate-then-debounce path as HTTP ingress.
// It exists for producers that cannot call the service directly.
package pubsub

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/feedmux/feedmux/internal/progress"
)

// Ingest receives envelopes that cleared validation.
type Ingest func(progress.Envelope)

// Config identifies the subscription to consume.
type Config struct {
	ProjectID      string
	SubscriptionID string
}

// Source pulls envelopes from one subscription.
type Source struct {
	client *pubsub.Client
	sub    *pubsub.Subscription
	ingest Ingest
	logger *zap.Logger
}

// New creates a Pub/Sub client and resolves the subscription handle. It
// authenticates using Application Default Credentials.
func New(ctx context.Context, cfg Config, ingest Ingest, logger *zap.Logger) (*Source, error) {
	if cfg.ProjectID == "" || cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("pubsub project id and subscription id are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	sub := client.Subscription(cfg.SubscriptionID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client after existence check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("check subscription existence: %w", err)
	}
	if !exists {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client after missing subscription", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("pubsub subscription %q does not exist in project %q", cfg.SubscriptionID, cfg.ProjectID)
	}
	return &Source{client: client, sub: sub, ingest: ingest, logger: logger}, nil
}

// Run blocks, receiving messages until ctx finishes.
func (s *Source) Run(ctx context.Context) error {
	err := s.sub.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
		s.handleMessage(msg.Data)
		// A malformed message is poison: retrying it cannot help, so it is
		// acked and dropped either way.
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return nil
}

func (s *Source) handleMessage(data []byte) {
	env, err := progress.DecodeEnvelope(data)
	if err != nil {
		s.logger.Warn("discarding invalid pubsub envelope", zap.Error(err))
		return
	}
	s.ingest(env)
}

// Close releases the underlying client connection.
func (s *Source) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
