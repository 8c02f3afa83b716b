package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/koscakluka/ema-avs/core/avs"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultPingInterval = 5 * time.Minute
	DefaultSyncInterval = 10 * time.Minute
)

// pingLoop keeps the connection alive while the directives stream is
// registered. A failed ping is retried at the next tick.
func (c *Coordinator) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if c.channel.State() == ChannelClosed {
			continue
		}
		if err := c.ping(ctx); err != nil && ctx.Err() == nil {
			logger.WarnContext(ctx, "ping failed", "error", err)
		}
	}
}

func (c *Coordinator) ping(ctx context.Context) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get token for ping: %w", err)
	}
	if err := c.client.Ping(ctx, token); err != nil {
		return err
	}
	c.channel.recordPing(time.Now())
	return nil
}

// syncLoop reports the client state periodically so the service keeps
// the registration fresh.
func (c *Coordinator) syncLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if c.channel.State() != ChannelOpen {
			continue
		}
		if err := c.synchronizeState(ctx); err != nil && ctx.Err() == nil {
			logger.WarnContext(ctx, "failed to synchronize state", "error", err)
		}
	}
}

// synchronizeState sends a SynchronizeState event and dispatches whatever
// the service answers with.
func (c *Coordinator) synchronizeState(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "synchronize state")
	defer span.End()

	err := func() error {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get token for state synchronization: %w", err)
		}

		resp, err := c.client.SendEvent(ctx, token, avs.EventRequest{
			Name:     avs.EventSynchronizeState,
			Metadata: avs.EncodeSynchronizeStateEvent(),
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		return c.dispatcher.DispatchAll(ctx, OriginEvent, avs.NewDecoder(resp, c.decoderOptions...))
	}()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
