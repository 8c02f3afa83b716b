package orchestration

import (
	"context"
	"fmt"

	"github.com/koscakluka/ema-avs/core/avs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Origin tells where a message arrived from. It only labels logs and
// metrics; messages are handled the same way regardless.
type Origin string

const (
	OriginDownstream Origin = "downstream"
	OriginEvent      Origin = "event"
)

var (
	directivesDispatched, _ = meter.Int64Counter("ema_avs.directives.dispatched",
		metric.WithDescription("Directives handled by name and origin."))
	messagesReceived, _ = meter.Int64Counter("ema_avs.messages.received",
		metric.WithDescription("Decoded response messages by kind and origin."))
)

type dispatcher struct {
	handlers map[string]DirectiveHandler
	player   Player

	stopCapture     func(ctx context.Context)
	resumeListening func(ctx context.Context)
	// playbackStarted and playbackEnded bracket every clip played.
	playbackStarted func(ctx context.Context)
	playbackEnded   func(ctx context.Context)
}

// DispatchAll handles every message of decoder in order and returns the
// error that ended the stream, if any.
func (d *dispatcher) DispatchAll(ctx context.Context, origin Origin, decoder *avs.Decoder) error {
	for message := range decoder.Messages() {
		d.Dispatch(ctx, origin, message)
	}
	return decoder.Err()
}

func (d *dispatcher) Dispatch(ctx context.Context, origin Origin, message avs.Message) {
	messagesReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", message.Kind.String()),
		attribute.String("origin", string(origin)),
	))

	switch message.Kind {
	case avs.KindJSON:
		d.dispatchJSON(ctx, origin, message)
	case avs.KindBinary:
		d.play(ctx, origin, message.Binary)
	case avs.KindNoContent:
		d.resumeListening(ctx)
	default:
		logger.WarnContext(ctx, "dropping unrecognized message",
			"origin", origin,
			"content_type", message.ContentType,
			"length", message.Length,
		)
	}
}

func (d *dispatcher) dispatchJSON(ctx context.Context, origin Origin, message avs.Message) {
	directive, ok := message.Directive()
	if !ok {
		if exception, ok := message.Exception(); ok {
			logger.WarnContext(ctx, "service reported an exception",
				"origin", origin,
				"code", exception.Payload.Code,
				"description", exception.Payload.Description,
			)
			return
		}
		logger.WarnContext(ctx, "dropping json message without a directive", "origin", origin, "length", message.Length)
		return
	}

	d.dispatchDirective(ctx, origin, directive)
}

func (d *dispatcher) dispatchDirective(ctx context.Context, origin Origin, directive avs.Directive) {
	ctx, span := tracer.Start(ctx, "dispatch directive", trace.WithAttributes(
		attribute.String("directive.namespace", directive.Header.Namespace),
		attribute.String("directive.name", directive.Header.Name),
		attribute.String("directive.message_id", directive.Header.MessageID),
		attribute.String("origin", string(origin)),
	))
	defer span.End()

	directivesDispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", directive.Header.Name),
		attribute.String("origin", string(origin)),
	))

	if handler, ok := d.handlers[directive.Header.Name]; ok {
		if err := handler(ctx, directive); err != nil {
			err = fmt.Errorf("failed to handle %s directive: %w", directive.Header.Name, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.ErrorContext(ctx, "directive handler failed", "error", err)
		}
		return
	}

	switch directive.Header.Name {
	case avs.DirectiveStopCapture:
		logger.InfoContext(ctx, "service asked to stop capture",
			"origin", origin,
			"dialog_request_id", directive.Header.DialogRequestID,
		)
		d.stopCapture(ctx)
	case avs.DirectiveSpeak:
		// The speech itself follows as a binary part.
	default:
		logger.InfoContext(ctx, "ignoring unrecognized directive",
			"origin", origin,
			"namespace", directive.Header.Namespace,
			"name", directive.Header.Name,
		)
	}
}

func (d *dispatcher) play(ctx context.Context, origin Origin, clip []byte) {
	if d.player == nil {
		logger.WarnContext(ctx, "no player configured, dropping speech", "origin", origin, "bytes", len(clip))
		d.resumeListening(ctx)
		return
	}

	ctx, span := tracer.Start(ctx, "play speech", trace.WithAttributes(
		attribute.Int("speech.bytes", len(clip)),
		attribute.String("origin", string(origin)),
	))
	defer span.End()

	d.playbackStarted(ctx)
	defer d.playbackEnded(ctx)

	if err := d.player.Play(ctx, clip); err != nil {
		err = fmt.Errorf("failed to play speech: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorContext(ctx, "playback failed", "error", err)
	}
}
