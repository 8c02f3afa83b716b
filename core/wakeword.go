package orchestration

import (
	"context"
	"sync/atomic"

	"github.com/koscakluka/ema-avs/core/audio"
)

// wakeWordListener arms and disarms the detector. Detections disarm it on
// their own, so armed mirrors what the detector is actually doing.
type wakeWordListener struct {
	detector   WakeWordDetector
	onDetected func(ctx context.Context, source audio.Source)

	armed atomic.Bool
}

func (l *wakeWordListener) Armed() bool { return l.armed.Load() }

// Resume arms the detector unless it already is.
func (l *wakeWordListener) Resume(ctx context.Context) {
	if l.detector == nil || ctx.Err() != nil {
		return
	}
	if !l.armed.CompareAndSwap(false, true) {
		return
	}

	err := l.detector.Start(ctx, func(source audio.Source) {
		l.armed.Store(false)
		l.onDetected(ctx, source)
	})
	if err != nil {
		l.armed.Store(false)
		logger.ErrorContext(ctx, "failed to start wake word detector", "error", err)
		return
	}
	logger.DebugContext(ctx, "listening for wake word")
}

// Pause disarms the detector if it is armed.
func (l *wakeWordListener) Pause(ctx context.Context) {
	if l.detector == nil || !l.armed.CompareAndSwap(true, false) {
		return
	}
	if err := l.detector.Stop(); err != nil {
		logger.WarnContext(ctx, "failed to stop wake word detector", "error", err)
	}
}

// indicator tolerates a missing device and only logs failures.
type indicator struct {
	device Indicator
}

func (i indicator) Set(ctx context.Context, on bool) {
	if i.device == nil {
		return
	}
	if err := i.device.Set(on); err != nil {
		logger.WarnContext(ctx, "failed to switch indicator", "on", on, "error", err)
	}
}
