package miniaudio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/ema-avs/core/audio"
)

type playbackClient struct {
	audioContext *malgo.AllocatedContext

	// mu serializes clips; the device is opened per clip at its sample rate.
	mu sync.Mutex
}

func (c *playbackClient) Play(ctx context.Context, mp3 []byte) error {
	clip, err := audio.DecodeMP3(mp3)
	if err != nil {
		return err
	}
	if len(clip.PCM) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audioContext == nil {
		return fmt.Errorf("audio context not initialized")
	}

	format := malgo.FormatS16
	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.SampleRate = uint32(clip.SampleRate)
	config.Playback.Format = format
	config.Playback.Channels = uint32(clip.Channels)
	config.Alsa.NoMMap = 1
	config.PeriodSizeInFrames = config.SampleRate / 10 // ~100ms of audio
	config.Periods = 4

	queue := newPlaybackQueue(clip.PCM)
	device, err := malgo.InitDevice(c.audioContext.Context, config, malgo.DeviceCallbacks{
		Data: queue.fill(malgo.SampleSizeInBytes(format) * clip.Channels),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize playback device: %w", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return fmt.Errorf("failed to start playback device: %w", err)
	}

	select {
	case <-queue.drained:
	case <-ctx.Done():
	}

	if err := device.Stop(); err != nil {
		return fmt.Errorf("failed to stop playback device: %w", err)
	}
	return ctx.Err()
}

// playbackQueue feeds one clip to the device callback and signals once the
// callback ran out of audio.
type playbackQueue struct {
	mu       sync.Mutex
	leftover []byte

	drained   chan struct{}
	drainOnce sync.Once
}

func newPlaybackQueue(pcm []byte) *playbackQueue {
	return &playbackQueue{leftover: pcm, drained: make(chan struct{})}
}

func (q *playbackQueue) fill(bytesPerFrame int) malgo.DataProc {
	return func(pOutput, _ []byte, frameCount uint32) {
		need := int(frameCount) * bytesPerFrame

		q.mu.Lock()
		defer q.mu.Unlock()
		if len(q.leftover) == 0 {
			q.drainOnce.Do(func() { close(q.drained) })
			return
		}

		n := copy(pOutput[:min(need, len(pOutput))], q.leftover)
		q.leftover = q.leftover[n:]
	}
}
