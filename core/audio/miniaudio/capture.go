package miniaudio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/ema-avs/core/audio"
)

type captureClient struct {
	audioContext *malgo.AllocatedContext
	device       *malgo.Device
	config       malgo.DeviceConfig

	// source receives audio while a capture is running.
	source *audio.PCMSource

	mu sync.Mutex
}

func (c *captureClient) Init(audioContext *malgo.AllocatedContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	encoding := audio.GetDefaultEncodingInfo()
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * encoding.Channels

	c.config = malgo.DefaultDeviceConfig(malgo.Capture)
	c.config.SampleRate = uint32(encoding.SampleRate)
	c.config.Capture.Format = format
	c.config.Capture.Channels = uint32(encoding.Channels)
	c.config.Alsa.NoMMap = 1
	c.config.PerformanceProfile = malgo.LowLatency
	c.config.PeriodSizeInFrames = 480
	c.config.Periods = 3

	c.audioContext = audioContext

	var err error
	c.device, err = malgo.InitDevice(c.audioContext.Context, c.config, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if len(pInput) < n || n == 0 {
				return
			}

			c.mu.Lock()
			source := c.source
			c.mu.Unlock()
			if source != nil {
				// The device buffer is reused after the callback returns.
				frame := make([]byte, n)
				copy(frame, pInput[:n])
				_, _ = source.Write(frame)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}

	return nil
}

// Start begins a capture. Only one capture runs at a time.
func (c *captureClient) Start() (*audio.PCMSource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return nil, fmt.Errorf("device not initialized")
	} else if c.source != nil {
		return nil, fmt.Errorf("capture already running")
	}

	source := audio.NewPCMSource(func() error { return c.stop() })
	if err := c.device.Start(); err != nil {
		return nil, fmt.Errorf("failed to start capture device: %w", err)
	}

	c.source = source
	return source, nil
}

// stop halts the device without holding mu, which the data callback
// needs to finish.
func (c *captureClient) stop() error {
	c.mu.Lock()
	c.source = nil
	device := c.device
	c.mu.Unlock()
	if device == nil || !device.IsStarted() {
		return nil
	}

	if err := device.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	return nil
}

func (c *captureClient) Uninit() error {
	c.mu.Lock()
	source := c.source
	c.mu.Unlock()
	if source != nil {
		_ = source.Stop()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
	return nil
}
