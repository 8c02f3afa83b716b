package miniaudio

import (
	"context"
	"fmt"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/ema-avs/core/audio"
)

// Client captures microphone audio and plays speech through the default
// devices.
type Client struct {
	// audioContext is only saved to be able to uninitialize it, it is an
	// ownership thing
	audioContext *malgo.AllocatedContext
	playbackClient
	captureClient
}

func NewClient() (*Client, error) {
	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("malgo", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	client := Client{audioContext: audioCtx}
	client.playbackClient.audioContext = audioCtx

	if err := client.captureClient.Init(audioCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to initialize capture client: %w", err)
	}

	return &client, nil
}

// Capture starts the microphone and returns the audio it records from now
// on. Stopping the source stops the microphone.
func (c *Client) Capture(_ context.Context) (audio.Source, error) {
	return c.captureClient.Start()
}

// Play decodes an MP3 clip and blocks until it has been played.
func (c *Client) Play(ctx context.Context, clip []byte) error {
	return c.playbackClient.Play(ctx, clip)
}

func (c *Client) EncodingInfo() audio.EncodingInfo {
	return audio.GetDefaultEncodingInfo()
}

func (c *Client) Close() {
	_ = c.captureClient.Uninit()
	_ = c.audioContext.Uninit()
	c.audioContext.Free()
}
