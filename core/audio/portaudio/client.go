package portaudio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/koscakluka/ema-avs/core/audio"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/koscakluka/ema-avs/core/audio/portaudio"

var logger = otelslog.NewLogger(scopeName)

// Client captures from and plays to the default PortAudio devices.
type Client struct {
	bufferSize int

	captureMu sync.Mutex
	capturing bool

	playbackMu sync.Mutex
}

func NewClient(bufferSize int) (*Client, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}
	return &Client{bufferSize: bufferSize}, nil
}

// Capture opens the microphone and streams 16 kHz mono PCM into the
// returned source until it is stopped or ctx is done.
func (c *Client) Capture(ctx context.Context) (audio.Source, error) {
	c.captureMu.Lock()
	defer c.captureMu.Unlock()
	if c.capturing {
		return nil, fmt.Errorf("capture already running")
	}

	in := make([]int16, c.bufferSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, audio.DefaultSampleRate, c.bufferSize, in)
	if err != nil {
		return nil, fmt.Errorf("failed to open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("failed to start input stream: %w", err)
	}
	c.capturing = true

	done := make(chan struct{})
	source := audio.NewPCMSource(func() error {
		close(done)
		return nil
	})

	go func() {
		defer func() {
			_ = stream.Stop()
			_ = stream.Close()
			c.captureMu.Lock()
			c.capturing = false
			c.captureMu.Unlock()
		}()

		frame := bytes.Buffer{}
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = source.Stop()
				return
			default:
			}

			if err := stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
				logger.WarnContext(ctx, "failed to read from input stream", "error", err)
				continue
			}

			frame.Reset()
			_ = binary.Write(&frame, binary.LittleEndian, in)
			_, _ = source.Write(bytes.Clone(frame.Bytes()))
		}
	}()

	return source, nil
}

// Play decodes an MP3 clip and blocks until it has been written to the
// output device.
func (c *Client) Play(ctx context.Context, mp3 []byte) error {
	clip, err := audio.DecodeMP3(mp3)
	if err != nil {
		return err
	}

	c.playbackMu.Lock()
	defer c.playbackMu.Unlock()

	out := make([]int16, c.bufferSize*clip.Channels)
	stream, err := portaudio.OpenDefaultStream(0, clip.Channels, float64(clip.SampleRate), c.bufferSize, out)
	if err != nil {
		return fmt.Errorf("failed to open output stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start output stream: %w", err)
	}
	defer stream.Stop()

	chunk := len(out) * 2
	for offset := 0; offset < len(clip.PCM); offset += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := min(offset+chunk, len(clip.PCM))
		clear(out)
		_ = binary.Read(bytes.NewReader(clip.PCM[offset:end]), binary.LittleEndian, out[:(end-offset)/2])
		if err := stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return fmt.Errorf("failed to write to output stream: %w", err)
		}
	}
	return nil
}

func (c *Client) EncodingInfo() audio.EncodingInfo {
	return audio.GetDefaultEncodingInfo()
}

func (c *Client) Close() {
	_ = portaudio.Terminate()
}
