package audio

import (
	"bytes"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// Clip is decoded speech ready for a playback device.
type Clip struct {
	EncodingInfo
	PCM []byte
}

// DecodeMP3 decodes the speech the service returns. The decoder always
// produces 16 bit little endian stereo at the stream's sample rate.
func DecodeMP3(data []byte) (Clip, error) {
	decoder, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return Clip{}, fmt.Errorf("failed to open mp3 stream: %w", err)
	}

	pcm, err := io.ReadAll(decoder)
	if err != nil {
		return Clip{}, fmt.Errorf("failed to decode mp3 stream: %w", err)
	}

	return Clip{
		EncodingInfo: EncodingInfo{SampleRate: decoder.SampleRate(), Channels: 2, Format: EncodingLinear16},
		PCM:          pcm,
	}, nil
}
