// Package audiocodec implements the audio frame facade named in spec
// §4.3: PCM16/PCM32 chunk pass-through plus an optional Opus negotiation
// surface. Grounded on internal/call/session.go's codec-selector
// construction (mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(...)))
// in the teacher, narrowed here from "select a live encoder for a
// PeerConnection" to "describe and validate one audio frame's encoding".
// Opus parameter types come directly from
// github.com/pion/mediadevices/pkg/codec/opus, an indirect teacher
// dependency promoted to direct use.
package audiocodec

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/mediadevices/pkg/codec/opus"

	"github.com/arlojansen/vmux/internal/protocol"
)

// ErrUnsupportedEncoding is returned for an AUDIOFRAME encoding byte this
// facade does not know how to interpret.
var ErrUnsupportedEncoding = fmt.Errorf("audiocodec: unsupported encoding")

// FrameDescriptor mirrors the fixed portion of an AUDIOFRAME header plus
// the derived per-sample byte width, used to validate that Received bytes
// line up with NSamples*Channels*sampleWidth once assembly completes.
type FrameDescriptor struct {
	Channels uint8
	Encoding uint8
	NSamples uint16
	Rate     uint32
}

func sampleWidth(encoding uint8) (int, error) {
	switch encoding {
	case protocol.AudioEncodingPCMS16:
		return 2, nil
	case protocol.AudioEncodingPCMF32:
		return 4, nil
	case protocol.AudioEncodingOpus:
		return 0, nil // opus frames are variable-length, not sample-counted
	default:
		return 0, ErrUnsupportedEncoding
	}
}

// ExpectedSize returns the byte length a fully-assembled PCM frame must
// have. Returns 0 for Opus, whose frame size is simply the body size.
func (d FrameDescriptor) ExpectedSize() (int, error) {
	w, err := sampleWidth(d.Encoding)
	if err != nil {
		return 0, err
	}
	if w == 0 {
		return 0, nil
	}
	return int(d.NSamples) * int(d.Channels) * w, nil
}

// DecodePCM validates a fully-received PCM buffer against the descriptor
// and returns it unchanged (PCM is carried byte-for-byte, little-endian,
// on the wire already).
func DecodePCM(d FrameDescriptor, body []byte) ([]byte, error) {
	want, err := d.ExpectedSize()
	if err != nil {
		return nil, err
	}
	if want == 0 {
		return nil, fmt.Errorf("audiocodec: DecodePCM called for a non-PCM encoding")
	}
	if len(body) != want {
		return nil, fmt.Errorf("audiocodec: pcm frame size mismatch: got %d want %d", len(body), want)
	}
	return body, nil
}

// PCMS16Samples reinterprets a validated PCMS16 body as a slice of signed
// 16-bit little-endian samples, interleaved by channel.
func PCMS16Samples(body []byte) []int16 {
	out := make([]int16, len(body)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(body[i*2:]))
	}
	return out
}

// OpusParams is the negotiated Opus configuration for a channel's audio
// substream, when the peer opted into Opus instead of raw PCM.
type OpusParams = opus.Params

// DefaultOpusParams returns the baseline Opus negotiation this facade
// offers: mono/stereo-agnostic, VBR enabled, matching the teacher's own
// mediadevices Opus defaults.
func DefaultOpusParams() OpusParams {
	return OpusParams{
		BitRate: 32000,
	}
}

// ValidateDescriptor enforces the basic sanity checks spec §4.3's audio
// substream expects before assembly begins: a non-zero sample rate for
// PCM encodings, and at least one channel.
func ValidateDescriptor(d FrameDescriptor) error {
	if d.Channels == 0 {
		return fmt.Errorf("audiocodec: zero channel count")
	}
	if d.Encoding != protocol.AudioEncodingOpus && d.Rate == 0 {
		return fmt.Errorf("audiocodec: zero sample rate for PCM encoding")
	}
	return nil
}
