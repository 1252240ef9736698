package audiocodec

import (
	"testing"

	"github.com/arlojansen/vmux/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestExpectedSizePCMS16(t *testing.T) {
	d := FrameDescriptor{Channels: 2, Encoding: protocol.AudioEncodingPCMS16, NSamples: 480}
	size, err := d.ExpectedSize()
	require.NoError(t, err)
	require.Equal(t, 480*2*2, size)
}

func TestExpectedSizeOpusIsZero(t *testing.T) {
	d := FrameDescriptor{Channels: 1, Encoding: protocol.AudioEncodingOpus, NSamples: 960}
	size, err := d.ExpectedSize()
	require.NoError(t, err)
	require.Equal(t, 0, size)
}

func TestExpectedSizeUnsupportedEncoding(t *testing.T) {
	d := FrameDescriptor{Encoding: 200}
	_, err := d.ExpectedSize()
	require.ErrorIs(t, err, ErrUnsupportedEncoding)
}

func TestDecodePCMValidatesSize(t *testing.T) {
	d := FrameDescriptor{Channels: 1, Encoding: protocol.AudioEncodingPCMS16, NSamples: 2}
	body := []byte{1, 0, 2, 0}
	out, err := DecodePCM(d, body)
	require.NoError(t, err)
	require.Equal(t, body, out)

	_, err = DecodePCM(d, body[:2])
	require.Error(t, err)
}

func TestDecodePCMRejectsOpus(t *testing.T) {
	d := FrameDescriptor{Channels: 1, Encoding: protocol.AudioEncodingOpus}
	_, err := DecodePCM(d, []byte{1, 2, 3})
	require.Error(t, err)
}

func TestPCMS16SamplesDecodesLittleEndian(t *testing.T) {
	body := []byte{0x01, 0x00, 0xFF, 0xFF}
	samples := PCMS16Samples(body)
	require.Equal(t, []int16{1, -1}, samples)
}

func TestValidateDescriptorRejectsZeroChannels(t *testing.T) {
	err := ValidateDescriptor(FrameDescriptor{Channels: 0, Encoding: protocol.AudioEncodingPCMS16, Rate: 48000})
	require.Error(t, err)
}

func TestValidateDescriptorRejectsZeroRateForPCM(t *testing.T) {
	err := ValidateDescriptor(FrameDescriptor{Channels: 1, Encoding: protocol.AudioEncodingPCMS16, Rate: 0})
	require.Error(t, err)
}

func TestValidateDescriptorAllowsZeroRateForOpus(t *testing.T) {
	err := ValidateDescriptor(FrameDescriptor{Channels: 1, Encoding: protocol.AudioEncodingOpus, Rate: 0})
	require.NoError(t, err)
}

func TestDefaultOpusParams(t *testing.T) {
	p := DefaultOpusParams()
	require.Equal(t, 32000, p.BitRate)
}
