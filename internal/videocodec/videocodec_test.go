package videocodec

import (
	"testing"

	"github.com/arlojansen/vmux/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestValidateRegionAcceptsInBounds(t *testing.T) {
	require.NoError(t, ValidateRegion(100, 100, 0, 0, 100, 100))
	require.NoError(t, ValidateRegion(100, 100, 50, 50, 50, 50))
}

func TestValidateRegionRejectsOutOfBounds(t *testing.T) {
	err := ValidateRegion(100, 100, 50, 50, 51, 50)
	require.ErrorIs(t, err, ErrRegionOutOfBounds)
}

func TestValidateRegionRejectsZeroArea(t *testing.T) {
	require.Error(t, ValidateRegion(100, 100, 0, 0, 0, 10))
	require.Error(t, ValidateRegion(100, 100, 0, 0, 10, 0))
}

func TestDecodeRawWritesPixelsAtOffset(t *testing.T) {
	dst := &Surface{Pixels: make([]byte, 16*4), Pitch: 16, Format: FormatRGBA}
	body := []byte{1, 2, 3, 4, 5, 6, 7, 8} // two RGBA pixels
	consumed, carry, err := DecodeRaw(dst, 1, 0, 2, FormatRGBA, body, 0)
	require.NoError(t, err)
	require.Equal(t, len(body), consumed)
	require.Equal(t, 0, carry)
	require.Equal(t, byte(1), dst.Pixels[4])
	require.Equal(t, byte(8), dst.Pixels[11])
}

func TestDecodeRawRejectsOutOfBoundsWrite(t *testing.T) {
	dst := &Surface{Pixels: make([]byte, 4), Pitch: 4, Format: FormatRGBA}
	_, _, err := DecodeRaw(dst, 0, 0, 1, FormatRGBA, []byte{1, 2, 3, 4, 5, 6, 7, 8}, 0)
	require.Error(t, err)
}

func newFacade(t *testing.T) *Facade {
	t.Helper()
	f, err := NewFacade(nil)
	require.NoError(t, err)
	t.Cleanup(f.Close)
	return f
}

func TestDeltaZSTDKeyframeRoundTrip(t *testing.T) {
	f := newFacade(t)
	plain := []byte("a full keyframe's worth of pixel bytes")
	compressed := f.EncodeDeltaZSTD(plain)

	out, err := f.DecodeDeltaZSTD(compressed, uint32(len(plain)), nil, true)
	require.NoError(t, err)
	require.Equal(t, plain, out)
}

func TestDeltaZSTDAppliesXORAgainstAccum(t *testing.T) {
	f := newFacade(t)
	accum := []byte{0xFF, 0x00, 0xAA, 0x55}
	delta := []byte{0x0F, 0x0F, 0x0F, 0x0F}
	compressed := f.EncodeDeltaZSTD(delta)

	out, err := f.DecodeDeltaZSTD(compressed, uint32(len(delta)), accum, false)
	require.NoError(t, err)
	for i := range out {
		require.Equal(t, accum[i]^delta[i], out[i])
	}
}

func TestDeltaZSTDRejectsSizeMismatch(t *testing.T) {
	f := newFacade(t)
	compressed := f.EncodeDeltaZSTD([]byte("hello"))
	_, err := f.DecodeDeltaZSTD(compressed, 999, nil, true)
	require.Error(t, err)
}

func TestTerminalPackRoundTrip(t *testing.T) {
	f := newFacade(t)
	plain := []byte("terminal cell grid bytes")
	compressed := f.EncodeDeltaZSTD(plain)
	out, err := f.DecodeTerminalPack(compressed, uint32(len(plain)))
	require.NoError(t, err)
	require.Equal(t, plain, out)
}

func TestFallbackMethodChain(t *testing.T) {
	require.Equal(t, protocol.VMethodDeltaZSTD, FallbackMethod(protocol.VMethodH264External))
	require.Equal(t, protocol.VMethodTerminalPack, FallbackMethod(protocol.VMethodDeltaZSTD))
	require.Equal(t, protocol.VMethodRawRGBA, FallbackMethod(protocol.VMethodTerminalPack))
}

func TestDecodeExternalFeedsDepacketizer(t *testing.T) {
	f := newFacade(t)
	// A malformed RTP H.264 payload should surface as an error rather than
	// panic; the depacketizer's own correctness is pion's responsibility.
	_, err := f.DecodeExternal([]byte{})
	require.Error(t, err)
}
