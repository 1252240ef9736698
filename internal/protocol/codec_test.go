package protocol

import (
	"strings"
	"testing"

	"github.com/arlojansen/vmux/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestControlRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3}
	body, err := EncodeControl(42, 7, 5, CmdPing, payload)
	require.NoError(t, err)
	require.Len(t, body, ControlBodySize)

	hdr, r, err := DecodeControlHeader(body)
	require.NoError(t, err)
	require.Equal(t, uint64(42), hdr.LastSeen)
	require.Equal(t, uint64(7), hdr.Entropy)
	require.Equal(t, uint8(5), hdr.ChID)
	require.Equal(t, CmdPing, hdr.Cmd)

	rest, err := r.Raw(r.Remaining())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(rest), string(payload)))
}

func TestControlRejectsOversizedPayload(t *testing.T) {
	_, err := EncodeControl(0, 0, 0, CmdHello, make([]byte, ControlBodySize))
	require.Error(t, err)
}

func TestHelloRoundTrip(t *testing.T) {
	h := Hello{VMajor: 1, VMinor: 2, Mode: HelloModeTwoRound, Role: RoleSource}
	h.PubKey[0] = 0xAA
	h.PubKey[31] = 0xBB

	got, err := DecodeHello(wire.NewReader(EncodeHello(h)))
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestVideoFrameHeaderRoundTrip(t *testing.T) {
	v := VideoFrameHeader{
		StreamID: 9, Method: VMethodDeltaZSTD, SurfW: 1920, SurfH: 1080,
		X: 10, Y: 20, W: 100, H: 50, Flags: VFlagResize, InSize: 500, ExpSize: 5000, Commit: 1,
	}
	got, err := DecodeVideoFrameHeader(wire.NewReader(EncodeVideoFrameHeader(v)))
	require.NoError(t, err)
	require.Equal(t, v, got)
}

func TestAudioFrameHeaderRoundTrip(t *testing.T) {
	a := AudioFrameHeader{StreamID: 3, Channels: 2, Encoding: AudioEncodingPCMS16, NSamples: 960, Rate: 48000}
	got, err := DecodeAudioFrameHeader(wire.NewReader(EncodeAudioFrameHeader(a)))
	require.NoError(t, err)
	require.Equal(t, a, got)
}

func TestBinaryStreamHeaderRoundTrip(t *testing.T) {
	b := BinaryStreamHeader{StreamID: 1, Size: 1024, Type: 1, Ident: 77, Compressed: true}
	b.Checksum[0] = 1
	b.ExtID[15] = 9
	got, err := DecodeBinaryStreamHeader(wire.NewReader(EncodeBinaryStreamHeader(b)))
	require.NoError(t, err)
	require.Equal(t, b, got)
}

func TestCancelStreamRoundTrip(t *testing.T) {
	c := CancelStream{StreamID: 4, Reason: CancelReasonDecodeError, StreamType: StreamTypeVideo}
	got, err := DecodeCancelStream(wire.NewReader(EncodeCancelStream(c)))
	require.NoError(t, err)
	require.Equal(t, c, got)
}

func TestDirEntryRoundTripAndTruncation(t *testing.T) {
	e := DirEntry{ID: 1, Categories: 2, Permissions: 3, Size: 1000, Name: "files", ShortDesc: "a file store"}
	e.Hash[0] = 0xFF
	got, err := DecodeDirEntry(wire.NewReader(EncodeDirEntry(e)))
	require.NoError(t, err)
	require.Equal(t, e, got)

	long := DirEntry{Name: strings.Repeat("x", DirNameSize+10), ShortDesc: "d"}
	got2, err := DecodeDirEntry(wire.NewReader(EncodeDirEntry(long)))
	require.NoError(t, err)
	require.Len(t, got2.Name, DirNameSize)
}

func TestDirDiscoverRoundTrip(t *testing.T) {
	d := DirDiscover{Role: RoleSink, Added: true, Petname: "alice"}
	d.PubKey[0] = 1
	got, err := DecodeDirDiscover(wire.NewReader(EncodeDirDiscover(d)))
	require.NoError(t, err)
	require.Equal(t, d, got)
}

func TestDirOpenRoundTrip(t *testing.T) {
	d := DirOpen{Mode: DirOpenModeTunnel}
	d.TargetPubKey[0] = 5
	d.RequesterEphemeral[0] = 6
	got, err := DecodeDirOpen(wire.NewReader(EncodeDirOpen(d)))
	require.NoError(t, err)
	require.Equal(t, d, got)
}

func TestDirOpenedRoundTrip(t *testing.T) {
	d := DirOpened{Proto: DirProtoIPv4, Host: "10.0.0.1", Port: 6060}
	d.AuthK[0] = 1
	d.PubKey[0] = 2
	got, err := DecodeDirOpened(wire.NewReader(EncodeDirOpened(d)))
	require.NoError(t, err)
	require.Equal(t, d, got)
}
