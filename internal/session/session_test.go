package session

import (
	"testing"

	"github.com/arlojansen/vmux/internal/callback"
	"github.com/arlojansen/vmux/internal/channel"
	"github.com/arlojansen/vmux/internal/protocol"
	"github.com/stretchr/testify/require"
)

type recordingEventSink struct {
	chid   uint8
	events [][]byte
}

func (s *recordingEventSink) OnEvent(chid uint8, event []byte) {
	s.chid = chid
	cp := append([]byte(nil), event...)
	s.events = append(s.events, cp)
}

type recordingAuthSink struct{ fired int }

func (s *recordingAuthSink) OnAuth() { s.fired++ }

type stubDirOpener struct {
	res callback.DynamicResourceResult
}

func (o stubDirOpener) Open(targetPub [32]byte, mode uint8) (callback.DynamicResourceResult, error) {
	return o.res, nil
}

// deliver flushes src's pending bytes and feeds them to dst. Every exchange
// in this test queues exactly one packet between flushes, so a straight
// Flush->Unpack pairing is enough to carry it across.
func deliver(t *testing.T, src, dst *State) {
	t.Helper()
	raw, err := src.Flush()
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	require.NoError(t, dst.Unpack(raw))
}

func newPair(t *testing.T, clientAuth, serverAuth *recordingAuthSink, clientEvents, serverEvents *recordingEventSink, opener callback.DirectoryOpener) (*State, *State) {
	t.Helper()
	// Events/Auth are plain interfaces: assigning a typed-nil *recordingEventSink
	// or *recordingAuthSink directly would make the field a non-nil interface
	// wrapping a nil pointer, tripping the session's "!= nil" guards. Only wrap
	// the concrete pointer when a caller actually supplied one.
	var clientEventsSink callback.EventSink
	if clientEvents != nil {
		clientEventsSink = clientEvents
	}
	var serverEventsSink callback.EventSink
	if serverEvents != nil {
		serverEventsSink = serverEvents
	}
	var clientAuthSink callback.AuthSink
	if clientAuth != nil {
		clientAuthSink = clientAuth
	}
	var serverAuthSink callback.AuthSink
	if serverAuth != nil {
		serverAuthSink = serverAuth
	}

	clientCfg := Config{
		Role:     protocol.RoleSource,
		TwoRound: true,
		MTU:      1400,
		Events:   clientEventsSink,
		Auth:     clientAuthSink,
	}
	serverCfg := Config{
		Role:      protocol.RoleSink,
		TwoRound:  true,
		MTU:       1400,
		Events:    serverEventsSink,
		Auth:      serverAuthSink,
		DirOpener: opener,
	}
	client, err := NewClient(clientCfg)
	require.NoError(t, err)
	server, err := NewServer(serverCfg)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	t.Cleanup(server.Close)
	return client, server
}

func completeTwoRoundHandshake(t *testing.T, client, server *State) {
	t.Helper()
	require.NoError(t, client.ClientStart())
	deliver(t, client, server) // client's first (ephemeral) HELLO -> server
	deliver(t, server, client) // server's ephemeral reply -> client
	deliver(t, client, server) // client's second (real-key) HELLO -> server

	brokenC, _ := client.Broken()
	brokenS, _ := server.Broken()
	require.False(t, brokenC)
	require.False(t, brokenS)
}

func TestTwoRoundHandshakeCompletesAndFiresAuth(t *testing.T) {
	clientAuth, serverAuth := &recordingAuthSink{}, &recordingAuthSink{}
	client, server := newPair(t, clientAuth, serverAuth, nil, nil, nil)
	completeTwoRoundHandshake(t, client, server)

	require.Equal(t, 1, clientAuth.fired)
	require.Equal(t, 1, serverAuth.fired)

	// Session keys must now be installed and mutually consistent on both
	// sides: a CONTROL packet round-trips without going BROKEN.
	require.NoError(t, server.Ping(42))
	deliver(t, server, client)
	brokenC, _ := client.Broken()
	require.False(t, brokenC)
}

func TestOpenChannelSyncsAcrossConnection(t *testing.T) {
	serverEvents := &recordingEventSink{}
	client, server := newPair(t, nil, nil, nil, serverEvents, nil)
	completeTwoRoundHandshake(t, client, server)

	require.NoError(t, server.OpenChannel(1, 0, channel.SegmentAux, channel.DirectionOutput, 7))
	deliver(t, server, client)

	require.True(t, client.ChannelActive(1), "NEWCH from the server must activate channel 1 on the client's own table too")
	require.NoError(t, client.SendEvent(1, []byte("hi")))
	deliver(t, client, server)
	require.Equal(t, uint8(1), serverEvents.chid)
	require.Equal(t, []byte("hi"), serverEvents.events[0])
}

func TestVideoFrameRawRGBARoundTrip(t *testing.T) {
	serverEvents := &recordingEventSink{}
	client, server := newPair(t, nil, nil, nil, serverEvents, nil)
	completeTwoRoundHandshake(t, client, server)

	require.NoError(t, server.OpenChannel(2, 0, channel.SegmentAux, channel.DirectionOutput, 0))
	deliver(t, server, client)

	pixels := []byte{1, 2, 3, 4, 5, 6, 7, 8} // two RGBA pixels
	hdr := protocol.VideoFrameHeader{
		StreamID: 9, Method: protocol.VMethodRawRGBA,
		SurfW: 2, SurfH: 1, X: 0, Y: 0, W: 2, H: 1,
		ExpSize: uint32(len(pixels)),
	}
	require.NoError(t, client.SendVideoFrame(2, hdr, pixels))
	deliver(t, client, server)

	require.Len(t, serverEvents.events, 1)
	require.Equal(t, pixels, serverEvents.events[0])
}

func TestVideoFrameDiscardTriggersCancel(t *testing.T) {
	client, server := newPair(t, nil, nil, nil, nil, nil)
	completeTwoRoundHandshake(t, client, server)

	require.NoError(t, server.OpenChannel(3, 0, channel.SegmentAux, channel.DirectionOutput, 0))
	deliver(t, server, client)

	hdr := protocol.VideoFrameHeader{StreamID: 5, Commit: protocol.CommitDiscard}
	require.NoError(t, client.SendVideoFrame(3, hdr, nil))
	// The receiver (server) replies with CANCELSTREAM instead of failing;
	// delivering that reply back to the client must not break it either.
	deliver(t, client, server)
	deliver(t, server, client)
	brokenC, _ := client.Broken()
	require.False(t, brokenC)
}

func TestAudioFramePCMRoundTrip(t *testing.T) {
	serverEvents := &recordingEventSink{}
	client, server := newPair(t, nil, nil, nil, serverEvents, nil)
	completeTwoRoundHandshake(t, client, server)

	require.NoError(t, server.OpenChannel(4, 0, channel.SegmentAux, channel.DirectionOutput, 0))
	deliver(t, server, client)

	hdr := protocol.AudioFrameHeader{
		StreamID: 1, Channels: 1, Encoding: protocol.AudioEncodingPCMS16, NSamples: 2, Rate: 48000,
	}
	body := []byte{1, 0, 2, 0}
	require.NoError(t, client.SendAudioFrame(4, hdr, body))
	deliver(t, client, server)

	require.Len(t, serverEvents.events, 1)
	require.Equal(t, body, serverEvents.events[0])
}

func TestDirOpenMediation(t *testing.T) {
	opener := stubDirOpener{res: callback.DynamicResourceResult{
		OK: true, Proto: protocol.DirProtoIPv4, Host: "192.168.0.5", Port: 9000,
	}}
	client, server := newPair(t, nil, nil, nil, nil, opener)
	completeTwoRoundHandshake(t, client, server)

	req := protocol.DirOpen{Mode: protocol.DirOpenModeDirect}
	require.NoError(t, client.RequestDirOpen(req, nil, nil))
	deliver(t, client, server) // server mediates and replies with DIROPENED
	deliver(t, server, client) // client receives DIROPENED (no-op handler, must not error)
}

func TestPingAdvancesCongestionWindow(t *testing.T) {
	client, server := newPair(t, nil, nil, nil, nil, nil)
	completeTwoRoundHandshake(t, client, server)

	require.NoError(t, server.OpenChannel(5, 0, channel.SegmentAux, channel.DirectionOutput, 0))
	deliver(t, server, client)

	hdr := protocol.VideoFrameHeader{
		StreamID: 11, Method: protocol.VMethodRawRGBA,
		SurfW: 1, SurfH: 1, W: 1, H: 1, ExpSize: 4,
	}
	require.NoError(t, client.SendVideoFrame(5, hdr, []byte{1, 2, 3, 4}))
	deliver(t, client, server)
	require.Equal(t, 1, server.Backpressure())

	require.NoError(t, client.Ping(11))
	deliver(t, client, server)
	require.Equal(t, 0, server.Backpressure())
}

func TestShutdownMarksConnectionBroken(t *testing.T) {
	client, server := newPair(t, nil, nil, nil, nil, nil)
	completeTwoRoundHandshake(t, client, server)

	require.NoError(t, client.Shutdown())
	broken, err := client.Broken()
	require.True(t, broken)
	require.Error(t, err)

	deliver(t, client, server)
	brokenS, errS := server.Broken()
	require.True(t, brokenS)
	require.Error(t, errS)
}
