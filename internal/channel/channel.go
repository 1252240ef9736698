// Package channel implements the per-connection channel table (spec §3,
// §4.3): up to 256 multiplexed substreams, each with independent video,
// audio, and binary frame-assembly state. Kept as a fixed array rather
// than a map, per the spec §9 REDESIGN FLAG ("256-element fixed channel
// table... keep as a fixed array of Options").
//
// Grounded on internal/call/manager.go's registry-of-sessions-by-id
// pattern in the teacher, generalized from "one webrtc Session per call"
// to "one assembly-state bundle per channel".
package channel

import (
	"fmt"
	"sync"

	"github.com/arlojansen/vmux/internal/callback"
)

// SegmentKind classifies what a channel carries, mirroring the NEWCH
// control's segment-kind field.
type SegmentKind uint8

const (
	SegmentUnknown SegmentKind = iota
	SegmentPrimary
	SegmentPopup
	SegmentClipboard
	SegmentCursor
	SegmentAux
)

// Direction of a channel relative to the peer that requested it.
type Direction uint8

const (
	DirectionOutput Direction = iota
	DirectionInput
)

// VideoAssembly tracks an in-progress inbound video frame for one channel.
type VideoAssembly struct {
	Active     bool
	StreamID   uint32
	Method     uint8
	SurfW      uint16
	SurfH      uint16
	X, Y, W, H uint16
	Flags      uint8
	ExpSize    uint32
	Received   uint32
	Buf        []byte
	// Accum holds the previously-committed frame for delta (XOR) methods.
	Accum []byte
}

// AudioAssembly tracks an in-progress inbound audio frame.
type AudioAssembly struct {
	Active   bool
	StreamID uint32
	Channels uint8
	Encoding uint8
	NSamples uint16
	Rate     uint32
	Received uint16
	Buf      []byte
}

// BlobAssembly tracks an in-progress inbound binary stream.
type BlobAssembly struct {
	Active     bool
	StreamID   uint32
	Size       uint64 // 0 = streaming
	Type       uint8
	Ident      uint32
	Checksum   [16]byte
	Compressed bool
	Received   uint64 // decompressed bytes written to Dest so far
	Dest       callback.BinaryDestination
	Cached     bool
	Cancelled  bool

	// RawBuf/DecodedLen back the incremental zstd decompress path: RawBuf
	// accumulates compressed bytes as they arrive (chunk boundaries fall
	// anywhere in the zstd frame), DecodedLen is how much of the
	// decompressed-so-far output has already been written to Dest.
	RawBuf     []byte
	DecodedLen int
}

// MessageAssembly tracks an in-progress inbound multipart MESSAGE event
// (spec §4.7), coalescing EVENT fragments until one arrives with the
// multipart continuation bit clear.
type MessageAssembly struct {
	Active bool
	Buf    []byte
}

// Channel is one multiplexed substream.
type Channel struct {
	mu sync.Mutex

	ID        uint8
	Active    bool
	Parent    uint8
	Segment   SegmentKind
	Direction Direction
	Cookie    uint32

	Destination any // opaque handle to the external window/surface

	Video   VideoAssembly
	Audio   AudioAssembly
	Blob    BlobAssembly
	Message MessageAssembly

	// TunnelMode/TunnelSink implement the directory relay-tunnel splice
	// (spec §7): when TunnelMode is set, inbound BLOB packets on this
	// channel are forwarded verbatim to TunnelSink instead of feeding the
	// binary-transfer assembly above.
	TunnelMode bool
	TunnelSink callback.TunnelSink

	// EncoderCtx/DecoderCtx are opaque per-channel codec contexts, owned by
	// the channel and freed on Close (spec §5 "Resource sharing").
	EncoderCtx any
	DecoderCtx any
}

func (c *Channel) reset() {
	c.Active = false
	c.Parent = 0
	c.Segment = SegmentUnknown
	c.Direction = DirectionOutput
	c.Cookie = 0
	c.Destination = nil
	c.Video = VideoAssembly{}
	c.Audio = AudioAssembly{}
	c.Blob = BlobAssembly{}
	c.Message = MessageAssembly{}
	c.TunnelMode = false
	c.TunnelSink = nil
	c.EncoderCtx = nil
	c.DecoderCtx = nil
}

// Table is the fixed 256-entry channel array owned by one connection.
type Table struct {
	mu       sync.Mutex
	channels [256]*Channel
}

// NewTable allocates a channel table with channel 0 (primary) pre-opened,
// matching spec §3's "Channel 0 is the primary".
func NewTable() *Table {
	t := &Table{}
	for i := range t.channels {
		t.channels[i] = &Channel{ID: uint8(i)}
	}
	t.channels[0].Active = true
	t.channels[0].Segment = SegmentPrimary
	return t
}

// Open activates a channel in response to a NEWCH control (spec §4.3).
// Re-opening an already-active channel is rejected to preserve the "at
// most one binary/video/audio frame mid-assembly" invariant implicitly
// (an active channel with live assemblies should be closed first).
func (t *Table) Open(id, parent uint8, seg SegmentKind, dir Direction, cookie uint32) (*Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := t.channels[id]
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.Active {
		return nil, fmt.Errorf("channel: channel %d already active", id)
	}
	ch.Active = true
	ch.Parent = parent
	ch.Segment = seg
	ch.Direction = dir
	ch.Cookie = cookie
	return ch, nil
}

// Get returns the channel for id. Every uint8 id has a channel, active or
// not, so the result is never nil.
func (t *Table) Get(id uint8) *Channel {
	return t.channels[id]
}

// IsActive reports whether a channel is currently open.
func (t *Table) IsActive(id uint8) bool {
	ch := t.channels[id]
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.Active
}

// Close frees a channel's per-channel state. Closing channel 0 (primary)
// is the caller's signal to tear down the whole connection (spec §4.3);
// Close itself only resets the channel struct — the connection-level
// transition to BROKEN is the session package's responsibility. Closing an
// already-inactive channel is a no-op (spec §8 idempotence).
func (t *Table) Close(id uint8) (wasPrimary bool) {
	ch := t.channels[id]
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.Active {
		return false
	}
	wasPrimary = id == 0
	ch.reset()
	return wasPrimary
}

// CloseAll resets every channel, used when the connection is freed.
func (t *Table) CloseAll() {
	for i := range t.channels {
		t.Close(uint8(i))
	}
}
