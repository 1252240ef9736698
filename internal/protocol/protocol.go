// Package protocol defines the outer packet framing and the fixed field
// layouts named in the wire protocol: packet types, CONTROL command codes,
// role identifiers, and the byte-exact payload shapes for HELLO,
// VIDEOFRAME, AUDIOFRAME, BINARYSTREAM, CANCELSTREAM, DIRSTATE, DIRDISCOVER,
// DIROPEN and DIROPENED. Field order matches spec section 6 and must never
// be reordered.
//
// Grounded on internal/proto/proto.go in the teacher (named protocol-id
// constants + small plain structs), generalized from libp2p stream-protocol
// strings to numeric wire codes.
package protocol

// Outer packet types (spec §4.1).
const (
	PacketControl uint8 = 1
	PacketEvent   uint8 = 2
	PacketVideo   uint8 = 3
	PacketAudio   uint8 = 4
	PacketBlob    uint8 = 5
)

// EVENT packet flags (bit positions within the flags byte following chid).
// EventFlagMultipart marks a MESSAGE event fragment as non-terminal; the
// receiver coalesces fragments until one arrives with the bit clear
// (spec §4.7).
const (
	EventFlagMultipart uint8 = 1 << 0
)

// EventMaxMessageSize bounds a coalesced multipart MESSAGE buffer, so a
// peer cannot force unbounded allocation by never clearing the
// continuation bit (spec §4.7 "rejecting overflow").
const EventMaxMessageSize = 1 << 20

// MAC sizes. The very first client->server HELLO uses the half-length form
// with an 8-byte nonce occupying the remaining MAC space (spec §4.1/4.2).
const (
	MACFull = 16
	MACHalf = 8
)

// Role identifiers on the wire (spec §6).
const (
	RoleSource    uint8 = 1
	RoleSink      uint8 = 2
	RoleProbe     uint8 = 3
	RoleDirectory uint8 = 4
)

// CONTROL command codes. The CONTROL body is a fixed 128-byte record;
// cmd selects how the remaining payload bytes are interpreted.
const (
	CmdHello         uint8 = 1
	CmdShutdown      uint8 = 2
	CmdNewChannel    uint8 = 3
	CmdCancelStream  uint8 = 4
	CmdPing          uint8 = 5
	CmdVideoFrame    uint8 = 6
	CmdAudioFrame    uint8 = 7
	CmdBinaryStream  uint8 = 8
	CmdDirList       uint8 = 9
	CmdDirState      uint8 = 10
	CmdDirDiscover   uint8 = 11
	CmdDirOpen       uint8 = 12
	CmdDirOpened     uint8 = 13
	CmdRekey         uint8 = 14
)

// ControlBodySize is the fixed size of every CONTROL packet body.
const ControlBodySize = 128

// HELLO handshake modes.
const (
	HelloModeSingleRound uint8 = 0 // client sends its long-term key directly
	HelloModeTwoRound    uint8 = 1 // client sends an ephemeral key first (default)
)

// Hello is the HELLO control payload: vmajor·vminor·mode·pubk(32)·role.
type Hello struct {
	VMajor uint8
	VMinor uint8
	Mode   uint8
	PubKey [32]byte
	Role   uint8
}

// VideoFrameHeader is the VIDEOFRAME control payload.
type VideoFrameHeader struct {
	StreamID   uint32
	Method     uint8
	SurfW      uint16
	SurfH      uint16
	X          uint16
	Y          uint16
	W          uint16
	H          uint16
	Flags      uint8
	InSize     uint32
	ExpSize    uint32
	Commit     uint8
}

// Video frame flags (bit positions within VideoFrameHeader.Flags).
const (
	VFlagOriginLowerLeft = 1 << 0
	VFlagTerminalPack    = 1 << 1
	VFlagResize          = 1 << 2
)

// CommitDiscard marks a frame as undeliverable; the receiver must drop it
// and the sender must react by downgrading its encoder.
const CommitDiscard uint8 = 255

// Video codec methods (spec §4.3 "Per-method decode behaviors").
const (
	VMethodRawRGBA      uint8 = 1
	VMethodRawRGB       uint8 = 2
	VMethodRawRGB565    uint8 = 3
	VMethodDeltaZSTD     uint8 = 4
	VMethodTerminalPack  uint8 = 5
	VMethodH264External  uint8 = 6
)

// AudioFrameHeader is the AUDIOFRAME control payload.
type AudioFrameHeader struct {
	StreamID   uint32
	Channels   uint8
	Encoding   uint8
	NSamples   uint16
	Rate       uint32
}

// Audio sample encodings.
const (
	AudioEncodingPCMS16 uint8 = 1
	AudioEncodingPCMF32 uint8 = 2
	AudioEncodingOpus   uint8 = 3
)

// BinaryStreamHeader is the BINARYSTREAM control payload.
type BinaryStreamHeader struct {
	StreamID   uint32
	Size       uint64 // 0 = streaming, unknown length
	Type       uint8
	Ident      uint32
	Checksum   [16]byte
	Compressed bool
	ExtID      [16]byte
}

// CancelStream is the CANCELSTREAM control payload.
type CancelStream struct {
	StreamID   uint32
	Reason     uint8
	StreamType uint8
}

// Cancellation reasons.
const (
	CancelReasonUser        uint8 = 1
	CancelReasonDecodeError uint8 = 2
	CancelReasonIOError     uint8 = 3
	CancelReasonDuplicate   uint8 = 4
	CancelReasonShutdown    uint8 = 5
)

// Stream types referenced by CancelStream.StreamType.
const (
	StreamTypeVideo  uint8 = 1
	StreamTypeAudio  uint8 = 2
	StreamTypeBinary uint8 = 3
)

// DirEntry is one DIRSTATE entry payload.
type DirEntry struct {
	ID          uint16
	Categories  uint16
	Permissions uint16
	Hash        [4]byte
	Size        uint64
	Name        string // max 18 bytes on wire
	ShortDesc   string // max 69 bytes on wire
}

const (
	DirNameSize  = 18
	DirDescSize  = 69
)

// DirDiscover is the DIRDISCOVER control payload.
type DirDiscover struct {
	Role    uint8
	Added   bool
	Petname string // sanitized to [A-Za-z0-9_]{1,16}
	PubKey  [32]byte
}

// DirOpen is the DIROPEN control payload.
type DirOpen struct {
	Mode               uint8
	TargetPubKey       [32]byte
	RequesterEphemeral [32]byte
}

// DIROPEN modes.
const (
	DirOpenModeDirect uint8 = 0
	DirOpenModeTunnel uint8 = 1
)

// DirOpened is the DIROPENED control payload.
type DirOpened struct {
	Proto  uint8
	Host   string // max 46 bytes on wire
	Port   uint16
	AuthK  [12]byte
	PubKey [32]byte
}

// DIROPENED proto values.
const (
	DirProtoIPv4   uint8 = 1
	DirProtoIPv6   uint8 = 2
	DirProtoName   uint8 = 3
	DirProtoTunnel uint8 = 4
)

const DirHostSize = 46
