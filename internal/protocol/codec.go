package protocol

import (
	"fmt"

	"github.com/arlojansen/vmux/internal/wire"
)

// EncodeControl wraps a command-specific payload into the fixed 128-byte
// CONTROL body: last_seen(8)·entropy(8)·chid(1)·cmd(1)·...payload.
func EncodeControl(lastSeen, entropy uint64, chid uint8, cmd uint8, payload []byte) ([]byte, error) {
	if len(payload) > ControlBodySize-18 {
		return nil, fmt.Errorf("protocol: control payload too large (%d bytes)", len(payload))
	}
	w := wire.NewWriter(ControlBodySize)
	w.U64(lastSeen)
	w.U64(entropy)
	w.U8(chid)
	w.U8(cmd)
	w.Raw(payload)
	w.Pad(ControlBodySize - w.Len())
	return w.Bytes(), nil
}

// ControlHeader is the decoded fixed prefix of every CONTROL body.
type ControlHeader struct {
	LastSeen uint64
	Entropy  uint64
	ChID     uint8
	Cmd      uint8
}

// DecodeControlHeader parses the fixed prefix and returns a Reader
// positioned at the command-specific payload.
func DecodeControlHeader(body []byte) (ControlHeader, *wire.Reader, error) {
	r := wire.NewReader(body)
	var h ControlHeader
	var err error
	if h.LastSeen, err = r.U64(); err != nil {
		return h, nil, err
	}
	if h.Entropy, err = r.U64(); err != nil {
		return h, nil, err
	}
	if h.ChID, err = r.U8(); err != nil {
		return h, nil, err
	}
	if h.Cmd, err = r.U8(); err != nil {
		return h, nil, err
	}
	return h, r, nil
}

func EncodeHello(h Hello) []byte {
	w := wire.NewWriter(2 + 1 + 32 + 1)
	w.U8(h.VMajor)
	w.U8(h.VMinor)
	w.U8(h.Mode)
	w.Raw(h.PubKey[:])
	w.U8(h.Role)
	return w.Bytes()
}

func DecodeHello(r *wire.Reader) (Hello, error) {
	var h Hello
	var err error
	if h.VMajor, err = r.U8(); err != nil {
		return h, err
	}
	if h.VMinor, err = r.U8(); err != nil {
		return h, err
	}
	if h.Mode, err = r.U8(); err != nil {
		return h, err
	}
	pk, err := r.Raw(32)
	if err != nil {
		return h, err
	}
	copy(h.PubKey[:], pk)
	if h.Role, err = r.U8(); err != nil {
		return h, err
	}
	return h, nil
}

func EncodeVideoFrameHeader(v VideoFrameHeader) []byte {
	w := wire.NewWriter(32)
	w.U32(v.StreamID)
	w.U8(v.Method)
	w.U16(v.SurfW)
	w.U16(v.SurfH)
	w.U16(v.X)
	w.U16(v.Y)
	w.U16(v.W)
	w.U16(v.H)
	w.U8(v.Flags)
	w.U32(v.InSize)
	w.U32(v.ExpSize)
	w.U8(v.Commit)
	return w.Bytes()
}

func DecodeVideoFrameHeader(r *wire.Reader) (VideoFrameHeader, error) {
	var v VideoFrameHeader
	var err error
	if v.StreamID, err = r.U32(); err != nil {
		return v, err
	}
	if v.Method, err = r.U8(); err != nil {
		return v, err
	}
	if v.SurfW, err = r.U16(); err != nil {
		return v, err
	}
	if v.SurfH, err = r.U16(); err != nil {
		return v, err
	}
	if v.X, err = r.U16(); err != nil {
		return v, err
	}
	if v.Y, err = r.U16(); err != nil {
		return v, err
	}
	if v.W, err = r.U16(); err != nil {
		return v, err
	}
	if v.H, err = r.U16(); err != nil {
		return v, err
	}
	if v.Flags, err = r.U8(); err != nil {
		return v, err
	}
	if v.InSize, err = r.U32(); err != nil {
		return v, err
	}
	if v.ExpSize, err = r.U32(); err != nil {
		return v, err
	}
	if v.Commit, err = r.U8(); err != nil {
		return v, err
	}
	return v, nil
}

func EncodeAudioFrameHeader(a AudioFrameHeader) []byte {
	w := wire.NewWriter(12)
	w.U32(a.StreamID)
	w.U8(a.Channels)
	w.U8(a.Encoding)
	w.U16(a.NSamples)
	w.U32(a.Rate)
	return w.Bytes()
}

func DecodeAudioFrameHeader(r *wire.Reader) (AudioFrameHeader, error) {
	var a AudioFrameHeader
	var err error
	if a.StreamID, err = r.U32(); err != nil {
		return a, err
	}
	if a.Channels, err = r.U8(); err != nil {
		return a, err
	}
	if a.Encoding, err = r.U8(); err != nil {
		return a, err
	}
	if a.NSamples, err = r.U16(); err != nil {
		return a, err
	}
	if a.Rate, err = r.U32(); err != nil {
		return a, err
	}
	return a, nil
}

func EncodeBinaryStreamHeader(b BinaryStreamHeader) []byte {
	w := wire.NewWriter(64)
	w.U32(b.StreamID)
	w.U64(b.Size)
	w.U8(b.Type)
	w.U32(b.Ident)
	w.Raw(b.Checksum[:])
	w.Bool(b.Compressed)
	w.Raw(b.ExtID[:])
	return w.Bytes()
}

func DecodeBinaryStreamHeader(r *wire.Reader) (BinaryStreamHeader, error) {
	var b BinaryStreamHeader
	var err error
	if b.StreamID, err = r.U32(); err != nil {
		return b, err
	}
	if b.Size, err = r.U64(); err != nil {
		return b, err
	}
	if b.Type, err = r.U8(); err != nil {
		return b, err
	}
	if b.Ident, err = r.U32(); err != nil {
		return b, err
	}
	cs, err := r.Raw(16)
	if err != nil {
		return b, err
	}
	copy(b.Checksum[:], cs)
	if b.Compressed, err = r.Bool(); err != nil {
		return b, err
	}
	ext, err := r.Raw(16)
	if err != nil {
		return b, err
	}
	copy(b.ExtID[:], ext)
	return b, nil
}

func EncodeCancelStream(c CancelStream) []byte {
	w := wire.NewWriter(6)
	w.U32(c.StreamID)
	w.U8(c.Reason)
	w.U8(c.StreamType)
	return w.Bytes()
}

func DecodeCancelStream(r *wire.Reader) (CancelStream, error) {
	var c CancelStream
	var err error
	if c.StreamID, err = r.U32(); err != nil {
		return c, err
	}
	if c.Reason, err = r.U8(); err != nil {
		return c, err
	}
	if c.StreamType, err = r.U8(); err != nil {
		return c, err
	}
	return c, nil
}

// DirEntryWireSize is the on-wire size of one DIRSTATE entry payload:
// id(2)+categories(2)+permissions(2)+hash(4)+size(8)+name(18)+short_desc(69).
const DirEntryWireSize = 2 + 2 + 2 + 4 + 8 + DirNameSize + DirDescSize

func EncodeDirEntry(e DirEntry) []byte {
	w := wire.NewWriter(DirEntryWireSize)
	w.U16(e.ID)
	w.U16(e.Categories)
	w.U16(e.Permissions)
	w.Raw(e.Hash[:])
	w.U64(e.Size)
	w.Fixed([]byte(e.Name), DirNameSize)
	w.Fixed([]byte(e.ShortDesc), DirDescSize)
	return w.Bytes()
}

func DecodeDirEntry(r *wire.Reader) (DirEntry, error) {
	var e DirEntry
	var err error
	if e.ID, err = r.U16(); err != nil {
		return e, err
	}
	if e.Categories, err = r.U16(); err != nil {
		return e, err
	}
	if e.Permissions, err = r.U16(); err != nil {
		return e, err
	}
	h, err := r.Raw(4)
	if err != nil {
		return e, err
	}
	copy(e.Hash[:], h)
	if e.Size, err = r.U64(); err != nil {
		return e, err
	}
	if e.Name, err = r.Fixed(DirNameSize); err != nil {
		return e, err
	}
	if e.ShortDesc, err = r.Fixed(DirDescSize); err != nil {
		return e, err
	}
	return e, nil
}

func EncodeDirDiscover(d DirDiscover) []byte {
	w := wire.NewWriter(50)
	w.U8(d.Role)
	w.Bool(d.Added)
	w.Fixed([]byte(d.Petname), 16)
	w.Raw(d.PubKey[:])
	return w.Bytes()
}

func DecodeDirDiscover(r *wire.Reader) (DirDiscover, error) {
	var d DirDiscover
	var err error
	if d.Role, err = r.U8(); err != nil {
		return d, err
	}
	if d.Added, err = r.Bool(); err != nil {
		return d, err
	}
	if d.Petname, err = r.Fixed(16); err != nil {
		return d, err
	}
	pk, err := r.Raw(32)
	if err != nil {
		return d, err
	}
	copy(d.PubKey[:], pk)
	return d, nil
}

func EncodeDirOpen(d DirOpen) []byte {
	w := wire.NewWriter(65)
	w.U8(d.Mode)
	w.Raw(d.TargetPubKey[:])
	w.Raw(d.RequesterEphemeral[:])
	return w.Bytes()
}

func DecodeDirOpen(r *wire.Reader) (DirOpen, error) {
	var d DirOpen
	var err error
	if d.Mode, err = r.U8(); err != nil {
		return d, err
	}
	tk, err := r.Raw(32)
	if err != nil {
		return d, err
	}
	copy(d.TargetPubKey[:], tk)
	ek, err := r.Raw(32)
	if err != nil {
		return d, err
	}
	copy(d.RequesterEphemeral[:], ek)
	return d, nil
}

func EncodeDirOpened(d DirOpened) []byte {
	w := wire.NewWriter(1 + DirHostSize + 2 + 12 + 32)
	w.U8(d.Proto)
	w.Fixed([]byte(d.Host), DirHostSize)
	w.U16(d.Port)
	w.Raw(d.AuthK[:])
	w.Raw(d.PubKey[:])
	return w.Bytes()
}

func DecodeDirOpened(r *wire.Reader) (DirOpened, error) {
	var d DirOpened
	var err error
	if d.Proto, err = r.U8(); err != nil {
		return d, err
	}
	if d.Host, err = r.Fixed(DirHostSize); err != nil {
		return d, err
	}
	if d.Port, err = r.U16(); err != nil {
		return d, err
	}
	ak, err := r.Raw(12)
	if err != nil {
		return d, err
	}
	copy(d.AuthK[:], ak)
	pk, err := r.Raw(32)
	if err != nil {
		return d, err
	}
	copy(d.PubKey[:], pk)
	return d, nil
}
