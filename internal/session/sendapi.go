package session

import (
	"fmt"

	"github.com/arlojansen/vmux/internal/blobsched"
	"github.com/arlojansen/vmux/internal/callback"
	"github.com/arlojansen/vmux/internal/channel"
	"github.com/arlojansen/vmux/internal/directory"
	"github.com/arlojansen/vmux/internal/protocol"
	"github.com/arlojansen/vmux/internal/videocodec"
	"github.com/arlojansen/vmux/internal/wire"
)

// OpenChannel activates a local channel and notifies the peer via NEWCH
// (spec §4.3).
func (s *State) OpenChannel(id, parent uint8, seg channel.SegmentKind, dir channel.Direction, cookie uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return err
	}
	if _, err := s.channels.Open(id, parent, seg, dir, cookie); err != nil {
		return err
	}
	w := wire.NewWriter(8)
	w.U8(id)
	w.U8(parent)
	w.U8(uint8(seg))
	w.U8(uint8(dir))
	w.U32(cookie)
	return s.sendControl(0, protocol.CmdNewChannel, w.Bytes())
}

// CloseChannel deactivates a local channel. If it was the primary channel
// (0), the connection must be torn down afterward (spec §4.3).
func (s *State) CloseChannel(id uint8) (wasPrimary bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels.Close(id)
}

// ChannelActive reports whether channel id is currently open on this
// connection's own table.
func (s *State) ChannelActive(id uint8) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels.IsActive(id)
}

// SendEvent frames and queues a single-fragment EVENT packet addressed to
// chid. Callers with a MESSAGE payload too large for one packet should use
// SendEventFragment instead.
func (s *State) SendEvent(chid uint8, event []byte) error {
	return s.SendEventFragment(chid, event, true)
}

// SendEventFragment frames and queues one fragment of a possibly multipart
// MESSAGE event (spec §4.7). final must be true only on the last fragment;
// the receiver coalesces fragments sharing a channel until one arrives
// with final set.
func (s *State) SendEventFragment(chid uint8, fragment []byte, final bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return err
	}
	var flags uint8
	if !final {
		flags = protocol.EventFlagMultipart
	}
	w := wire.NewWriter(2 + len(fragment))
	w.U8(chid)
	w.U8(flags)
	w.Raw(fragment)
	return s.sendPacket(protocol.PacketEvent, w.Bytes())
}

// SendVideoFrame frames and queues one complete VIDEOFRAME packet. Large
// frames the caller wants chunked across multiple packets should call this
// once per chunk with matching StreamID and a running InSize, per spec
// §4.4; this helper does not itself split frames. The dirty rectangle is
// sanitized against the declared surface bounds before anything is sent
// (spec §4.4/§8); a rejected rectangle emits nothing. A stream id the peer
// most recently CANCELSTREAM'd with DECODE_ERROR has its method overridden
// to the recorded fallback (spec §4.3/§7).
func (s *State) SendVideoFrame(chid uint8, hdr protocol.VideoFrameHeader, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return err
	}
	if hdr.Commit != protocol.CommitDiscard {
		if err := videocodec.ValidateRegion(hdr.SurfW, hdr.SurfH, hdr.X, hdr.Y, hdr.W, hdr.H); err != nil {
			return err
		}
		if fb, ok := s.videoFallback[hdr.StreamID]; ok {
			hdr.Method = fb
			delete(s.videoFallback, hdr.StreamID)
		}
		s.videoMethodInUse[hdr.StreamID] = hdr.Method
	}
	w := wire.NewWriter(1 + 32 + len(chunk))
	w.U8(chid)
	w.Raw(protocol.EncodeVideoFrameHeader(hdr))
	w.Raw(chunk)
	if hdr.Commit != protocol.CommitDiscard {
		s.cwin.Push(hdr.StreamID)
	}
	return s.sendPacket(protocol.PacketVideo, w.Bytes())
}

// SendAudioFrame frames and queues one complete AUDIOFRAME packet.
func (s *State) SendAudioFrame(chid uint8, hdr protocol.AudioFrameHeader, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return err
	}
	w := wire.NewWriter(1 + 12 + len(chunk))
	w.U8(chid)
	w.Raw(protocol.EncodeAudioFrameHeader(hdr))
	w.Raw(chunk)
	return s.sendPacket(protocol.PacketAudio, w.Bytes())
}

// Ping sends a PING control reporting ackedStreamID, the sender's
// acknowledgment of an in-flight video stream from the *peer's*
// perspective (spec §4.6): each side's own congestion window is advanced
// by the pings it *receives*, not the ones it sends.
func (s *State) Ping(ackedStreamID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return err
	}
	w := wire.NewWriter(4)
	w.U32(ackedStreamID)
	return s.sendControl(0, protocol.CmdPing, w.Bytes())
}

// Backpressure reports how many video frames this connection currently
// considers outstanding (unacked), for a caller deciding whether to skip
// or downgrade the next frame.
func (s *State) Backpressure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwin.Backpressure()
}

// OfferBinaryStream registers an outbound binary transfer with the
// scheduler and announces it to the peer via BINARYSTREAM (spec §5).
func (s *State) OfferBinaryStream(chid uint8, src *blobsched.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return err
	}
	if err := s.blobs.Register(src); err != nil {
		return err
	}
	hdr := protocol.BinaryStreamHeader{
		StreamID: src.ID, Size: src.Size, Type: 0, Ident: src.Ident,
		Checksum: src.Checksum, Compressed: src.Compressed,
	}
	w := wire.NewWriter(1 + 64)
	w.U8(chid)
	w.Raw(protocol.EncodeBinaryStreamHeader(hdr))
	return s.sendControl(chid, protocol.CmdBinaryStream, w.Bytes())
}

// PumpBinary pulls the next ready chunk from the binary scheduler (round
// robin across registered streams, spec §5) and queues it as a BLOB
// packet. Returns ok=false when nothing is ready to send right now.
func (s *State) PumpBinary(chid uint8) (ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return false, err
	}
	chunk, ready, err := s.blobs.Next()
	if err != nil || !ready {
		return false, err
	}
	w := wire.NewWriter(5 + len(chunk.Data))
	w.U8(chid)
	w.U32(chunk.StreamID)
	w.Raw(chunk.Data)
	if err := s.sendPacket(protocol.PacketBlob, w.Bytes()); err != nil {
		return false, err
	}
	return true, nil
}

// CancelOutboundStream withdraws a stream id from the scheduler and tells
// the peer (spec §4.5).
func (s *State) CancelOutboundStream(chid uint8, streamID uint32, reason uint8, streamType uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return err
	}
	s.blobs.Cancel(streamID)
	return s.sendControl(chid, protocol.CmdCancelStream, protocol.EncodeCancelStream(protocol.CancelStream{
		StreamID: streamID, Reason: reason, StreamType: streamType,
	}))
}

// Shutdown tells the peer we are tearing down the connection and marks it
// broken locally (spec §4.3's "closing channel 0" teardown path).
func (s *State) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return err
	}
	if err := s.sendControl(0, protocol.CmdShutdown, nil); err != nil {
		return err
	}
	s.fail("local shutdown")
	return nil
}

// SendDirSnapshot emits a full DIRLIST response built from cat's current
// entries (spec §7).
func (s *State) SendDirSnapshot(cat *directory.Catalog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return err
	}
	entries := cat.Snapshot()
	w := wire.NewWriter(len(entries) * protocol.DirEntryWireSize)
	for _, e := range entries {
		w.Raw(protocol.EncodeDirEntry(e.DirEntry))
	}
	return s.sendControl(0, protocol.CmdDirList, w.Bytes())
}

// SendDirDiff emits an incremental DIRSTATE update containing only
// entries newer than known (spec §7's generation-counter diffing).
func (s *State) SendDirDiff(cat *directory.Catalog, known map[uint16]uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return err
	}
	entries := cat.Diff(known)
	if len(entries) == 0 {
		return nil
	}
	w := wire.NewWriter(len(entries) * protocol.DirEntryWireSize)
	for _, e := range entries {
		w.Raw(protocol.EncodeDirEntry(e.DirEntry))
	}
	return s.sendControl(0, protocol.CmdDirState, w.Bytes())
}

// SendDirDiscover announces a peer's appearance or departure from the
// local petname namespace (spec §7).
func (s *State) SendDirDiscover(d protocol.DirDiscover) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return err
	}
	return s.sendControl(0, protocol.CmdDirDiscover, protocol.EncodeDirDiscover(d))
}

// RequestDirOpen asks a directory-role peer to mediate a dynamic-resource
// connection to targetPub (spec §7), filling the connection's single
// pending-request slot (spec §3) with cb. cb fires from the matching
// DIROPENED reply with tag passed through unchanged; cb may be nil if the
// caller doesn't need the result. Only one request may be outstanding at a
// time.
func (s *State) RequestDirOpen(req protocol.DirOpen, cb callback.DynamicRequestCallback, tag any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return err
	}
	if s.role != protocol.RoleSource && s.role != protocol.RoleSink {
		return fmt.Errorf("session: DIROPEN may only be requested by a source/sink role")
	}
	if s.pendingDirCB != nil {
		return fmt.Errorf("session: a dynamic-resource request is already pending")
	}
	if err := s.sendControl(0, protocol.CmdDirOpen, protocol.EncodeDirOpen(req)); err != nil {
		return err
	}
	s.pendingDirCB = cb
	s.pendingDirTag = tag
	return nil
}

// SetTunnelSink installs (sink non-nil) or clears (sink nil) the external
// descriptor that receives BLOB packets relayed over chid once the
// directory has opened it in tunnel mode (spec §7's set_tunnel_sink).
func (s *State) SetTunnelSink(chid uint8, sink callback.TunnelSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return err
	}
	ch := s.channels.Get(chid)
	if ch == nil || !ch.Active {
		return fmt.Errorf("session: tunnel sink for inactive channel %d", chid)
	}
	ch.TunnelSink = sink
	ch.TunnelMode = sink != nil
	return nil
}

// WriteTunnel frames raw bytes as a BLOB packet relayed over chid's open
// tunnel (spec §7's write_tunnel), splicing straight through instead of
// registering a chunked, checksummed binary-transfer stream.
func (s *State) WriteTunnel(chid uint8, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return err
	}
	w := wire.NewWriter(5 + len(data))
	w.U8(chid)
	w.U32(0) // tunnel relay carries no registered stream id
	w.Raw(data)
	return s.sendPacket(protocol.PacketBlob, w.Bytes())
}
