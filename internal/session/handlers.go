package session

import (
	"fmt"

	"github.com/arlojansen/vmux/internal/callback"
	"github.com/arlojansen/vmux/internal/channel"
	"github.com/arlojansen/vmux/internal/protocol"
	"github.com/arlojansen/vmux/internal/tracehook"
	"github.com/arlojansen/vmux/internal/videocodec"
	"github.com/arlojansen/vmux/internal/wire"
)

// registerDefaultHandlers wires the CONTROL commands this connection handles
// to their handling methods, replacing the reference's inline switch with
// the dispatch table built in internal/dispatch. HELLO is phase-sensitive
// and handled directly by the decode loop; DIRLIST and DIRSTATE have no
// handler here, so Dispatch rejects them.
func (s *State) registerDefaultHandlers() {
	s.dispatch.Register(protocol.CmdShutdown, s.handleShutdown)
	s.dispatch.Register(protocol.CmdNewChannel, s.handleNewChannel)
	s.dispatch.Register(protocol.CmdCancelStream, s.handleCancelStream)
	s.dispatch.Register(protocol.CmdPing, s.handlePing)
	s.dispatch.Register(protocol.CmdVideoFrame, s.handleVideoFrame)
	s.dispatch.Register(protocol.CmdAudioFrame, s.handleAudioFrame)
	s.dispatch.Register(protocol.CmdBinaryStream, s.handleBinaryStream)
	s.dispatch.Register(protocol.CmdDirDiscover, s.handleDirDiscover)
	s.dispatch.Register(protocol.CmdDirOpen, s.handleDirOpen)
	s.dispatch.Register(protocol.CmdDirOpened, s.handleDirOpened)
	s.dispatch.Register(protocol.CmdRekey, s.handleRekey)
}

func (s *State) handleShutdown(body []byte) error {
	s.channels.CloseAll()
	s.fail("peer sent SHUTDOWN")
	return nil
}

func (s *State) handleNewChannel(body []byte) error {
	r := wire.NewReader(body)
	id, err := r.U8()
	if err != nil {
		return err
	}
	parent, err := r.U8()
	if err != nil {
		return err
	}
	seg, err := r.U8()
	if err != nil {
		return err
	}
	dir, err := r.U8()
	if err != nil {
		return err
	}
	cookie, err := r.U32()
	if err != nil {
		return err
	}
	_, err = s.channels.Open(id, parent, channel.SegmentKind(seg), channel.Direction(dir), cookie)
	return err
}

func (s *State) handleCancelStream(body []byte) error {
	r := wire.NewReader(body)
	c, err := protocol.DecodeCancelStream(r)
	if err != nil {
		return err
	}
	switch c.StreamType {
	case protocol.StreamTypeBinary:
		s.blobs.Cancel(c.StreamID)
	case protocol.StreamTypeVideo:
		if c.Reason == protocol.CancelReasonDecodeError {
			// The peer rejected our encoder's output for this stream; record
			// the downgrade so the next SendVideoFrame for this stream id
			// switches method automatically (spec §4.3/§7).
			s.videoFallback[c.StreamID] = videocodec.FallbackMethod(s.videoMethodInUse[c.StreamID])
			s.trace.Trace(tracehook.CatVideo, "stream %d decode error, falling back from method %d",
				c.StreamID, s.videoMethodInUse[c.StreamID])
		}
	}
	return nil
}

// handlePing processes a PING control carrying the sender's video
// congestion state: an acked stream id slides the sender's own window
// (spec §4.6).
func (s *State) handlePing(body []byte) error {
	r := wire.NewReader(body)
	ackedID, err := r.U32()
	if err != nil {
		return err
	}
	s.cwin.Ack(ackedID)
	return nil
}

func (s *State) handleVideoFrame(body []byte) error {
	r := wire.NewReader(body)
	chid, err := r.U8()
	if err != nil {
		return err
	}
	hdr, err := protocol.DecodeVideoFrameHeader(r)
	if err != nil {
		return err
	}
	rest, err := r.Raw(r.Remaining())
	if err != nil {
		return err
	}
	return s.assembleVideoChunk(chid, hdr, rest)
}

func (s *State) handleAudioFrame(body []byte) error {
	r := wire.NewReader(body)
	chid, err := r.U8()
	if err != nil {
		return err
	}
	hdr, err := protocol.DecodeAudioFrameHeader(r)
	if err != nil {
		return err
	}
	rest, err := r.Raw(r.Remaining())
	if err != nil {
		return err
	}
	return s.assembleAudioChunk(chid, hdr, rest)
}

func (s *State) handleBinaryStream(body []byte) error {
	r := wire.NewReader(body)
	chid, err := r.U8()
	if err != nil {
		return err
	}
	hdr, err := protocol.DecodeBinaryStreamHeader(r)
	if err != nil {
		return err
	}
	return s.beginBinaryAssembly(chid, hdr)
}

func (s *State) handleDirDiscover(body []byte) error {
	r := wire.NewReader(body)
	d, err := protocol.DecodeDirDiscover(r)
	if err != nil {
		return err
	}
	if s.discovery != nil {
		s.discovery.OnDiscover(d.Role, d.Petname, d.Added, d.PubKey)
	}
	return nil
}

func (s *State) handleDirOpen(body []byte) error {
	r := wire.NewReader(body)
	req, err := protocol.DecodeDirOpen(r)
	if err != nil {
		return err
	}
	s.trace.Trace(tracehook.CatDirectory, "DIROPEN mode %d", req.Mode)
	if s.dirOpener == nil {
		return fmt.Errorf("session: DIROPEN received with no DirectoryOpener installed")
	}
	res, err := s.dirOpener.Open(req.TargetPubKey, req.Mode)
	if err != nil {
		return err
	}
	reply := protocol.DirOpened{PubKey: req.TargetPubKey, Proto: res.Proto, Host: res.Host, Port: res.Port}
	if res.OK {
		reply.AuthK = res.AuthK
	} else {
		reply.Proto = 0
	}
	return s.sendControl(0, protocol.CmdDirOpened, protocol.EncodeDirOpened(reply))
}

func (s *State) handleDirOpened(body []byte) error {
	r := wire.NewReader(body)
	d, err := protocol.DecodeDirOpened(r)
	if err != nil {
		return err
	}
	cb := s.pendingDirCB
	tag := s.pendingDirTag
	s.pendingDirCB = nil
	s.pendingDirTag = nil
	if cb == nil {
		return nil
	}
	cb(callback.DynamicResourceResult{
		OK: d.Proto != 0, Proto: d.Proto, Host: d.Host, Port: d.Port, AuthK: d.AuthK, PubKey: d.PubKey,
	}, tag)
	return nil
}

func (s *State) handleRekey(body []byte) error {
	// Rekey renegotiation mid-connection is permitted by the spec to be
	// received without the core ever emitting one itself; accept silently.
	return nil
}
