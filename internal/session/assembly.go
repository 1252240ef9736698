package session

import (
	"crypto/md5"
	"fmt"

	"github.com/arlojansen/vmux/internal/audiocodec"
	"github.com/arlojansen/vmux/internal/callback"
	"github.com/arlojansen/vmux/internal/channel"
	"github.com/arlojansen/vmux/internal/protocol"
	"github.com/arlojansen/vmux/internal/tracehook"
	"github.com/arlojansen/vmux/internal/videocodec"
	"github.com/arlojansen/vmux/internal/wire"
)

// assembleVideoChunk folds one VIDEOFRAME packet's chunk into the
// channel's in-progress frame, committing and delivering it once the
// declared size is reached (spec §4.3/§4.4). A commit byte of
// protocol.CommitDiscard aborts assembly and reports a decode error back
// to the peer (spec §8's discard path).
func (s *State) assembleVideoChunk(chid uint8, hdr protocol.VideoFrameHeader, chunk []byte) error {
	ch := s.channels.Get(chid)
	if ch == nil || !ch.Active {
		return fmt.Errorf("session: video frame for inactive channel %d", chid)
	}

	if hdr.Commit == protocol.CommitDiscard {
		ch.Video = channel.VideoAssembly{}
		s.trace.Trace(tracehook.CatVideo, "discarding stream %d on chan %d", hdr.StreamID, chid)
		return s.sendControl(chid, protocol.CmdCancelStream, protocol.EncodeCancelStream(protocol.CancelStream{
			StreamID: hdr.StreamID, Reason: protocol.CancelReasonDecodeError, StreamType: protocol.StreamTypeVideo,
		}))
	}

	if err := videocodec.ValidateRegion(hdr.SurfW, hdr.SurfH, hdr.X, hdr.Y, hdr.W, hdr.H); err != nil {
		return s.sendControl(chid, protocol.CmdCancelStream, protocol.EncodeCancelStream(protocol.CancelStream{
			StreamID: hdr.StreamID, Reason: protocol.CancelReasonDecodeError, StreamType: protocol.StreamTypeVideo,
		}))
	}

	if !ch.Video.Active || ch.Video.StreamID != hdr.StreamID {
		ch.Video = channel.VideoAssembly{
			Active: true, StreamID: hdr.StreamID, Method: hdr.Method,
			SurfW: hdr.SurfW, SurfH: hdr.SurfH, X: hdr.X, Y: hdr.Y, W: hdr.W, H: hdr.H,
			Flags: hdr.Flags, ExpSize: hdr.ExpSize,
			Buf: make([]byte, 0, hdr.ExpSize),
		}
	}
	ch.Video.Buf = append(ch.Video.Buf, chunk...)
	ch.Video.Received += uint32(len(chunk))
	s.trace.Trace(tracehook.CatVideoDetail, "stream %d: %d/%d bytes", hdr.StreamID, ch.Video.Received, ch.Video.ExpSize)
	if ch.Video.Received < ch.Video.ExpSize {
		return nil
	}

	defer func() { ch.Video = channel.VideoAssembly{} }()

	switch ch.Video.Method {
	case protocol.VMethodRawRGBA, protocol.VMethodRawRGB, protocol.VMethodRawRGB565:
		// Raw frames are handed to the embedding display-server side
		// untouched; pixel-format interpretation happens in DecodeRaw,
		// invoked by the caller once it has a destination Surface.
		if s.events != nil {
			s.events.OnEvent(chid, ch.Video.Buf)
		}
	case protocol.VMethodDeltaZSTD:
		keyframe := hdr.Flags&protocol.VFlagResize != 0 || ch.Video.Accum == nil
		plain, err := s.vcodec.DecodeDeltaZSTD(ch.Video.Buf, ch.Video.ExpSize, ch.Video.Accum, keyframe)
		if err != nil {
			return s.sendControl(chid, protocol.CmdCancelStream, protocol.EncodeCancelStream(protocol.CancelStream{
				StreamID: hdr.StreamID, Reason: protocol.CancelReasonDecodeError, StreamType: protocol.StreamTypeVideo,
			}))
		}
		ch.Video.Accum = plain
		if s.events != nil {
			s.events.OnEvent(chid, plain)
		}
	case protocol.VMethodTerminalPack:
		plain, err := s.vcodec.DecodeTerminalPack(ch.Video.Buf, ch.Video.ExpSize)
		if err != nil {
			return s.sendControl(chid, protocol.CmdCancelStream, protocol.EncodeCancelStream(protocol.CancelStream{
				StreamID: hdr.StreamID, Reason: protocol.CancelReasonDecodeError, StreamType: protocol.StreamTypeVideo,
			}))
		}
		if s.events != nil {
			s.events.OnEvent(chid, plain)
		}
	case protocol.VMethodH264External:
		plain, err := s.vcodec.DecodeExternal(ch.Video.Buf)
		if err != nil {
			return s.sendControl(chid, protocol.CmdCancelStream, protocol.EncodeCancelStream(protocol.CancelStream{
				StreamID: hdr.StreamID, Reason: protocol.CancelReasonDecodeError, StreamType: protocol.StreamTypeVideo,
			}))
		}
		if plain != nil && s.events != nil {
			s.events.OnEvent(chid, plain)
		}
	default:
		return s.sendControl(chid, protocol.CmdCancelStream, protocol.EncodeCancelStream(protocol.CancelStream{
			StreamID: hdr.StreamID, Reason: protocol.CancelReasonDecodeError, StreamType: protocol.StreamTypeVideo,
		}))
	}

	// Ack the stream id back via congestion window semantics: a peer that
	// requested this frame removes it from its own outstanding set upon
	// receiving our next PING (spec §4.6); we record our own view here so
	// a sink connection can observe its own inbound video load.
	s.cwin.Push(hdr.StreamID)
	return nil
}

// assembleAudioChunk folds one AUDIOFRAME packet into the channel's
// in-progress audio buffer, delivering it once NSamples worth of bytes
// have arrived.
func (s *State) assembleAudioChunk(chid uint8, hdr protocol.AudioFrameHeader, chunk []byte) error {
	ch := s.channels.Get(chid)
	if ch == nil || !ch.Active {
		return fmt.Errorf("session: audio frame for inactive channel %d", chid)
	}
	desc := audiocodec.FrameDescriptor{Channels: hdr.Channels, Encoding: hdr.Encoding, NSamples: hdr.NSamples, Rate: hdr.Rate}
	if err := audiocodec.ValidateDescriptor(desc); err != nil {
		return s.sendControl(chid, protocol.CmdCancelStream, protocol.EncodeCancelStream(protocol.CancelStream{
			StreamID: hdr.StreamID, Reason: protocol.CancelReasonDecodeError, StreamType: protocol.StreamTypeAudio,
		}))
	}

	if !ch.Audio.Active || ch.Audio.StreamID != hdr.StreamID {
		ch.Audio = channel.AudioAssembly{
			Active: true, StreamID: hdr.StreamID, Channels: hdr.Channels,
			Encoding: hdr.Encoding, NSamples: hdr.NSamples, Rate: hdr.Rate,
		}
	}
	ch.Audio.Buf = append(ch.Audio.Buf, chunk...)
	ch.Audio.Received += uint16(len(chunk))

	want, err := desc.ExpectedSize()
	if err != nil {
		return err
	}
	if want != 0 && len(ch.Audio.Buf) < want {
		return nil
	}

	defer func() { ch.Audio = channel.AudioAssembly{} }()
	if hdr.Encoding != protocol.AudioEncodingOpus {
		if _, err := audiocodec.DecodePCM(desc, ch.Audio.Buf); err != nil {
			return s.sendControl(chid, protocol.CmdCancelStream, protocol.EncodeCancelStream(protocol.CancelStream{
				StreamID: hdr.StreamID, Reason: protocol.CancelReasonDecodeError, StreamType: protocol.StreamTypeAudio,
			}))
		}
	}
	if s.events != nil {
		s.events.OnEvent(chid, ch.Audio.Buf)
	}
	return nil
}

// beginBinaryAssembly starts (or resumes) an inbound binary stream,
// consulting the installed BinaryHandler to decide whether to accept,
// treat as already-cached, or reject it (spec §5).
func (s *State) beginBinaryAssembly(chid uint8, hdr protocol.BinaryStreamHeader) error {
	ch := s.channels.Get(chid)
	if ch == nil || !ch.Active {
		return fmt.Errorf("session: binary stream for inactive channel %d", chid)
	}
	if s.bhandler == nil {
		return s.sendControl(chid, protocol.CmdCancelStream, protocol.EncodeCancelStream(protocol.CancelStream{
			StreamID: hdr.StreamID, Reason: protocol.CancelReasonUser, StreamType: protocol.StreamTypeBinary,
		}))
	}
	s.trace.Trace(tracehook.CatBinaryTransfer, "offer stream %d size %d on chan %d", hdr.StreamID, hdr.Size, chid)
	meta := callback.BinaryMeta{
		StreamID: hdr.StreamID, ChannelID: chid, Size: hdr.Size, Type: hdr.Type,
		Ident: hdr.Ident, Checksum: hdr.Checksum, ExtID: hdr.ExtID, Compressed: hdr.Compressed,
	}
	decision, dest := s.bhandler.Decide(meta)
	switch decision {
	case callback.BinaryDontWant:
		return s.sendControl(chid, protocol.CmdCancelStream, protocol.EncodeCancelStream(protocol.CancelStream{
			StreamID: hdr.StreamID, Reason: protocol.CancelReasonUser, StreamType: protocol.StreamTypeBinary,
		}))
	case callback.BinaryCached:
		ch.Blob = channel.BlobAssembly{Cached: true}
		return nil
	case callback.BinaryNewFD, callback.BinaryNewFDNoCompress:
		ch.Blob = channel.BlobAssembly{
			Active: true, StreamID: hdr.StreamID, Size: hdr.Size, Type: hdr.Type,
			Ident: hdr.Ident, Checksum: hdr.Checksum,
			Compressed: hdr.Compressed && decision != callback.BinaryNewFDNoCompress,
			Dest:       dest,
		}
		return nil
	default:
		return fmt.Errorf("session: unknown binary decision %d", decision)
	}
}

// writeBinaryChunk appends bytes to an in-progress inbound binary stream,
// decompressing first when the offer was made with Compressed set,
// closing and ack-PINGing it once the transfer completes (spec §4.3:
// "exactly N body bytes are written... then a PING with the transfer's
// identifier is emitted"). A chunk whose stream id doesn't match the
// channel's active assembly is a stale duplicate and is dropped. Uncompressed
// streaming transfers with Size==0 are written incrementally and never
// complete here: BLOB packets carry no end-of-stream marker, so such a
// transfer is neither closed nor ack-PINGed by this function.
func (s *State) writeBinaryChunk(chid uint8, streamID uint32, data []byte) error {
	ch := s.channels.Get(chid)
	if ch == nil || !ch.Blob.Active || ch.Blob.Cancelled {
		return nil
	}
	if ch.Blob.StreamID != streamID {
		return nil
	}

	payload := data
	finished := false
	if ch.Blob.Compressed {
		ch.Blob.RawBuf = append(ch.Blob.RawBuf, data...)
		decoded, complete, err := s.vcodec.DecompressChunk(ch.Blob.RawBuf)
		if err != nil {
			ch.Blob.Cancelled = true
			return s.sendControl(chid, protocol.CmdCancelStream, protocol.EncodeCancelStream(protocol.CancelStream{
				StreamID: ch.Blob.StreamID, Reason: protocol.CancelReasonDecodeError, StreamType: protocol.StreamTypeBinary,
			}))
		}
		payload = decoded[ch.Blob.DecodedLen:]
		ch.Blob.DecodedLen = len(decoded)
		finished = complete
	}

	if len(payload) > 0 && ch.Blob.Dest != nil {
		if _, err := ch.Blob.Dest.Write(payload); err != nil {
			ch.Blob.Cancelled = true
			return s.sendControl(chid, protocol.CmdCancelStream, protocol.EncodeCancelStream(protocol.CancelStream{
				StreamID: ch.Blob.StreamID, Reason: protocol.CancelReasonIOError, StreamType: protocol.StreamTypeBinary,
			}))
		}
	}
	ch.Blob.Received += uint64(len(payload))

	if !ch.Blob.Compressed {
		finished = ch.Blob.Size != 0 && ch.Blob.Received >= ch.Blob.Size
	}
	if !finished {
		return nil
	}

	ident := ch.Blob.Ident
	if ch.Blob.Dest != nil {
		ch.Blob.Dest.Close()
	}
	ch.Blob = channel.BlobAssembly{}
	w := wire.NewWriter(4)
	w.U32(ident)
	return s.sendControl(chid, protocol.CmdPing, w.Bytes())
}

// relayTunnelBlob forwards raw BLOB bytes received on a tunnel-mode
// channel straight to the installed TunnelSink, bypassing binary-transfer
// assembly entirely (spec §7).
func (s *State) relayTunnelBlob(chid uint8, data []byte) error {
	ch := s.channels.Get(chid)
	if ch == nil || !ch.TunnelMode || ch.TunnelSink == nil {
		return nil
	}
	_, err := ch.TunnelSink.Write(data)
	return err
}

// md5Checksum computes the checksum form BinaryStreamHeader.Checksum uses,
// exposed for senders assembling an outbound BINARYSTREAM offer.
func md5Checksum(data []byte) [16]byte {
	return md5.Sum(data)
}
