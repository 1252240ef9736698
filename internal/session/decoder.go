package session

import (
	"crypto/rand"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/arlojansen/vmux/internal/channel"
	"github.com/arlojansen/vmux/internal/handshake"
	"github.com/arlojansen/vmux/internal/protocol"
	"github.com/arlojansen/vmux/internal/tracehook"
	"github.com/arlojansen/vmux/internal/wire"
)

// ClientStart builds and queues the very first outbound packet: a HELLO
// control authenticated with the preshared/nonce bootstrap keys (spec
// §4.1/§4.2), before any Diffie-Hellman material exists. Only valid on a
// client-constructed State.
func (s *State) ClientStart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return err
	}
	if !s.isClient {
		return fmt.Errorf("session: ClientStart called on a server connection")
	}
	if _, err := io.ReadFull(rand.Reader, s.nonce[:]); err != nil {
		return fmt.Errorf("session: generate handshake nonce: %w", err)
	}
	hello, err := s.hs.ClientHello()
	if err != nil {
		return err
	}
	body, err := protocol.EncodeControl(0, s.seqOut, 0, protocol.CmdHello, protocol.EncodeHello(hello))
	if err != nil {
		return err
	}
	s.phase = PhaseControl
	return s.sendPacket(protocol.PacketControl, body)
}

// ClientCompleteSingleRound finishes a single-round client handshake once
// the caller already knows the server's long-term public key out of band
// (e.g. a pinned/known key), deriving the same session keys the server's
// pk_lookup collaborator is expected to return.
func (s *State) ClientCompleteSingleRound(serverLongTermPub [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return err
	}
	ss, err := handshake.SharedSecret(s.hs.Local.Private, serverLongTermPub)
	if err != nil {
		return err
	}
	keys, err := handshake.DeriveSessionKeys(ss, nil)
	if err != nil {
		return err
	}
	s.installSessionKeys(keys)
	s.hs.Remote = serverLongTermPub
	s.phase = PhaseControl
	s.trace.Trace(tracehook.CatCrypto, "single-round handshake complete")
	if s.auth != nil {
		s.auth.OnAuth()
	}
	return nil
}

// installSessionKeys sets up the directional ciphers from a completed
// handshake's SessionKeys, per spec §4.2's directional convention: server
// encrypts with ServerKey, client encrypts with ClientKey.
func (s *State) installSessionKeys(keys handshake.SessionKeys) {
	s.macKey = keys.MACKey
	if s.isClient {
		s.sendCipher, _ = handshake.NewStreamCipher(keys.ClientKey)
		s.recvCipher, _ = handshake.NewStreamCipher(keys.ServerKey)
	} else {
		s.sendCipher, _ = handshake.NewStreamCipher(keys.ServerKey)
		s.recvCipher, _ = handshake.NewStreamCipher(keys.ClientKey)
	}
}

// installBootstrapKeys sets up the directional ciphers from the
// preshared/nonce derivation used for the intermediate ephemeral-reply
// round in two-round mode, once both sides know the nonce.
func (s *State) installBootstrapKeys(nonce []byte) error {
	keys, err := handshake.PresharedKeys(s.secret, nonce)
	if err != nil {
		return err
	}
	s.installSessionKeys(keys)
	return nil
}

// Unpack authenticates and decodes one inbound outer packet, driving the
// handshake state machine and/or dispatching a fully-authenticated
// CONTROL/EVENT/VIDEO/AUDIO/BLOB packet. The caller must not call Unpack
// concurrently with itself.
func (s *State) Unpack(raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return err
	}

	switch {
	case !s.isClient && s.phase == PhaseFirstServerHello:
		return s.unpackFirstServerHello(raw)
	case s.isClient && s.hs.Phase == handshake.PoliteHelloSent:
		return s.unpackServerEphemeralReply(raw)
	default:
		return s.unpackAuthenticated(raw)
	}
}

func (s *State) unpackFirstServerHello(raw []byte) error {
	_, typ, plaintext, err := DecodeFirstHello(s.secret, raw)
	if err != nil {
		return s.fail(fmt.Sprintf("first hello decode: %v", err))
	}
	if typ != protocol.PacketControl {
		return s.fail("first packet was not CONTROL")
	}
	hdr, r, err := protocol.DecodeControlHeader(plaintext)
	if err != nil || hdr.Cmd != protocol.CmdHello {
		return s.fail("first packet was not HELLO")
	}
	hello, err := protocol.DecodeHello(r)
	if err != nil {
		return s.fail(fmt.Sprintf("hello decode: %v", err))
	}

	reply, err := s.hs.ServerHandleHello(hello.Role, hello, s.pkLookup, nil)
	if err != nil {
		return s.fail(err.Error())
	}

	if reply != nil {
		// Two-round mode: reply carries our ephemeral key, still under the
		// nonce-derived bootstrap keys both sides now share.
		if err := s.installBootstrapKeys(s.extractNonceFromFirstHello(raw)); err != nil {
			return s.fail(err.Error())
		}
		body, err := protocol.EncodeControl(0, s.seqOut, 0, protocol.CmdHello, protocol.EncodeHello(*reply))
		if err != nil {
			return s.fail(err.Error())
		}
		if err := s.sendPacket(protocol.PacketControl, body); err != nil {
			return s.fail(err.Error())
		}
		s.phase = PhaseControl
		return nil
	}

	// Single-round mode: handshake is already complete.
	s.installSessionKeys(s.hs.Keys)
	s.phase = PhaseControl
	s.trace.Trace(tracehook.CatCrypto, "server accepted single-round hello from role %d", hello.Role)
	if s.auth != nil {
		s.auth.OnAuth()
	}
	return nil
}

// extractNonceFromFirstHello re-derives the client's nonce from the raw
// bytes already validated by DecodeFirstHello, so the server can install
// the matching bootstrap keys for its ephemeral reply.
func (s *State) extractNonceFromFirstHello(raw []byte) []byte {
	off := protocol.MACHalf + 9
	return raw[off : off+handshake.NonceSize]
}

func (s *State) unpackServerEphemeralReply(raw []byte) error {
	if s.sendCipher == nil {
		if err := s.installBootstrapKeys(s.nonce[:]); err != nil {
			return s.fail(err.Error())
		}
	}
	_, typ, plaintext, err := DecodePacket(s.recvCipher, s.macKey, protocol.MACFull, raw)
	if err != nil {
		return s.fail(fmt.Sprintf("ephemeral reply decode: %v", err))
	}
	if typ != protocol.PacketControl {
		return s.fail("ephemeral reply was not CONTROL")
	}
	hdr, r, err := protocol.DecodeControlHeader(plaintext)
	if err != nil || hdr.Cmd != protocol.CmdHello {
		return s.fail("ephemeral reply was not HELLO")
	}
	reply, err := protocol.DecodeHello(r)
	if err != nil {
		return s.fail(err.Error())
	}

	realKey, err := handshake.GenerateKeyPair()
	if err != nil {
		return s.fail(err.Error())
	}
	// NOTE: a deployment that authenticates by long-term key should pass its
	// actual long-term key pair here instead of a fresh one; this core
	// leaves that substitution to the caller via a future extension point,
	// since the keypair to present is an application policy decision.
	secondHello, err := s.hs.ClientHandleServerReply(reply, realKey)
	if err != nil {
		return s.fail(err.Error())
	}
	body, err := protocol.EncodeControl(0, s.seqOut, 0, protocol.CmdHello, protocol.EncodeHello(secondHello))
	if err != nil {
		return s.fail(err.Error())
	}
	if err := s.sendPacket(protocol.PacketControl, body); err != nil {
		return s.fail(err.Error())
	}
	s.installSessionKeys(s.hs.Keys)
	s.hs.ClientFinish()
	s.phase = PhaseControl
	s.trace.Trace(tracehook.CatCrypto, "two-round handshake complete")
	if s.auth != nil {
		s.auth.OnAuth()
	}
	return nil
}

func (s *State) unpackAuthenticated(raw []byte) error {
	if s.recvCipher == nil {
		return s.fail("packet received before session keys were established")
	}
	seq, typ, plaintext, err := DecodePacket(s.recvCipher, s.macKey, protocol.MACFull, raw)
	if err != nil {
		s.trace.Trace(tracehook.CatSecurity, "authentication failure: %v", err)
		return s.fail(fmt.Sprintf("packet decode: %v", err))
	}
	s.seqIn = seq
	if !packetTypeValid(typ) {
		return s.fail(fmt.Sprintf("unknown outer packet type %d", typ))
	}

	switch typ {
	case protocol.PacketControl:
		return s.unpackControl(plaintext)
	case protocol.PacketEvent:
		return s.unpackEvent(plaintext)
	case protocol.PacketVideo:
		return s.unpackVideo(plaintext)
	case protocol.PacketAudio:
		return s.unpackAudio(plaintext)
	case protocol.PacketBlob:
		return s.unpackBlob(plaintext)
	default:
		return s.fail("unreachable outer packet type")
	}
}

func (s *State) unpackControl(plaintext []byte) error {
	hdr, r, err := protocol.DecodeControlHeader(plaintext)
	if err != nil {
		return s.fail(err.Error())
	}
	rest, err := r.Raw(r.Remaining())
	if err != nil {
		return s.fail(err.Error())
	}
	if hdr.Cmd == protocol.CmdHello {
		if !s.isClient && s.hs.Phase == handshake.EphemeralPK {
			// Server side of a two-round handshake: this is the client's
			// second HELLO, bearing its real long-term key, completing
			// authentication (spec §4.2). It is not a rekey.
			return s.handleServerRealHello(rest)
		}
		// A HELLO received after the handshake is already complete is a
		// rekey/renegotiation attempt; the core accepts receipt without
		// emitting one itself (spec §9 open question), delegating to the
		// REKEY handler path instead of re-running the full handshake.
		return s.handleRekey(rest)
	}
	return s.dispatch.Dispatch(hdr.Cmd, rest)
}

// handleServerRealHello completes the server side of a two-round handshake
// once the client's real-key HELLO arrives, authenticating it via pk_lookup
// (if installed) and transitioning to FULL_PK.
func (s *State) handleServerRealHello(body []byte) error {
	r := wire.NewReader(body)
	hello, err := protocol.DecodeHello(r)
	if err != nil {
		return s.fail(err.Error())
	}
	if err := s.hs.ServerHandleRealHello(hello, s.pkLookup, nil); err != nil {
		return s.fail(err.Error())
	}
	// The client switched from the bootstrap (preshared/nonce) keys to the
	// ephemeral-DH session keys right after sending this HELLO; the server
	// makes the same switch right after authenticating it, so both sides
	// decode/encode everything from here on under the same keys.
	s.installSessionKeys(s.hs.Keys)
	s.trace.Trace(tracehook.CatCrypto, "two-round handshake complete")
	if s.auth != nil {
		s.auth.OnAuth()
	}
	return nil
}

// unpackEvent decodes one EVENT packet, coalescing multipart MESSAGE
// fragments (chid·flags·body) into a single validated UTF-8 buffer before
// delivery (spec §4.7): a fragment with EventFlagMultipart set is
// accumulated on the channel; the first fragment with the bit clear
// finalizes and delivers the whole buffer.
func (s *State) unpackEvent(plaintext []byte) error {
	r := wire.NewReader(plaintext)
	chid, err := r.U8()
	if err != nil {
		return s.fail(err.Error())
	}
	flags, err := r.U8()
	if err != nil {
		return s.fail(err.Error())
	}
	rest, err := r.Raw(r.Remaining())
	if err != nil {
		return s.fail(err.Error())
	}

	ch := s.channels.Get(chid)
	if ch == nil {
		return nil
	}

	if len(ch.Message.Buf)+len(rest) > protocol.EventMaxMessageSize {
		ch.Message = channel.MessageAssembly{}
		return s.fail("multipart MESSAGE event exceeded maximum size")
	}

	if flags&protocol.EventFlagMultipart != 0 {
		ch.Message.Active = true
		ch.Message.Buf = append(ch.Message.Buf, rest...)
		return nil
	}

	full := rest
	if ch.Message.Active {
		full = append(ch.Message.Buf, rest...)
		ch.Message = channel.MessageAssembly{}
	}
	if !utf8.Valid(full) {
		return s.fail("MESSAGE event payload is not valid UTF-8")
	}
	if s.events != nil {
		s.events.OnEvent(chid, full)
	}
	return nil
}

func (s *State) unpackVideo(plaintext []byte) error {
	r := wire.NewReader(plaintext)
	chid, err := r.U8()
	if err != nil {
		return s.fail(err.Error())
	}
	hdr, err := protocol.DecodeVideoFrameHeader(r)
	if err != nil {
		return s.fail(err.Error())
	}
	chunk, err := r.Raw(r.Remaining())
	if err != nil {
		return s.fail(err.Error())
	}
	return s.assembleVideoChunk(chid, hdr, chunk)
}

func (s *State) unpackAudio(plaintext []byte) error {
	r := wire.NewReader(plaintext)
	chid, err := r.U8()
	if err != nil {
		return s.fail(err.Error())
	}
	hdr, err := protocol.DecodeAudioFrameHeader(r)
	if err != nil {
		return s.fail(err.Error())
	}
	chunk, err := r.Raw(r.Remaining())
	if err != nil {
		return s.fail(err.Error())
	}
	return s.assembleAudioChunk(chid, hdr, chunk)
}

func (s *State) unpackBlob(plaintext []byte) error {
	r := wire.NewReader(plaintext)
	chid, err := r.U8()
	if err != nil {
		return s.fail(err.Error())
	}
	streamID, err := r.U32()
	if err != nil {
		return s.fail(err.Error())
	}
	chunk, err := r.Raw(r.Remaining())
	if err != nil {
		return s.fail(err.Error())
	}

	ch := s.channels.Get(chid)
	if ch != nil && ch.TunnelMode {
		// Tunnel-mode channels splice BLOB bytes straight through to the
		// external sink (spec §7); they carry no registered stream id.
		return s.relayTunnelBlob(chid, chunk)
	}
	return s.writeBinaryChunk(chid, streamID, chunk)
}
