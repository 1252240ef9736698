// Package session implements the per-connection core state machine (spec
// §3/§5): outer packet framing over the negotiated session keys, the
// outbound double buffer, the inbound decode loop, and the glue between
// the handshake, channel table, congestion window, binary scheduler and
// directory sub-protocol.
//
// Grounded on internal/call/session.go's mutex-guarded connection struct
// and internal/mq/manager.go's framing/dispatch loop in the teacher.
package session

import (
	"crypto/hmac"
	"fmt"

	"github.com/arlojansen/vmux/internal/handshake"
	"github.com/arlojansen/vmux/internal/protocol"
)

// EncodePacket builds one outer packet: MAC(macLen) || seqnr(8) || type(1)
// || ciphertext, where ciphertext is plaintext run through cipher's
// keystream at its current position and the MAC covers seqnr, type and
// ciphertext (spec §4.1).
func EncodePacket(cipher *handshake.StreamCipher, macKey [32]byte, seq uint64, typ uint8, plaintext []byte, macLen int) ([]byte, error) {
	ciphertext := make([]byte, len(plaintext))
	cipher.XORKeyStream(ciphertext, plaintext)

	mac, err := handshake.KeyedMAC(macKey, seq, typ, ciphertext, macLen)
	if err != nil {
		return nil, fmt.Errorf("session: mac packet: %w", err)
	}

	out := make([]byte, 0, macLen+9+len(ciphertext))
	out = append(out, mac...)
	var seqBytes [8]byte
	for i := 0; i < 8; i++ {
		seqBytes[i] = byte(seq >> (8 * i))
	}
	out = append(out, seqBytes[:]...)
	out = append(out, typ)
	out = append(out, ciphertext...)
	return out, nil
}

// DecodePacket parses and authenticates one outer packet, returning the
// decrypted body. macLen must match what the sender used (MACHalf for the
// very first client HELLO, MACFull afterward).
func DecodePacket(cipher *handshake.StreamCipher, macKey [32]byte, macLen int, data []byte) (seq uint64, typ uint8, plaintext []byte, err error) {
	if len(data) < macLen+9 {
		return 0, 0, nil, fmt.Errorf("session: packet too short (%d bytes)", len(data))
	}
	mac := data[:macLen]
	seqBytes := data[macLen : macLen+8]
	typ = data[macLen+8]
	ciphertext := data[macLen+9:]

	for i := 0; i < 8; i++ {
		seq |= uint64(seqBytes[i]) << (8 * i)
	}

	wantMAC, err := handshake.KeyedMAC(macKey, seq, typ, ciphertext, macLen)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("session: recompute mac: %w", err)
	}
	if !hmac.Equal(mac, wantMAC) {
		return 0, 0, nil, fmt.Errorf("session: mac mismatch on seq %d", seq)
	}

	plaintext = make([]byte, len(ciphertext))
	cipher.XORKeyStream(plaintext, ciphertext)
	return seq, typ, plaintext, nil
}

// EncodeFirstHello frames the very first client->server packet, before
// any Diffie-Hellman exchange has produced session keys. The nonce
// travels in clear text (it is what the receiver needs to derive the
// preshared keys in the first place) but is still covered by the
// half-length MAC, so it cannot be tampered with in transit.
func EncodeFirstHello(secret string, nonce [handshake.NonceSize]byte, seq uint64, typ uint8, plaintext []byte) ([]byte, error) {
	keys, err := handshake.PresharedKeys(secret, nonce[:])
	if err != nil {
		return nil, fmt.Errorf("session: derive preshared keys: %w", err)
	}
	cipher, err := handshake.NewStreamCipher(keys.ClientKey)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.XORKeyStream(ciphertext, plaintext)

	macked := make([]byte, 0, len(nonce)+len(ciphertext))
	macked = append(macked, nonce[:]...)
	macked = append(macked, ciphertext...)
	mac, err := handshake.KeyedMAC(keys.MACKey, seq, typ, macked, protocol.MACHalf)
	if err != nil {
		return nil, fmt.Errorf("session: mac first hello: %w", err)
	}

	out := make([]byte, 0, len(mac)+9+len(nonce)+len(ciphertext))
	out = append(out, mac...)
	var seqBytes [8]byte
	for i := 0; i < 8; i++ {
		seqBytes[i] = byte(seq >> (8 * i))
	}
	out = append(out, seqBytes[:]...)
	out = append(out, typ)
	out = append(out, nonce[:]...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecodeFirstHello parses and authenticates the very first client packet,
// deriving the preshared keys from the in-band nonce before decrypting.
func DecodeFirstHello(secret string, data []byte) (seq uint64, typ uint8, plaintext []byte, err error) {
	macLen := protocol.MACHalf
	if len(data) < macLen+9+handshake.NonceSize {
		return 0, 0, nil, fmt.Errorf("session: first-hello packet too short (%d bytes)", len(data))
	}
	mac := data[:macLen]
	seqBytes := data[macLen : macLen+8]
	typ = data[macLen+8]
	nonce := data[macLen+9 : macLen+9+handshake.NonceSize]
	ciphertext := data[macLen+9+handshake.NonceSize:]

	for i := 0; i < 8; i++ {
		seq |= uint64(seqBytes[i]) << (8 * i)
	}

	keys, err := handshake.PresharedKeys(secret, nonce)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("session: derive preshared keys: %w", err)
	}

	macked := make([]byte, 0, len(nonce)+len(ciphertext))
	macked = append(macked, nonce...)
	macked = append(macked, ciphertext...)
	wantMAC, err := handshake.KeyedMAC(keys.MACKey, seq, typ, macked, macLen)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("session: recompute first-hello mac: %w", err)
	}
	if !hmac.Equal(mac, wantMAC) {
		return 0, 0, nil, fmt.Errorf("session: first-hello mac mismatch")
	}

	cipher, err := handshake.NewStreamCipher(keys.ClientKey)
	if err != nil {
		return 0, 0, nil, err
	}
	plaintext = make([]byte, len(ciphertext))
	cipher.XORKeyStream(plaintext, ciphertext)
	return seq, typ, plaintext, nil
}

// packetTypeValid reports whether typ is one of the five outer packet
// types the wire defines.
func packetTypeValid(typ uint8) bool {
	switch typ {
	case protocol.PacketControl, protocol.PacketEvent, protocol.PacketVideo, protocol.PacketAudio, protocol.PacketBlob:
		return true
	default:
		return false
	}
}
