// Package handshake implements the two-round ephemeral-then-real key
// exchange described in spec §4.2: X25519 for the Diffie-Hellman step, a
// ChaCha20 stream cipher for packet bodies, and a BLAKE3 keyed hash for the
// packet MAC. Key derivation chains HKDF three times to split the shared
// secret into a MAC key and two directional cipher keys.
//
// Grounded on the curve25519+hkdf pairing used by the Noise handshake in
// other_examples (vertexhub-ai-waconnect-go's noise.go), generalized from
// AES-GCM to the spec's separate stream-cipher + keyed-MAC construction,
// and on lukechampine.com/blake3 (already present in the teacher's
// dependency graph) for the "BLAKE3-style keyed hash" the spec calls for.
package handshake

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"
)

const (
	KeySize   = 32
	NonceSize = 8 // in-band nonce carried in the half-MAC first packet
	chachaNonceSize = chacha20.NonceSize
)

// DefaultPresharedSecret is used to derive the very first packet's keys when
// the deployment has not configured one (spec §4.2: "defaulting to a
// well-known string if unset").
const DefaultPresharedSecret = "SETECASTRONOMY"

// KeyPair is an X25519 scalar/point pair.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeyPair creates a fresh ephemeral X25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return kp, fmt.Errorf("handshake: generate private scalar: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("handshake: derive public point: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret computes the X25519 Diffie-Hellman shared point.
func SharedSecret(priv, peerPub [32]byte) ([]byte, error) {
	ss, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return nil, fmt.Errorf("handshake: X25519: %w", err)
	}
	return ss, nil
}

// SessionKeys holds the three keys derived from a shared secret: the MAC
// key (used by both directions) and the two directional stream-cipher
// keys. Directional convention per spec §4.2: server encrypts with
// ServerKey/decrypts with ClientKey; client does the reverse.
type SessionKeys struct {
	MACKey    [KeySize]byte
	ClientKey [KeySize]byte
	ServerKey [KeySize]byte
}

// DeriveSessionKeys chains HKDF-SHA256 three times over the shared secret
// (salted with the handshake nonce when available) to split it into the
// MAC key, client-encode key, and server-encode key, per spec §4.2.
func DeriveSessionKeys(sharedSecret, nonce []byte) (SessionKeys, error) {
	var keys SessionKeys
	labels := [][]byte{[]byte("vmux-mac"), []byte("vmux-client"), []byte("vmux-server")}
	dsts := []*[KeySize]byte{&keys.MACKey, &keys.ClientKey, &keys.ServerKey}
	for i, label := range labels {
		kdf := hkdf.New(sha256.New, sharedSecret, nonce, label)
		if _, err := io.ReadFull(kdf, dsts[i][:]); err != nil {
			return keys, fmt.Errorf("handshake: hkdf expand %s: %w", label, err)
		}
	}
	return keys, nil
}

// PresharedKeys derives the symmetric keys used for the very first HELLO
// packet, before any Diffie-Hellman exchange has happened: a keyed hash of
// the pre-shared secret and the in-band nonce (spec §4.2).
func PresharedKeys(secret string, nonce []byte) (SessionKeys, error) {
	h, err := blake3.New(32, []byte(secret))
	if err != nil {
		return SessionKeys{}, fmt.Errorf("handshake: preshared hash init: %w", err)
	}
	h.Write(nonce)
	seed := h.Sum(nil)
	return DeriveSessionKeys(seed, nonce)
}

// StreamCipher wraps a ChaCha20 keystream that is advanced continuously
// across every packet body encrypted/decrypted with it, matching the
// spec's "stream cipher (ChaCha20-variant)" applied over the life of one
// cipher direction.
type StreamCipher struct {
	cipher *chacha20.Cipher
}

// NewStreamCipher derives a fresh ChaCha20 cipher from a 32-byte key. The
// nonce is fixed per direction (zeroed) since the keystream position itself
// advances per packet and the key is unique per handshake.
func NewStreamCipher(key [KeySize]byte) (*StreamCipher, error) {
	var nonce [chachaNonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return nil, fmt.Errorf("handshake: init chacha20: %w", err)
	}
	return &StreamCipher{cipher: c}, nil
}

// XORKeyStream encrypts or decrypts in place (ChaCha20 is an XOR cipher).
func (s *StreamCipher) XORKeyStream(dst, src []byte) {
	s.cipher.XORKeyStream(dst, src)
}

// KeyedMAC computes a BLAKE3 MAC over (seq ‖ type ‖ ciphertext) truncated
// to n bytes (16 normally, 8 for the half-MAC first packet).
func KeyedMAC(macKey [KeySize]byte, seq uint64, typ uint8, ciphertext []byte, n int) ([]byte, error) {
	h, err := blake3.New(32, macKey[:])
	if err != nil {
		return nil, fmt.Errorf("handshake: mac hash init: %w", err)
	}
	var hdr [9]byte
	hdr[0] = byte(seq)
	hdr[1] = byte(seq >> 8)
	hdr[2] = byte(seq >> 16)
	hdr[3] = byte(seq >> 24)
	hdr[4] = byte(seq >> 32)
	hdr[5] = byte(seq >> 40)
	hdr[6] = byte(seq >> 48)
	hdr[7] = byte(seq >> 56)
	hdr[8] = typ
	h.Write(hdr[:])
	h.Write(ciphertext)
	sum := h.Sum(nil)
	if n > len(sum) {
		n = len(sum)
	}
	return sum[:n], nil
}
