package handshake

import (
	"fmt"

	"github.com/arlojansen/vmux/internal/protocol"
)

// Phase is the authentication state of one connection (spec §4.2).
type Phase int

const (
	Unauthenticated Phase = iota
	ServerHBlock          // server waiting for the client's first HELLO
	PoliteHelloSent       // client sent its ephemeral HELLO, awaiting server's ephemeral reply
	EphemeralPK           // ephemeral DH complete, client must send the real-key HELLO next
	RealHelloSent         // client sent its real-key HELLO (single-round first HELLO, or two-round second HELLO)
	FullPK                // handshake complete; both sides on session keys
)

func (p Phase) String() string {
	switch p {
	case Unauthenticated:
		return "UNAUTHENTICATED"
	case ServerHBlock:
		return "SERVER_HBLOCK"
	case PoliteHelloSent:
		return "POLITE_HELLO_SENT"
	case EphemeralPK:
		return "EPHEMERAL_PK"
	case RealHelloSent:
		return "REAL_HELLO_SENT"
	case FullPK:
		return "FULL_PK"
	default:
		return "UNKNOWN"
	}
}

// PKLookupResult is returned by the pk_lookup external collaborator (spec
// §6): whether the peer's long-term key is accepted, and — in single-round
// mode — the session key material derived from both parties' keys.
type PKLookupResult struct {
	Authentic bool
	KeyPub    [32]byte
	KeySession SessionKeys
}

// PKLookup is the authentication oracle a caller installs to resolve a
// remote peer's long-term public key to an accept/reject decision.
type PKLookup func(remotePub [32]byte, tag any) (PKLookupResult, error)

// RolesCompatible checks the source/sink/probe/directory compatibility
// matrix from spec §8: source<->sink, directory<->anything except
// directory<->directory unless explicitly enabled, probe terminates the
// handshake (it never exchanges channels) but is otherwise compatible with
// anyone.
func RolesCompatible(local, remote uint8, allowDirDir bool) bool {
	if local == protocol.RoleProbe || remote == protocol.RoleProbe {
		return true
	}
	if local == protocol.RoleDirectory || remote == protocol.RoleDirectory {
		if local == protocol.RoleDirectory && remote == protocol.RoleDirectory {
			return allowDirDir
		}
		return true
	}
	return (local == protocol.RoleSource && remote == protocol.RoleSink) ||
		(local == protocol.RoleSink && remote == protocol.RoleSource)
}

// State drives one connection's handshake. It is embedded in the owning
// session state rather than holding its own copy of the transport; the
// caller feeds it HELLO payloads and reads back the next outbound HELLO (if
// any) plus the derived keys once complete.
type State struct {
	LocalRole  uint8
	Phase      Phase
	TwoRound   bool // false = single-round (client sends long-term key directly)

	Local  KeyPair // the key sent as this side's real key; a two-round ephemeral key is held separately
	Remote [32]byte

	ephemeral KeyPair // two-round ephemeral key: the client's first-HELLO key, or the server's reply key

	Keys SessionKeys

	AllowDirectoryToDirectory bool
}

// NewClientState begins a client-side handshake. twoRound selects the
// default ephemeral-then-real flow; when false the client's long-term key
// is sent directly in a single HELLO.
func NewClientState(role uint8, longTerm KeyPair, twoRound bool) *State {
	return &State{
		LocalRole: role,
		Phase:     Unauthenticated,
		TwoRound:  twoRound,
		Local:     longTerm,
	}
}

// NewServerState begins a server-side handshake, waiting for the client's
// first HELLO.
func NewServerState(role uint8, longTerm KeyPair, allowDirDir bool) *State {
	return &State{
		LocalRole:                 role,
		Phase:                     ServerHBlock,
		Local:                     longTerm,
		AllowDirectoryToDirectory: allowDirDir,
	}
}

// ErrBroken is returned whenever a handshake step violates the protocol;
// the caller must transition its connection to BROKEN and stop processing.
type ErrBroken struct{ Reason string }

func (e *ErrBroken) Error() string { return fmt.Sprintf("handshake: broken: %s", e.Reason) }

// ClientHello builds the first HELLO a client sends. In two-round mode an
// ephemeral key pair is generated, kept for the first round and sent in
// place of Local, which is left unchanged; in single-round mode the caller's
// long-term key is sent directly.
func (s *State) ClientHello() (protocol.Hello, error) {
	if s.Phase != Unauthenticated {
		return protocol.Hello{}, &ErrBroken{Reason: "HELLO sent outside UNAUTHENTICATED"}
	}
	mode := protocol.HelloModeSingleRound
	local := s.Local
	if s.TwoRound {
		mode = protocol.HelloModeTwoRound
		eph, err := GenerateKeyPair()
		if err != nil {
			return protocol.Hello{}, err
		}
		local = eph
		s.ephemeral = eph // client's ephemeral key for round 1; s.Local is not replaced
	}
	s.Phase = PoliteHelloSent
	if !s.TwoRound {
		s.Phase = RealHelloSent
	}
	return protocol.Hello{
		VMajor: 1, VMinor: 0,
		Mode:   mode,
		PubKey: local.Public,
		Role:   s.LocalRole,
	}, nil
}

// ServerHandleHello processes the client's first HELLO. In two-round mode
// it generates a matching ephemeral pair and returns the reply HELLO the
// caller must send; the server is then waiting for the client's second
// HELLO bearing its real key. In single-round mode it invokes lookup to
// accept/reject the client's long-term key and completes the handshake
// immediately.
func (s *State) ServerHandleHello(remoteRole uint8, hello protocol.Hello, lookup PKLookup, tag any) (*protocol.Hello, error) {
	if s.Phase != ServerHBlock {
		return nil, &ErrBroken{Reason: "HELLO received outside SERVER_HBLOCK"}
	}
	if !RolesCompatible(s.LocalRole, remoteRole, s.AllowDirectoryToDirectory) {
		return nil, &ErrBroken{Reason: "incompatible roles"}
	}

	switch hello.Mode {
	case protocol.HelloModeTwoRound:
		eph, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		s.ephemeral = eph
		s.Remote = hello.PubKey
		ss, err := SharedSecret(eph.Private, hello.PubKey)
		if err != nil {
			return nil, err
		}
		keys, err := DeriveSessionKeys(ss, nil)
		if err != nil {
			return nil, err
		}
		s.Keys = keys
		s.Phase = EphemeralPK
		reply := protocol.Hello{VMajor: 1, VMinor: 0, Mode: protocol.HelloModeTwoRound, PubKey: eph.Public, Role: s.LocalRole}
		return &reply, nil

	case protocol.HelloModeSingleRound:
		if lookup == nil {
			return nil, &ErrBroken{Reason: "single-round HELLO with no pk_lookup installed"}
		}
		res, err := lookup(hello.PubKey, tag)
		if err != nil || !res.Authentic {
			return nil, &ErrBroken{Reason: "pk_lookup rejected client key"}
		}
		s.Remote = hello.PubKey
		s.Keys = res.KeySession
		s.Phase = FullPK
		return nil, nil

	default:
		return nil, &ErrBroken{Reason: "unknown HELLO mode"}
	}
}

// ClientHandleServerReply processes the server's ephemeral-key reply in
// two-round mode, derives the shared secret, and returns the second HELLO
// (bearing the client's real long-term key) that must be sent next.
func (s *State) ClientHandleServerReply(reply protocol.Hello, realKey KeyPair) (protocol.Hello, error) {
	if s.Phase != PoliteHelloSent {
		return protocol.Hello{}, &ErrBroken{Reason: "server reply received outside POLITE_HELLO_SENT"}
	}
	ss, err := SharedSecret(s.ephemeral.Private, reply.PubKey)
	if err != nil {
		return protocol.Hello{}, err
	}
	keys, err := DeriveSessionKeys(ss, nil)
	if err != nil {
		return protocol.Hello{}, err
	}
	s.Keys = keys
	s.Local = realKey
	s.Remote = reply.PubKey
	s.Phase = RealHelloSent
	return protocol.Hello{
		VMajor: 1, VMinor: 0,
		Mode:   protocol.HelloModeSingleRound,
		PubKey: realKey.Public,
		Role:   s.LocalRole,
	}, nil
}

// ServerHandleRealHello processes the client's second HELLO (its real
// long-term key) in two-round mode, completing the handshake.
func (s *State) ServerHandleRealHello(hello protocol.Hello, lookup PKLookup, tag any) error {
	if s.Phase != EphemeralPK {
		return &ErrBroken{Reason: "real HELLO received outside EPHEMERAL_PK"}
	}
	if lookup != nil {
		res, err := lookup(hello.PubKey, tag)
		if err != nil || !res.Authentic {
			return &ErrBroken{Reason: "pk_lookup rejected client's real key"}
		}
	}
	s.Remote = hello.PubKey
	s.Phase = FullPK
	return nil
}

// ClientFinish marks the client side FullPK once it has received
// confirmation (e.g. the first authenticated CONTROL packet, or simply
// after sending the second HELLO if the protocol treats send-completion as
// terminal for the client side).
func (s *State) ClientFinish() {
	if s.Phase == RealHelloSent {
		s.Phase = FullPK
	}
}

// Done reports whether the handshake has reached FULL_PK.
func (s *State) Done() bool { return s.Phase == FullPK }
