package session

import (
	"fmt"
	"sync"

	"github.com/arlojansen/vmux/internal/blobsched"
	"github.com/arlojansen/vmux/internal/callback"
	"github.com/arlojansen/vmux/internal/channel"
	"github.com/arlojansen/vmux/internal/congestion"
	"github.com/arlojansen/vmux/internal/dispatch"
	"github.com/arlojansen/vmux/internal/handshake"
	"github.com/arlojansen/vmux/internal/protocol"
	"github.com/arlojansen/vmux/internal/tracehook"
	"github.com/arlojansen/vmux/internal/videocodec"
)

// liveMagic marks a State as open; it is checked by every exported method
// so a call against a freed connection fails loudly instead of corrupting
// memory — the Go analogue of the spec's "magic cookie" use-after-free
// guard.
const liveMagic uint32 = 0x564d5558 // "VMUX" read most-significant byte first

// DecoderPhase tracks what the inbound decode loop is expecting next,
// mirroring the state names in spec §5 (NOPACKET/CONTROL/EVENT/VIDEO/
// AUDIO/BLOB/1STSRV/BROKEN) as a sum type rather than a raw int.
type DecoderPhase int

const (
	PhaseNoPacket DecoderPhase = iota
	PhaseFirstServerHello               // server: waiting for client's very first half-MAC HELLO
	PhaseControl
	PhaseEvent
	PhaseVideo
	PhaseAudio
	PhaseBlob
	PhaseBroken
)

// Config bundles the construction-time parameters a connection needs.
type Config struct {
	Role                      uint8
	LongTermKey               handshake.KeyPair
	TwoRound                  bool
	PresharedSecret           string
	AllowDirectoryToDirectory bool
	MTU                       int
	CongestionWindowSize      int
	PKLookup                  handshake.PKLookup
	TraceTag                  string
	TraceMask                 tracehook.Mask

	Events      callback.EventSink
	Auth        callback.AuthSink
	Discovery   callback.DiscoverySink
	BinaryH     callback.BinaryHandler
	Drain       callback.SinkDrain
	DirOpener   callback.DirectoryOpener
	VideoExtern videocodec.ExternalDecoder
}

// State is one connection's complete core state (spec §3's "connection
// state S"). Exported methods take an internal mutex as a
// belt-and-braces guard, but the caller is still responsible for not
// interleaving logically-dependent calls from multiple goroutines (spec
// §5: single-threaded-per-connection contract).
type State struct {
	mu    sync.Mutex
	magic uint32

	broken    bool
	brokenErr error

	role     uint8
	isClient bool
	phase    DecoderPhase

	hs       *handshake.State
	pkLookup handshake.PKLookup
	secret   string
	nonce    [handshake.NonceSize]byte

	sendCipher *handshake.StreamCipher
	recvCipher *handshake.StreamCipher
	macKey     [32]byte

	seqOut uint64
	seqIn  uint64

	channels    *channel.Table
	cwin        *congestion.Window
	blobs       *blobsched.Scheduler
	dispatch    *dispatch.Table
	vcodec      *videocodec.Facade

	out *outBuffer
	mtu int

	events    callback.EventSink
	auth      callback.AuthSink
	discovery callback.DiscoverySink
	bhandler  callback.BinaryHandler
	drain     callback.SinkDrain
	dirOpener callback.DirectoryOpener

	// pendingDirCB/pendingDirTag is the single-slot pending dynamic-resource
	// request (spec §3): at most one RequestDirOpen may be outstanding at a
	// time, and its callback fires from handleDirOpened.
	pendingDirCB  callback.DynamicRequestCallback
	pendingDirTag any

	// videoMethodInUse/videoFallback track, per video stream id, the codec
	// method last sent and any pending forced downgrade recorded after the
	// peer reported a decode error (spec §4.3/§7's encoder downgrade path).
	videoMethodInUse map[uint32]uint8
	videoFallback    map[uint32]uint8

	trace *tracehook.Hook
}

// ErrBroken reports the connection has transitioned to BROKEN and must be
// torn down; no further Unpack/AppendOut calls are valid.
type ErrBroken struct{ Reason string }

func (e *ErrBroken) Error() string { return fmt.Sprintf("session: broken: %s", e.Reason) }

func newState(cfg Config, isClient bool) (*State, error) {
	if cfg.MTU <= 0 {
		cfg.MTU = 1400
	}
	facade, err := videocodec.NewFacade(cfg.VideoExtern)
	if err != nil {
		return nil, err
	}
	secret := cfg.PresharedSecret
	if secret == "" {
		secret = handshake.DefaultPresharedSecret
	}

	s := &State{
		magic:            liveMagic,
		role:             cfg.Role,
		isClient:         isClient,
		secret:           secret,
		pkLookup:         cfg.PKLookup,
		channels:         channel.NewTable(),
		cwin:             congestion.NewWindow(cfg.CongestionWindowSize),
		blobs:            blobsched.NewScheduler(cfg.MTU),
		dispatch:         dispatch.NewTable(),
		vcodec:           facade,
		out:              newOutBuffer(4 * cfg.MTU),
		mtu:              cfg.MTU,
		events:           cfg.Events,
		auth:             cfg.Auth,
		discovery:        cfg.Discovery,
		bhandler:         cfg.BinaryH,
		drain:            cfg.Drain,
		dirOpener:        cfg.DirOpener,
		videoMethodInUse: make(map[uint32]uint8),
		videoFallback:    make(map[uint32]uint8),
		trace:            tracehook.New(cfg.TraceTag, cfg.TraceMask),
	}
	s.registerDefaultHandlers()

	if isClient {
		s.hs = handshake.NewClientState(cfg.Role, cfg.LongTermKey, cfg.TwoRound)
		s.phase = PhaseNoPacket
	} else {
		s.hs = handshake.NewServerState(cfg.Role, cfg.LongTermKey, cfg.AllowDirectoryToDirectory)
		s.phase = PhaseFirstServerHello
	}
	return s, nil
}

// NewClient builds a client-side connection state.
func NewClient(cfg Config) (*State, error) { return newState(cfg, true) }

// NewServer builds a server-side connection state, waiting for the
// client's first HELLO.
func NewServer(cfg Config) (*State, error) { return newState(cfg, false) }

func (s *State) checkLive() error {
	if s.magic != liveMagic {
		return fmt.Errorf("session: use of freed connection state")
	}
	if s.broken {
		return &ErrBroken{Reason: s.brokenErr.Error()}
	}
	return nil
}

// Close releases every resource this connection owns and poisons the
// magic cookie so any further call fails instead of touching freed state.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.magic != liveMagic {
		return
	}
	s.channels.CloseAll()
	s.vcodec.Close()
	s.magic = 0
}

// Broken reports whether the connection has transitioned to BROKEN, and
// why.
func (s *State) Broken() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken, s.brokenErr
}

func (s *State) fail(reason string) error {
	s.broken = true
	s.brokenErr = fmt.Errorf("%s", reason)
	s.phase = PhaseBroken
	s.trace.Trace(tracehook.CatSystem, "connection broken: %s", reason)
	return &ErrBroken{Reason: reason}
}

// Trace returns the connection's trace handle, so a caller can adjust its
// mask at runtime (e.g. in response to a debug command) or pass it to
// collaborators that want to log under the same connection tag.
func (s *State) Trace() *tracehook.Hook {
	return s.trace
}

// AppendOut queues a fully-framed outer packet for the next Flush. Most
// callers should prefer the typed Send* helpers; AppendOut is exposed for
// callers that already have a framed packet (e.g. relayed directory
// tunnel traffic, spec §7).
func (s *State) AppendOut(packet []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return err
	}
	s.out.append(packet)
	if s.drain != nil {
		s.drain.Drain(packet)
	}
	return nil
}

// Flush returns and clears everything queued for transmission. Output
// queued before the connection broke is still handed out after BROKEN.
func (s *State) Flush() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.magic != liveMagic {
		return nil, fmt.Errorf("session: use of freed connection state")
	}
	return s.out.flush(), nil
}

// Pending reports how many bytes are waiting for the next Flush.
func (s *State) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.pending()
}

// sendControl frames and queues one CONTROL command, acking the highest
// inbound sequence number seen so far via last_seen_seqnr (spec §4.1).
func (s *State) sendControl(chid uint8, cmd uint8, payload []byte) error {
	body, err := protocol.EncodeControl(s.seqIn, s.seqOut, chid, cmd, payload)
	if err != nil {
		return err
	}
	return s.sendPacket(protocol.PacketControl, body)
}

func (s *State) sendPacket(typ uint8, plaintext []byte) error {
	var packet []byte
	var err error
	if s.sendCipher == nil {
		// No session keys yet: the packet is framed like the client's very
		// first HELLO, with the preshared/nonce derivation and a half-length
		// MAC (spec §4.1/§4.2). The peer accepts that form only for the first
		// packet of a connection.
		packet, err = EncodeFirstHello(s.secret, s.nonce, s.seqOut, typ, plaintext)
	} else {
		packet, err = EncodePacket(s.sendCipher, s.macKey, s.seqOut, typ, plaintext, protocol.MACFull)
	}
	if err != nil {
		return err
	}
	s.seqOut++
	s.out.append(packet)
	if s.drain != nil {
		s.drain.Drain(packet)
	}
	return nil
}
