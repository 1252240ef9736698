// Package blobsched implements the outbound binary-transfer scheduler
// named in spec §5: a set of concurrently-registered streams, each fed
// from an io.Reader, chunked and drip-fed into BLOB packets under a
// rampup cap that grows to the transport's MTU-sized cap, paused whenever
// backpressure exceeds spec's hold-until-acked-seqnr gate.
//
// Grounded on internal/listen/stream.go's ratePacer (non-blocking,
// buffered read/write loop keyed off a context-style done channel) for
// the per-stream pump shape, and on container/list's O(1)
// insert/remove to replace the reference's intrusive linked list (spec
// §9 REDESIGN FLAG: "the linked list of pending transfers... an
// explicit list.List plus a map from id to *list.Element").
package blobsched

import (
	"container/list"
	"fmt"
	"io"
	"sync"
)

const (
	// RampupCap is the initial per-chunk cap (spec §5): new streams start
	// small and grow to the transport MTU to avoid a burst of large BLOB
	// packets starving other substreams right after a stream opens.
	RampupCap = 16 * 1024
)

// Source is one registered outbound binary transfer.
type Source struct {
	ID         uint32
	ChannelID  uint8
	Reader     io.Reader
	Size       uint64 // 0 = unknown/streaming
	Ident      uint32
	Checksum   [16]byte
	Compressed bool

	sent       uint64
	cap        int // current chunk size cap, grows from RampupCap to mtuCap
	cancelled  bool
	holdUntil  uint64 // 0 = not held; otherwise the seqnr that must be acked first
}

// Scheduler multiplexes the set of in-flight outbound binary transfers.
type Scheduler struct {
	mu      sync.Mutex
	order   *list.List // of *Source, oldest-registered first
	byID    map[uint32]*list.Element
	mtuCap  int
}

// NewScheduler creates a scheduler whose chunks never exceed mtuCap bytes
// once a stream has ramped up.
func NewScheduler(mtuCap int) *Scheduler {
	if mtuCap <= 0 {
		mtuCap = 1400
	}
	return &Scheduler{
		order:  list.New(),
		byID:   make(map[uint32]*list.Element),
		mtuCap: mtuCap,
	}
}

// Register adds a new outbound transfer to the rotation. Returns an error
// if the stream id is already registered (spec §4.5 CancelReasonDuplicate).
func (s *Scheduler) Register(src *Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[src.ID]; ok {
		return fmt.Errorf("blobsched: stream id %d already registered", src.ID)
	}
	src.cap = RampupCap
	if src.cap > s.mtuCap {
		src.cap = s.mtuCap
	}
	el := s.order.PushBack(src)
	s.byID[src.ID] = el
	return nil
}

// Cancel removes a stream from rotation immediately, in O(1), per the
// spec §9 redesign note — no linear scan over a linked list.
func (s *Scheduler) Cancel(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.byID[id]
	if !ok {
		return false
	}
	s.order.Remove(el)
	delete(s.byID, id)
	return true
}

// Hold pauses a stream until ackedSeqnr has been observed on the wire
// (spec §5's "hold-until-acked-seqnr" backpressure gate), typically set
// right after emitting a chunk so the scheduler won't race ahead of the
// peer's ack.
func (s *Scheduler) Hold(id uint32, untilSeqnr uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.byID[id]; ok {
		el.Value.(*Source).holdUntil = untilSeqnr
	}
}

// Release clears a stream's hold once its gating seqnr has been acked.
func (s *Scheduler) Release(id uint32, ackedSeqnr uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.byID[id]; ok {
		src := el.Value.(*Source)
		if src.holdUntil != 0 && ackedSeqnr >= src.holdUntil {
			src.holdUntil = 0
		}
	}
}

// Chunk is one BLOB packet payload ready to be framed and sent.
type Chunk struct {
	StreamID uint32
	Data     []byte
	Final    bool // true once Size is known and this chunk reaches it
}

// Next pulls the next ready chunk from rotation in round-robin order,
// skipping held or cancelled streams. Returns ok=false if nothing is
// ready to send right now (every stream held, or rotation empty).
func (s *Scheduler) Next() (Chunk, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.order.Len()
	for i := 0; i < n; i++ {
		front := s.order.Front()
		src := front.Value.(*Source)
		s.order.MoveToBack(front)

		if src.cancelled || src.holdUntil != 0 {
			continue
		}

		buf := make([]byte, src.cap)
		nRead, err := src.Reader.Read(buf)
		if nRead == 0 && err == io.EOF {
			s.order.Remove(s.order.Back())
			delete(s.byID, src.ID)
			continue
		}
		if nRead == 0 && err != nil {
			s.order.Remove(s.order.Back())
			delete(s.byID, src.ID)
			return Chunk{}, false, fmt.Errorf("blobsched: stream %d read error: %w", src.ID, err)
		}

		src.sent += uint64(nRead)
		if src.cap < s.mtuCap {
			src.cap *= 2
			if src.cap > s.mtuCap {
				src.cap = s.mtuCap
			}
		}

		final := src.Size != 0 && src.sent >= src.Size
		chunk := Chunk{StreamID: src.ID, Data: buf[:nRead], Final: final}
		if final {
			s.order.Remove(s.order.Back())
			delete(s.byID, src.ID)
		}
		return chunk, true, nil
	}
	return Chunk{}, false, nil
}

// Len reports the number of streams currently registered.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Active reports whether id is currently registered.
func (s *Scheduler) Active(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok
}
