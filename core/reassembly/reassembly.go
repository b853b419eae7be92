// Package reassembly implements the per-peer fragment reassembly buffer
// of spec §4.3: a single slot per endpoint, holding the fragments of at
// most one in-progress message, aged out after 1200ms of inactivity and
// displaced outright by a frame belonging to a different (sequence,
// msg_type) tuple.
package reassembly

import (
	"errors"
	"sync"
	"time"

	"github.com/dvo001/provlink/core/wire"
)

// MaxAge is how long a partially reassembled message may sit idle before
// the next Feed for that peer silently discards it and starts fresh.
const MaxAge = 1200 * time.Millisecond

var (
	// ErrDuplicateFragment is returned when a fragment index already
	// present in the active slot arrives again; the caller should treat
	// this the same as any other no-op duplicate.
	ErrDuplicateFragment = errors.New("reassembly: duplicate fragment index")

	// ErrFragmentTooLarge is returned when accepting a fragment would
	// push the reassembled message past the protocol's total payload cap.
	ErrFragmentTooLarge = errors.New("reassembly: exceeds total payload budget")
)

// tuple identifies one in-flight message within a peer's single slot.
type tuple struct {
	msgType wire.MsgType
	seq     uint16
}

type slot struct {
	key      tuple
	fragCnt  uint8
	have     map[uint8][]byte
	lastSeen time.Time
}

func (s *slot) complete() bool {
	return s.fragCnt > 0 && len(s.have) == int(s.fragCnt)
}

func (s *slot) assemble() []byte {
	out := make([]byte, 0, wire.MaxTotalPayload)
	for i := uint8(0); i < s.fragCnt; i++ {
		out = append(out, s.have[i]...)
	}
	return out
}

// Buffer holds one reassembly slot per peer address. The zero value is
// ready to use.
type Buffer struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// New returns an empty reassembly Buffer.
func New() *Buffer {
	return &Buffer{slots: make(map[string]*slot)}
}

// Feed offers one parsed frame from peer to the reassembly buffer. When
// the frame completes a message (including the common single-fragment
// case), Feed returns the full payload and ok=true. now is passed in
// rather than read from the clock so tests can drive aging directly.
func (b *Buffer) Feed(peer string, h wire.Header, fragment []byte, now time.Time) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := tuple{msgType: h.MsgType, seq: h.Sequence}

	if b.slots == nil {
		b.slots = make(map[string]*slot)
	}
	s, ok := b.slots[peer]
	if !ok || s.key != key || now.Sub(s.lastSeen) > MaxAge {
		s = &slot{key: key, fragCnt: h.FragCnt, have: make(map[uint8][]byte, h.FragCnt)}
		b.slots[peer] = s
	}

	if _, dup := s.have[h.FragIdx]; dup {
		return nil, false, ErrDuplicateFragment
	}

	total := len(fragment)
	for _, f := range s.have {
		total += len(f)
	}
	if total > wire.MaxTotalPayload {
		return nil, false, ErrFragmentTooLarge
	}

	s.have[h.FragIdx] = fragment
	s.lastSeen = now

	if s.complete() {
		payload := s.assemble()
		delete(b.slots, peer)
		return payload, true, nil
	}
	return nil, false, nil
}

// Drop discards any in-progress reassembly state for peer, used when a
// dispatcher decides a partial message can never be completed (e.g. the
// peer sent a frame for a new message mid-transfer and the caller wants
// to be explicit about the abandonment rather than rely on the next
// Feed's implicit displacement).
func (b *Buffer) Drop(peer string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.slots, peer)
}
