package core

import (
	"sync/atomic"
	"unsafe"

	"github.com/tramalabs/trama/internal/wire"
)

// LinkStateSize is the footprint of one link-state cell in shared memory.
const LinkStateSize = 64

// Link status bits. The status word starts at zero (both sides unstable)
// and is only ever mutated with CAS.
const (
	sideAStable uint32 = 1 << 0
	sideBStable uint32 = 1 << 1

	// Waiting bits record that a side wanted the lock while its peer was
	// still unstable. The peer clears the bit when it stabilizes and
	// nudges the waiter to retry.
	sideAWaiting uint32 = 1 << 2
	sideBWaiting uint32 = 1 << 3

	lockedBySideA uint32 = 1 << 4
	lockedBySideB uint32 = 1 << 5
)

func stableBit(s wire.LinkSide) uint32 {
	if s == wire.SideA {
		return sideAStable
	}
	return sideBStable
}

func waitingBit(s wire.LinkSide) uint32 {
	if s == wire.SideA {
		return sideAWaiting
	}
	return sideBWaiting
}

func lockBit(s wire.LinkSide) uint32 {
	if s == wire.SideA {
		return lockedBySideA
	}
	return lockedBySideB
}

// LinkState is the cell both sides of a central router link share. For
// remote links the cell lives in a shared buffer; for local links it lives
// on the heap. All access is atomic since the two sides race freely.
//
// Layout: a 32-bit status word, 4 bytes reserved, then the 16-byte name of
// the one node a bypass of the locking side's router may link to (written
// under lock before a bypass begins), then padding to LinkStateSize.
type LinkState struct {
	b []byte
}

// NewLinkState views a cell over the given bytes, which must hold at least
// LinkStateSize bytes aligned to 4.
func NewLinkState(b []byte) *LinkState {
	if len(b) < LinkStateSize {
		panic("core: short link state cell")
	}
	return &LinkState{b: b[:LinkStateSize]}
}

// NewHeapLinkState returns a cell for two routers in the same process.
func NewHeapLinkState() *LinkState {
	return &LinkState{b: make([]byte, LinkStateSize)}
}

// Initialize zeroes the cell. Only the side that allocated it calls this,
// before sharing the cell.
func (s *LinkState) Initialize() {
	for i := range s.b {
		s.b[i] = 0
	}
}

func (s *LinkState) status() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&s.b[0]))
}

// MarkSideStable sets this side's stable bit. A side is stable once it has
// no decaying links left.
func (s *LinkState) MarkSideStable(side wire.LinkSide) {
	st := s.status()
	for {
		v := st.Load()
		if v&stableBit(side) != 0 {
			return
		}
		if st.CompareAndSwap(v, v|stableBit(side)) {
			return
		}
	}
}

// IsStable reports both stable bits set.
func (s *LinkState) IsStable() bool {
	v := s.status().Load()
	return v&sideAStable != 0 && v&sideBStable != 0
}

// TryLock acquires the link exclusively for `side`. Fails unless both
// sides are stable and nobody holds a lock.
func (s *LinkState) TryLock(side wire.LinkSide) bool {
	st := s.status()
	for {
		v := st.Load()
		if v&(sideAStable|sideBStable) != sideAStable|sideBStable {
			return false
		}
		if v&(lockedBySideA|lockedBySideB) != 0 {
			return false
		}
		if st.CompareAndSwap(v, v|lockBit(side)) {
			return true
		}
	}
}

// Unlock releases a lock held by `side`.
func (s *LinkState) Unlock(side wire.LinkSide) {
	st := s.status()
	for {
		v := st.Load()
		if v&lockBit(side) == 0 {
			return
		}
		if st.CompareAndSwap(v, v&^lockBit(side)) {
			return
		}
	}
}

// SetWaiting records that `side` failed to lock against an unstable peer
// and wants a nudge when the peer stabilizes.
func (s *LinkState) SetWaiting(side wire.LinkSide) {
	st := s.status()
	for {
		v := st.Load()
		if st.CompareAndSwap(v, v|waitingBit(side)) {
			return
		}
	}
}

// ResetWaitingBit clears the opposite side's waiting bit, reporting
// whether it was set. The caller then pokes that side to retry its lock.
func (s *LinkState) ResetWaitingBit(side wire.LinkSide) bool {
	other := waitingBit(side.Opposite())
	st := s.status()
	for {
		v := st.Load()
		if v&other == 0 {
			return false
		}
		if st.CompareAndSwap(v, v&^other) {
			return true
		}
	}
}

// SetAllowedBypassSource names the node that a bypass request for this
// link may name as its target. Written by the proxy while holding the lock.
func (s *LinkState) SetAllowedBypassSource(n wire.NodeName) {
	copy(s.b[8:24], n[:])
}

// AllowedBypassSource reads the bypass grant.
func (s *LinkState) AllowedBypassSource() wire.NodeName {
	var n wire.NodeName
	copy(n[:], s.b[8:24])
	return n
}
