package core

import (
	"sync/atomic"
	"unsafe"

	"github.com/tramalabs/trama/internal/fragment"
	"github.com/tramalabs/trama/internal/wire"
)

// Primary buffer layout. The buffer opens with a 256-byte header holding
// the link's shared counters, then a fixed array of link-state cells, then
// one block-allocator region per fragment size class.
const (
	primaryHeaderSize   = 256
	numFixedLinkStates  = 12
	fixedLinkStatesOff  = primaryHeaderSize
	fixedLinkStatesSize = numFixedLinkStates * LinkStateSize

	blockRegionSize = 16384

	// PrimaryBufferSize is the size of buffer 0, established at connect
	// time.
	PrimaryBufferSize = fixedLinkStatesOff + fixedLinkStatesSize + 4*blockRegionSize

	// FirstDynamicSublink is the lowest sublink handed out at runtime.
	// Sublinks below it are pre-assigned to the initial portals of a
	// connection.
	FirstDynamicSublink wire.SublinkId = 64
)

// Header atomics, by offset within the primary buffer.
const (
	offNextSublink = 0
)

var primaryBlockSizes = [4]int{256, 512, 1024, 2048}

func primaryRegionOffset(i int) int {
	return fixedLinkStatesOff + fixedLinkStatesSize + i*blockRegionSize
}

// NodeLinkMemory manages the shared buffers of one node link: the primary
// buffer with its shared counters and fixed link-state cells, plus any
// block buffers added later by either side.
type NodeLinkMemory struct {
	side    wire.LinkSide
	primary []byte
	pool    *fragment.Pool

	// nextLocalBuffer mints BufferIds with side parity so both sides can
	// add buffers without coordination.
	nextLocalBuffer atomic.Uint64

	// grow, when set, is asked to provide a new block buffer for a size
	// class whose regions are exhausted.
	grow atomic.Pointer[func(blockSize int)]
}

// NewNodeLinkMemory wraps a mapped primary buffer. The side that allocated
// the buffer passes initialize=true exactly once, before transmitting the
// buffer to its peer.
func NewNodeLinkMemory(side wire.LinkSide, primary []byte, initialize bool) *NodeLinkMemory {
	if len(primary) < PrimaryBufferSize {
		panic("core: primary buffer too small")
	}
	m := &NodeLinkMemory{side: side, primary: primary}
	m.pool = fragment.NewPool(func(blockSize int) {
		if g := m.grow.Load(); g != nil {
			(*g)(blockSize)
		}
	})
	if side == wire.SideA {
		// Buffer 0 is the primary, an even id, so side A continues from 2.
		m.nextLocalBuffer.Store(1)
	}

	if initialize {
		InitializePrimaryBuffer(primary)
	}
	m.pool.AddBuffer(0, primary)
	for i, bs := range primaryBlockSizes {
		off := primaryRegionOffset(i)
		alloc := fragment.NewBlockAllocator(primary[off:off+blockRegionSize], bs)
		m.pool.RegisterAllocator(0, uint32(off), alloc)
	}
	return m
}

// InitializePrimaryBuffer formats a fresh primary buffer: shared
// counters, the fixed link-state cells, and every block region. Exactly
// one party formats a given buffer, before any peer maps it. A node
// formats the buffers of its own links; a broker formats the buffer it
// hands a pair of nodes it introduces.
func InitializePrimaryBuffer(primary []byte) {
	u64at(primary, offNextSublink).Store(uint64(FirstDynamicSublink))
	for i := 0; i < numFixedLinkStates; i++ {
		off := fixedLinkStatesOff + i*LinkStateSize
		NewLinkState(primary[off : off+LinkStateSize]).Initialize()
	}
	for i := range primaryBlockSizes {
		off := primaryRegionOffset(i)
		fragment.NewBlockAllocator(primary[off:off+blockRegionSize], primaryBlockSizes[i]).InitializeRegion()
	}
}

func u64at(b []byte, off int) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&b[off]))
}

// Side is this end's side of the node link.
func (m *NodeLinkMemory) Side() wire.LinkSide { return m.side }

// Pool is the fragment pool backed by this link's buffers.
func (m *NodeLinkMemory) Pool() *fragment.Pool { return m.pool }

// AllocateSublink reserves a fresh sublink from the shared counter. Unique
// across both sides.
func (m *NodeLinkMemory) AllocateSublink() wire.SublinkId {
	return wire.SublinkId(u64at(m.primary, offNextSublink).Add(1) - 1)
}

// NextBufferId mints a BufferId no other buffer of this link will use:
// side A takes even ids, side B odd ones.
func (m *NodeLinkMemory) NextBufferId() fragment.BufferId {
	n := m.nextLocalBuffer.Add(1) - 1
	id := n << 1
	if m.side == wire.SideB {
		id |= 1
	}
	return fragment.BufferId(id)
}

// InitialLinkStateDescriptor locates the fixed cell pre-assigned to
// initial portal i. Both sides derive the same descriptor without
// coordination. Panics beyond the fixed cells.
func InitialLinkStateDescriptor(i int) fragment.Descriptor {
	if i < 0 || i >= numFixedLinkStates {
		panic("core: no fixed link state for that portal")
	}
	off := fixedLinkStatesOff + i*LinkStateSize
	return fragment.Descriptor{Buffer: 0, Offset: uint32(off), Size: LinkStateSize}
}

// AllocateRouterLinkState grabs a fresh link-state cell from the block
// buffers. The cell comes back initialized. Returns a null fragment
// under memory pressure.
func (m *NodeLinkMemory) AllocateRouterLinkState() fragment.Fragment {
	f := m.pool.Allocate(LinkStateSize)
	if !f.IsNull() {
		NewLinkState(f.Bytes).Initialize()
	}
	return f
}

// Allocate carves a data fragment of the given size out of the link's
// block buffers.
func (m *NodeLinkMemory) Allocate(size uint32) fragment.Fragment {
	return m.pool.Allocate(size)
}

// Release returns an allocated fragment.
func (m *NodeLinkMemory) Release(f fragment.Fragment) bool {
	return m.pool.Release(f)
}

// Resolve maps a descriptor received from the peer.
func (m *NodeLinkMemory) Resolve(d fragment.Descriptor) fragment.Fragment {
	return m.pool.Resolve(d)
}

// RegisterBlockBuffer adds a whole buffer as one block region. The side
// that allocated the buffer passes initialize=true before announcing it.
func (m *NodeLinkMemory) RegisterBlockBuffer(id fragment.BufferId, bytes []byte, blockSize int, initialize bool) bool {
	if !m.pool.AddBuffer(id, bytes) {
		return false
	}
	alloc := fragment.NewBlockAllocator(bytes, blockSize)
	if initialize {
		alloc.InitializeRegion()
	}
	return m.pool.RegisterAllocator(id, 0, alloc)
}

// SetGrowHandler installs the callback that services exhausted size
// classes, typically by allocating driver memory and announcing it to the
// peer.
func (m *NodeLinkMemory) SetGrowHandler(f func(blockSize int)) {
	m.grow.Store(&f)
}
