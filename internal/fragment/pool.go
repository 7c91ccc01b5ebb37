package fragment

import (
	"sort"
	"sync"
	"unsafe"
)

// A Pool tracks every shared buffer known to one node link together with
// the block allocators carved out of those buffers. It resolves wire
// descriptors to local memory and serves fragment allocation across all
// registered regions.
//
// Buffers arrive at different times on the two ends of a link, so a
// descriptor may reference a buffer this pool has not seen yet; Resolve
// then yields a pending fragment.
type Pool struct {
	mu sync.Mutex

	buffers map[BufferId][]byte

	// allocators groups registered block allocators by block size. The
	// per-size cursor rotates allocation attempts across buffers so one
	// exhausted region does not pin the search order.
	allocators map[int][]poolEntry
	cursor     map[int]int
	sizes      []int

	// grow requests additional capacity for a block size. At most one
	// request per size is in flight at a time.
	grow        func(blockSize int)
	growPending map[int]bool
}

type poolEntry struct {
	buffer BufferId
	base   uint32
	alloc  *BlockAllocator
}

// NewPool returns an empty pool. grow, if non-nil, is invoked (without the
// pool lock held) when allocation for a block size finds every region
// exhausted; it should arrange for a new buffer to be registered and is
// not called again for that size until the pending request completes via
// RegisterAllocator.
func NewPool(grow func(blockSize int)) *Pool {
	return &Pool{
		buffers:     make(map[BufferId][]byte),
		allocators:  make(map[int][]poolEntry),
		cursor:      make(map[int]int),
		grow:        grow,
		growPending: make(map[int]bool),
	}
}

// AddBuffer registers the local mapping of a shared buffer. Fails if the
// id is invalid or already present.
func (p *Pool) AddBuffer(id BufferId, bytes []byte) bool {
	if id == InvalidBufferId {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.buffers[id]; ok {
		return false
	}
	p.buffers[id] = bytes
	return true
}

// HasBuffer reports whether the identified buffer is mapped locally.
func (p *Pool) HasBuffer(id BufferId) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.buffers[id]
	return ok
}

// RegisterAllocator attaches a block allocator to a registered buffer.
// The allocator's region must be the buffer's bytes at offset `base`.
func (p *Pool) RegisterAllocator(id BufferId, base uint32, alloc *BlockAllocator) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.buffers[id]; !ok {
		return false
	}
	size := alloc.BlockSize()
	if _, ok := p.allocators[size]; !ok {
		p.sizes = append(p.sizes, size)
		sort.Ints(p.sizes)
	}
	p.allocators[size] = append(p.allocators[size], poolEntry{
		buffer: id,
		base:   base,
		alloc:  alloc,
	})
	p.growPending[size] = false
	return true
}

// Allocate returns a fragment of at least `size` bytes from the smallest
// block size that fits, or a null fragment when nothing is available. The
// returned fragment's Size is the requested size, not the block size.
func (p *Pool) Allocate(size uint32) Fragment {
	p.mu.Lock()
	var blockSize int
	for _, s := range p.sizes {
		if uint32(s) >= size {
			blockSize = s
			break
		}
	}
	if blockSize == 0 {
		p.mu.Unlock()
		return NullFragment()
	}

	entries := p.allocators[blockSize]
	start := p.cursor[blockSize]
	for i := range entries {
		ent := entries[(start+i)%len(entries)]
		block, ok := ent.alloc.Alloc()
		if !ok {
			continue
		}
		p.cursor[blockSize] = (start + i) % len(entries)
		buf := p.buffers[ent.buffer]
		p.mu.Unlock()

		off := ent.base + uint32(byteOffset(buf[ent.base:], block))
		return Fragment{
			Descriptor: Descriptor{Buffer: ent.buffer, Offset: off, Size: size},
			Bytes:      block[:size],
		}
	}

	wantGrow := p.grow != nil && !p.growPending[blockSize]
	if wantGrow {
		p.growPending[blockSize] = true
	}
	p.mu.Unlock()
	if wantGrow {
		p.grow(blockSize)
	}
	return NullFragment()
}

// Release returns an allocated fragment's block to its allocator. Reports
// false for fragments this pool did not allocate.
func (p *Pool) Release(f Fragment) bool {
	if f.IsNull() || f.IsPending() {
		return false
	}
	p.mu.Lock()
	var candidates []poolEntry
	for _, entries := range p.allocators {
		for _, ent := range entries {
			if ent.buffer == f.Buffer && f.Offset >= ent.base {
				candidates = append(candidates, ent)
			}
		}
	}
	p.mu.Unlock()
	for _, ent := range candidates {
		start := int(f.Offset - ent.base)
		bs := ent.alloc.BlockSize()
		if start%bs != 0 {
			continue
		}
		block := ent.alloc.region[start : start+bs]
		if ent.alloc.Free(block) {
			return true
		}
	}
	return false
}

// Resolve maps a wire descriptor to local memory. Yields a pending
// fragment when the buffer is not registered yet and a null fragment for
// descriptors that fall outside their buffer.
func (p *Pool) Resolve(d Descriptor) Fragment {
	if d.IsNull() {
		return NullFragment()
	}
	p.mu.Lock()
	buf, ok := p.buffers[d.Buffer]
	p.mu.Unlock()
	if !ok {
		return Fragment{Descriptor: d}
	}
	end := uint64(d.Offset) + uint64(d.Size)
	if end > uint64(len(buf)) {
		return NullFragment()
	}
	return Fragment{Descriptor: d, Bytes: buf[d.Offset:end]}
}

// byteOffset is the offset of block's first byte within region. Both
// slices must alias the same backing array.
func byteOffset(region, block []byte) int {
	return int(uintptr(unsafe.Pointer(&block[0])) - uintptr(unsafe.Pointer(&region[0])))
}
