package ptpage

import (
	"container/list"
	"errors"
	"unsafe"

	"gvisor.dev/gvisor/pkg/sync"
)

// ErrOutOfMemory is returned by Alloc when no free block satisfies the
// request.
var ErrOutOfMemory = errors.New("ptpage: out of memory")

// ErrIdentityMapFailed is returned by StartIncoherent when the DMA layer
// cannot guarantee an identity mapping for the table page.
var ErrIdentityMapFailed = errors.New("ptpage: dma identity map failed")

// arenaBlock is a free-list node describing one contiguous span of the
// arena, the same shape as dma.Region's internal block bookkeeping.
type arenaBlock struct {
	addr uintptr
	size uintptr
}

// Pool is a first-fit, power-of-two aligned allocator for table pages. One
// Pool backs one table instance's node-local memory (spec.md's "nid"
// parameter to alloc is modelled by running one Pool per node).
type Pool[O any] struct {
	sync.Mutex

	// arena pins the backing memory for as long as the Pool is live;
	// page addresses handed out below are computed from it and must
	// never be converted back to a pointer after it is collected.
	arena []byte
	start uintptr
	size  uintptr

	freeBlocks *list.List
	pages      map[uintptr]*Page[O]
}

// Init carves out a Pool from arena. The caller guarantees this memory is
// never used for anything else for the Pool's lifetime.
func (p *Pool[O]) Init(arena []byte) {
	p.arena = arena
	p.start = uintptr(unsafe.Pointer(&arena[0]))
	p.size = uintptr(len(arena))

	p.freeBlocks = list.New()
	p.freeBlocks.PushFront(&arenaBlock{addr: p.start, size: p.size})

	p.pages = make(map[uintptr]*Page[O])
}

// Alloc produces a zeroed, lg2size-aligned table page owned by owner.
func (p *Pool[O]) Alloc(owner O, lg2size uint) (*Page[O], error) {
	size := uintptr(1) << lg2size

	p.Lock()
	defer p.Unlock()

	addr, ok := p.allocLocked(size, size)
	if !ok {
		return nil, ErrOutOfMemory
	}

	zero(addr, size)

	page := &Page[O]{
		Owner:   owner,
		Addr:    addr,
		Lg2Size: lg2size,
	}
	p.pages[addr] = page

	return page, nil
}

// Free releases a single table page back to the pool, synchronously.
func (p *Pool[O]) Free(page *Page[O]) {
	p.Lock()
	defer p.Unlock()
	p.freeLocked(page)
}

// FreeList releases an entire batch, chained through Page.next, walking the
// chain without any further allocation.
func (p *Pool[O]) FreeList(head *Page[O]) {
	p.Lock()
	defer p.Unlock()

	for page := head; page != nil; {
		next := page.next
		p.freeLocked(page)
		page = next
	}
}

// FreeListRCU stages an entire batch behind the grace period tracked by dom,
// so that live walkers that snapshotted the old top (or an old interior
// pointer) before the unlink can still finish safely.
func (p *Pool[O]) FreeListRCU(head *Page[O], dom *RCUDomain) {
	gen := dom.Retire()

	for page := head; page != nil; page = page.next {
		page.rcuGen = gen
	}

	dom.onReclaim(gen, func() {
		p.FreeList(head)
	})
}

func (p *Pool[O]) freeLocked(page *Page[O]) {
	delete(p.pages, page.Addr)
	p.freeArena(&arenaBlock{addr: page.Addr, size: page.Size()})
}

func (p *Pool[O]) allocLocked(size, align uintptr) (uintptr, bool) {
	var e *list.Element
	var freeBlock *arenaBlock
	var pad uintptr

	for e = p.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*arenaBlock)

		pad = (align - (b.addr % align)) % align
		need := size + pad

		if b.size >= need {
			freeBlock = b
			break
		}
	}

	if freeBlock == nil {
		return 0, false
	}

	defer p.freeBlocks.Remove(e)

	if pad != 0 {
		before := &arenaBlock{addr: freeBlock.addr, size: pad}
		freeBlock.addr += pad
		freeBlock.size -= pad
		p.freeBlocks.InsertBefore(before, e)
	}

	if r := freeBlock.size - size; r != 0 {
		after := &arenaBlock{addr: freeBlock.addr + size, size: r}
		freeBlock.size = size
		p.freeBlocks.InsertAfter(after, e)
	}

	return freeBlock.addr, true
}

func (p *Pool[O]) freeArena(b *arenaBlock) {
	for e := p.freeBlocks.Front(); e != nil; e = e.Next() {
		existing := e.Value.(*arenaBlock)

		if existing.addr > b.addr {
			p.freeBlocks.InsertBefore(b, e)
			p.defrag()
			return
		}
	}

	p.freeBlocks.PushBack(b)
}

func (p *Pool[O]) defrag() {
	var prev *arenaBlock

	for e := p.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*arenaBlock)

		if prev != nil && prev.addr+prev.size == b.addr {
			prev.size += b.size
			defer p.freeBlocks.Remove(e)
			continue
		}

		prev = b
	}
}

// Lookup returns the live Page backing addr, if any. Used by the map/unmap
// engine to recover a child table's bookkeeping from the raw address
// stored in its parent's descriptor.
func (p *Pool[O]) Lookup(addr uintptr) (*Page[O], bool) {
	p.Lock()
	defer p.Unlock()
	page, ok := p.pages[addr]
	return page, ok
}

// Outstanding reports the number of table pages currently allocated from
// the pool. Used by Deinit's no-leak check.
func (p *Pool[O]) Outstanding() int {
	p.Lock()
	defer p.Unlock()
	return len(p.pages)
}

func zero(addr, size uintptr) {
	var ptr unsafe.Pointer
	ptr = unsafe.Add(ptr, addr)
	mem := unsafe.Slice((*byte)(ptr), size)
	for i := range mem {
		mem[i] = 0
	}
}
