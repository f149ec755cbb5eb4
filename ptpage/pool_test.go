package ptpage

import (
	"errors"
	"testing"
)

type fakeOwner struct{ name string }

func newPool(t *testing.T, size uintptr) *Pool[*fakeOwner] {
	t.Helper()
	pool := &Pool[*fakeOwner]{}
	pool.Init(make([]byte, size))
	return pool
}

func TestAllocFreeRoundTrip(t *testing.T) {
	pool := newPool(t, 1<<20)
	owner := &fakeOwner{"domain-0"}

	page, err := pool.Alloc(owner, 12)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if page.Size() != 1<<12 {
		t.Fatalf("Size = %d, want 4096", page.Size())
	}
	if page.Addr%page.Size() != 0 {
		t.Fatalf("Addr %#x not aligned to size %#x", page.Addr, page.Size())
	}
	if pool.Outstanding() != 1 {
		t.Fatalf("Outstanding = %d, want 1", pool.Outstanding())
	}

	pool.Free(page)
	if pool.Outstanding() != 0 {
		t.Fatalf("Outstanding after Free = %d, want 0", pool.Outstanding())
	}
}

func TestAllocOutOfMemory(t *testing.T) {
	pool := newPool(t, 1<<12)

	if _, err := pool.Alloc(&fakeOwner{}, 12); err != nil {
		t.Fatalf("first alloc should fit: %v", err)
	}
	if _, err := pool.Alloc(&fakeOwner{}, 12); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("second alloc should fail with ErrOutOfMemory, got %v", err)
	}
}

func TestFreeListBatch(t *testing.T) {
	pool := newPool(t, 1<<16)

	var head *Page[*fakeOwner]
	for i := 0; i < 4; i++ {
		p, err := pool.Alloc(&fakeOwner{}, 12)
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		p.Link(head)
		head = p
	}

	if pool.Outstanding() != 4 {
		t.Fatalf("Outstanding = %d, want 4", pool.Outstanding())
	}

	pool.FreeList(head)

	if pool.Outstanding() != 0 {
		t.Fatalf("Outstanding after FreeList = %d, want 0", pool.Outstanding())
	}
}

func TestFreeListRCUDefersUntilQuiescent(t *testing.T) {
	pool := newPool(t, 1<<16)
	dom := &RCUDomain{}

	_, exitReader := dom.Enter()

	page, err := pool.Alloc(&fakeOwner{}, 12)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	pool.FreeListRCU(page, dom)

	dom.Reclaim()
	if pool.Outstanding() != 1 {
		t.Fatalf("page freed while reader still active: Outstanding = %d", pool.Outstanding())
	}

	exitReader()
	dom.Reclaim()

	if pool.Outstanding() != 0 {
		t.Fatalf("Outstanding after quiescence = %d, want 0", pool.Outstanding())
	}
}
