package ptpage

import "testing"

func TestIncoherentLifecycle(t *testing.T) {
	pool := newPool(t, 1<<16)
	mapper := NoopDMAMapper{}

	page, err := pool.Alloc(&fakeOwner{}, 12)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := StartIncoherent(page, mapper); err != nil {
		t.Fatalf("StartIncoherent: %v", err)
	}
	if !page.Incoherent() {
		t.Fatal("page should be marked incoherent")
	}
	if !page.StillFlushing() {
		t.Fatal("page should start still-flushing")
	}

	if err := DoneIncoherentFlush(page, mapper); err != nil {
		t.Fatalf("DoneIncoherentFlush: %v", err)
	}
	if page.StillFlushing() {
		t.Fatal("page should no longer be still-flushing after DoneIncoherentFlush")
	}
}

func TestStopIncoherentList(t *testing.T) {
	pool := newPool(t, 1<<16)
	mapper := NoopDMAMapper{}

	var head *Page[*fakeOwner]
	for i := 0; i < 3; i++ {
		p, err := pool.Alloc(&fakeOwner{}, 12)
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		if err := StartIncoherent(p, mapper); err != nil {
			t.Fatalf("StartIncoherent %d: %v", i, err)
		}
		p.Link(head)
		head = p
	}

	if err := StopIncoherentList(head, mapper); err != nil {
		t.Fatalf("StopIncoherentList: %v", err)
	}
}
