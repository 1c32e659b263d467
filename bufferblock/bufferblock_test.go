package bufferblock

import (
	"testing"

	"bufferpool/pagetable"
)

type fakeReleaser struct {
	unpinned []pagetable.FrameID
	dirty    []bool
}

func (f *fakeReleaser) Unpin(frame pagetable.FrameID, dirty bool) {
	f.unpinned = append(f.unpinned, frame)
	f.dirty = append(f.dirty, dirty)
}

func TestNewOwnedCopyBytes(t *testing.T) {
	data := []byte("hello world")
	b := NewOwnedCopy(1, 10, data)

	if b.FD() != 1 || b.Offset() != 10 || b.Len() != len(data) {
		t.Fatalf("unexpected metadata: fd=%d offset=%d len=%d", b.FD(), b.Offset(), b.Len())
	}
	if string(b.Bytes()) != string(data) {
		t.Fatalf("expected bytes %q, got %q", data, b.Bytes())
	}
	b.Close() // no-op, must not panic
}

func TestNewPinnedViewSinglePageZeroCopy(t *testing.T) {
	owner := &fakeReleaser{}
	page := []byte("abcdef")
	b := NewPinnedView(2, 0, len(page), []Releaser{owner}, []pagetable.FrameID{5}, [][]byte{page}, []bool{false})

	if string(b.Bytes()) != "abcdef" {
		t.Fatalf("expected zero-copy view of page, got %q", b.Bytes())
	}

	page[0] = 'X'
	if b.Bytes()[0] != 'X' {
		t.Fatal("expected single-page Bytes() to alias the underlying frame")
	}

	b.Close()
	if len(owner.unpinned) != 1 || owner.unpinned[0] != 5 {
		t.Fatalf("expected Unpin(5, ...) once, got %v", owner.unpinned)
	}
	if owner.dirty[0] {
		t.Fatal("expected not-dirty release")
	}
}

func TestNewPinnedViewMultiPageGathers(t *testing.T) {
	o1 := &fakeReleaser{}
	o2 := &fakeReleaser{}
	b := NewPinnedView(3, 0, 6,
		[]Releaser{o1, o2},
		[]pagetable.FrameID{1, 2},
		[][]byte{[]byte("abc"), []byte("def")},
		[]bool{false, false})

	if string(b.Bytes()) != "abcdef" {
		t.Fatalf("expected gathered bytes 'abcdef', got %q", b.Bytes())
	}

	b.Close()
	if len(o1.unpinned) != 1 || o1.unpinned[0] != 1 {
		t.Fatalf("expected owner 1 to release frame 1, got %v", o1.unpinned)
	}
	if len(o2.unpinned) != 1 || o2.unpinned[0] != 2 {
		t.Fatalf("expected owner 2 to release frame 2, got %v", o2.unpinned)
	}
}

func TestMarkDirtyPropagatesOnClose(t *testing.T) {
	owner := &fakeReleaser{}
	b := NewPinnedView(1, 0, 3, []Releaser{owner}, []pagetable.FrameID{0}, [][]byte{[]byte("abc")}, []bool{false})

	b.MarkDirty()
	b.Close()

	if len(owner.dirty) != 1 || !owner.dirty[0] {
		t.Fatalf("expected MarkDirty to make Close release dirty=true, got %v", owner.dirty)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	owner := &fakeReleaser{}
	b := NewPinnedView(1, 0, 3, []Releaser{owner}, []pagetable.FrameID{0}, [][]byte{[]byte("abc")}, []bool{false})

	b.Close()
	b.Close()

	if len(owner.unpinned) != 1 {
		t.Fatalf("expected exactly one Unpin call across two Close calls, got %d", len(owner.unpinned))
	}
}
