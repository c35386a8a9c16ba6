package netio

import "testing"

func TestFramedBufferPushDetach(t *testing.T) {
	var b FramedBuffer
	if !b.Empty() {
		t.Fatal("new buffer should be empty")
	}

	b.Push([]byte("hello"))
	b.Push([]byte("world"))
	if b.Empty() {
		t.Fatal("buffer with pushed data should not be empty")
	}
	if got := b.Buffered(); got != 10 {
		t.Fatalf("Buffered() = %d, want 10", got)
	}

	head, ok := b.DetachHead()
	if !ok {
		t.Fatal("DetachHead should succeed on non-empty tail")
	}
	if string(head.Bytes()) != "helloworld" {
		t.Fatalf("detached head = %q, want %q", head.Bytes(), "helloworld")
	}

	// tail is reset once detached; Buffered reports 0 even though a head is
	// still in flight.
	if b.Buffered() != 0 {
		t.Fatalf("Buffered() after detach = %d, want 0", b.Buffered())
	}

	// a second DetachHead must fail while the first head is still in flight.
	if _, ok := b.DetachHead(); ok {
		t.Fatal("DetachHead should fail while a head is already detached")
	}

	// new pushes build the next tail independently of the detached head.
	b.Push([]byte("next"))
	if b.Buffered() != 4 {
		t.Fatalf("Buffered() after push-while-detached = %d, want 4", b.Buffered())
	}

	b.FreeDetached()
	head2, ok := b.DetachHead()
	if !ok {
		t.Fatal("DetachHead should succeed after FreeDetached")
	}
	if string(head2.Bytes()) != "next" {
		t.Fatalf("second detached head = %q, want %q", head2.Bytes(), "next")
	}
}

func TestFramedBufferClearLeavesDetachedHeadAlone(t *testing.T) {
	var b FramedBuffer
	b.Push([]byte("inflight"))
	head, ok := b.DetachHead()
	if !ok {
		t.Fatal("DetachHead should succeed")
	}

	b.Push([]byte("more"))
	b.Clear()
	if !b.Empty() {
		t.Fatal("Clear should empty the tail")
	}
	// the in-flight head is untouched by Clear.
	if string(head.Bytes()) != "inflight" {
		t.Fatalf("detached head mutated by Clear: %q", head.Bytes())
	}
	b.FreeDetached()
}

func TestFramedBufferGrowth(t *testing.T) {
	var b FramedBuffer
	big := make([]byte, minBlockSize*3)
	for i := range big {
		big[i] = byte(i)
	}
	b.Push(big)
	head, ok := b.DetachHead()
	if !ok {
		t.Fatal("DetachHead should succeed")
	}
	if len(head.Bytes()) != len(big) {
		t.Fatalf("detached head length = %d, want %d", len(head.Bytes()), len(big))
	}
	for i := range big {
		if head.Bytes()[i] != big[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, head.Bytes()[i], big[i])
		}
	}
}
