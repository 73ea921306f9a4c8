package playback

import (
	"testing"
	"time"
)

func TestFragmentBufferAssemblesInIndexOrder(t *testing.T) {
	buf := newFragmentBuffer(3)
	buf.add(2, "cc")
	if buf.complete() {
		t.Fatal("buffer complete with one of three fragments")
	}
	buf.add(0, "aa")
	buf.add(1, "bb")
	if !buf.complete() {
		t.Fatal("buffer not complete with all fragments present")
	}
	got, err := buf.assemble()
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if got != "aabbcc" {
		t.Fatalf("assembled %q, want aabbcc", got)
	}
}

func TestFragmentBufferIgnoresOutOfRangeIndexes(t *testing.T) {
	buf := newFragmentBuffer(2)
	buf.add(-1, "junk")
	buf.add(2, "junk")
	if buf.complete() {
		t.Fatal("out-of-range fragments counted towards completion")
	}
	buf.add(0, "a")
	buf.add(1, "b")
	got, err := buf.assemble()
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if got != "ab" {
		t.Fatalf("assembled %q, want ab", got)
	}
}

func TestFragmentBufferRedeliveryOverwrites(t *testing.T) {
	buf := newFragmentBuffer(2)
	buf.add(0, "first")
	buf.add(0, "again")
	buf.add(1, "tail")
	got, err := buf.assemble()
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if got != "againtail" {
		t.Fatalf("assembled %q, want againtail", got)
	}
}

func TestFragmentBufferClampsCountToOne(t *testing.T) {
	buf := newFragmentBuffer(0)
	buf.add(0, "solo")
	if !buf.complete() {
		t.Fatal("single-fragment buffer not complete")
	}
	got, err := buf.assemble()
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if got != "solo" {
		t.Fatalf("assembled %q, want solo", got)
	}
}

func TestFragmentBufferAge(t *testing.T) {
	buf := newFragmentBuffer(2)
	if got := buf.age(buf.createdAt.Add(3 * time.Second)); got != 3*time.Second {
		t.Fatalf("age = %v, want 3s", got)
	}
}
