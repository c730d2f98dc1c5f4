package proctor

import (
	"errors"
	"testing"
)

func TestAnswerStoreLastWriteWins(t *testing.T) {
	s := NewAnswerStore(3)
	for _, text := range []string{"a", "ab", "abc"} {
		if err := s.Set(1, text); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	got, err := s.Get(1)
	if err != nil || got != "abc" {
		t.Fatalf("expected abc, got %q (%v)", got, err)
	}
}

func TestAnswerStoreIndexBounds(t *testing.T) {
	s := NewAnswerStore(2)
	for _, i := range []int{-1, 2, 10} {
		err := s.Set(i, "x")
		var ie *IndexError
		if !errors.As(err, &ie) || !errors.Is(err, ErrIndex) {
			t.Fatalf("index %d: expected IndexError, got %v", i, err)
		}
		if ie.Len != 2 {
			t.Fatalf("expected len 2, got %d", ie.Len)
		}
	}
	if snap := s.Snapshot(); snap[0] != "" || snap[1] != "" {
		t.Fatalf("failed writes must not change slots: %q", snap)
	}
}

func TestAnswerStoreSnapshotIsCopy(t *testing.T) {
	s := NewAnswerStore(2)
	_ = s.Set(0, "first")
	snap := s.Snapshot()
	_ = s.Set(0, "second")
	if snap[0] != "first" {
		t.Fatalf("snapshot changed after write: %q", snap[0])
	}
}

func TestAnswerStoreRestoreSkipsOutOfRange(t *testing.T) {
	s := NewAnswerStore(2)
	skipped := s.Restore(map[int]string{0: "x", 1: "y", 5: "z"})
	if skipped != 1 {
		t.Fatalf("expected 1 skipped, got %d", skipped)
	}
	if snap := s.Snapshot(); snap[0] != "x" || snap[1] != "y" {
		t.Fatalf("unexpected slots %q", snap)
	}
}
