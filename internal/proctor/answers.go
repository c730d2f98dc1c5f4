package proctor

import "sync"

// AnswerStore is the per-question answer buffer, index-aligned with the
// exam's questions. Slots are replaced wholesale; there is no merging.
type AnswerStore struct {
	mu    sync.RWMutex
	slots []string
}

// NewAnswerStore creates n empty slots.
func NewAnswerStore(n int) *AnswerStore {
	return &AnswerStore{slots: make([]string, n)}
}

// Len returns the number of slots.
func (s *AnswerStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// Set replaces slot i.
func (s *AnswerStore) Set(i int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.slots) {
		return &IndexError{Index: i, Len: len(s.slots)}
	}
	s.slots[i] = text
	return nil
}

// Get returns slot i.
func (s *AnswerStore) Get(i int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.slots) {
		return "", &IndexError{Index: i, Len: len(s.slots)}
	}
	return s.slots[i], nil
}

// Snapshot returns a copy of every slot.
func (s *AnswerStore) Snapshot() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.slots))
	copy(out, s.slots)
	return out
}

// Restore loads previously autosaved slots. Indices outside the buffer are
// skipped and counted.
func (s *AnswerStore) Restore(saved map[int]string) (skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, text := range saved {
		if i < 0 || i >= len(s.slots) {
			skipped++
			continue
		}
		s.slots[i] = text
	}
	return skipped
}
