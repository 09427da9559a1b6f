package vision

import "sync"

// DefaultLogCapacity is the default bound on retained detection summaries.
const DefaultLogCapacity = 100

// LogStore is the append-only, size-bounded record of detection summaries.
// Inserting at capacity evicts the oldest entry first (FIFO rotation); this
// is the expected path, not an error. There is no update or delete API.
type LogStore struct {
	mu       sync.Mutex
	entries  []DetectionSummary
	capacity int
}

// NewLogStore returns an empty store bounded to capacity entries.
// If capacity <= 0, DefaultLogCapacity is used.
func NewLogStore(capacity int) *LogStore {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogStore{
		entries:  make([]DetectionSummary, 0, capacity),
		capacity: capacity,
	}
}

// Append inserts a summary, rotating out the oldest entry when at capacity.
func (s *LogStore) Append(e DetectionSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == s.capacity {
		copy(s.entries, s.entries[1:])
		s.entries = s.entries[:len(s.entries)-1]
	}
	s.entries = append(s.entries, e)
}

// Recent returns up to n summaries, newest first. n <= 0 returns all retained
// entries. The returned slice is a copy.
func (s *LogStore) Recent(n int) []DetectionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]DetectionSummary, 0, n)
	for i := len(s.entries) - 1; i >= len(s.entries)-n; i-- {
		out = append(out, s.entries[i])
	}
	return out
}

// Len returns the number of retained entries.
func (s *LogStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
