package vision

import "sync"

// Broadcast is the single-slot shared holder for the latest encoded frame.
// One producer (the capture loop) publishes; any number of subscribers read.
// Publish replaces the previous value wholesale and never blocks on readers;
// a subscriber that cannot keep up simply misses intermediate frames.
type Broadcast struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []byte
	seq    uint64
	closed bool
}

// NewBroadcast returns an empty broadcast cell.
func NewBroadcast() *Broadcast {
	b := &Broadcast{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish replaces the cell's value and wakes all waiting subscribers.
// The caller must not mutate p afterwards.
func (b *Broadcast) Publish(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.data = p
	b.seq++
	b.cond.Broadcast()
}

// Latest returns the current value and its sequence number. A zero sequence
// means nothing has been published yet.
func (b *Broadcast) Latest() ([]byte, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data, b.seq
}

// Next blocks until a value newer than after has been published, then
// returns it with its sequence number. ok is false once the cell is closed.
func (b *Broadcast) Next(after uint64) (data []byte, seq uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.seq <= after && !b.closed {
		b.cond.Wait()
	}
	if b.closed {
		return nil, 0, false
	}
	return b.data, b.seq, true
}

// Close wakes all subscribers and makes further Next calls return ok=false.
func (b *Broadcast) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.cond.Broadcast()
}
