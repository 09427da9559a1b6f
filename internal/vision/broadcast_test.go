package vision

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

func TestBroadcast_latestEmpty(t *testing.T) {
	b := NewBroadcast()
	data, seq := b.Latest()
	if data != nil || seq != 0 {
		t.Errorf("empty cell: got data=%v seq=%d", data, seq)
	}
}

func TestBroadcast_publishReplacesWholesale(t *testing.T) {
	b := NewBroadcast()
	b.Publish([]byte("frame-1"))
	b.Publish([]byte("frame-2"))

	data, seq := b.Latest()
	if !bytes.Equal(data, []byte("frame-2")) || seq != 2 {
		t.Errorf("got %q seq=%d, want frame-2 seq=2", data, seq)
	}
}

func TestBroadcast_nextReturnsNewerImmediately(t *testing.T) {
	b := NewBroadcast()
	b.Publish([]byte("frame-1"))

	data, seq, ok := b.Next(0)
	if !ok || seq != 1 || !bytes.Equal(data, []byte("frame-1")) {
		t.Errorf("Next(0): got %q seq=%d ok=%v", data, seq, ok)
	}
}

func TestBroadcast_nextBlocksUntilPublish(t *testing.T) {
	b := NewBroadcast()
	b.Publish([]byte("frame-1"))

	got := make(chan []byte, 1)
	go func() {
		data, _, ok := b.Next(1)
		if ok {
			got <- data
		}
		close(got)
	}()

	// Give the subscriber time to block on the cond before publishing.
	time.Sleep(10 * time.Millisecond)
	b.Publish([]byte("frame-2"))

	select {
	case data := <-got:
		if !bytes.Equal(data, []byte("frame-2")) {
			t.Errorf("got %q, want frame-2", data)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not wake after publish")
	}
}

func TestBroadcast_manySubscribersSeeSameValue(t *testing.T) {
	b := NewBroadcast()
	b.Publish([]byte("frame-1"))

	const subscribers = 50
	var wg sync.WaitGroup
	errs := make(chan string, subscribers)

	for i := 0; i < subscribers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, seq, ok := b.Next(0)
			if !ok || seq != 1 || !bytes.Equal(data, []byte("frame-1")) {
				errs <- "subscriber observed wrong value"
			}
		}()
	}

	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Error(msg)
	}
}

func TestBroadcast_closeWakesSubscribers(t *testing.T) {
	b := NewBroadcast()
	b.Publish([]byte("frame-1"))

	done := make(chan bool, 1)
	go func() {
		_, _, ok := b.Next(1)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Next after Close should report ok=false")
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not wake after Close")
	}
}

func TestBroadcast_publishAfterCloseIgnored(t *testing.T) {
	b := NewBroadcast()
	b.Close()
	b.Publish([]byte("frame-1"))

	if _, seq := b.Latest(); seq != 0 {
		t.Errorf("publish after close should be ignored, seq=%d", seq)
	}
}
