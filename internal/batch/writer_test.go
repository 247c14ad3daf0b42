package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livepulse/tracker/internal/store"
)

type flushSpy struct {
	mu      sync.Mutex
	batches [][]store.EventRow
	err     error
	notify  chan int
}

func newFlushSpy() *flushSpy {
	return &flushSpy{notify: make(chan int, 16)}
}

func (f *flushSpy) flush(_ context.Context, rows []store.EventRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		f.notify <- -1
		return f.err
	}
	f.batches = append(f.batches, rows)
	f.notify <- len(rows)
	return nil
}

func (f *flushSpy) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func row(i int) store.EventRow {
	return store.EventRow{SessionID: "s1", Type: "comment", Username: fmt.Sprintf("u%d", i), CreatedAt: time.Now()}
}

func TestFlushOnSizeBeforeMaxWait(t *testing.T) {
	spy := newFlushSpy()
	w := NewWriter(Config{Size: 5, MaxWait: time.Hour}, spy.flush, nil)
	w.Start()
	defer w.Stop(time.Second)

	for i := 0; i < 5; i++ {
		w.Enqueue(row(i))
	}

	select {
	case n := <-spy.notify:
		assert.Equal(t, 5, n)
	case <-time.After(2 * time.Second):
		t.Fatal("size-triggered flush never happened")
	}
	assert.Equal(t, 0, w.Pending())
}

func TestFlushPartialBatchOnMaxWait(t *testing.T) {
	spy := newFlushSpy()
	w := NewWriter(Config{Size: 50, MaxWait: 50 * time.Millisecond}, spy.flush, nil)
	w.Start()
	defer w.Stop(time.Second)

	// 49 rows: below the size threshold, so only the timer can flush them.
	for i := 0; i < 49; i++ {
		w.Enqueue(row(i))
	}

	select {
	case n := <-spy.notify:
		assert.Equal(t, 49, n)
	case <-time.After(2 * time.Second):
		t.Fatal("time-triggered flush never happened")
	}

	// With nothing further enqueued there must be exactly one flush.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, spy.batchCount())
	assert.Equal(t, 0, w.Pending())
}

func TestFailedFlushDropsBatchAndContinues(t *testing.T) {
	spy := newFlushSpy()
	spy.err = errors.New("sink down")
	w := NewWriter(Config{Size: 2, MaxWait: time.Hour}, spy.flush, nil)
	w.Start()
	defer w.Stop(time.Second)

	w.Enqueue(row(0))
	w.Enqueue(row(1))

	select {
	case n := <-spy.notify:
		require.Equal(t, -1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("flush attempt never happened")
	}
	// Batch is dropped, not retried.
	assert.Equal(t, 0, w.Pending())

	// Sink recovers; the next batch goes through.
	spy.mu.Lock()
	spy.err = nil
	spy.mu.Unlock()
	w.Enqueue(row(2))
	w.Enqueue(row(3))
	select {
	case n := <-spy.notify:
		assert.Equal(t, 2, n)
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not recover after failed flush")
	}
}

func TestStopFlushesRemainder(t *testing.T) {
	spy := newFlushSpy()
	w := NewWriter(Config{Size: 100, MaxWait: time.Hour}, spy.flush, nil)
	w.Start()
	w.Enqueue(row(0))
	w.Enqueue(row(1))
	require.True(t, w.Stop(time.Second))

	select {
	case n := <-spy.notify:
		assert.Equal(t, 2, n)
	default:
		t.Fatal("stop did not flush buffered rows")
	}
}

func TestStopIdempotent(t *testing.T) {
	w := NewWriter(Config{}, newFlushSpy().flush, nil)
	w.Start()
	assert.True(t, w.Stop(time.Second))
	assert.True(t, w.Stop(time.Second))
}
