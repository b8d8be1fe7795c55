package pool

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/KeganHollern/slippiauth/internal/events"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeWorker is a controllable stand-in for mm.Worker.
type fakeWorker struct {
	mu      sync.Mutex
	ready   bool
	started atomic.Int32
	block   chan struct{}
}

func newFakeWorker(ready bool) *fakeWorker {
	return &fakeWorker{ready: ready, block: make(chan struct{})}
}

func (f *fakeWorker) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeWorker) setReady(v bool) {
	f.mu.Lock()
	f.ready = v
	f.mu.Unlock()
}

func (f *fakeWorker) TryClaim() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return false
	}
	f.ready = false
	return true
}

func (f *fakeWorker) Start(ctx context.Context, targetConnectCode string, timeoutMs int, requesterID int64) error {
	f.started.Add(1)
	<-f.block
	f.setReady(true)
	return nil
}

func (f *fakeWorker) release() {
	close(f.block)
}

func TestDispatchPicksFirstReadyWorkerInRosterOrder(t *testing.T) {
	bus := events.NewBus()
	w0 := newFakeWorker(false)
	w1 := newFakeWorker(true)
	w2 := newFakeWorker(true)
	defer w0.release()
	defer w1.release()
	defer w2.release()

	p := New(bus, discardLogger(), []Worker{w0, w1, w2})

	bus.Publish(events.QueueEvent{RequesterID: 1, TargetConnectCode: "A#1", TimeoutMs: 1000})

	require.Eventually(t, func() bool { return w1.started.Load() == 1 }, time.Second, time.Millisecond)
	require.Zero(t, w0.started.Load())
	require.Zero(t, w2.started.Load())
	require.Equal(t, 1, p.ActiveTasks())
}

func TestNoReadyClientEventWhenRosterIsSaturated(t *testing.T) {
	bus := events.NewBus()
	w0 := newFakeWorker(false)
	defer w0.release()

	var gotNoReady []events.NoReadyClientEvent
	events.Subscribe(bus, func(e events.NoReadyClientEvent) { gotNoReady = append(gotNoReady, e) })

	p := New(bus, discardLogger(), []Worker{w0})

	bus.Publish(events.QueueEvent{RequesterID: 9, TargetConnectCode: "X#9", TimeoutMs: 1000})

	require.Len(t, gotNoReady, 1)
	require.Equal(t, int64(9), gotNoReady[0].RequesterID)
	require.Equal(t, 0, p.ActiveTasks())
}

func TestShutdownWaitsForInFlightTasks(t *testing.T) {
	bus := events.NewBus()
	w0 := newFakeWorker(true)

	p := New(bus, discardLogger(), []Worker{w0})
	bus.Publish(events.QueueEvent{RequesterID: 1, TargetConnectCode: "A#1", TimeoutMs: 1000})

	require.Eventually(t, func() bool { return w0.started.Load() == 1 }, time.Second, time.Millisecond)

	shutdownDone := make(chan error, 1)
	go func() {
		shutdownDone <- p.Shutdown(context.Background())
	}()

	select {
	case <-shutdownDone:
		t.Fatal("shutdown returned before the in-flight task finished")
	case <-time.After(50 * time.Millisecond):
	}

	w0.release()

	select {
	case err := <-shutdownDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("shutdown did not return after task completed")
	}
}

// TestConcurrentQueueEventsNeverClaimTheSameWorkerTwice exercises spec.md
// §4.2's "Mark the chosen worker Ready=false ... before" requirement
// directly: many QueueEvents handled concurrently, on a roster of workers
// that each block until released, must collectively start each worker at
// most once, never dispatch a second job onto a worker still mid-claim.
func TestConcurrentQueueEventsNeverClaimTheSameWorkerTwice(t *testing.T) {
	bus := events.NewBus()

	const rosterSize = 8
	workers := make([]Worker, rosterSize)
	fakes := make([]*fakeWorker, rosterSize)
	for i := range fakes {
		fakes[i] = newFakeWorker(true)
		workers[i] = fakes[i]
	}
	defer func() {
		for _, f := range fakes {
			f.release()
		}
	}()

	p := New(bus, discardLogger(), workers)

	var wg sync.WaitGroup
	for i := 0; i < rosterSize; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bus.Publish(events.QueueEvent{RequesterID: int64(i), TargetConnectCode: "A#1", TimeoutMs: 1000})
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return p.ActiveTasks() == rosterSize }, time.Second, time.Millisecond)

	var total int32
	for _, f := range fakes {
		started := f.started.Load()
		require.LessOrEqual(t, started, int32(1), "a worker was dispatched more than once concurrently")
		total += started
	}
	require.Equal(t, int32(rosterSize), total)
}

func TestShutdownRespectsContextTimeout(t *testing.T) {
	bus := events.NewBus()
	w0 := newFakeWorker(true)
	defer w0.release()

	p := New(bus, discardLogger(), []Worker{w0})
	bus.Publish(events.QueueEvent{RequesterID: 1, TargetConnectCode: "A#1", TimeoutMs: 1000})

	require.Eventually(t, func() bool { return w0.started.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
