// Package pool implements the worker pool / dispatcher (spec.md §4.2): it
// owns a fixed roster of matchmaking workers, finds an idle one on demand,
// and tracks the tasks it spawns so they can be waited on at shutdown.
package pool

import (
	"context"
	"log/slog"
	"sync"

	"github.com/KeganHollern/slippiauth/internal/events"
)

// Worker is the subset of mm.Worker the pool needs, kept narrow so the
// pool can be tested without the real matchmaking state machine.
type Worker interface {
	// TryClaim atomically marks the worker not-ready and returns true, or
	// returns false without side effect if it was already claimed.
	TryClaim() bool
	Start(ctx context.Context, targetConnectCode string, timeoutMs int, requesterID int64) error
}

// Pool owns PoolSize workers and dispatches QueueEvents to an idle one.
type Pool struct {
	workers []Worker
	bus     *events.Bus
	log     *slog.Logger

	tasksMu sync.Mutex
	tasks   map[int]chan struct{} // worker index -> done channel
	wg      sync.WaitGroup
}

// New builds a Pool over workers and subscribes it to QueueEvents on bus.
func New(bus *events.Bus, log *slog.Logger, workers []Worker) *Pool {
	p := &Pool{
		workers: workers,
		bus:     bus,
		log:     log,
		tasks:   make(map[int]chan struct{}),
	}
	events.Subscribe(bus, p.onQueue)
	return p
}

// Size returns PoolSize, the number of workers this pool owns.
func (p *Pool) Size() int {
	return len(p.workers)
}

// ActiveTasks returns the number of jobs currently in flight, for
// spec.md §8 invariant 5 (|active tasks| <= PoolSize).
func (p *Pool) ActiveTasks() int {
	p.tasksMu.Lock()
	defer p.tasksMu.Unlock()
	return len(p.tasks)
}

// onQueue implements spec.md §4.2: scan the roster in order, claiming the
// first idle worker found, emit NoReadyClient if none is idle, otherwise
// dispatch the already-claimed worker.
func (p *Pool) onQueue(e events.QueueEvent) {
	idx := p.claimReadyWorkerIndex()
	if idx < 0 {
		p.bus.Publish(events.NoReadyClientEvent{
			RequesterID:       e.RequesterID,
			TargetConnectCode: e.TargetConnectCode,
		})
		return
	}

	p.dispatch(idx, e)
}

// claimReadyWorkerIndex scans the roster in deterministic roster order —
// not round-robin — and claims the first idle worker it finds, returning
// its index, or -1 if none is idle. The scan-and-claim is a single atomic
// step per worker (TryClaim), so two QueueEvents handled concurrently on
// different connections can never both claim the same worker (spec.md §3:
// at most one active job per worker). The roster-order bias itself is
// documented in spec.md §9's REDESIGN FLAG: "a fair rewrite may rotate the
// scan start, but this is a policy change, not a bug" — kept as
// roster-order here.
func (p *Pool) claimReadyWorkerIndex() int {
	for i, w := range p.workers {
		if w.TryClaim() {
			return i
		}
	}
	return -1
}

func (p *Pool) dispatch(idx int, e events.QueueEvent) {
	done := make(chan struct{})

	p.tasksMu.Lock()
	p.tasks[idx] = done
	p.tasksMu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(done)
		defer func() {
			p.tasksMu.Lock()
			delete(p.tasks, idx)
			p.tasksMu.Unlock()
		}()

		if err := p.workers[idx].Start(context.Background(), e.TargetConnectCode, e.TimeoutMs, e.RequesterID); err != nil {
			p.log.Error("worker returned an error", "worker", idx, "error", err)
		}
	}()
}

// Shutdown waits for all tracked tasks to finish or for ctx to be done,
// whichever comes first. It does not interrupt running jobs (spec.md §5:
// "stopListening does not interrupt active workers") — it only bounds how
// long the process waits for them to reach their own terminal state.
func (p *Pool) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
