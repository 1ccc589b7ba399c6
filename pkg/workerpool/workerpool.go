// Package workerpool implements the Worker Pool (spec §4.2): the
// membership view of live executor nodes and the selection policy used
// to place tasks. Membership/heartbeat accounting is generalized from
// go-master's pkg/workerregistry.Registry; selection is least-assigned-
// load with LoadFactor (a worker-reported system-load gauge) breaking
// ties, a bounded version of master/internal/scheduler/rts_scheduler.go's
// risk-weighted placement (predicted finish time from CPU/mem/GPU
// availability, deadline risk, trained affinity/penalty terms) scaled
// down to the single real load signal this cluster's heartbeat carries.
package workerpool

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/Codesmith28/mbrace/pkg/mbrace"
	"github.com/Codesmith28/mbrace/pkg/mlog"
)

// FailureEvent is emitted on Subscribe's channel when a worker is evicted,
// consumed by the Task Manager to trigger Recover.
type FailureEvent struct {
	WorkerId string
}

type entry struct {
	ref      mbrace.WorkerRef
	load     int
	lastSeen time.Time
}

// Pool is the thread-safe worker membership table plus selection policy.
type Pool struct {
	mu          sync.Mutex
	workers     map[string]*entry
	subscribers []chan<- FailureEvent
}

// New returns an empty Pool.
func New() *Pool {
	return &Pool{workers: make(map[string]*entry)}
}

// UpdateHeartbeat registers or refreshes a worker's membership record.
func (p *Pool) UpdateHeartbeat(ref mbrace.WorkerRef) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.workers[ref.Id]; ok {
		e.ref = ref
		e.lastSeen = time.Now()
		return
	}
	p.workers[ref.Id] = &entry{ref: ref, lastSeen: time.Now()}
}

// Select returns one worker eligible to execute tasks, balancing load by
// picking the least-loaded eligible worker, or ok=false if none qualify.
func (p *Pool) Select() (mbrace.WorkerRef, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.leastLoadedLocked(nil)
	if e == nil {
		return mbrace.WorkerRef{}, false
	}
	e.load++
	return e.ref, true
}

// SelectMany atomically reserves n eligible workers for a parallel
// fan-out. All-or-nothing: if fewer than n workers are eligible, no
// reservation is made and ok is false, so the caller can retry the whole
// batch rather than leave a half-logged group.
func (p *Pool) SelectMany(n int) ([]mbrace.WorkerRef, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n <= 0 {
		return nil, true
	}

	chosen := make([]mbrace.WorkerRef, 0, n)
	used := make(map[string]bool, n)

	for i := 0; i < n; i++ {
		e := p.leastLoadedLocked(used)
		if e == nil {
			return nil, false
		}
		used[e.ref.Id] = true
		chosen = append(chosen, e.ref)
	}

	for _, ref := range chosen {
		p.workers[ref.Id].load++
	}
	return chosen, true
}

// leastLoadedLocked returns the eligible worker not present in exclude
// with the lowest score, where score combines assigned-task count (the
// dominant term) with the worker's self-reported LoadFactor as a
// tiebreaker — a bounded stand-in for master/internal/scheduler's
// risk-weighted selection (CPU/mem/GPU-aware predicted finish time),
// scaled down to the one real-valued signal (system load) a worker
// reports over this cluster's heartbeat. Callers must hold p.mu.
func (p *Pool) leastLoadedLocked(exclude map[string]bool) *entry {
	var best *entry
	var bestScore float64
	for id, e := range p.workers {
		if exclude != nil && exclude[id] {
			continue
		}
		if !e.ref.Permissions.CanExecuteTasks() {
			continue
		}
		score := float64(e.load)*100 + e.ref.LoadFactor
		if best == nil || score < bestScore {
			best = e
			bestScore = score
		}
	}
	return best
}

// LoadFactorOf returns the last-reported LoadFactor of workerId, or 0 if
// unknown, consulted by the admin surface (GetAllNodes) for introspection.
func (p *Pool) LoadFactorOf(workerId string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.workers[workerId]; ok {
		return e.ref.LoadFactor
	}
	return 0
}

// LoadFactorStats reports the mean and standard deviation of every
// currently-attached worker's LoadFactor, using gonum/stat — the same
// dependency master/internal/aod/theta_trainer.go pulls in gonum/mat for
// its affinity-weight regression, applied here to the one real-valued
// statistic this cluster's heartbeat actually produces rather than a
// hand-rolled variance accumulator. Consulted by the admin surface to
// flag a cluster whose load is unevenly spread across workers even
// though leastLoadedLocked's per-placement tiebreak never sees the
// distribution as a whole.
func (p *Pool) LoadFactorStats() (mean, stddev float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.workers) == 0 {
		return 0, 0
	}
	samples := make([]float64, 0, len(p.workers))
	for _, e := range p.workers {
		samples = append(samples, e.ref.LoadFactor)
	}
	return stat.MeanStdDev(samples, nil)
}

// Release returns one reservation of load to the pool, called after a
// task posted to the worker settles (success, fault, or re-dispatch).
func (p *Pool) Release(workerId string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.workers[workerId]; ok && e.load > 0 {
		e.load--
	}
}

// GetAvailableWorkerCount returns the number of workers eligible to
// execute tasks right now.
func (p *Pool) GetAvailableWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, e := range p.workers {
		if e.ref.Permissions.CanExecuteTasks() {
			n++
		}
	}
	return n
}

// OnWorkerFailure removes a worker from the pool and notifies subscribers.
func (p *Pool) OnWorkerFailure(workerId string) {
	p.mu.Lock()
	_, existed := p.workers[workerId]
	delete(p.workers, workerId)
	subs := append([]chan<- FailureEvent(nil), p.subscribers...)
	p.mu.Unlock()

	if !existed {
		return
	}

	mlog.Component("workerpool").Warn().Str("worker_id", workerId).Msg("worker removed from pool")
	for _, ch := range subs {
		select {
		case ch <- FailureEvent{WorkerId: workerId}:
		default:
		}
	}
}

// Subscribe returns a channel that receives a FailureEvent for every
// subsequent OnWorkerFailure call.
func (p *Pool) Subscribe() <-chan FailureEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan FailureEvent, 16)
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// CleanupStale evicts workers whose last heartbeat is older than timeout,
// returning their ids. Intended to run on a periodic ticker.
func (p *Pool) CleanupStale(timeout time.Duration) []string {
	p.mu.Lock()
	cutoff := time.Now().Add(-timeout)
	var stale []string
	for id, e := range p.workers {
		if e.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	p.mu.Unlock()

	for _, id := range stale {
		p.OnWorkerFailure(id)
	}
	return stale
}
