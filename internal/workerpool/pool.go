// Package workerpool executes tool invocations off the session loop on
// a bounded set of workers, with FIFO queueing, cooperative
// cancellation, idle reaping, and cold-start warm-up.
package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// AskUserTool is not executable inside the daemon; calls to it must be
// surfaced to a client as a permission request instead.
const AskUserTool = "ask_user"

var (
	// ErrAskUser is the sentinel returned for ask_user invocations.
	ErrAskUser = errors.New("ask_user is not executable in the daemon; surface a permission request")

	// ErrPoolClosed is returned for jobs submitted after Close.
	ErrPoolClosed = errors.New("worker pool closed")

	// ErrWorkerTerminated fails a job whose worker was killed mid-run.
	ErrWorkerTerminated = errors.New("worker terminated during execution")
)

// ToolFunc executes one tool invocation. Implementations should honor
// ctx cancellation at their blocking points.
type ToolFunc func(ctx context.Context, name string, args json.RawMessage) (string, error)

// Config bounds the pool.
type Config struct {
	MinWorkers    int
	MaxWorkers    int
	IdleThreshold time.Duration
	ReapInterval  time.Duration
}

type job struct {
	name   string
	args   json.RawMessage
	ctx    context.Context
	result chan jobResult
	worker *worker // set once dispatched
}

type jobResult struct {
	out string
	err error
}

type worker struct {
	id         int
	jobCh      chan *job
	lastActive time.Time
	busy       bool
	terminated bool
	current    *job // job executing right now, nil when idle
}

// Pool dispatches jobs to workers, spawning lazily up to MaxWorkers and
// reaping idle workers down to MinWorkers.
type Pool struct {
	exec   ToolFunc
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	queue        []*job
	workers      map[int]*worker
	nextWorkerID int
	spawnedTotal int
	closed       bool

	reapStop chan struct{}
	reapDone chan struct{}
}

// New creates a Pool. MaxWorkers below 1 is clamped to 1.
func New(exec ToolFunc, cfg Config, logger *slog.Logger) *Pool {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.MinWorkers < 0 {
		cfg.MinWorkers = 0
	}
	if cfg.MinWorkers > cfg.MaxWorkers {
		cfg.MinWorkers = cfg.MaxWorkers
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = 60 * time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		exec:     exec,
		cfg:      cfg,
		logger:   logger.With("component", "workerpool"),
		workers:  make(map[int]*worker),
		reapStop: make(chan struct{}),
		reapDone: make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// Warmup pre-creates up to n idle workers so the first tool call does
// not pay spawn latency.
func (p *Pool) Warmup(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for i := 0; i < n && len(p.workers) < p.cfg.MaxWorkers; i++ {
		p.spawnLocked()
	}
}

// Run executes one tool invocation. It rejects immediately if ctx is
// already done, queues the job FIFO otherwise, and waits for the
// result. Cancelling ctx before dispatch removes the job from the
// queue; after dispatch it terminates the executing worker and fails
// the job.
func (p *Pool) Run(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if name == AskUserTool {
		return "", ErrAskUser
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	j := &job{
		name:   name,
		args:   args,
		ctx:    ctx,
		result: make(chan jobResult, 1),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrPoolClosed
	}
	p.queue = append(p.queue, j)
	p.dispatchLocked()
	p.mu.Unlock()

	select {
	case res := <-j.result:
		return res.out, res.err
	case <-ctx.Done():
		return "", p.cancelJob(j, ctx.Err())
	}
}

// cancelJob handles a job whose context fired. Queued jobs are removed;
// dispatched jobs kill the worker and free its slot. There is no
// portable way to interrupt a blocking tool synchronously, so the
// worker is detached and the queue is re-dispatched onto the freed
// slot immediately.
func (p *Pool) cancelJob(j *job, cause error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, queued := range p.queue {
		if queued == j {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return cause
		}
	}

	// Dispatched: the worker may also have just finished; prefer the
	// real result when it is already available.
	select {
	case res := <-j.result:
		if res.err != nil {
			return res.err
		}
		return nil
	default:
	}

	// Terminate only while the worker is still on this job. A finished
	// job leaves w.current pointing elsewhere (or nil); killing the
	// worker then would strand whatever it is doing now.
	if w := j.worker; w != nil && !w.terminated && w.current == j {
		w.terminated = true
		delete(p.workers, w.id)
		close(w.jobCh)
		p.logger.Debug("terminated worker for cancelled job", "worker", w.id, "tool", j.name)
		p.dispatchLocked()
	}
	return cause
}

// dispatchLocked assigns queued jobs to idle workers, spawning new ones
// while below MaxWorkers. Must be called with p.mu held.
func (p *Pool) dispatchLocked() {
	for len(p.queue) > 0 {
		w := p.idleWorkerLocked()
		if w == nil {
			if len(p.workers) >= p.cfg.MaxWorkers {
				return
			}
			w = p.spawnLocked()
		}
		j := p.queue[0]
		p.queue = p.queue[1:]
		w.busy = true
		w.current = j
		j.worker = w
		w.jobCh <- j
	}
}

func (p *Pool) idleWorkerLocked() *worker {
	for _, w := range p.workers {
		if !w.busy {
			return w
		}
	}
	return nil
}

// spawnLocked creates one worker. Must be called with p.mu held.
func (p *Pool) spawnLocked() *worker {
	p.nextWorkerID++
	p.spawnedTotal++
	w := &worker{
		id:         p.nextWorkerID,
		jobCh:      make(chan *job, 1),
		lastActive: time.Now(),
	}
	p.workers[w.id] = w
	go p.workerLoop(w)
	p.logger.Debug("spawned worker", "worker", w.id, "workers", len(p.workers))
	return w
}

func (p *Pool) workerLoop(w *worker) {
	for j := range w.jobCh {
		out, err := p.runJob(j)

		p.mu.Lock()
		if w.terminated {
			// The job was already failed by cancelJob; the slot is gone.
			p.mu.Unlock()
			return
		}
		w.busy = false
		w.current = nil
		w.lastActive = time.Now()
		p.dispatchLocked()
		p.mu.Unlock()

		j.result <- jobResult{out: out, err: err}
	}
}

// runJob executes one job, converting a panicking tool into a job
// error so the worker survives.
func (p *Pool) runJob(j *job) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", j.name, r)
			p.logger.Error("tool panic", "tool", j.name, "panic", r)
		}
	}()
	return p.exec(j.ctx, j.name, j.args)
}

// reapLoop periodically retires workers idle beyond the threshold,
// keeping at least MinWorkers alive.
func (p *Pool) reapLoop() {
	defer close(p.reapDone)
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.reapStop:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	cutoff := time.Now().Add(-p.cfg.IdleThreshold)
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, w := range p.workers {
		if len(p.workers) <= p.cfg.MinWorkers {
			return
		}
		if !w.busy && w.lastActive.Before(cutoff) {
			delete(p.workers, id)
			close(w.jobCh)
			p.logger.Debug("reaped idle worker", "worker", id)
		}
	}
}

// Stats describes the pool's current occupancy.
type Stats struct {
	Busy         int
	Idle         int
	Queued       int
	SpawnedTotal int
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Queued: len(p.queue), SpawnedTotal: p.spawnedTotal}
	for _, w := range p.workers {
		if w.busy {
			s.Busy++
		} else {
			s.Idle++
		}
	}
	return s
}

// Close stops the reaper, fails all queued jobs, and retires every
// idle worker. Jobs already running are left to finish.
func (p *Pool) Close() {
	close(p.reapStop)
	<-p.reapDone

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, j := range p.queue {
		j.result <- jobResult{err: ErrPoolClosed}
	}
	p.queue = nil
	for id, w := range p.workers {
		if !w.busy {
			delete(p.workers, id)
			close(w.jobCh)
		}
	}
}
