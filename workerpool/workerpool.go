// Package workerpool implements the bounded worker pool a Context uses
// to run the FrameReceived callbacks of channels without the serialize
// flag, and the connection idle timer, off the per-connection reader
// goroutine, per spec.md §4.7/§5. Channel Start and Close callbacks do
// not go through it.
//
// BX-D-mini-RPC's server dispatches one unbounded goroutine per request
// (mini-rpc/server.handleRequest). A single BEEP Context may multiplex
// many connections and channels at once, so an unbounded per-callback
// goroutine is not acceptable; Pool generalizes that dispatch pattern
// to a fixed-size worker set with a bounded backlog, recovering and
// reporting a panicking task the way the teacher's trace hooks report
// other failures.
package workerpool

import (
	"context"
	"sync"
	"time"

	"github.com/damianoneill/beep/beeperr"
	"github.com/damianoneill/beep/trace"
)

// Task is a unit of work submitted to a Pool.
type Task func()

// Pool is a fixed-capacity set of worker goroutines draining a shared
// backlog channel. Workers recover a panicking Task, report it via
// trace.Trace.WorkerPanic, and continue serving the backlog.
type Pool struct {
	tasks  chan Task
	trace  *trace.Trace
	wg     sync.WaitGroup
	skip   bool
	closed chan struct{}
	once   sync.Once
}

// Config controls Pool construction.
type Config struct {
	// Workers is the number of worker goroutines. Must be >= 1.
	Workers int
	// Backlog bounds how many pending tasks Schedule will buffer before
	// blocking the caller. Zero means unbuffered (every Schedule blocks
	// until a worker is free).
	Backlog int
	// SkipDrainOnClose, if true, makes Close abandon any tasks still
	// queued in the backlog rather than waiting for them to run — the
	// resolution to spec.md §9's worker-pool shutdown Open Question
	// when the caller prefers abrupt shutdown over graceful drain.
	SkipDrainOnClose bool
	Trace            *trace.Trace
}

// New creates a running Pool per cfg.
func New(ctx context.Context, cfg Config) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	tr := cfg.Trace
	if tr == nil {
		tr = trace.From(ctx)
	}

	p := &Pool{
		tasks:  make(chan Task, cfg.Backlog),
		trace:  tr,
		skip:   cfg.SkipDrainOnClose,
		closed: make(chan struct{}),
	}

	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		p.run(t)
	}
}

func (p *Pool) run(t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.trace.WorkerPanic(r)
		}
	}()
	t()
}

// Schedule enqueues t for execution by a worker. It returns a Resource
// error if the pool has already been closed.
func (p *Pool) Schedule(t Task) error {
	select {
	case <-p.closed:
		return beeperr.New(beeperr.Resource, "worker pool closed")
	default:
	}

	select {
	case p.tasks <- t:
		return nil
	case <-p.closed:
		return beeperr.New(beeperr.Resource, "worker pool closed")
	}
}

// RunEvery schedules task to be submitted to the pool once per
// interval until stop is signalled, following the same
// time.NewTicker-driven loop BX-D-mini-RPC's ClientTransport uses to
// drive its periodic heartbeat frames. Used for the connection idle
// timer (beep.Config.IdleTimeout).
func (p *Pool) RunEvery(interval time.Duration, task Task) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-p.closed:
				return
			case <-ticker.C:
				_ = p.Schedule(task)
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Close stops accepting new tasks and shuts down the pool. If
// SkipDrainOnClose is false (the default), Close blocks until every
// already-queued task has run; if true, it closes the backlog
// immediately and queued-but-not-yet-started tasks are discarded.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.closed)
		if p.skip {
			p.drainWithoutRunning()
			return
		}
		close(p.tasks)
		p.wg.Wait()
	})
}

// drainWithoutRunning discards whatever is currently buffered in the
// backlog and stops the workers without waiting for them to finish a
// task already in flight.
func (p *Pool) drainWithoutRunning() {
	for {
		select {
		case <-p.tasks:
		default:
			close(p.tasks)
			return
		}
	}
}
