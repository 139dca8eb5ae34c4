package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/bdobrica/kotoba/common/trace"
	"github.com/bdobrica/kotoba/internal/kotoba/event"
)

// ErrLoopClosed is returned by Submit and Do after Stop.
var ErrLoopClosed = errors.New("dispatch loop stopped")

type job struct {
	ev *event.Event
	// traceID carries the submitter's trace into the handling of ev.
	traceID string
	fn      func(ctx context.Context)
	done    chan struct{}
}

type queue struct {
	jobs []job
}

// Loop feeds events to a Dispatcher. Events of one conversation are taken in
// arrival order: the next one starts once the previous has claimed its
// session or finished. Conversations proceed independently.
type Loop struct {
	d      *Dispatcher
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
	wg     sync.WaitGroup
}

// NewLoop returns a running loop. Handler contexts derive from ctx.
func NewLoop(ctx context.Context, d *Dispatcher) *Loop {
	ctx, cancel := context.WithCancel(ctx)
	return &Loop{d: d, ctx: ctx, cancel: cancel, queues: make(map[string]*queue)}
}

// Submit queues ev for dispatch.
func (l *Loop) Submit(ev *event.Event) error {
	return l.SubmitContext(context.Background(), ev)
}

// SubmitContext queues ev for dispatch under the trace ID carried by ctx.
// Only the trace is kept: handling outlives ctx.
func (l *Loop) SubmitContext(ctx context.Context, ev *event.Event) error {
	return l.enqueue(l.d.Key(ev), job{ev: ev, traceID: trace.FromContext(ctx)})
}

// Do runs fn on the worker of key, after the events already queued there
// have been admitted, and waits for it.
func (l *Loop) Do(ctx context.Context, key string, fn func(ctx context.Context)) error {
	done := make(chan struct{})
	if err := l.enqueue(key, job{fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) enqueue(key string, j job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLoopClosed
	}
	q, ok := l.queues[key]
	if !ok {
		q = &queue{}
		l.queues[key] = q
	}
	q.jobs = append(q.jobs, j)
	if !ok {
		l.wg.Add(1)
		go l.work(key, q)
	}
	return nil
}

// work drains the queue of one key and exits when it is empty.
func (l *Loop) work(key string, q *queue) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		if len(q.jobs) == 0 {
			delete(l.queues, key)
			l.mu.Unlock()
			return
		}
		j := q.jobs[0]
		q.jobs = q.jobs[1:]
		l.mu.Unlock()

		l.run(j)
	}
}

func (l *Loop) run(j job) {
	if j.fn != nil {
		defer close(j.done)
		if l.ctx.Err() == nil {
			j.fn(l.ctx)
		}
		return
	}
	if l.ctx.Err() != nil {
		return
	}

	admitted := make(chan struct{})
	var once sync.Once
	admit := func() { once.Do(func() { close(admitted) }) }

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("dispatch: panic while handling event", "event", j.ev.Name(), "panic", r)
				admit()
			}
		}()
		ctx := l.ctx
		if j.traceID != "" {
			ctx = trace.WithTraceID(ctx, j.traceID)
		}
		l.d.handle(ctx, j.ev, admit)
	}()

	select {
	case <-admitted:
	case <-l.ctx.Done():
	}
}

// Stop refuses new events, cancels in-flight handling and waits for the
// workers to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cancel()
	l.wg.Wait()
}
