// Package control owns the single goroutine on which every world-engine
// mutation happens. Other goroutines hand work to it with Submit or Call.
package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

var ErrStopped = errors.New("control loop stopped")

type Loop struct {
	logger *log.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool // guarded by mu
	wake    chan struct{}
	running atomic.Bool
	done    chan struct{}

	periodic []periodicTask
}

type periodicTask struct {
	name     string
	interval time.Duration
	fn       func()
	pending  *atomic.Bool
}

func NewLoop(logger *log.Logger) *Loop {
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Every registers fn to run on the loop at the given interval once Run starts.
// A tick is skipped while the previous one is still queued.
func (l *Loop) Every(name string, interval time.Duration, fn func()) {
	if interval <= 0 || fn == nil {
		return
	}
	l.periodic = append(l.periodic, periodicTask{name: name, interval: interval, fn: fn, pending: &atomic.Bool{}})
}

// Submit queues fn for the loop goroutine. It never blocks and is safe to call
// from the loop itself. Every accepted fn runs, even when the loop is shutting
// down; once the final drain has started Submit reports false.
func (l *Loop) Submit(fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it. It must not be called from the
// loop goroutine.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	resp := make(chan error, 1)
	if !l.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				resp <- fmt.Errorf("panic on control loop: %v", r)
			}
		}()
		resp <- fn()
	}) {
		return ErrStopped
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case err := <-resp:
			return err
		default:
			return ErrStopped
		}
	}
}

// Run drives the loop until ctx is cancelled. Work queued before shutdown
// still runs before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("control loop already running")
	}
	defer close(l.done)
	defer l.finish()

	var wg sync.WaitGroup
	tickCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		wg.Wait()
	}()
	for _, p := range l.periodic {
		wg.Add(1)
		go func(p periodicTask) {
			defer wg.Done()
			ticker := time.NewTicker(p.interval)
			defer ticker.Stop()
			for {
				select {
				case <-tickCtx.Done():
					return
				case <-ticker.C:
					if !p.pending.CompareAndSwap(false, true) {
						continue
					}
					l.Submit(func() {
						defer p.pending.Store(false)
						p.fn()
					})
				}
			}
		}(p)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
			l.drain(ctx)
		}
	}
}

// finish closes the queue to new work and runs whatever was accepted.
func (l *Loop) finish() {
	l.mu.Lock()
	l.stopped = true
	rest := l.queue
	l.queue = nil
	l.mu.Unlock()
	if len(rest) > 0 && l.logger != nil {
		l.logger.Printf("control loop stopping, running %d queued tasks", len(rest))
	}
	for _, fn := range rest {
		l.runOne(fn)
	}
}

func (l *Loop) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()
		for _, fn := range batch {
			l.runOne(fn)
		}
	}
}

func (l *Loop) runOne(fn func()) {
	defer func() {
		if r := recover(); r != nil && l.logger != nil {
			l.logger.Printf("control loop task panic: %v", r)
		}
	}()
	fn()
}
