package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chazu/strata/internal/goid"
	"github.com/chazu/strata/malloc"
	"github.com/chazu/strata/vm"
)

// ErrStopped is returned by Do once the worker has been stopped.
var ErrStopped = errors.New("game thread stopped")

// gameRequest represents a unit of work to be executed on the game thread.
type gameRequest struct {
	fn   func(*vm.VM) (any, error)
	done chan gameResult
}

// gameResult holds the return value from a game thread operation.
type gameResult struct {
	value any
	err   error
}

// Worker owns the game thread. The VM and the allocator chain beneath it
// are driven from a single goroutine; console handlers and metric scrapes
// go through Do.
type Worker struct {
	vm       *vm.VM
	requests chan gameRequest
	quit     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
	interval time.Duration
	frames   uint64
}

// NewWorker creates a Worker and starts the game thread. A positive
// interval also ticks the VM and the allocator at that rate.
func NewWorker(v *vm.VM, interval time.Duration) *Worker {
	w := &Worker{
		vm:       v,
		requests: make(chan gameRequest, 64),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		interval: interval,
	}
	go w.loop()
	return w
}

// loop processes requests and frame ticks sequentially.
func (w *Worker) loop() {
	defer close(w.stopped)
	id := goid.Current()
	goid.SetGameThreadID(id)
	defer func() {
		if goid.GameThread() == id {
			goid.SetGameThreadID(0)
		}
	}()

	var tick <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	last := time.Now()

	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case now := <-tick:
			dt := now.Sub(last).Seconds()
			last = now
			w.frame(dt)
		case <-w.quit:
			return
		}
	}
}

// frame advances the VM and the allocator chain by dt seconds.
func (w *Worker) frame(dt float64) {
	w.frames++
	if err := w.vm.Tick(float32(dt)); err != nil {
		log.Errorf("frame %d: %s", w.frames, err)
	}
	malloc.Tick(dt)
}

// execute runs a function on the VM, recovering from panics.
func (w *Worker) execute(fn func(*vm.VM) (any, error)) (result gameResult) {
	defer func() {
		if r := recover(); r != nil {
			if fe, ok := r.(*malloc.FatalError); ok {
				// Allocator faults are not recoverable.
				panic(fe)
			}
			result.err = fmt.Errorf("%v", r)
		}
	}()
	result.value, result.err = fn(w.vm)
	return result
}

// Do submits a function for execution on the game thread and blocks
// until it completes. Returns the result and any error (including panics).
func (w *Worker) Do(fn func(*vm.VM) (any, error)) (any, error) {
	req := gameRequest{
		fn:   fn,
		done: make(chan gameResult, 1),
	}
	select {
	case w.requests <- req:
	case <-w.stopped:
		return nil, ErrStopped
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-w.stopped:
		return nil, ErrStopped
	}
}

// Frames returns the number of frame ticks run so far. It must be called
// from the game thread.
func (w *Worker) Frames() uint64 { return w.frames }

// Stop shuts down the game thread and waits for it to exit.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	<-w.stopped
}

// VM returns the underlying VM. Callers off the game thread must use Do.
func (w *Worker) VM() *vm.VM {
	return w.vm
}
