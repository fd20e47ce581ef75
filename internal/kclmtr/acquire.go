package kclmtr

import (
	"sync"
	"sync/atomic"
	"time"
)

// Controller intent, written by the controlling goroutine.
const (
	intentIdle int32 = iota
	intentRunning
	intentStopRequested
)

// Worker status, written by the worker goroutine.
const (
	statusIdle int32 = iota
	statusRunning
)

// worker is one run of a continuous acquisition.
type worker struct {
	mode   Mode
	intent atomic.Int32
	status atomic.Int32

	started chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newWorker(mode Mode) *worker {
	return &worker{
		mode:    mode,
		started: make(chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (w *worker) requestStop() {
	w.once.Do(func() {
		w.intent.Store(intentStopRequested)
		close(w.stop)
	})
}

func (w *worker) stopping() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

func (w *worker) running() bool { return w.status.Load() == statusRunning }

// job is what a worker runs. setup may request a stop; step returns false
// to stop the acquisition.
type job struct {
	mode     Mode
	setup    func(w *worker)
	step     func(w *worker) bool
	teardown func()
}

// startWorker stops the current worker, spawns one for j and returns once
// it is running.
func (d *Device) startWorker(j job) error {
	if err := d.stopWorker(); err != nil {
		return err
	}
	w := newWorker(j.mode)
	w.intent.Store(intentRunning)

	d.mu.Lock()
	d.w = w
	d.mu.Unlock()

	go d.run(w, j)
	<-w.started
	return nil
}

func (d *Device) run(w *worker, j job) {
	defer close(w.done)

	w.status.Store(statusRunning)
	d.m.WorkerRunning(true)
	close(w.started)
	d.log.Debugf("%s acquisition started", w.mode)

	if j.setup != nil {
		j.setup(w)
	}
	for w.intent.Load() == intentRunning {
		if !j.step(w) {
			w.requestStop()
		}
	}
	if j.teardown != nil {
		j.teardown()
	}

	w.status.Store(statusIdle)
	d.m.WorkerRunning(false)
	d.log.Debugf("%s acquisition stopped", w.mode)
}

// stopWorker requests a stop and joins the worker. If the worker does not
// finish within the stop timeout the transport is closed to unblock it.
func (d *Device) stopWorker() error {
	d.mu.Lock()
	w := d.w
	d.mu.Unlock()
	if w == nil {
		return nil
	}

	w.requestStop()
	var err error
	select {
	case <-w.done:
	case <-time.After(d.stopTimeout):
		d.log.Errorf("%s acquisition did not stop within %v, closing transport", w.mode, d.stopTimeout)
		d.dropTransport()
		err = ErrStopTimeout
	}

	d.mu.Lock()
	if d.w == w {
		d.w = nil
	}
	d.mu.Unlock()
	return err
}

// activeMode returns the mode of the running worker.
func (d *Device) activeMode() Mode {
	d.mu.Lock()
	w := d.w
	d.mu.Unlock()
	if w == nil || !w.running() {
		return ModeNone
	}
	return w.mode
}

// ActiveMode returns the continuous acquisition currently running.
func (d *Device) ActiveMode() Mode { return d.activeMode() }

// Stop ends any continuous acquisition.
func (d *Device) Stop() error { return d.stopWorker() }
