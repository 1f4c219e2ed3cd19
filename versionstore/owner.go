package versionstore

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

const ownerJobBacklog = 256

// ownerLoop is the explicit owning execution context of a store: a single
// goroutine that runs all live-handle mutation, listener dispatch and
// resolve calls. Work reaches it as posted jobs; nothing else ever touches
// loop-confined state.
type ownerLoop struct {
	jobs    chan func()
	stop    chan struct{}
	stopped chan struct{}

	mu     sync.Mutex
	closed bool

	gid uint64 // set once by the loop goroutine before any job runs
	set chan struct{}
}

func newOwnerLoop() *ownerLoop {
	o := &ownerLoop{
		jobs:    make(chan func(), ownerJobBacklog),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		set:     make(chan struct{}),
	}

	go o.run()
	<-o.set

	return o
}

func (o *ownerLoop) run() {
	o.gid = currentGoroutineID()
	close(o.set)

	defer close(o.stopped)

	for {
		select {
		case job := <-o.jobs:
			job()
		case <-o.stop:
			// Drain jobs already posted so close-time deregistration
			// cannot be lost.
			for {
				select {
				case job := <-o.jobs:
					job()
				default:
					return
				}
			}
		}
	}
}

// post schedules a job on the owning goroutine. Returns false once the loop
// is shut down; the job is dropped in that case.
func (o *ownerLoop) post(job func()) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.mu.Unlock()

	select {
	case o.jobs <- job:
		return true
	case <-o.stopped:
		return false
	}
}

// call runs the job on the owning goroutine and waits for it to finish.
// Runs inline when already called from the owning goroutine.
func (o *ownerLoop) call(job func()) error {
	if o.isCurrent() {
		job()
		return nil
	}

	done := make(chan struct{})
	if !o.post(func() {
		job()
		close(done)
	}) {
		return ErrStoreClosed
	}

	select {
	case <-done:
		return nil
	case <-o.stopped:
		return ErrStoreClosed
	}
}

// shutdown stops the loop after draining posted jobs; blocks until the loop
// goroutine exits. Idempotent.
func (o *ownerLoop) shutdown() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		<-o.stopped
		return
	}
	o.closed = true
	o.mu.Unlock()

	close(o.stop)
	<-o.stopped
}

// isCurrent reports whether the calling goroutine is the owning goroutine.
func (o *ownerLoop) isCurrent() bool {
	return currentGoroutineID() == o.gid
}

// assertCurrent panics when a goroutine-confined operation is attempted off
// the owning goroutine. Silent misuse would corrupt live-handle state.
func (o *ownerLoop) assertCurrent(operation string) {
	if !o.isCurrent() {
		panicMisuse(operation + " called from a goroutine that does not own the store")
	}
}

// currentGoroutineID parses the goroutine ID from the runtime stack header
// ("goroutine 123 [running]:"). The runtime exposes no cheaper identity, and
// the explicit-ownership model needs one to fail fast on confinement misuse.
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)

	header := buf[:n]
	header = bytes.TrimPrefix(header, []byte("goroutine "))
	if idx := bytes.IndexByte(header, ' '); idx > 0 {
		header = header[:idx]
	}

	id, parseErr := strconv.ParseUint(string(header), 10, 64)
	if parseErr != nil {
		return 0
	}

	return id
}
