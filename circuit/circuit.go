// Package circuit implements the confined single-threaded execution
// engine: a dedicated worker goroutine draining a caller-facing ingress
// queue and a worker-only transit queue, with cascading-emission
// priority and await-style synchronous barriers (spec.md §4.8).
package circuit

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"

	"code.hybscloud.com/substrates/errs"
	"code.hybscloud.com/substrates/internal/queue"
	"code.hybscloud.com/substrates/name"
	"code.hybscloud.com/substrates/subject"
	"code.hybscloud.com/substrates/substrate"
)

// Handler reports a user-callback failure (composer, subscriber
// callback, flow operator body, or emission receptor) that reached the
// worker without being otherwise handled. n is the Name of the circuit
// whose worker observed the failure.
type Handler func(n *name.Name, err error)

// workItem is one unit of worker-executed work: a closure plus an
// optional completion signal for Await's synchronous barrier. A
// non-nil returned error is treated the same as a recovered panic:
// counted and, if a Handler is installed, reported through it.
type workItem struct {
	fn   func() error
	done chan struct{}
}

// Circuit is a confined single-threaded event loop: exactly one worker
// goroutine executes every emission delivery, flow-operator body,
// subscriber callback, rebuild, composer invocation, and subscription
// (de)registration that belongs to it.
type Circuit struct {
	substrate.SourceMarker
	substrate.ResourceMarker

	subj        *subject.Subject[Circuit]
	fingerprint uint64
	ids         *subject.IDFactory

	ingress *queue.MPSC[workItem]
	transit *queue.SPSC[workItem]

	handler  Handler
	failures atomix.Uint64

	workerGID atomix.Uint64 // goroutine ID of the dedicated worker, 0 until run() starts
	closed    atomix.Bool
	closeOnce sync.Once
	stopped   chan struct{}
}

var fingerprintSeq atomix.Uint64

func nextFingerprint() uint64 { return fingerprintSeq.AddAcqRel(1) }

// New constructs a Circuit and starts its dedicated worker goroutine.
// ingressCapacity/transitCapacity round up to the next power of 2
// (internal/queue's convention). handler may be nil, in which case
// failures are only counted (see FailureCount), never reported.
func New(subj *subject.Subject[Circuit], ingressCapacity, transitCapacity int, handler Handler) *Circuit {
	c := &Circuit{
		subj:    subj,
		ingress: queue.NewMPSC[workItem](ingressCapacity),
		transit: queue.NewSPSC[workItem](transitCapacity),
		handler: handler,
		stopped: make(chan struct{}),
	}
	c.fingerprint = nextFingerprint()
	c.ids = subject.NewIDFactory(c.fingerprint)
	go c.run()
	return c
}

// Subject returns this circuit's Subject.
func (c *Circuit) Subject() *subject.Subject[Circuit] { return c.subj }

// ExtentName implements subject.Extent.
func (c *Circuit) ExtentName() *name.Name { return c.subj.Name() }

// Enclosure implements subject.Extent. A Circuit is always a root.
func (c *Circuit) Enclosure() (subject.Extent, bool) { return nil, false }

// Fingerprint returns the identity stamped onto every subject.ID minted
// by this circuit's IDFactory — the mechanism behind foreign-substrate
// detection.
func (c *Circuit) Fingerprint() uint64 { return c.fingerprint }

// IDs returns this circuit's subject.IDFactory.
func (c *Circuit) IDs() *subject.IDFactory { return c.ids }

// FailureCount returns the number of user-callback failures observed so
// far (the default-handler "count" half of "drop + count").
func (c *Circuit) FailureCount() uint64 { return c.failures.LoadAcquire() }

// goroutineID extracts the calling goroutine's numeric ID by parsing the
// "goroutine N [...]" header runtime.Stack always writes first. There is
// no supported Go API for goroutine identity; this is the narrowest use
// of the trick, confined to telling apart "the dedicated worker" from
// "everyone else" for dual-queue routing.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	b = bytes.TrimPrefix(b, []byte(prefix))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// onWorker reports whether the calling goroutine is this circuit's
// dedicated worker.
func (c *Circuit) onWorker() bool {
	return c.workerGID.LoadAcquire() == goroutineID()
}

// Enqueue schedules work for execution on the worker. Called from the
// worker's own goroutine (a cascading emission triggered while
// processing another item), work is pushed onto the transit queue ahead
// of any pending ingress item; called from any other goroutine, it is
// pushed onto the ingress queue. Dropped silently once the circuit is
// closed (best-effort, per spec.md's "pending ingress work is drained
// best-effort"). A non-nil error returned by work is routed to the
// Handler the same way a recovered panic is.
func (c *Circuit) Enqueue(work func() error) {
	if c.closed.LoadAcquire() {
		return
	}
	item := workItem{fn: work}
	if c.onWorker() {
		var sw spin.Wait
		for {
			if err := c.transit.Enqueue(&item); err == nil {
				return
			}
			sw.Once()
		}
	}
	var bo iox.Backoff
	for {
		if err := c.ingress.Enqueue(&item); err == nil {
			bo.Reset()
			return
		}
		if c.closed.LoadAcquire() {
			return
		}
		bo.Wait()
	}
}

// Await enqueues a sentinel onto the ingress queue and blocks until the
// worker processes it. Because the worker fully drains the transit
// queue before advancing past an ingress item, completion of the
// sentinel implies completion of every causally prior cascade. Calling
// Await from the circuit's own worker goroutine panics with an
// IllegalState error (it would deadlock). After Close, Await returns
// immediately without running work.
func (c *Circuit) Await(work func() error) {
	if c.onWorker() {
		panic(errs.Wrap(errs.IllegalState, nil, "circuit: await called from the circuit's own worker goroutine"))
	}
	if c.closed.LoadAcquire() {
		return
	}
	done := make(chan struct{})
	item := workItem{fn: work, done: done}
	var bo iox.Backoff
	for {
		if err := c.ingress.Enqueue(&item); err == nil {
			bo.Reset()
			break
		}
		if c.closed.LoadAcquire() {
			return
		}
		bo.Wait()
	}
	<-done
}

// Close is idempotent and non-blocking: it marks the circuit closed and
// calls Drain on the ingress queue (a hint that no further producers will
// enqueue); the worker keeps dequeuing until both queues are empty. It
// does not wait for the worker to exit.
func (c *Circuit) Close() error {
	c.closeOnce.Do(func() {
		c.closed.StoreRelease(true)
		c.ingress.Drain()
	})
	return nil
}

// Stopped returns a channel closed once the worker goroutine has
// observed both queues empty after Close.
func (c *Circuit) Stopped() <-chan struct{} { return c.stopped }

func (c *Circuit) run() {
	c.workerGID.StoreRelease(goroutineID())
	defer close(c.stopped)

	var sw spin.Wait
	for {
		if item, err := c.transit.Dequeue(); err == nil {
			c.execute(item)
			continue
		}
		if item, err := c.ingress.Dequeue(); err == nil {
			c.execute(item)
			continue
		}
		if c.closed.LoadAcquire() {
			return
		}
		sw.Once()
	}
}

func (c *Circuit) execute(item workItem) {
	func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				c.report(panicToError(r))
				return
			}
			if err != nil {
				c.report(errs.Wrap(errs.UserCallbackFailure, err, "circuit: callback returned an error"))
			}
		}()
		err = item.fn()
	}()
	if item.done != nil {
		close(item.done)
	}
}

// report counts a user-callback failure and forwards it to the
// installed Handler, if any.
func (c *Circuit) report(err error) {
	c.failures.AddAcqRel(1)
	if c.handler != nil {
		c.handler(c.subj.Name(), err)
	}
}

func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return errs.Wrap(errs.UserCallbackFailure, err, "circuit: callback panicked")
	}
	return errs.Wrap(errs.UserCallbackFailure, nil, fmt.Sprintf("circuit: callback panicked: %v", r))
}
