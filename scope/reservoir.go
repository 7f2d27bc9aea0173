package scope

import (
	"iter"
	"sync"

	"code.hybscloud.com/spin"

	"code.hybscloud.com/substrates/channel"
	"code.hybscloud.com/substrates/conduit"
	"code.hybscloud.com/substrates/internal/queue"
	"code.hybscloud.com/substrates/pipe"
	"code.hybscloud.com/substrates/subject"
	"code.hybscloud.com/substrates/substrate"
)

// Capture pairs a captured emission with the Channel subject it arrived
// on.
type Capture[E any] struct {
	Subject  *subject.Subject[channel.Channel[E]]
	Emission E
}

// Reservoir subscribes to a conduit at construction and appends every
// emission delivered on the worker, together with its channel subject,
// to an internal MPSC buffer (spec.md §4.10, and §3's explicit
// `capture-buffer: MPSC` data-model annotation). Drain atomically swaps
// the buffer contents out and returns a restartable snapshot sequence;
// Close detaches the subscription. P is the source conduit's percept
// type; a Reservoir only ever observes its emissions, not its percepts.
type Reservoir[P, E any] struct {
	substrate.Marker
	substrate.ResourceMarker

	subj *subject.Subject[Reservoir[P, E]]
	sub  *conduit.Subscription

	buf     *queue.MPSC[Capture[E]]
	drainMu sync.Mutex // serializes Drain's consumer role: MPSC allows exactly one
}

// NewReservoir constructs a Reservoir over source, registering a
// permanent subscriber whose only job is to append captures. capacity is
// the MPSC buffer's size (rounds up to a power of 2, as with every
// internal/queue structure).
func NewReservoir[P, E any](subj *subject.Subject[Reservoir[P, E]], source *conduit.Conduit[P, E], capacity int) *Reservoir[P, E] {
	r := &Reservoir[P, E]{
		subj: subj,
		buf:  queue.NewMPSC[Capture[E]](capacity),
	}
	r.sub = source.Subscribe(r.onSubscribe)
	return r
}

// Subject returns this reservoir's Subject.
func (r *Reservoir[P, E]) Subject() *subject.Subject[Reservoir[P, E]] { return r.subj }

func (r *Reservoir[P, E]) onSubscribe(subj *subject.Subject[channel.Channel[E]], reg *channel.Registrar[E]) error {
	reg.Pipe(pipe.Sink(func(v E) error {
		r.capture(subj, v)
		return nil
	}))
	return nil
}

// capture appends one (subject, emission) pair. Only ever called on the
// circuit worker (the channel delivery path), so it is effectively a
// single-producer append even though the buffer supports many.
func (r *Reservoir[P, E]) capture(subj *subject.Subject[channel.Channel[E]], v E) {
	item := Capture[E]{Subject: subj, Emission: v}
	var sw spin.Wait
	for {
		if err := r.buf.Enqueue(&item); err == nil {
			return
		}
		sw.Once()
	}
}

// Drain atomically swaps out everything captured so far and returns it
// as a restartable (re-iterable) sequence of (subject, emission) pairs,
// oldest first. Concurrent Drain calls are serialized: the underlying
// MPSC buffer supports exactly one consumer at a time.
func (r *Reservoir[P, E]) Drain() iter.Seq[Capture[E]] {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()

	var items []Capture[E]
	for {
		v, err := r.buf.Dequeue()
		if err != nil {
			break
		}
		items = append(items, v)
	}
	return func(yield func(Capture[E]) bool) {
		for _, it := range items {
			if !yield(it) {
				return
			}
		}
	}
}

// Close detaches the subscription. Idempotent via the underlying
// subscription's own idempotency (conduit.Subscription.Close).
func (r *Reservoir[P, E]) Close() error {
	return r.sub.Close()
}
