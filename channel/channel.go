// Package channel implements the named emission port: a flow-wrapped pipe
// with a per-channel subscriber list that lazily rebuilds whenever the
// owning conduit's subscription version has advanced past what this
// channel has last observed (spec.md §4.5).
package channel

import (
	"code.hybscloud.com/substrates/errs"
	"code.hybscloud.com/substrates/flow"
	"code.hybscloud.com/substrates/pipe"
	"code.hybscloud.com/substrates/subject"
	"code.hybscloud.com/substrates/substrate"
)

// Registrar is the callback-scoped handle a Subscriber uses to attach
// sink pipes to the channel it was invoked for. It is valid only for the
// duration of that single invocation — using it afterward panics with an
// IllegalState error.
type Registrar[E any] struct {
	pipes []pipe.Pipe[E]
	valid bool
}

// Pipe attaches p as a sink for the channel this Registrar was issued
// for.
func (r *Registrar[E]) Pipe(p pipe.Pipe[E]) *Registrar[E] {
	if !r.valid {
		panic(errs.Wrap(errs.IllegalState, nil, "channel: Registrar used outside its subscriber callback"))
	}
	r.pipes = append(r.pipes, p)
	return r
}

// Subscriber is invoked at most once per (subscription, channel) pair, on
// the first emission visible to that subscription on that channel.
type Subscriber[E any] func(subj *subject.Subject[Channel[E]], r *Registrar[E]) error

// ActiveSubscription is one currently-registered subscriber, as seen by a
// Channel performing a rebuild.
type ActiveSubscription[E any] struct {
	ID       uint64
	Callback Subscriber[E]
}

// SubscriptionSource is what a Channel needs from its owning conduit: the
// current subscription version, and the ordered list of currently active
// subscriptions. Implemented by conduit.Conduit.
type SubscriptionSource[E any] interface {
	Version() uint64
	Active() []ActiveSubscription[E]
}

// Channel is a named emission port. Two Pipe() handles obtained from the
// same Channel both deliver into the same subscriber sink list; Channels
// are pooled by Name within a Conduit (conduit.Conduit.Percept).
type Channel[E any] struct {
	substrate.Marker

	subj   *subject.Subject[Channel[E]]
	source SubscriptionSource[E]
	accept func(work func() error)

	// flowPipe is materialized once, at construction, from an optional
	// channel-level Flow config; its terminal stage forwards to the
	// current sink list, read fresh on every delivery.
	flowPipe pipe.Pipe[E]

	localVersion       uint64
	rebuiltAtLeastOnce bool
	processed          map[uint64]bool
	sinksBySub         map[uint64][]pipe.Pipe[E]
	order              []uint64 // subscription IDs in registration order, for stable sink ordering
	sinks              []pipe.Pipe[E]
}

// New constructs a Channel. accept schedules a unit of work onto the
// owning circuit (ingress queue from an arbitrary caller, transit queue
// if already on the worker) — see package circuit. A non-nil error
// returned by the scheduled work reaches the circuit's Handler the same
// way a panicking callback does. flowCfg may be nil, meaning emissions
// forward to sinks unmodified.
func New[E any](subj *subject.Subject[Channel[E]], source SubscriptionSource[E], accept func(work func() error), flowCfg *flow.Config[E]) *Channel[E] {
	c := &Channel[E]{
		subj:       subj,
		source:     source,
		accept:     accept,
		processed:  make(map[uint64]bool),
		sinksBySub: make(map[uint64][]pipe.Pipe[E]),
	}
	terminal := pipe.Sink(func(v E) error {
		for _, sink := range c.sinks {
			if err := sink.Emit(v); err != nil {
				return err
			}
		}
		return nil
	})
	if flowCfg != nil {
		c.flowPipe = flowCfg.Materialize(terminal)
	} else {
		c.flowPipe = terminal
	}
	return c
}

// Subject returns this channel's Subject.
func (c *Channel[E]) Subject() *subject.Subject[Channel[E]] { return c.subj }

// Pipe returns an emission handle for this channel with no per-call flow.
func (c *Channel[E]) Pipe() pipe.Pipe[E] {
	return c.handle(nil)
}

// PipeConfigured returns an emission handle with its own per-call Flow,
// materialized once for this handle and confined to emissions made
// through it.
func (c *Channel[E]) PipeConfigured(configure func(*flow.Config[E])) pipe.Pipe[E] {
	cfg := flow.Build(configure)
	return c.handle(cfg)
}

func (c *Channel[E]) handle(cfg *flow.Config[E]) pipe.Pipe[E] {
	var handlePipe pipe.Pipe[E]
	if cfg != nil {
		handlePipe = cfg.Materialize(pipe.Sink(func(v E) error { return c.deliver(v) }))
	}
	return pipe.Sink(func(v E) error {
		c.accept(func() error {
			if handlePipe != nil {
				return handlePipe.Emit(v)
			}
			return c.deliver(v)
		})
		return nil
	})
}

// deliver runs on the circuit worker: rebuild-if-stale, then forward
// through the channel-level flow to the current sink list.
func (c *Channel[E]) deliver(v E) error {
	if err := c.maybeRebuild(); err != nil {
		return err
	}
	return c.flowPipe.Emit(v)
}

// maybeRebuild returns the error of the first failing subscriber
// callback, if any, leaving that subscription unprocessed so the next
// rebuild retries it; every callback run before the failure is still
// committed.
func (c *Channel[E]) maybeRebuild() error {
	sourceVersion := c.source.Version()
	if c.rebuiltAtLeastOnce && c.localVersion >= sourceVersion {
		return nil
	}
	active := c.source.Active()

	activeIDs := make(map[uint64]bool, len(active))
	for _, a := range active {
		activeIDs[a.ID] = true
		if c.processed[a.ID] {
			continue
		}
		r := &Registrar[E]{valid: true}
		err := a.Callback(c.subj, r)
		r.valid = false
		if err != nil {
			return errs.Wrap(errs.UserCallbackFailure, err, "channel: subscriber callback failed")
		}
		c.sinksBySub[a.ID] = r.pipes
		c.processed[a.ID] = true
		c.order = append(c.order, a.ID)
	}

	// Prune subscriptions no longer active (lazy teardown) and rebuild the
	// flattened, registration-ordered sink list.
	newOrder := c.order[:0]
	var sinks []pipe.Pipe[E]
	for _, id := range c.order {
		if !activeIDs[id] {
			delete(c.sinksBySub, id)
			delete(c.processed, id)
			continue
		}
		newOrder = append(newOrder, id)
		sinks = append(sinks, c.sinksBySub[id]...)
	}
	c.order = newOrder
	c.sinks = sinks
	c.localVersion = sourceVersion
	c.rebuiltAtLeastOnce = true
	return nil
}
