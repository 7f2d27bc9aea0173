// Package conduit implements the composer-driven percept pool and the
// per-conduit subscription bus that every Channel it owns reads from
// during its lazy rebuild (spec.md §4.6).
package conduit

import (
	"code.hybscloud.com/substrates/channel"
	"code.hybscloud.com/substrates/errs"
	"code.hybscloud.com/substrates/flow"
	"code.hybscloud.com/substrates/name"
	"code.hybscloud.com/substrates/subject"
	"code.hybscloud.com/substrates/substrate"
)

// Circuit is what a Conduit needs from its owning circuit: fire-and-forget
// scheduling for registration/unregistration jobs, and a synchronous
// barrier for percept construction (which spec.md §5 requires to execute
// on the worker, the same as emission delivery). Implemented by
// circuit.Circuit.
type Circuit interface {
	Enqueue(work func() error)
	Await(work func() error)
	Fingerprint() uint64
}

// Composer builds a percept P over a freshly-created Channel[E]. Invoked
// at most once per Name; a composer that returns an error is not cached
// (spec.md §4.6 "a thrown composition does not cache").
type Composer[P, E any] func(ch *channel.Channel[E]) (P, error)

// Conduit is a named factory producing pooled, per-Name percepts, each
// backed by a Channel. It is also the shared SubscriptionSource for
// every Channel it creates.
type Conduit[P, E any] struct {
	substrate.SourceMarker

	subj    *subject.Subject[Conduit[P, E]]
	circuit Circuit
	compose Composer[P, E]
	flowCfg *flow.Config[E]

	percepts map[*name.Name]P
	channels map[*name.Name]*channel.Channel[E]

	subs      []channel.ActiveSubscription[E]
	version   uint64
	nextSubID uint64
}

// New constructs a Conduit. flowCfg is the default Flow applied to every
// channel this conduit creates; it may be nil.
func New[P, E any](subj *subject.Subject[Conduit[P, E]], c Circuit, compose Composer[P, E], flowCfg *flow.Config[E]) *Conduit[P, E] {
	return &Conduit[P, E]{
		subj:     subj,
		circuit:  c,
		compose:  compose,
		flowCfg:  flowCfg,
		percepts: make(map[*name.Name]P),
		channels: make(map[*name.Name]*channel.Channel[E]),
	}
}

// Subject returns this conduit's Subject.
func (c *Conduit[P, E]) Subject() *subject.Subject[Conduit[P, E]] { return c.subj }

// ExtentName implements subject.Extent.
func (c *Conduit[P, E]) ExtentName() *name.Name { return c.subj.Name() }

// Enclosure implements subject.Extent.
func (c *Conduit[P, E]) Enclosure() (subject.Extent, bool) { return c.subj.Enclosure() }

// Percept returns the cached percept for n, constructing it (and its
// backing Channel) on the circuit worker if this is the first lookup for
// that Name. Percepts are pooled by Name identity: two Names with the
// same path but interned through different registries are distinct keys.
func (c *Conduit[P, E]) Percept(n *name.Name) (P, error) {
	var result P
	var compErr error
	c.circuit.Await(func() error {
		if p, ok := c.percepts[n]; ok {
			result = p
			return nil
		}
		chSubj := subject.New[channel.Channel[E]](subject.ID{}, n, "channel", c)
		ch := channel.New[E](chSubj, c, c.circuit.Enqueue, c.flowCfg)
		p, err := c.compose(ch)
		if err != nil {
			compErr = errs.Wrap(errs.UserCallbackFailure, err, "conduit: composer failed")
			return nil
		}
		c.percepts[n] = p
		c.channels[n] = ch
		result = p
		return nil
	})
	return result, compErr
}

// PerceptFor is the by-Subject lookup convenience: it delegates to
// Percept using the target's own Name.
func (c *Conduit[P, E]) PerceptFor(target subject.Extent) (P, error) {
	return c.Percept(target.ExtentName())
}

// Channel returns the Channel backing n's percept, if one has been
// constructed.
func (c *Conduit[P, E]) Channel(n *name.Name) (*channel.Channel[E], bool) {
	var ch *channel.Channel[E]
	var ok bool
	c.circuit.Await(func() error {
		ch, ok = c.channels[n]
		return nil
	})
	return ch, ok
}

// Subscription is the handle returned by Subscribe. Closing it enqueues
// an unregistration job; channels observe the removal lazily, on their
// next emission after the job runs.
type Subscription struct {
	substrate.ResourceMarker

	conduit interface{ unsubscribe(h *Subscription) }
	id      uint64
	closed  bool
}

// Close implements substrate.Resource. Idempotent. The actual removal
// runs on the circuit worker; id is read there too (never on the
// caller's goroutine) since Subscribe's registration job that assigns it
// may not have run yet when Close is called.
func (s *Subscription) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.conduit.unsubscribe(s)
	return nil
}

// Subscribe enqueues a registration job for sub onto the owning circuit.
// The returned handle's Close unregisters sub, bumping the subscription
// version so every channel rebuilds away its sinks on next delivery.
func (c *Conduit[P, E]) Subscribe(sub channel.Subscriber[E]) *Subscription {
	h := &Subscription{conduit: c}
	c.circuit.Enqueue(func() error {
		id := c.nextSubID
		c.nextSubID++
		c.subs = append(c.subs, channel.ActiveSubscription[E]{ID: id, Callback: sub})
		c.version++
		h.id = id
		return nil
	})
	return h
}

func (c *Conduit[P, E]) unsubscribe(h *Subscription) {
	c.circuit.Enqueue(func() error {
		id := h.id
		for i, s := range c.subs {
			if s.ID == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				break
			}
		}
		c.version++
		return nil
	})
}

// Version implements channel.SubscriptionSource[E].
func (c *Conduit[P, E]) Version() uint64 { return c.version }

// Active implements channel.SubscriptionSource[E].
func (c *Conduit[P, E]) Active() []channel.ActiveSubscription[E] {
	out := make([]channel.ActiveSubscription[E], len(c.subs))
	copy(out, c.subs)
	return out
}
