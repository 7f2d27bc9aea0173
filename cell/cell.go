// Package cell implements the hierarchical, hub-mediated aggregation
// unit: a Cell is simultaneously an input Pipe[I], a Name-keyed lookup
// of child cells, and a Source of aggregated E values flowing upward
// toward the root (spec.md §4.7).
package cell

import (
	"code.hybscloud.com/substrates/channel"
	"code.hybscloud.com/substrates/name"
	"code.hybscloud.com/substrates/pipe"
	"code.hybscloud.com/substrates/subject"
	"code.hybscloud.com/substrates/substrate"
)

// Circuit is what a Cell needs from its owning circuit: fire-and-forget
// scheduling (used for the hub's re-enqueued upward forward, which is
// what bounds recursion depth by enqueue count rather than stack depth)
// and a synchronous barrier for child-cell construction. Implemented by
// circuit.Circuit.
type Circuit interface {
	Enqueue(work func() error)
	Await(work func() error)
	Fingerprint() uint64
}

// IngressComposer builds a Cell's own input Pipe[I], given the pipe that
// pushes a value toward this cell's hub (and, from there, upward).
type IngressComposer[I, E any] func(subj *subject.Subject[Cell[I, E]], aggregate pipe.Pipe[E]) pipe.Pipe[I]

// EgressComposer builds the Pipe[E] handed to child cells as their own
// outlet, given this cell's hub pipe.
type EgressComposer[I, E any] func(subj *subject.Subject[Cell[I, E]], aggregate pipe.Pipe[E]) pipe.Pipe[E]

// fixedSource is a channel.SubscriptionSource[E] with exactly one,
// permanent subscription — the hub never gains or loses subscribers
// after construction.
type fixedSource[E any] struct {
	subs []channel.ActiveSubscription[E]
}

func (f *fixedSource[E]) Version() uint64                         { return 1 }
func (f *fixedSource[E]) Active() []channel.ActiveSubscription[E] { return f.subs }

// Cell is a hierarchical compositional unit. Every emission reaching it —
// whether a direct Emit(I) or a child's aggregated egress — funnels
// through the same internal hub channel, whose single subscription
// forwards to the parent's outlet by re-enqueueing through the circuit
// rather than calling outlet.Emit synchronously in the same stack frame.
// This is what lets an arbitrarily deep (or cyclic) cell tree aggregate
// without stack growth: each level costs one more worker-loop iteration,
// not one more call frame.
type Cell[I, E any] struct {
	substrate.SourceMarker

	subj    *subject.Subject[Cell[I, E]]
	circuit Circuit
	outlet  pipe.Pipe[E]

	hub         *channel.Channel[E]
	ingressPipe pipe.Pipe[I]
	egressPipe  pipe.Pipe[E]

	ingressComposer IngressComposer[I, E]
	egressComposer  EgressComposer[I, E]

	children map[*name.Name]*Cell[I, E]
}

// New constructs a Cell. outlet is the parent's aggregating outlet — for
// a root cell, whatever top-level sink the caller supplies; for a child
// cell, its parent's egress pipe (see Percept).
func New[I, E any](subj *subject.Subject[Cell[I, E]], c Circuit, outlet pipe.Pipe[E], ingressComposer IngressComposer[I, E], egressComposer EgressComposer[I, E]) *Cell[I, E] {
	cell := &Cell[I, E]{
		subj:            subj,
		circuit:         c,
		outlet:          outlet,
		ingressComposer: ingressComposer,
		egressComposer:  egressComposer,
		children:        make(map[*name.Name]*Cell[I, E]),
	}

	hubSubj := subject.New[channel.Channel[E]](subject.ID{}, subj.Name(), "cell-hub", cell)
	forward := func(_ *subject.Subject[channel.Channel[E]], r *channel.Registrar[E]) error {
		r.Pipe(pipe.Sink(func(v E) error {
			cell.circuit.Enqueue(func() error { return cell.outlet.Emit(v) })
			return nil
		}))
		return nil
	}
	src := &fixedSource[E]{subs: []channel.ActiveSubscription[E]{{ID: 1, Callback: forward}}}
	cell.hub = channel.New[E](hubSubj, src, cell.circuit.Enqueue, nil)

	aggregate := cell.hub.Pipe()
	cell.ingressPipe = ingressComposer(cell.subj, aggregate)
	cell.egressPipe = egressComposer(cell.subj, aggregate)
	return cell
}

// Subject returns this cell's Subject.
func (c *Cell[I, E]) Subject() *subject.Subject[Cell[I, E]] { return c.subj }

// ExtentName implements subject.Extent.
func (c *Cell[I, E]) ExtentName() *name.Name { return c.subj.Name() }

// Enclosure implements subject.Extent: the parent cell, if any.
func (c *Cell[I, E]) Enclosure() (subject.Extent, bool) { return c.subj.Enclosure() }

// Emit implements pipe.Pipe[I]: this cell's direct input contract.
func (c *Cell[I, E]) Emit(v I) error { return c.ingressPipe.Emit(v) }

// Flush implements pipe.Pipe[I].
func (c *Cell[I, E]) Flush() error { return c.ingressPipe.Flush() }

// Percept returns the child cell for n, constructing it on first access
// (pooled by Name identity, same pattern as conduit.Conduit.Percept). A
// new child inherits this cell's circuit and uses this cell's egress
// pipe as its own outlet, so its upward aggregation flows through this
// cell's hub in turn.
func (c *Cell[I, E]) Percept(n *name.Name) *Cell[I, E] {
	var child *Cell[I, E]
	c.circuit.Await(func() error {
		if existing, ok := c.children[n]; ok {
			child = existing
			return nil
		}
		childSubj := subject.New[Cell[I, E]](subject.ID{}, n, "cell", c)
		child = New[I, E](childSubj, c.circuit, c.egressPipe, c.ingressComposer, c.egressComposer)
		c.children[n] = child
		return nil
	})
	return child
}

// Child looks up an existing child cell by Name without creating one.
func (c *Cell[I, E]) Child(n *name.Name) (*Cell[I, E], bool) {
	var child *Cell[I, E]
	var ok bool
	c.circuit.Await(func() error {
		child, ok = c.children[n]
		return nil
	})
	return child, ok
}
