// Package subject implements the identity + hierarchical naming + state
// snapshot shared by every substrate instance (Channel, Conduit, Circuit,
// Cell, Scope, Reservoir).
package subject

import (
	"code.hybscloud.com/atomix"

	"code.hybscloud.com/substrates/name"
	"code.hybscloud.com/substrates/state"
)

// ID is an opaque, per-instance unique identity. Its lifetime is the
// lifetime of the owning substrate. The embedded circuit fingerprint is
// the mechanism behind foreign-substrate detection (spec.md §9 Open
// Question): an ID minted by one circuit's IDFactory never equals one
// minted by another, even if their sequence numbers coincide.
type ID struct {
	seq         uint64
	fingerprint uint64
}

// ForeignTo reports whether id was not minted by the circuit identified
// by fingerprint.
func (id ID) ForeignTo(fingerprint uint64) bool {
	return id.fingerprint != fingerprint
}

// IDFactory mints monotonically increasing IDs tagged with a single
// circuit's fingerprint. Safe for concurrent use: callers across
// arbitrary goroutines may request IDs (e.g. when constructing a Subject
// ahead of an enqueue), only the fingerprint assignment need happen once
// at circuit construction.
type IDFactory struct {
	fingerprint uint64
	seq         atomix.Uint64
}

// NewIDFactory creates an IDFactory stamping every minted ID with
// fingerprint, which should be unique per circuit instance.
func NewIDFactory(fingerprint uint64) *IDFactory {
	return &IDFactory{fingerprint: fingerprint}
}

// Next mints a new, unique ID.
func (f *IDFactory) Next() ID {
	return ID{seq: f.seq.AddAcqRel(1), fingerprint: f.fingerprint}
}

// Extent is the hierarchical-enclosure contract shared by every subject,
// used for path construction across heterogeneous substrate kinds (a
// Cell enclosed by a Cell, a Conduit enclosed by a Circuit, and so on).
type Extent interface {
	// ExtentName returns this extent's own Name.
	ExtentName() *name.Name
	// Enclosure returns the enclosing Extent, or (nil, false) at the root.
	Enclosure() (Extent, bool)
}

// Subject is (id, name, state, kind, enclosure). S is the concrete
// substrate kind (Channel[E], Conduit[P,E], Circuit, Cell[I,E], ...) —
// a typed-constructor substitute for F-bounded self-referential generics,
// per spec.md §9's own recommendation.
type Subject[S any] struct {
	id        ID
	n         *name.Name
	st        state.State
	kind      string
	enclosure Extent
}

// New constructs a Subject. enclosure may be nil at the root of a
// hierarchy.
func New[S any](id ID, n *name.Name, kind string, enclosure Extent) *Subject[S] {
	return &Subject[S]{id: id, n: n, kind: kind, enclosure: enclosure}
}

// ID returns the subject's identity.
func (s *Subject[S]) ID() ID { return s.id }

// Name returns the subject's Name.
func (s *Subject[S]) Name() *name.Name { return s.n }

// Kind returns the substrate-class tag (e.g. "channel", "conduit").
func (s *Subject[S]) Kind() string { return s.kind }

// State returns the subject's current state snapshot.
func (s *Subject[S]) State() state.State { return s.st }

// Enclosure returns the enclosing Extent, or (nil, false) at the root.
func (s *Subject[S]) Enclosure() (Extent, bool) {
	if s.enclosure == nil {
		return nil, false
	}
	return s.enclosure, true
}

// ExtentName implements Extent.
func (s *Subject[S]) ExtentName() *name.Name { return s.n }

// WithState returns a new Subject sharing this one's identity, name, kind,
// and enclosure, but carrying an updated state snapshot. Subject values
// are otherwise immutable.
func (s *Subject[S]) WithState(st state.State) *Subject[S] {
	return &Subject[S]{id: s.id, n: s.n, st: st, kind: s.kind, enclosure: s.enclosure}
}
