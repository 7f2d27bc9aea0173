// Package substrate declares the closed substrate/source/resource
// interface families from spec.md §9 ("Sealed hierarchies"), using Go's
// standard idiom for closed sums: an unexported marker method that only
// this module's types can implement.
package substrate

// Substrate is the common surface shared by every substrate kind:
// Channel, Current (a live emission in flight), Scope, Reservoir,
// Source, Subscriber, Subscription.
type Substrate interface {
	substrate()
}

// Source is the common surface of substrates that originate emissions
// reachable from a subscription: Circuit, Conduit, Cell.
type Source interface {
	Substrate
	source()
}

// Resource is anything a Scope can register for LIFO disposal: Circuit,
// Reservoir, Subscriber, Subscription.
type Resource interface {
	Close() error
	resource()
}

// Marker is embedded by concrete types to satisfy Substrate without
// exposing the sealing method — e.g. `substrate.Marker` embedded in a
// Channel[E] struct.
type Marker struct{}

func (Marker) substrate() {}

// SourceMarker is embedded by concrete Source types.
type SourceMarker struct {
	Marker
}

func (SourceMarker) source() {}

// ResourceMarker is embedded by concrete Resource types; Close is still
// provided by the embedding type.
type ResourceMarker struct{}

func (ResourceMarker) resource() {}
