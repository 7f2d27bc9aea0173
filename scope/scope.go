// Package scope implements block-scoped resource lifecycle: a Scope is a
// LIFO stack of substrate.Resource values plus a tree of child scopes,
// both disposed on Close (spec.md §4.9); Closure wraps a single resource
// for single-use consume-then-close. Reservoir (reservoir.go) is the
// capture-buffer resource built on top of a conduit subscription.
package scope

import (
	"sync"

	"code.hybscloud.com/substrates/errs"
	"code.hybscloud.com/substrates/name"
	"code.hybscloud.com/substrates/subject"
	"code.hybscloud.com/substrates/substrate"
)

// Scope is an ordered, hierarchical container for resources that must be
// disposed in reverse-registration order. Closing a scope closes its own
// resources first (LIFO), then its child scopes, swallowing individual
// close failures so one bad resource never blocks the rest.
type Scope struct {
	substrate.Marker

	subj *subject.Subject[Scope]

	mu        sync.Mutex
	resources []substrate.Resource
	children  []*Scope
	closed    bool
}

// New constructs a root Scope. Use (*Scope).Scope to create children.
func New(subj *subject.Subject[Scope]) *Scope {
	return &Scope{subj: subj}
}

// Subject returns this scope's Subject.
func (s *Scope) Subject() *subject.Subject[Scope] { return s.subj }

// ExtentName implements subject.Extent.
func (s *Scope) ExtentName() *name.Name { return s.subj.Name() }

// Enclosure implements subject.Extent.
func (s *Scope) Enclosure() (subject.Extent, bool) { return s.subj.Enclosure() }

// Register pushes r onto s's LIFO resource stack and returns it unchanged,
// so callers can write `x := scope.Register(s, build())`. Register panics
// with errs.IllegalState if s is already closed.
func Register[R substrate.Resource](s *Scope, r R) R {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		panic(errs.Wrap(errs.IllegalState, nil, "scope: register on a closed scope"))
	}
	s.resources = append(s.resources, r)
	return r
}

// Scope creates a child scope named n whose lifetime is bounded by this
// scope: it is closed, after this scope's own resources, when this scope
// closes. Panics with errs.IllegalState if s is already closed.
func (s *Scope) Scope(n *name.Name) *Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		panic(errs.Wrap(errs.IllegalState, nil, "scope: scope() on a closed scope"))
	}
	childSubj := subject.New[Scope](subject.ID{}, n, "scope", s)
	child := New(childSubj)
	s.children = append(s.children, child)
	return child
}

// Close is idempotent: the first call pops and closes registered
// resources in LIFO order (a failing Close is recorded but does not stop
// the remaining resources from closing), then closes child scopes in
// registration order, then transitions to closed. Every later call is a
// no-op returning nil. Operations after Close (Register, Scope) panic
// with errs.IllegalState.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	resources := s.resources
	s.resources = nil
	children := s.children
	s.children = nil
	s.mu.Unlock()

	var firstErr error
	for i := len(resources) - 1; i >= 0; i-- {
		if err := resources[i].Close(); err != nil && firstErr == nil {
			firstErr = errs.Wrap(errs.UserCallbackFailure, err, "scope: resource close failed")
		}
	}
	for _, child := range children {
		if err := child.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Closure is a single-use handle over one resource, guaranteeing the
// resource is closed once Consume's callback returns or panics.
// Reentering Consume is not supported: a second call panics.
type Closure[R substrate.Resource] struct {
	resource R
	used     bool
}

// NewClosure wraps r for single-use consumption.
func NewClosure[R substrate.Resource](r R) *Closure[R] {
	return &Closure[R]{resource: r}
}

// Consume runs fn with the wrapped resource, closing the resource
// afterward regardless of whether fn returns an error or panics. Calling
// Consume a second time on the same Closure panics with
// errs.IllegalState.
func (c *Closure[R]) Consume(fn func(R) error) (err error) {
	if c.used {
		panic(errs.Wrap(errs.IllegalState, nil, "scope: closure already consumed"))
	}
	c.used = true
	defer func() {
		closeErr := c.resource.Close()
		if err == nil {
			err = closeErr
		}
	}()
	return fn(c.resource)
}
