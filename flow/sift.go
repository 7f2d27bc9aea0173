package flow

import (
	"code.hybscloud.com/substrates/errs"
	"code.hybscloud.com/substrates/pipe"
)

// Sift is the sub-builder for composite comparison filters within a Flow.
// Every configured condition must pass for a value to be emitted — Sift
// composes conjunctively. above/below/min/max/range are stateless;
// high/low track a running extremum private to the materialized chain.
type Sift[E any] struct {
	cmp        func(a, b E) int
	conditions []func() func(E) bool
	sealed     bool
}

func (s *Sift[E]) checkOpen() {
	if s.sealed {
		panic(errs.Wrap(errs.IllegalState, nil, "flow: Sift used outside its configuration callback"))
	}
}

func (s *Sift[E]) add(factory func() func(E) bool) *Sift[E] {
	s.checkOpen()
	s.conditions = append(s.conditions, factory)
	return s
}

// Above keeps values strictly greater than threshold.
func (s *Sift[E]) Above(threshold E) *Sift[E] {
	cmp := s.cmp
	return s.add(func() func(E) bool {
		return func(v E) bool { return cmp(v, threshold) > 0 }
	})
}

// Below keeps values strictly less than threshold.
func (s *Sift[E]) Below(threshold E) *Sift[E] {
	cmp := s.cmp
	return s.add(func() func(E) bool {
		return func(v E) bool { return cmp(v, threshold) < 0 }
	})
}

// Min keeps values greater than or equal to threshold.
func (s *Sift[E]) Min(threshold E) *Sift[E] {
	cmp := s.cmp
	return s.add(func() func(E) bool {
		return func(v E) bool { return cmp(v, threshold) >= 0 }
	})
}

// Max keeps values less than or equal to threshold.
func (s *Sift[E]) Max(threshold E) *Sift[E] {
	cmp := s.cmp
	return s.add(func() func(E) bool {
		return func(v E) bool { return cmp(v, threshold) <= 0 }
	})
}

// Range keeps values in [lo, hi].
func (s *Sift[E]) Range(lo, hi E) *Sift[E] {
	cmp := s.cmp
	return s.add(func() func(E) bool {
		return func(v E) bool { return cmp(v, lo) >= 0 && cmp(v, hi) <= 0 }
	})
}

// High keeps a value only when it is a new running maximum, updating the
// tracked maximum only when a value passes. The first emission always
// sets the initial maximum and passes.
func (s *Sift[E]) High() *Sift[E] {
	cmp := s.cmp
	return s.add(func() func(E) bool {
		var running E
		first := true
		return func(v E) bool {
			if first || cmp(v, running) > 0 {
				running = v
				first = false
				return true
			}
			return false
		}
	})
}

// Low keeps a value only when it is a new running minimum.
func (s *Sift[E]) Low() *Sift[E] {
	cmp := s.cmp
	return s.add(func() func(E) bool {
		var running E
		first := true
		return func(v E) bool {
			if first || cmp(v, running) < 0 {
				running = v
				first = false
				return true
			}
			return false
		}
	})
}

// Sift adds a composite comparison filter stage using cmp as the
// ordering, configured by configure.
func (c *Config[E]) Sift(cmp func(a, b E) int, configure func(*Sift[E])) *Config[E] {
	s := &Sift[E]{cmp: cmp}
	configure(s)
	s.sealed = true

	return c.push(func(next pipe.Pipe[E]) pipe.Pipe[E] {
		checks := make([]func(E) bool, len(s.conditions))
		for i, factory := range s.conditions {
			checks[i] = factory()
		}
		return pipe.Sink(func(v E) error {
			for _, check := range checks {
				if !check(v) {
					return nil
				}
			}
			return next.Emit(v)
		})
	})
}
