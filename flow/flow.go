// Package flow implements the configurable, stateful Flow pipeline:
// diff/guard/limit/skip/sample/sift/peek/forward/replace/reduce operators
// materialized into a linear pipe chain. Materialization binds stages in
// declaration order; each materialized chain gets its own private state —
// nothing here is shared across materializations or safe for concurrent
// use, matching the rest of the engine's single-threaded confinement.
package flow

import (
	"math/rand/v2"
	"reflect"

	"code.hybscloud.com/substrates/errs"
	"code.hybscloud.com/substrates/pipe"
)

// stage wraps a downstream pipe with one operator's behavior. It is
// invoked exactly once per materialization, so any local state it
// allocates before returning is private to that materialized chain.
type stage[E any] func(next pipe.Pipe[E]) pipe.Pipe[E]

// Config is a builder of stage descriptors. It is valid only for the
// duration of the configuration callback that receives it (e.g. the
// configurer passed to Channel.Pipe) — the implementation may recycle a
// Config across callbacks, so retaining a reference beyond the callback
// that received it is undefined behavior and every mutating method
// panics with an IllegalState error once the Config has been sealed by
// Build.
type Config[E any] struct {
	stages []stage[E]
	sealed bool
}

// New creates an empty, open Config.
func New[E any]() *Config[E] {
	return &Config[E]{}
}

// Build runs configure against a fresh Config, seals it, and returns it.
// This is the normal entry point used by Channel.Pipe(configurer).
func Build[E any](configure func(*Config[E])) *Config[E] {
	c := New[E]()
	configure(c)
	c.sealed = true
	return c
}

func (c *Config[E]) checkOpen() {
	if c.sealed {
		panic(errs.Wrap(errs.IllegalState, nil, "flow: Config used outside its configuration callback"))
	}
}

func (c *Config[E]) push(s stage[E]) *Config[E] {
	c.checkOpen()
	c.stages = append(c.stages, s)
	return c
}

// Materialize binds the configured stages, in declaration order, into a
// single Pipe[E] whose terminal stage forwards to downstream. Each call
// produces an entirely independent set of operator state.
func (c *Config[E]) Materialize(downstream pipe.Pipe[E]) pipe.Pipe[E] {
	result := downstream
	for i := len(c.stages) - 1; i >= 0; i-- {
		result = c.stages[i](result)
	}
	return result
}

// Diff emits a value iff it differs (by reflect.DeepEqual) from the
// previous emission. The first emission always passes.
func (c *Config[E]) Diff() *Config[E] {
	return c.push(func(next pipe.Pipe[E]) pipe.Pipe[E] {
		var prev E
		first := true
		return pipe.Sink(func(v E) error {
			if first || !reflect.DeepEqual(v, prev) {
				first = false
				prev = v
				return next.Emit(v)
			}
			prev = v
			return nil
		})
	})
}

// DiffInit is Diff, but the first emission is compared against init
// rather than unconditionally passing.
func (c *Config[E]) DiffInit(init E) *Config[E] {
	return c.push(func(next pipe.Pipe[E]) pipe.Pipe[E] {
		prev := init
		return pipe.Sink(func(v E) error {
			if !reflect.DeepEqual(v, prev) {
				prev = v
				return next.Emit(v)
			}
			prev = v
			return nil
		})
	})
}

// Guard emits a value iff pred(value) holds.
func (c *Config[E]) Guard(pred func(E) bool) *Config[E] {
	return c.push(func(next pipe.Pipe[E]) pipe.Pipe[E] {
		return pipe.Sink(func(v E) error {
			if pred(v) {
				return next.Emit(v)
			}
			return nil
		})
	})
}

// GuardBi emits a value iff biPred(previousPassed, value) holds, updating
// the tracked "previous passed" value only when it does.
func (c *Config[E]) GuardBi(init E, biPred func(prev, cur E) bool) *Config[E] {
	return c.push(func(next pipe.Pipe[E]) pipe.Pipe[E] {
		prev := init
		return pipe.Sink(func(v E) error {
			if biPred(prev, v) {
				prev = v
				return next.Emit(v)
			}
			return nil
		})
	})
}

// Limit passes only the first n emissions, dropping the rest. Panics with
// a Validation error if n is negative.
func (c *Config[E]) Limit(n int) *Config[E] {
	if n < 0 {
		panic(errs.Wrap(errs.Validation, nil, "flow: Limit(n) requires n >= 0"))
	}
	return c.push(func(next pipe.Pipe[E]) pipe.Pipe[E] {
		count := 0
		return pipe.Sink(func(v E) error {
			if count >= n {
				return nil
			}
			count++
			return next.Emit(v)
		})
	})
}

// Skip drops the first n emissions, passing the rest. Panics with a
// Validation error if n is negative.
func (c *Config[E]) Skip(n int) *Config[E] {
	if n < 0 {
		panic(errs.Wrap(errs.Validation, nil, "flow: Skip(n) requires n >= 0"))
	}
	return c.push(func(next pipe.Pipe[E]) pipe.Pipe[E] {
		count := 0
		return pipe.Sink(func(v E) error {
			if count < n {
				count++
				return nil
			}
			return next.Emit(v)
		})
	})
}

// Sample passes every kth emission: the 1st, (k+1)th, (2k+1)th, ... Panics
// with a Validation error if k is not positive.
func (c *Config[E]) Sample(k int) *Config[E] {
	if k <= 0 {
		panic(errs.Wrap(errs.Validation, nil, "flow: Sample(k) requires k > 0"))
	}
	return c.push(func(next pipe.Pipe[E]) pipe.Pipe[E] {
		count := 0
		return pipe.Sink(func(v E) error {
			pass := count%k == 0
			count++
			if pass {
				return next.Emit(v)
			}
			return nil
		})
	})
}

// SampleP passes each emission independently with probability p. Panics
// with a Validation error if p is outside [0,1].
func (c *Config[E]) SampleP(p float64) *Config[E] {
	if p < 0 || p > 1 {
		panic(errs.Wrap(errs.Validation, nil, "flow: SampleP(p) requires p in [0,1]"))
	}
	return c.push(func(next pipe.Pipe[E]) pipe.Pipe[E] {
		return pipe.Sink(func(v E) error {
			if rand.Float64() < p {
				return next.Emit(v)
			}
			return nil
		})
	})
}

// Peek invokes cons(value) for its side effect, then forwards value
// unchanged.
func (c *Config[E]) Peek(cons func(E)) *Config[E] {
	return c.push(func(next pipe.Pipe[E]) pipe.Pipe[E] {
		return pipe.Sink(func(v E) error {
			cons(v)
			return next.Emit(v)
		})
	})
}

// Forward tees each value to side before forwarding it downstream.
func (c *Config[E]) Forward(side pipe.Pipe[E]) *Config[E] {
	return c.push(func(next pipe.Pipe[E]) pipe.Pipe[E] {
		return pipe.Sink(func(v E) error {
			if err := side.Emit(v); err != nil {
				return err
			}
			return next.Emit(v)
		})
	})
}

// Replace forwards op(value) in place of value.
func (c *Config[E]) Replace(op func(E) E) *Config[E] {
	return c.push(func(next pipe.Pipe[E]) pipe.Pipe[E] {
		return pipe.Sink(func(v E) error {
			return next.Emit(op(v))
		})
	})
}

// Reduce maintains an accumulator seeded with init, emitting
// acc = op(acc, value) for every input.
func (c *Config[E]) Reduce(init E, op func(acc, value E) E) *Config[E] {
	return c.push(func(next pipe.Pipe[E]) pipe.Pipe[E] {
		acc := init
		return pipe.Sink(func(v E) error {
			acc = op(acc, v)
			return next.Emit(acc)
		})
	})
}

// Number is the constraint used by the numeric-only supplemented
// operators Delta and Clamp.
type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Delta is a numeric-specialized Diff: it emits the difference between
// the current and previous value rather than the raw value. The first
// emission passes its raw value, matching Diff's "first emission always
// passes" contract.
func Delta[E Number](c *Config[E]) *Config[E] {
	return c.push(func(next pipe.Pipe[E]) pipe.Pipe[E] {
		var prev E
		first := true
		return pipe.Sink(func(v E) error {
			if first {
				first = false
				prev = v
				return next.Emit(v)
			}
			d := v - prev
			prev = v
			return next.Emit(d)
		})
	})
}

// Clamp bounds each value to [min, max].
func Clamp[E Number](c *Config[E], min, max E) *Config[E] {
	return c.push(func(next pipe.Pipe[E]) pipe.Pipe[E] {
		return pipe.Sink(func(v E) error {
			switch {
			case v < min:
				v = min
			case v > max:
				v = max
			}
			return next.Emit(v)
		})
	})
}
