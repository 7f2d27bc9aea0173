// Package state implements the immutable, persistent Slot/State model:
// an append-only, most-recent-first list of typed named values.
package state

import (
	"iter"
	"reflect"

	"code.hybscloud.com/substrates/name"
)

// Slot is an immutable (name, type-tag, value) triple. Slots are compared
// by identity (pointer equality), mirroring Name's identity semantics —
// State.With(slot) returning the receiver unchanged when slot is already
// the head relies on this.
type Slot struct {
	name  *name.Name
	tag   reflect.Type
	value any
}

// Of constructs a new Slot bound to n with a value of type T.
func Of[T any](n *name.Name, value T) *Slot {
	return &Slot{name: n, tag: reflect.TypeFor[T](), value: value}
}

// Name returns the slot's Name.
func (s *Slot) Name() *name.Name { return s.name }

// Type returns the slot's type tag.
func (s *Slot) Type() reflect.Type { return s.tag }

// Value returns the slot's raw value.
func (s *Slot) Value() any { return s.value }

// SlotValue type-asserts a slot's value to T. ok is false if the slot's
// tag does not match T.
func SlotValue[T any](s *Slot) (v T, ok bool) {
	if s == nil || s.tag != reflect.TypeFor[T]() {
		return v, false
	}
	v, ok = s.value.(T)
	return v, ok
}

// node is one link in the persistent chain.
type node struct {
	slot *Slot
	next *node
}

// State is a persistent, immutable, most-recent-first list of Slots. The
// zero value is the empty state.
type State struct {
	head *node
}

// With returns a new State with slot prepended as the new head. If slot
// is already the head by identity, the receiver is returned unchanged.
func (s State) With(slot *Slot) State {
	if s.head != nil && s.head.slot == slot {
		return s
	}
	return State{head: &node{slot: slot, next: s.head}}
}

// IsEmpty reports whether the state holds no slots.
func (s State) IsEmpty() bool { return s.head == nil }

// All iterates slots most-recent-first.
func (s State) All() iter.Seq[*Slot] {
	return func(yield func(*Slot) bool) {
		for n := s.head; n != nil; n = n.next {
			if !yield(n.slot) {
				return
			}
		}
	}
}

// matches reports whether slot matches the (name identity, type tag) of
// template.
func matches(slot, template *Slot) bool {
	return slot.name == template.name && slot.tag == template.tag
}

// Values filters the state to slots matching template's (name, type tag),
// most-recent-first.
func (s State) Values(template *Slot) iter.Seq[*Slot] {
	return func(yield func(*Slot) bool) {
		for n := s.head; n != nil; n = n.next {
			if matches(n.slot, template) {
				if !yield(n.slot) {
					return
				}
			}
		}
	}
}

// Value returns the value of the first slot matching (n identity, T's type
// tag), or template's own value if no such slot exists.
func Value[T any](s State, n *name.Name, template T) T {
	tag := reflect.TypeFor[T]()
	for cur := s.head; cur != nil; cur = cur.next {
		if cur.slot.name == n && cur.slot.tag == tag {
			if v, ok := cur.slot.value.(T); ok {
				return v
			}
		}
	}
	return template
}

// Compact collapses the state to at most one slot per (name, type tag)
// pair, retaining the most-recent assignment. The resulting iteration
// order is explicitly unspecified by the contract (callers must not rely
// on compaction preserving recency order beyond "most recent wins").
func (s State) Compact() State {
	type key struct {
		n   *name.Name
		tag reflect.Type
	}
	seen := make(map[key]struct{})
	var kept []*Slot
	for n := s.head; n != nil; n = n.next {
		k := key{n: n.slot.name, tag: n.slot.tag}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		kept = append(kept, n.slot)
	}
	var out State
	for i := len(kept) - 1; i >= 0; i-- {
		out = out.With(kept[i])
	}
	return out
}
