package render

import "fmt"

// stateStackDepth is the fixed depth of every state stack. Nested passes
// (shadow map inside deferred lighting inside a render-to-texture surface)
// stay well below this in practice, and overflowing it is a programmer
// error, so the stacks are plain arrays and overflow panics.
const stateStackDepth = 9

// cachedStateEntry is the type-erased face of CachedState and
// IndexedCachedState, so the StateCacher can drive a heterogeneous set of
// states through one slice.
type cachedStateEntry interface {
	stateName() string
	flushState()
	forceFlushState()
	pushState()
	popState()
	markDirty()
	setEnabled(enabled bool)
	stateEnabled() bool
	invalidateObject(object any)
}

// CachedState tracks one piece of backend render state and filters out
// redundant backend calls. The pending value lives at the top of a fixed
// stack, so passes can push, override, and pop without knowing what the
// surrounding code set. Flush only reaches the backend when the pending
// value differs from the last value sent, or the state was marked dirty.
type CachedState[T comparable] struct {
	name  string
	stack [stateStackDepth]T
	top   int

	// current is the last value sent to the backend; it is only
	// meaningful while flushed is true.
	current T
	flushed bool
	dirty   bool
	enabled bool

	apply func(value T)
}

func newCachedState[T comparable](name string, initial T, apply func(value T)) *CachedState[T] {
	state := &CachedState[T]{
		name:    name,
		enabled: true,
		apply:   apply,
	}
	state.stack[0] = initial
	return state
}

// Set replaces the pending value. The backend is not touched until Flush.
func (s *CachedState[T]) Set(value T) {
	s.stack[s.top] = value
}

// Get returns the pending value, which may not have been flushed yet.
func (s *CachedState[T]) Get() T {
	return s.stack[s.top]
}

// Push duplicates the pending value into a new stack slot, so the caller
// can override it and later restore the outer value with Pop.
func (s *CachedState[T]) Push() {
	if s.top+1 >= stateStackDepth {
		panic(fmt.Sprintf("render state %s exceeded its stack depth of %d", s.name, stateStackDepth))
	}
	s.top++
	s.stack[s.top] = s.stack[s.top-1]
}

// Pop discards the innermost stack slot. The restored value is not flushed;
// the caller decides when the backend needs it.
func (s *CachedState[T]) Pop() {
	if s.top == 0 {
		panic(fmt.Sprintf("render state %s popped with an empty stack", s.name))
	}
	s.top--
}

// SetDirty forces the next Flush to reach the backend even if the pending
// value matches the last value sent. Used after external code has touched
// the backend behind the cacher's back.
func (s *CachedState[T]) SetDirty() {
	s.dirty = true
}

// Flush sends the pending value to the backend if it differs from the last
// value sent. Disabled states never reach the backend.
func (s *CachedState[T]) Flush() {
	if !s.enabled {
		return
	}
	if !s.dirty && s.flushed && s.stack[s.top] == s.current {
		return
	}
	s.apply(s.stack[s.top])
	s.current = s.stack[s.top]
	s.flushed = true
	s.dirty = false
}

// ForceFlush sends the pending value unconditionally.
func (s *CachedState[T]) ForceFlush() {
	if !s.enabled {
		return
	}
	s.apply(s.stack[s.top])
	s.current = s.stack[s.top]
	s.flushed = true
	s.dirty = false
}

// PushSetFlushPop applies value for a single operation and restores the
// outer value afterward. When value already matches the backend state this
// makes no backend calls at all.
func (s *CachedState[T]) PushSetFlushPop(value T) {
	s.Push()
	s.Set(value)
	s.Flush()
	s.Pop()
	s.Flush()
}

func (s *CachedState[T]) Enabled() bool {
	return s.enabled
}

func (s *CachedState[T]) stateName() string { return s.name }

func (s *CachedState[T]) flushState() { s.Flush() }

func (s *CachedState[T]) forceFlushState() { s.ForceFlush() }

func (s *CachedState[T]) pushState() { s.Push() }

func (s *CachedState[T]) popState() { s.Pop() }

func (s *CachedState[T]) markDirty() { s.SetDirty() }

func (s *CachedState[T]) setEnabled(enabled bool) { s.enabled = enabled }

func (s *CachedState[T]) stateEnabled() bool { return s.enabled }

// invalidateObject scrubs a deleted GPU object out of every stack slot and,
// if the backend currently holds it, flushes the zero value so the backend
// drops its reference. Without this a later Flush could compare against a
// recycled handle and skip a bind it actually needs.
func (s *CachedState[T]) invalidateObject(object any) {
	var zero T
	for i := 0; i <= s.top; i++ {
		if any(s.stack[i]) == object {
			s.stack[i] = zero
		}
	}
	if s.flushed && any(s.current) == object {
		s.current = zero
		if s.enabled {
			s.apply(zero)
		}
	}
}

// IndexedCachedState is a CachedState per hardware slot, for state that the
// backend exposes as an indexed array, such as texture units and vertex
// attributes.
type IndexedCachedState[T comparable] struct {
	name   string
	states []*CachedState[T]
}

func newIndexedCachedState[T comparable](name string, count int, initial T, apply func(index int, value T)) *IndexedCachedState[T] {
	states := make([]*CachedState[T], count)
	for i := range states {
		index := i
		states[i] = newCachedState(fmt.Sprintf("%s[%d]", name, index), initial, func(value T) {
			apply(index, value)
		})
	}
	return &IndexedCachedState[T]{
		name:   name,
		states: states,
	}
}

// At returns the state for one hardware slot. index must be in range.
func (s *IndexedCachedState[T]) At(index int) *CachedState[T] {
	return s.states[index]
}

func (s *IndexedCachedState[T]) Count() int {
	return len(s.states)
}

func (s *IndexedCachedState[T]) stateName() string { return s.name }

func (s *IndexedCachedState[T]) flushState() {
	for _, state := range s.states {
		state.Flush()
	}
}

func (s *IndexedCachedState[T]) forceFlushState() {
	for _, state := range s.states {
		state.ForceFlush()
	}
}

func (s *IndexedCachedState[T]) pushState() {
	for _, state := range s.states {
		state.Push()
	}
}

func (s *IndexedCachedState[T]) popState() {
	for _, state := range s.states {
		state.Pop()
	}
}

func (s *IndexedCachedState[T]) markDirty() {
	for _, state := range s.states {
		state.SetDirty()
	}
}

func (s *IndexedCachedState[T]) setEnabled(enabled bool) {
	for _, state := range s.states {
		state.setEnabled(enabled)
	}
}

func (s *IndexedCachedState[T]) stateEnabled() bool {
	return len(s.states) > 0 && s.states[0].enabled
}

func (s *IndexedCachedState[T]) invalidateObject(object any) {
	for _, state := range s.states {
		state.invalidateObject(object)
	}
}
