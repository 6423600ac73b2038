// Package state holds the observable running and authorization flags
// shared by the service host, the daemon and any watching client.
package state

import "sync"

// Value is an observable boolean. Subscribers hear about every change,
// in write order; writes that do not change the value are not delivered.
type Value struct {
	mu      sync.Mutex
	deliver sync.Mutex
	val     bool
	nextID  int
	subs    map[int]func(bool)
}

func newValue(initial bool) *Value {
	return &Value{val: initial, subs: make(map[int]func(bool))}
}

// Get returns the current value.
func (v *Value) Get() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.val
}

// Set stores b and notifies subscribers if it differs from the current
// value. It reports whether the value changed.
func (v *Value) Set(b bool) bool {
	// deliver is held across the swap and the fan-out so two concurrent
	// writers cannot reorder their notifications.
	v.deliver.Lock()
	defer v.deliver.Unlock()

	v.mu.Lock()
	if v.val == b {
		v.mu.Unlock()
		return false
	}
	v.val = b
	subs := make([]func(bool), 0, len(v.subs))
	for _, fn := range v.subs {
		subs = append(subs, fn)
	}
	v.mu.Unlock()

	for _, fn := range subs {
		fn(b)
	}
	return true
}

// Subscribe registers fn for change notifications and returns a function
// that removes it. fn must not call Set on the same Value.
func (v *Value) Subscribe(fn func(bool)) (cancel func()) {
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.subs[id] = fn
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		delete(v.subs, id)
		v.mu.Unlock()
	}
}

// Tracker owns the process-wide running and authorized flags.
// One instance is created at startup and passed to whoever needs it.
type Tracker struct {
	Running    *Value
	Authorized *Value
}

// NewTracker returns a tracker with both flags false.
func NewTracker() *Tracker {
	return &Tracker{
		Running:    newValue(false),
		Authorized: newValue(false),
	}
}

// SetRunning records whether the monitoring service is active.
func (t *Tracker) SetRunning(running bool) bool {
	return t.Running.Set(running)
}

// SetPermission records the result of the latest authorization query.
func (t *Tracker) SetPermission(authorized bool) bool {
	return t.Authorized.Set(authorized)
}

// Snapshot is a point-in-time copy of both flags.
type Snapshot struct {
	Running    bool
	Authorized bool
}

// Snapshot reads both flags.
func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{Running: t.Running.Get(), Authorized: t.Authorized.Get()}
}

// Subscribe calls fn with a fresh snapshot whenever either flag changes.
func (t *Tracker) Subscribe(fn func(Snapshot)) (cancel func()) {
	c1 := t.Running.Subscribe(func(bool) { fn(t.Snapshot()) })
	c2 := t.Authorized.Subscribe(func(bool) { fn(t.Snapshot()) })
	return func() {
		c1()
		c2()
	}
}
