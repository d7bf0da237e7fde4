// Package store owns the authoritative session state: the message history,
// transient status, last error, side-channel data and the input draft. State
// lives in versioned cells keyed by session id; consumers constructed with
// the same id share one cell, so writes from any of them are visible to all.
package store

import (
	"encoding/json"
	"sync"

	"github.com/hupe1980/chatmesh/core"
)

// State is one immutable snapshot of a session. Snapshots returned by the
// cell are defensive copies; subscribers receive a shared snapshot per
// publish and must treat it as read-only.
type State struct {
	// Version increases by one with every write. Subscribers observe
	// strictly increasing versions with no gaps.
	Version  uint64
	Messages []core.Message
	Status   core.Status
	Err      error
	Data     []json.RawMessage
	Input    string
}

// Clone returns a copy whose message and data slices are independent of the
// receiver's.
func (s State) Clone() State {
	s.Messages = core.CloneMessages(s.Messages)
	if s.Data != nil {
		data := make([]json.RawMessage, len(s.Data))
		copy(data, s.Data)
		s.Data = data
	}
	return s
}

// LastMessage returns the last message and true, or a zero message and false
// when the history is empty.
func (s State) LastMessage() (core.Message, bool) {
	if len(s.Messages) == 0 {
		return core.Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// Cell is one session's versioned state with subscriber notification. All
// mutation funnels through Update so readers never observe a torn write and
// subscribers never observe versions out of order.
type Cell struct {
	id string

	// notifyMu serializes the update+notify sequence so two concurrent
	// updates cannot deliver their snapshots in swapped order.
	notifyMu sync.Mutex

	mu      sync.RWMutex
	state   State
	subs    map[int]func(State)
	nextSub int
}

func newCell(id string) *Cell {
	return &Cell{
		id:    id,
		state: State{Status: core.StatusReady},
		subs:  make(map[int]func(State)),
	}
}

// ID returns the session id this cell belongs to.
func (c *Cell) ID() string {
	return c.id
}

// Snapshot returns a defensive copy of the current state.
func (c *Cell) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Clone()
}

// Version returns the current state version.
func (c *Cell) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Version
}

// Update applies fn to a copy of the current state, installs the result with
// the next version, notifies subscribers synchronously, and returns the new
// snapshot. fn may mutate its argument freely. Subscribers must not call
// Update from their callback; use a goroutine for feedback writes.
func (c *Cell) Update(fn func(State) State) State {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	next := fn(c.state.Clone())
	next.Version = c.state.Version + 1
	c.state = next
	snap := next.Clone()
	subs := make([]func(State), 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub(snap)
	}
	return snap
}

// Subscribe registers fn to run after every update with the new snapshot.
// There is no replay of the current state; callers wanting it take a
// Snapshot first. The returned function removes the subscription and is safe
// to call multiple times.
func (c *Cell) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Registry maps session ids to cells with reference counting. Cells are
// created on first acquire and disposed when the last reference is released
// or when removed explicitly; there is no implicit expiry.
type Registry struct {
	mu    sync.Mutex
	cells map[string]*registryEntry
}

type registryEntry struct {
	cell *Cell
	refs int
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{cells: make(map[string]*registryEntry)}
}

// DefaultRegistry is the process-wide registry used when a consumer does not
// supply its own; it is what makes two sessions with the same id share state
// by default.
var DefaultRegistry = NewRegistry()

// Acquire returns the cell for id, creating it on first use, and reports
// whether this call created it. Every Acquire must be paired with a Release.
func (r *Registry) Acquire(id string) (*Cell, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.cells[id]; ok {
		e.refs++
		return e.cell, false
	}
	e := &registryEntry{cell: newCell(id), refs: 1}
	r.cells[id] = e
	return e.cell, true
}

// Release drops one reference to id, disposing the cell when none remain.
// Releasing an unknown id is a no-op.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.cells[id]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(r.cells, id)
	}
}

// Remove disposes the cell for id regardless of outstanding references.
// Holders of the old cell keep a functional but detached cell.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cells, id)
}

// Len returns the number of live cells.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cells)
}
