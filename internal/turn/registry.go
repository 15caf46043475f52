package turn

import (
	"context"
	"sync"

	"relaychat/internal/conversation"
)

// Loader builds the state of a conversation that has no controller yet.
type Loader func(ctx context.Context, conversationID string) (*conversation.State, error)

type entry struct {
	ctrl *Controller
	refs int
}

// Registry keeps exactly one controller per conversation while requests are
// using it, so concurrent requests for the same conversation share one turn
// guard. Get and Put take a reference that must be returned with Release; the
// controller is dropped when the last reference goes and is loaded again on
// the next Get.
type Registry struct {
	mu      sync.Mutex
	sender  Sender
	entries map[string]*entry
}

func NewRegistry(sender Sender) *Registry {
	return &Registry{sender: sender, entries: make(map[string]*entry)}
}

// Get returns the controller for id, calling load when no request holds it.
func (r *Registry) Get(ctx context.Context, id string, load Loader) (*Controller, error) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		e.refs++
		r.mu.Unlock()
		return e.ctrl, nil
	}
	r.mu.Unlock()

	state, err := load(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.refs++
		return e.ctrl, nil
	}
	c := NewController(state, r.sender)
	r.entries[id] = &entry{ctrl: c, refs: 1}
	return c, nil
}

// Put registers a controller for a conversation created in this process.
func (r *Registry) Put(state *conversation.State) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[state.ID()]; ok {
		e.refs++
		return e.ctrl
	}
	c := NewController(state, r.sender)
	r.entries[state.ID()] = &entry{ctrl: c, refs: 1}
	return c
}

// Release returns a reference taken by Get or Put.
func (r *Registry) Release(c *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := c.State().ID()
	e, ok := r.entries[id]
	if !ok || e.ctrl != c {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(r.entries, id)
	}
}

// Lookup returns the controller for id if a request holds it.
func (r *Registry) Lookup(id string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.ctrl, true
}

// Busy reports whether a turn is running for id.
func (r *Registry) Busy(id string) bool {
	c, ok := r.Lookup(id)
	return ok && c.Status() != Idle
}

// Evict drops the controller for id. It returns ErrConcurrentTurn while a
// turn is running; an evicted controller refuses further turns.
func (r *Registry) Evict(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	if err := e.ctrl.retire(); err != nil {
		return err
	}
	delete(r.entries, id)
	return nil
}

// Len returns the number of controllers held by requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
