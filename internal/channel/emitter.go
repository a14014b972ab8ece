package channel

import (
	"encoding/json"
	"sort"
	"sync"
)

// Emitter is an in-process event registry with on/once/off semantics. It is
// the dispatch half of every Channel implementation: the websocket client
// embeds one and feeds it inbound envelopes, and test fakes emit into it
// directly.
type Emitter struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]*registration
}

type registration struct {
	fn   Handler
	once bool
}

// NewEmitter returns an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[string]map[int]*registration)}
}

// On registers fn for every occurrence of event. The returned func removes
// the registration; calling it repeatedly is harmless.
func (e *Emitter) On(event string, fn Handler) func() {
	return e.register(event, fn, false)
}

// Once registers fn for the next occurrence of event only. The registration
// is removed before fn runs, so a handler that re-registers does not recurse.
func (e *Emitter) Once(event string, fn Handler) func() {
	return e.register(event, fn, true)
}

func (e *Emitter) register(event string, fn Handler, once bool) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handlers[event] == nil {
		e.handlers[event] = make(map[int]*registration)
	}
	id := e.nextID
	e.nextID++
	e.handlers[event][id] = &registration{fn: fn, once: once}

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if regs, ok := e.handlers[event]; ok {
			delete(regs, id)
			if len(regs) == 0 {
				delete(e.handlers, event)
			}
		}
	}
}

// Emit delivers payload to every handler registered for event, in
// registration order. Once-handlers are removed before invocation. Handlers
// run outside the emitter lock so they may register or remove freely.
func (e *Emitter) Emit(event string, payload json.RawMessage) {
	e.mu.Lock()
	regs := e.handlers[event]
	ids := make([]int, 0, len(regs))
	for id := range regs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Handler, 0, len(ids))
	for _, id := range ids {
		r := regs[id]
		fns = append(fns, r.fn)
		if r.once {
			delete(regs, id)
		}
	}
	if len(regs) == 0 {
		delete(e.handlers, event)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
}

// RemoveAll drops every registration. Used by Cleanup paths.
func (e *Emitter) RemoveAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = make(map[string]map[int]*registration)
}

// HandlerCount reports the number of live registrations for event.
func (e *Emitter) HandlerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[event])
}
