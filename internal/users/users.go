// Package users implements the per-presentation connected-client
// registries: the identity-unique Users Registry (C3) and its
// presenter-side sibling, which shares the handle-keyed shape but drops
// the identity-uniqueness constraint (a presenter may hold several
// simultaneous connections).
//
// Grounded on obelisk/exhibit's presentation/mod.rs Users/Presenters
// maps and ws.rs's takeover-via-closer-channel pattern, expressed with a
// per-registry sync.Mutex rather than the original's DashMap — spec §5
// calls for fine-grained concurrent containers per aggregate, and a
// plain mutex over a small map already gives that without adding a
// lock-striping dependency nothing else in this repo needs.
package users

import "sync"

// Sink accepts outbound frames for a connected client. The connection
// manager supplies the concrete bounded, drop-oldest implementation;
// this package only needs to hand frames off.
type Sink interface {
	Enqueue(frame []byte)
}

// Record is one connected (or connecting) client slot: a User row in
// the Users Registry, or a Presenter row in Presenters. Sink is nil
// until a connection actually binds to the slot; the close signal
// channel exists from NewRecord on.
type Record struct {
	Identity string
	Handle   string

	mu   sync.RWMutex
	sink Sink

	closeOnce sync.Once
	closer    chan struct{}
}

// NewRecord creates an unbound slot for identity/handle. Call Bind once
// a connection takes it over.
func NewRecord(identity, handle string) *Record {
	return &Record{Identity: identity, Handle: handle, closer: make(chan struct{})}
}

// Bind attaches the live connection's send sink to this slot.
func (r *Record) Bind(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// Send enqueues frame on the bound sink, if any. A slot with no bound
// sink (connection gone, or never connected) silently drops the frame —
// matching spec §4.7's "a slot whose send_queue is absent is skipped".
func (r *Record) Send(frame []byte) {
	r.mu.RLock()
	sink := r.sink
	r.mu.RUnlock()
	if sink != nil {
		sink.Enqueue(frame)
	}
}

// CloseSignal returns the channel that closes exactly once, when this
// slot is taken over by a new connection for the same identity.
func (r *Record) CloseSignal() <-chan struct{} {
	return r.closer
}

// FireClose closes the close signal, idempotently.
func (r *Record) FireClose() {
	r.closeOnce.Do(func() { close(r.closer) })
}

// Registry is the Users Registry: identity-unique, handle-indexed.
type Registry struct {
	mu         sync.Mutex
	byHandle   map[string]*Record
	byIdentity map[string]string // identity -> handle
}

func NewRegistry() *Registry {
	return &Registry{
		byHandle:   map[string]*Record{},
		byIdentity: map[string]string{},
	}
}

// Insert installs rec, evicting and closing out any existing live User
// for the same identity first. The eviction and the install happen
// under the same critical section, so no external observer can see two
// live users for one identity at once.
func (reg *Registry) Insert(rec *Record) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if oldHandle, ok := reg.byIdentity[rec.Identity]; ok {
		if old, ok := reg.byHandle[oldHandle]; ok {
			old.FireClose()
			delete(reg.byHandle, oldHandle)
		}
	}

	reg.byHandle[rec.Handle] = rec
	reg.byIdentity[rec.Identity] = rec.Handle
}

// GetByHandle looks up a slot by connection handle.
func (reg *Registry) GetByHandle(handle string) (*Record, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rec, ok := reg.byHandle[handle]
	return rec, ok
}

// Remove drops rec's index rows iff the identity index still points at
// rec's handle — guarding against a race where rec was already evicted
// by a takeover Insert. Returns whether removal happened.
func (reg *Registry) Remove(rec *Record) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.byIdentity[rec.Identity] != rec.Handle {
		return false
	}
	delete(reg.byIdentity, rec.Identity)
	delete(reg.byHandle, rec.Handle)
	return true
}

// Iter returns a weakly-consistent snapshot of currently registered
// records, suitable for broadcast fan-out.
func (reg *Registry) Iter() []*Record {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Record, 0, len(reg.byHandle))
	for _, rec := range reg.byHandle {
		out = append(out, rec)
	}
	return out
}

// Len reports the number of currently registered users.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.byHandle)
}

// Presenters is the presenter-side sibling of Registry: handle-keyed
// only, with no identity-uniqueness constraint, since one presenter
// identity may legitimately hold several simultaneous connections.
type Presenters struct {
	mu       sync.Mutex
	byHandle map[string]*Record
}

func NewPresenters() *Presenters {
	return &Presenters{byHandle: map[string]*Record{}}
}

// Insert installs rec under its handle, unconditionally.
func (p *Presenters) Insert(rec *Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byHandle[rec.Handle] = rec
}

// Get looks up a slot by connection handle.
func (p *Presenters) Get(handle string) (*Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.byHandle[handle]
	return rec, ok
}

// Contains reports whether handle names a registered presenter slot.
func (p *Presenters) Contains(handle string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byHandle[handle]
	return ok
}

// Remove drops the slot for handle.
func (p *Presenters) Remove(handle string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byHandle, handle)
}

// Iter returns a weakly-consistent snapshot of registered presenters.
func (p *Presenters) Iter() []*Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Record, 0, len(p.byHandle))
	for _, rec := range p.byHandle {
		out = append(out, rec)
	}
	return out
}
