package gcroot

import (
	"sync"
	"sync/atomic"
)

// Value is a handle to an engine-owned object, identified by its stable slot
// name in the realm's JS-side guard registry. Identity is by name.
type Value string

// Visitor receives the strong edges of a Traceable during a marking pass.
type Visitor interface {
	// Append reports a directly owned engine value.
	Append(v Value)
	// AddOpaqueRoot reports an external (non-JS) object that must be
	// treated as reachable without tracing into it.
	AddOpaqueRoot(root any)
}

// Traceable is implemented by every owning type. VisitChildren must
// enumerate EVERY strong edge the object holds; a missing edge is a
// use-after-free under collection, not a style issue.
type Traceable interface {
	VisitChildren(v Visitor)
}

// Token is a pin handle returned by Pin. Dropping the pin (Unpin) signals
// that the host no longer anchors the object; actual destruction happens in
// a later Collect pass.
type Token struct {
	id uint64
}

// Registry tracks explicit GC roots for objects whose lifetime the engine's
// own collector cannot see: pinned objects, the guarded-object set, and the
// structure cache.
//
// The guarded set and structure cache are the ONE piece of state shared with
// a concurrent marking pass; every access goes through mu. All other realm
// state is single-writer on the script goroutine by construction.
type Registry struct {
	mu         sync.Mutex // gc lock: guarded set + structure cache
	guarded    map[Value]struct{}
	structures map[string]Value

	pinMu   sync.Mutex
	pins    map[uint64]Traceable
	nextPin atomic.Uint64

	objMu   sync.Mutex
	objects map[Traceable]func()
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		guarded:    make(map[Value]struct{}),
		structures: make(map[string]Value),
		pins:       make(map[uint64]Traceable),
		objects:    make(map[Traceable]func()),
	}
}

// Pin anchors t as a GC root and returns the pin token.
func (r *Registry) Pin(t Traceable) Token {
	id := r.nextPin.Add(1)
	r.pinMu.Lock()
	r.pins[id] = t
	r.pinMu.Unlock()
	return Token{id: id}
}

// Unpin drops a pin. The object stays alive until the next Collect pass
// determines it is unreachable.
func (r *Registry) Unpin(tok Token) {
	r.pinMu.Lock()
	delete(r.pins, tok.id)
	r.pinMu.Unlock()
}

// Register adds an owning object with its collector-driven destroy
// callback. destroy runs at most once, from Collect.
func (r *Registry) Register(t Traceable, destroy func()) {
	r.objMu.Lock()
	r.objects[t] = destroy
	r.objMu.Unlock()
}

// Guard pins an engine value against collection until Unguard.
func (r *Registry) Guard(v Value) {
	r.mu.Lock()
	r.guarded[v] = struct{}{}
	r.mu.Unlock()
}

// Unguard releases a guarded value.
func (r *Registry) Unguard(v Value) {
	r.mu.Lock()
	delete(r.guarded, v)
	r.mu.Unlock()
}

// IsGuarded reports whether v is currently guarded.
func (r *Registry) IsGuarded(v Value) bool {
	r.mu.Lock()
	_, ok := r.guarded[v]
	r.mu.Unlock()
	return ok
}

// GuardedLen returns the current guarded-set size.
func (r *Registry) GuardedLen() int {
	r.mu.Lock()
	n := len(r.guarded)
	r.mu.Unlock()
	return n
}

// CacheStructure stores an object-layout template under its logical class key.
func (r *Registry) CacheStructure(key string, v Value) {
	r.mu.Lock()
	r.structures[key] = v
	r.mu.Unlock()
}

// Structure returns the cached layout template for key, if any.
func (r *Registry) Structure(key string) (Value, bool) {
	r.mu.Lock()
	v, ok := r.structures[key]
	r.mu.Unlock()
	return v, ok
}

// VisitShared appends every guarded value and cached structure to the
// visitor. The marking pass has to grab the gc lock even though it is not
// mutating the containers.
func (r *Registry) VisitShared(v Visitor) {
	r.mu.Lock()
	for g := range r.guarded {
		v.Append(g)
	}
	for _, s := range r.structures {
		v.Append(s)
	}
	r.mu.Unlock()
}

// markVisitor accumulates the reachable set during Collect.
type markVisitor struct {
	values map[Value]struct{}
	opaque map[any]struct{}
}

func (m *markVisitor) Append(v Value) {
	m.values[v] = struct{}{}
}

// AddOpaqueRoot records root as reachable without tracing into it.
func (m *markVisitor) AddOpaqueRoot(root any) {
	if root == nil {
		return
	}
	m.opaque[root] = struct{}{}
}

// Collect runs a mark pass from all pins and sweeps registered objects that
// were not reached, returning how many were destroyed. Destroy callbacks
// for swept objects are invoked after the mark completes, outside all
// registry locks. Safe to call from a goroutine other than the script
// thread; only the guarded set and structure cache are shared, and those
// are read under the gc lock inside each object's VisitChildren.
func (r *Registry) Collect() int {
	mv := &markVisitor{
		values: make(map[Value]struct{}),
		opaque: make(map[any]struct{}),
	}

	r.pinMu.Lock()
	roots := make([]Traceable, 0, len(r.pins))
	for _, t := range r.pins {
		roots = append(roots, t)
	}
	r.pinMu.Unlock()

	marked := make(map[Traceable]struct{})
	for _, t := range roots {
		if _, seen := marked[t]; seen {
			continue
		}
		marked[t] = struct{}{}
		t.VisitChildren(mv)
	}

	var destroys []func()
	r.objMu.Lock()
	for t, destroy := range r.objects {
		if _, ok := marked[t]; ok {
			continue
		}
		if _, ok := mv.opaque[t]; ok {
			continue
		}
		delete(r.objects, t)
		destroys = append(destroys, destroy)
	}
	r.objMu.Unlock()

	for _, d := range destroys {
		d()
	}
	return len(destroys)
}
