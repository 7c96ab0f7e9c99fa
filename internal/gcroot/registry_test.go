package gcroot

import (
	"fmt"
	"sync"
	"testing"
)

// tracedObj is a Traceable with a configurable edge set.
type tracedObj struct {
	values []Value
	opaque []any
}

func (o *tracedObj) VisitChildren(v Visitor) {
	for _, val := range o.values {
		v.Append(val)
	}
	for _, op := range o.opaque {
		v.AddOpaqueRoot(op)
	}
}

func TestRegistry_PinnedObjectSurvivesCollect(t *testing.T) {
	r := New()
	obj := &tracedObj{}
	destroyed := false

	tok := r.Pin(obj)
	r.Register(obj, func() { destroyed = true })

	if n := r.Collect(); n != 0 {
		t.Errorf("collect destroyed %d pinned objects", n)
	}
	if destroyed {
		t.Error("pinned object destroyed")
	}

	r.Unpin(tok)
	if n := r.Collect(); n != 1 {
		t.Errorf("collect after unpin destroyed %d, want 1", n)
	}
	if !destroyed {
		t.Error("destroy callback never ran")
	}
	if n := r.Collect(); n != 0 {
		t.Errorf("repeated collect destroyed %d, want 0", n)
	}
}

func TestRegistry_OpaqueRootKeepsObjectAlive(t *testing.T) {
	r := New()
	kept := &tracedObj{}
	root := &tracedObj{opaque: []any{kept}}
	destroyed := false

	r.Pin(root)
	r.Register(kept, func() { destroyed = true })

	if n := r.Collect(); n != 0 {
		t.Errorf("collect destroyed %d objects reachable via opaque root", n)
	}
	if destroyed {
		t.Error("opaque-rooted object destroyed")
	}
}

func TestRegistry_UnpinnedUnreferencedObjectSwept(t *testing.T) {
	r := New()
	var order []string

	a := &tracedObj{}
	b := &tracedObj{}
	r.Register(a, func() { order = append(order, "a") })
	r.Register(b, func() { order = append(order, "b") })
	r.Pin(a)

	if n := r.Collect(); n != 1 {
		t.Fatalf("collect destroyed %d, want 1", n)
	}
	if len(order) != 1 || order[0] != "b" {
		t.Errorf("destroy order = %v, want [b]", order)
	}
}

func TestRegistry_GuardUnguard(t *testing.T) {
	r := New()

	v := Value("ctor:Widget")
	if r.IsGuarded(v) {
		t.Fatal("fresh registry guards a value")
	}
	r.Guard(v)
	if !r.IsGuarded(v) {
		t.Error("guarded value not reported")
	}
	if r.GuardedLen() != 1 {
		t.Errorf("GuardedLen = %d, want 1", r.GuardedLen())
	}
	// Guarding twice is a no-op, not a refcount.
	r.Guard(v)
	if r.GuardedLen() != 1 {
		t.Errorf("GuardedLen after double guard = %d, want 1", r.GuardedLen())
	}
	r.Unguard(v)
	if r.IsGuarded(v) {
		t.Error("value still guarded after unguard")
	}
}

func TestRegistry_StructureCache(t *testing.T) {
	r := New()

	if _, ok := r.Structure("envclass:EnvWrap"); ok {
		t.Fatal("fresh registry has cached structures")
	}
	r.CacheStructure("envclass:EnvWrap", Value("structure:EnvWrap"))
	got, ok := r.Structure("envclass:EnvWrap")
	if !ok || got != Value("structure:EnvWrap") {
		t.Errorf("Structure = %q, %v", got, ok)
	}
}

func TestRegistry_VisitSharedReportsGuardsAndStructures(t *testing.T) {
	r := New()
	r.Guard(Value("lazy:URL"))
	r.CacheStructure("envclass:EnvWrap", Value("structure:EnvWrap"))

	mv := &markVisitor{values: make(map[Value]struct{}), opaque: make(map[any]struct{})}
	r.VisitShared(mv)

	if _, ok := mv.values["lazy:URL"]; !ok {
		t.Error("VisitShared dropped a guarded value")
	}
	if _, ok := mv.values["structure:EnvWrap"]; !ok {
		t.Error("VisitShared dropped a cached structure")
	}
}

// Guard, Unguard, and structure caching share one lock with the mark
// phase; this must hold up under concurrent mutation from host threads.
func TestRegistry_ConcurrentGuardAndCollect(t *testing.T) {
	r := New()
	root := &tracedObj{}
	r.Pin(root)
	r.Register(root, func() {})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				v := Value(fmt.Sprintf("lazy:g%d-%d", g, i))
				r.Guard(v)
				if !r.IsGuarded(v) {
					t.Errorf("value %s lost between guard and check", v)
					return
				}
				r.CacheStructure(string(v), v)
				r.Unguard(v)
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			r.Collect()
		}
	}()
	wg.Wait()

	if n := r.Collect(); n != 0 {
		t.Errorf("pinned root swept during concurrent collect")
	}
}

func TestRegistry_PinTokensAreIndependent(t *testing.T) {
	r := New()
	obj := &tracedObj{}
	destroyed := 0

	t1 := r.Pin(obj)
	t2 := r.Pin(obj)
	r.Register(obj, func() { destroyed++ })

	r.Unpin(t1)
	if n := r.Collect(); n != 0 {
		t.Errorf("object swept while still pinned by another token (%d)", n)
	}
	r.Unpin(t2)
	if n := r.Collect(); n != 1 {
		t.Errorf("collect destroyed %d, want 1", n)
	}
	if destroyed != 1 {
		t.Errorf("destroy ran %d times", destroyed)
	}
}
