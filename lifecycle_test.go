package realm

import (
	"testing"
	"time"

	"github.com/hostedat/realm/internal/gcroot"
)

// recordingVisitor collects the edges a trace callback reports.
type recordingVisitor struct {
	values []gcroot.Value
	opaque []any
}

func (v *recordingVisitor) Append(val gcroot.Value) { v.values = append(v.values, val) }
func (v *recordingVisitor) AddOpaqueRoot(o any)     { v.opaque = append(v.opaque, o) }

func (v *recordingVisitor) has(val gcroot.Value) bool {
	for _, got := range v.values {
		if got == val {
			return true
		}
	}
	return false
}

func TestLifecycle_VisitChildrenReportsAllEdges(t *testing.T) {
	h := newMemHost(nil)
	r, err := Create(h, Options{
		ClassTable: []ClassDescriptor{
			{Name: "Widget", Builder: "(class Widget {})"},
			{Name: "EnvWrap", Builder: "(class EnvWrap { constructor(env) { Object.assign(this, env); } })"},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() {
		r.Release()
		r.Collect()
		r.Close()
	})

	// Materialize one lazy global so its edge must show up too.
	evalString(t, r, "String(typeof URL)")

	v := &recordingVisitor{}
	r.VisitChildren(v)

	for _, want := range []gcroot.Value{"ctor:Widget", "lazy:URL", "global:setTimeout"} {
		if !v.has(want) {
			t.Errorf("VisitChildren missing edge %q (got %v)", want, v.values)
		}
	}
	if len(v.opaque) == 0 {
		t.Error("script execution context not reported as an opaque root")
	}
}

func TestLifecycle_ReleaseThenCollectDestroys(t *testing.T) {
	h := newMemHost(nil)
	r, err := Create(h, Options{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Pinned: a collection must not touch the realm.
	if n := r.Collect(); n != 0 {
		t.Errorf("collect destroyed %d objects while the realm was pinned", n)
	}

	r.Release()
	if n := r.Collect(); n != 1 {
		t.Errorf("collect after release destroyed %d objects, want 1", n)
	}
	// Destruction is idempotent under repeated cycles.
	if n := r.Collect(); n != 0 {
		t.Errorf("second collect destroyed %d objects, want 0", n)
	}
	r.Close()
}

func TestLifecycle_DerivedRealmHasOwnWorld(t *testing.T) {
	r, _ := newTestRealm(t, nil)

	d, err := r.DeriveAdjacentRealm()
	if err != nil {
		t.Fatalf("DeriveAdjacentRealm: %v", err)
	}
	if r.inner.World() == d.inner.World() {
		t.Errorf("derived realm shares world %q with parent", r.inner.World())
	}
	if r.inner.Context().ID == d.inner.Context().ID {
		t.Error("derived realm shares script execution context id with parent")
	}

	// Siblings share the engine heap, so evaluation state is visible
	// across them.
	evalString(t, r, "globalThis.__shared_probe = 'from-parent'")
	if got, err := d.EvalString("globalThis.__shared_probe"); err != nil || got != "from-parent" {
		t.Errorf("derived realm eval = %q, %v", got, err)
	}

	d.Release()
	if n := r.Collect(); n != 1 {
		t.Errorf("collect destroyed %d objects after sibling release, want 1", n)
	}

	// The parent's lazy cache must survive sibling destruction.
	if got := evalString(t, r, "String(URL === URL)"); got != "true" {
		t.Errorf("parent lazy globals broken after sibling teardown")
	}
}

func TestLifecycle_EvalErrorReturnsError(t *testing.T) {
	h := newMemHost(nil)
	r, err := Create(h, Options{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() {
		r.Release()
		r.Collect()
		r.Close()
	})

	if err := r.Eval("syntax error here"); err == nil {
		t.Error("evaluating invalid source succeeded")
	}
}

func TestLifecycle_CapabilityDefaultsPopulated(t *testing.T) {
	r, _ := newTestRealm(t, nil)

	c := r.Caps()
	if c.SupportsRichSourceInfo == nil || c.ShouldInterruptScript == nil ||
		c.RuntimeFlags == nil || c.QueueMicrotask == nil || c.DeriveRealm == nil {
		t.Fatal("capability table has nil entries after create")
	}
	if !c.SupportsRichSourceInfo(r.inner) {
		t.Error("default SupportsRichSourceInfo = false, want true")
	}
	if c.ShouldInterruptScript(r.inner) {
		t.Error("default ShouldInterruptScript = true, want false")
	}
	if c.RuntimeFlags(r.inner) != 0 {
		t.Error("default RuntimeFlags nonzero")
	}
}

func TestPool_ReusesRealmsAndScrubsState(t *testing.T) {
	h := newMemHost(nil)
	p, err := NewPool(2, h, Options{})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer p.Close()

	r1, err := p.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := r1.Eval("globalThis.__tmp_state = 'dirty'; setTimeout(function(){}, 1000);"); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	p.Put(r1)

	// Drain both slots; one of them is the realm we dirtied.
	a, _ := p.Get()
	b, _ := p.Get()
	for _, r := range []*Realm{a, b} {
		if got, err := r.EvalString("String(globalThis.__tmp_state)"); err != nil || got != "undefined" {
			t.Errorf("pooled realm kept dirty state: %q, %v", got, err)
		}
		p.Put(r)
	}
}

func TestPool_GetAfterCloseFails(t *testing.T) {
	h := newMemHost(nil)
	p, err := NewPool(1, h, Options{})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	p.Close()
	if _, err := p.Get(); err == nil {
		t.Error("Get on a closed pool succeeded")
	}
}

func TestPool_PutDuringCloseDoesNotPanic(t *testing.T) {
	h := newMemHost(nil)
	p, err := NewPool(2, h, Options{})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	r, err := p.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	done := make(chan struct{}, 2)
	go func() {
		p.Put(r)
		done <- struct{}{}
	}()
	go func() {
		p.Close()
		done <- struct{}{}
	}()
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Put/Close did not finish")
		}
	}
}

func TestPool_GetBlocksUntilPut(t *testing.T) {
	h := newMemHost(nil)
	p, err := NewPool(1, h, Options{})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer p.Close()

	r, err := p.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	got := make(chan *Realm)
	go func() {
		r2, _ := p.Get()
		got <- r2
	}()

	select {
	case <-got:
		t.Fatal("second Get returned while the slot was checked out")
	case <-time.After(50 * time.Millisecond):
	}

	p.Put(r)
	select {
	case r2 := <-got:
		p.Put(r2)
	case <-time.After(time.Second):
		t.Fatal("second Get never unblocked after Put")
	}
}
