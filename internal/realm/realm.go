// Package realm builds and owns a JavaScript global execution context: it
// installs the built-in global surface on an engine, bridges module
// loading, microtasks, and timers to the embedding host, and keeps the
// collector-facing bookkeeping (pins, guarded objects, trace callback)
// consistent for the lifetime of the context.
package realm

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/hostedat/realm/internal/core"
	"github.com/hostedat/realm/internal/gcroot"
	"github.com/hostedat/realm/internal/loader"
	"github.com/hostedat/realm/internal/webapi"
)

// ClassDescriptor is one host-supplied API class: a global name plus a JS
// expression that evaluates to the class (or value) to install. Descriptors
// are installed in order; the final descriptor is reserved for the
// process-environment wrapper class and is cached, not installed.
type ClassDescriptor struct {
	Name    string
	Builder string
}

// Capabilities is the hook table the engine-facing side of the realm
// dispatches through. A named struct of funcs replaces a positional
// method table: forgetting to wire a hook is a nil check away from
// detection instead of a silent slot miscount. Zero-value fields fall
// back to host-backed defaults.
type Capabilities struct {
	SupportsRichSourceInfo func(*Realm) bool
	ShouldInterruptScript  func(*Realm) bool
	RuntimeFlags           func(*Realm) uint64

	// QueueMicrotask forwards one engine-originated task to the embedder's
	// scheduler. The realm never drains its own queue except at the module
	// fetch synchronization point.
	QueueMicrotask func(*Realm, func())

	ReportUncaughtException func(*Realm, error)
	OnPromiseRejection      func(*Realm, string, bool)

	// DeriveRealm builds an adjacent realm sharing the engine, used for
	// realm-in-realm constructs.
	DeriveRealm func(*Realm) (*Realm, error)
}

func (c *Capabilities) withDefaults(h core.Host) {
	if c.SupportsRichSourceInfo == nil {
		c.SupportsRichSourceInfo = func(*Realm) bool { return true }
	}
	if c.ShouldInterruptScript == nil {
		c.ShouldInterruptScript = func(*Realm) bool { return false }
	}
	if c.RuntimeFlags == nil {
		c.RuntimeFlags = func(*Realm) uint64 { return 0 }
	}
	if c.QueueMicrotask == nil {
		c.QueueMicrotask = func(_ *Realm, task func()) { h.QueueMicrotask(task) }
	}
	if c.ReportUncaughtException == nil {
		c.ReportUncaughtException = func(_ *Realm, err error) { h.ReportUncaughtException(err) }
	}
	if c.OnPromiseRejection == nil {
		c.OnPromiseRejection = func(_ *Realm, reason string, handled bool) {
			h.TrackPromiseRejection(reason, handled)
		}
	}
	if c.DeriveRealm == nil {
		c.DeriveRealm = func(r *Realm) (*Realm, error) { return r.DeriveAdjacentRealm() }
	}
}

// ScriptExecutionContext owns the timer and microtask identity of one
// realm. It is registered with the collector as an opaque root: reachable
// for the realm's whole lifetime, never traced into.
type ScriptExecutionContext struct {
	ID    uint64
	World string
}

var secIDs atomic.Uint64

// Realm is one isolated global execution context bound to a single engine
// instance. All JS-visible state is mutated only from the script
// goroutine; the lone exception is the guarded-object set and structure
// cache inside the root registry, which take the registry's lock.
type Realm struct {
	eng  core.Engine
	host core.Host
	cfg  core.RealmConfig
	caps Capabilities

	registry *gcroot.Registry
	pin      gcroot.Token

	world string
	sec   *ScriptExecutionContext

	// ctors maps installed class name -> the root value the trace callback
	// reports for it.
	ctors map[string]gcroot.Value

	// lazyNames tracks which lazy globals have materialized; their cached
	// instances are strong edges the trace callback must report.
	lazyMaterialized map[string]gcroot.Value

	envClass *ClassDescriptor

	loader *loader.Loader

	// derived realms share the engine heap with their parent and must not
	// clear engine-global state when destroyed.
	derived bool

	released  bool
	destroyed bool
}

// Options bundles everything Create needs beyond the engine.
type Options struct {
	Config     core.RealmConfig
	Host       core.Host
	Console    core.ConsoleClient
	ClassTable []ClassDescriptor
	Caps       Capabilities
	Process    webapi.ProcessOptions

	// Registry may be shared between realms on the same engine; nil gets a
	// fresh one.
	Registry *gcroot.Registry
}

// lazyCatalog lists the globals installed through the lazy accessor path,
// each with the expression its first read evaluates. Everything resolves
// out of the hidden builtin registry populated during setup.
var lazyCatalog = []struct {
	name    string
	builder string
}{
	{"process", "globalThis.__rm_builtins.__processFactory()"},
	{"URL", "globalThis.__rm_builtins.URL"},
	{"URLSearchParams", "globalThis.__rm_builtins.URLSearchParams"},
	{"DOMException", "globalThis.__rm_builtins.DOMException"},
	{"Event", "globalThis.__rm_builtins.Event"},
	{"EventTarget", "globalThis.__rm_builtins.EventTarget"},
	{"AbortController", "globalThis.__rm_builtins.AbortController"},
	{"AbortSignal", "globalThis.__rm_builtins.AbortSignal"},
	{"CustomEvent", "globalThis.__rm_builtins.CustomEvent"},
	{"Headers", "globalThis.__rm_builtins.Headers"},
	{"ErrorEvent", "globalThis.__rm_builtins.ErrorEvent"},
	{"Buffer", "globalThis.__rm_builtins.Buffer"},
	{"TextEncoder", "globalThis.__rm_builtins.TextEncoder"},
	{"TextDecoder", "globalThis.__rm_builtins.TextDecoder"},
	{"ReadableStream", "globalThis.__rm_builtins.ReadableStream"},
	{"ReadableStreamDefaultController", "globalThis.__rm_builtins.ReadableStreamDefaultController"},
	{"ReadableStreamDefaultReader", "globalThis.__rm_builtins.ReadableStreamDefaultReader"},
	{"WritableStream", "globalThis.__rm_builtins.WritableStream"},
	{"WritableStreamDefaultController", "globalThis.__rm_builtins.WritableStreamDefaultController"},
	{"WritableStreamDefaultWriter", "globalThis.__rm_builtins.WritableStreamDefaultWriter"},
	{"TransformStream", "globalThis.__rm_builtins.TransformStream"},
	{"TransformStreamDefaultController", "globalThis.__rm_builtins.TransformStreamDefaultController"},
	{"ByteLengthQueuingStrategy", "globalThis.__rm_builtins.ByteLengthQueuingStrategy"},
	{"CountQueuingStrategy", "globalThis.__rm_builtins.CountQueuingStrategy"},
}

// Create constructs a realm on the given engine: runs the one-time global
// installation, installs the lazy accessor catalog and the host class
// table, wires the module loader, and pins the realm in the root registry
// so it survives until the host releases it.
func Create(eng core.Engine, opts Options) (*Realm, error) {
	if eng == nil {
		return nil, fmt.Errorf("realm: nil engine")
	}
	if opts.Host == nil {
		return nil, fmt.Errorf("realm: nil host")
	}
	registry := opts.Registry
	if registry == nil {
		registry = gcroot.New()
	}

	sec := &ScriptExecutionContext{
		ID:    secIDs.Add(1),
		World: "normal",
	}
	r := &Realm{
		eng:              eng,
		host:             opts.Host,
		cfg:              opts.Config.WithDefaults(),
		caps:             opts.Caps,
		registry:         registry,
		world:            sec.World,
		sec:              sec,
		ctors:            make(map[string]gcroot.Value),
		lazyMaterialized: make(map[string]gcroot.Value),
	}
	r.caps.withDefaults(opts.Host)

	if err := r.bootstrap(opts); err != nil {
		return nil, err
	}

	// Pin against collection until the host calls Release; destruction
	// stays collector-driven.
	r.pin = registry.Pin(r)
	registry.Register(r, r.destroy)

	return r, nil
}

// bootstrap runs the ordered one-shot installation sequence. Later steps
// depend on earlier ones (timers need queueMicrotask for interval renewal,
// rejection tracking needs queueMicrotask, reportError needs the event
// classes), so the order here is load-bearing.
func (r *Realm) bootstrap(opts Options) error {
	if err := r.eng.Eval(`
		globalThis.__rm_builtins = globalThis.__rm_builtins || {};
		globalThis.__rm_lazyCache = globalThis.__rm_lazyCache || {};
	`); err != nil {
		return fmt.Errorf("initializing builtin registry: %w", err)
	}

	if err := webapi.SetupConsole(r.eng, opts.Console); err != nil {
		return fmt.Errorf("console setup: %w", err)
	}
	if err := webapi.SetupGlobals(r.eng, r.host); err != nil {
		return fmt.Errorf("globals setup: %w", err)
	}
	if err := webapi.SetupEvents(r.eng, r.host); err != nil {
		return fmt.Errorf("events setup: %w", err)
	}
	if err := webapi.SetupEncoding(r.eng, r.host); err != nil {
		return fmt.Errorf("encoding setup: %w", err)
	}
	if err := webapi.SetupURL(r.eng, r.host); err != nil {
		return fmt.Errorf("url setup: %w", err)
	}
	if err := webapi.SetupStreams(r.eng, r.host); err != nil {
		return fmt.Errorf("streams setup: %w", err)
	}
	if err := webapi.SetupTimers(r.eng, r.host); err != nil {
		return fmt.Errorf("timers setup: %w", err)
	}
	if err := webapi.SetupUnhandledRejection(r.eng, r.host); err != nil {
		return fmt.Errorf("rejection tracking setup: %w", err)
	}
	if err := webapi.SetupProcess(r.eng, opts.Process); err != nil {
		return fmt.Errorf("process setup: %w", err)
	}

	if err := r.AddBuiltinGlobals(); err != nil {
		return err
	}
	if err := r.installLazyCatalog(); err != nil {
		return err
	}
	if len(opts.ClassTable) > 0 {
		if err := r.InstallAPIGlobals(opts.ClassTable); err != nil {
			return err
		}
	}

	ld, err := loader.New(r.eng, r.host, r.cfg)
	if err != nil {
		return fmt.Errorf("module loader: %w", err)
	}
	r.loader = ld

	return nil
}

// AddBuiltinGlobals finalizes the static global property table: the
// function globals installed during setup are redefined read-only and
// non-configurable so scripts cannot redefine host-exposed intrinsics.
func (r *Realm) AddBuiltinGlobals() error {
	const staticTableJS = `
	(function() {
		var names = ['queueMicrotask', 'setTimeout', 'clearTimeout', 'setInterval',
			'clearInterval', 'atob', 'btoa', 'reportError'];
		for (var i = 0; i < names.length; i++) {
			var name = names[i];
			var v = globalThis[name];
			if (v === undefined) throw new Error('builtin ' + name + ' missing at install time');
			Object.defineProperty(globalThis, name, {
				value: v,
				writable: false,
				enumerable: true,
				configurable: false,
			});
		}
	})();
	`
	if err := r.eng.Eval(staticTableJS); err != nil {
		return fmt.Errorf("finalizing static globals: %w", err)
	}
	for _, name := range []string{"queueMicrotask", "setTimeout", "clearTimeout", "setInterval", "clearInterval", "atob", "btoa", "reportError"} {
		r.ctors["global:"+name] = gcroot.Value("global:" + name)
	}
	return nil
}

// installLazyCatalog installs the accessor pair for every lazily built
// global. The getter is first-read-wins with a reentrancy guard; the
// setter silently ignores assignment.
func (r *Realm) installLazyCatalog() error {
	if err := r.eng.RegisterFunc("__rm_lazyMaterialized", func(name string) {
		v := gcroot.Value("lazy:" + name)
		r.lazyMaterialized[name] = v
		r.registry.Guard(v)
	}); err != nil {
		return err
	}
	for _, entry := range lazyCatalog {
		if err := r.installLazyGlobal(entry.name, entry.builder); err != nil {
			return fmt.Errorf("installing lazy global %s: %w", entry.name, err)
		}
	}
	return nil
}

func (r *Realm) installLazyGlobal(name, builder string) error {
	js := fmt.Sprintf(`
	(function() {
		var building = false;
		Object.defineProperty(globalThis, %q, {
			enumerable: false,
			configurable: false,
			get: function() {
				var cache = globalThis.__rm_lazyCache;
				if (%q in cache) return cache[%q];
				if (building) throw new TypeError(%q + " depends on itself during lazy construction");
				building = true;
				var v;
				try {
					v = (%s);
				} finally {
					building = false;
				}
				cache[%q] = v;
				__rm_lazyMaterialized(%q);
				return v;
			},
			set: function(_) {},
		});
	})();
	`, name, name, name, name, builder, name, name)
	return r.eng.Eval(js)
}

// InstallAPIGlobals materializes the host class descriptors in order and
// installs each as a non-configurable global, guarding each installed
// value against collection. The final descriptor is reserved for the
// process-environment wrapper class: it is cached for the lazy process
// getter and never installed as a plain global.
func (r *Realm) InstallAPIGlobals(table []ClassDescriptor) error {
	if len(table) == 0 {
		return fmt.Errorf("installAPIGlobals: empty class table")
	}
	for i := 0; i < len(table)-1; i++ {
		d := table[i]
		js := fmt.Sprintf(`
		Object.defineProperty(globalThis, %q, {
			value: (%s),
			writable: false,
			enumerable: false,
			configurable: false,
		});
		`, d.Name, d.Builder)
		if err := r.eng.Eval(js); err != nil {
			return fmt.Errorf("installing API global %s: %w", d.Name, err)
		}
		v := gcroot.Value("ctor:" + d.Name)
		r.ctors[d.Name] = v
		r.registry.Guard(v)
	}

	last := table[len(table)-1]
	r.envClass = &last
	if err := r.eng.Eval(fmt.Sprintf("globalThis.__rm_builtins.__envClass = (%s);", last.Builder)); err != nil {
		return fmt.Errorf("caching env class %s: %w", last.Name, err)
	}
	r.registry.CacheStructure("envclass:"+last.Name, gcroot.Value("structure:"+last.Name))
	return nil
}

// VisitChildren reports every strong edge the realm owns: installed
// constructors, materialized lazy globals, and the shared guarded-object
// set and structure cache. The script-execution context is registered as
// an opaque root. Completeness here is the realm's most safety-critical
// invariant: a missing edge is a use-after-free under collection.
func (r *Realm) VisitChildren(v gcroot.Visitor) {
	for _, val := range r.ctors {
		v.Append(val)
	}
	for _, val := range r.lazyMaterialized {
		v.Append(val)
	}
	r.registry.VisitShared(v)
	v.AddOpaqueRoot(r.sec)
}

// Release drops the host's protection pin. The realm stays alive until
// the collector decides it is unreachable; destruction is never direct.
func (r *Realm) Release() {
	if r.released {
		return
	}
	r.released = true
	r.registry.Unpin(r.pin)
}

// destroy is the collector-driven destruction callback.
func (r *Realm) destroy() {
	if r.destroyed {
		return
	}
	r.destroyed = true
	for _, val := range r.ctors {
		r.registry.Unguard(val)
	}
	for _, val := range r.lazyMaterialized {
		r.registry.Unguard(val)
	}
	if r.derived {
		// The engine heap belongs to the parent; leave its state alone.
		return
	}
	_ = r.eng.Eval(`
		delete globalThis.__rm_lazyCache;
		delete globalThis.__rm_timerCallbacks;
		delete globalThis.__rm_microtasks;
	`)
}

// DeriveAdjacentRealm creates a sibling realm sharing this realm's engine
// and root registry but with its own world handle and script-execution
// context. The engine hosts a single JS heap, so the global surface is
// shared; isolation is at the bookkeeping and world-tag level.
func (r *Realm) DeriveAdjacentRealm() (*Realm, error) {
	sec := &ScriptExecutionContext{
		ID:    secIDs.Add(1),
		World: "isolated-" + strconv.FormatUint(secIDs.Load(), 10),
	}
	derived := &Realm{
		eng:              r.eng,
		host:             r.host,
		cfg:              r.cfg,
		caps:             r.caps,
		registry:         r.registry,
		world:            sec.World,
		sec:              sec,
		ctors:            make(map[string]gcroot.Value),
		lazyMaterialized: make(map[string]gcroot.Value),
		envClass:         r.envClass,
		loader:           r.loader,
		derived:          true,
	}
	derived.pin = r.registry.Pin(derived)
	r.registry.Register(derived, derived.destroy)
	return derived, nil
}

// Loader exposes the realm's module loader.
func (r *Realm) Loader() *loader.Loader { return r.loader }

// Engine exposes the underlying engine.
func (r *Realm) Engine() core.Engine { return r.eng }

// Registry exposes the realm's root registry (shared with the collector).
func (r *Realm) Registry() *gcroot.Registry { return r.registry }

// World returns the wrapper-world handle this realm's native wrappers
// belong to.
func (r *Realm) World() string { return r.world }

// Context returns the script-execution context. Never nil after Create.
func (r *Realm) Context() *ScriptExecutionContext { return r.sec }

// Caps returns the realm's capability table.
func (r *Realm) Caps() *Capabilities { return &r.caps }
