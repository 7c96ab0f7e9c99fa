// Package realm embeds a JavaScript engine and exposes a controlled,
// capability-scoped global environment to the scripts it runs: a per-VM
// global context with lazily installed builtins, a host-driven module
// resolve/fetch/evaluate pipeline, and explicit collector bookkeeping.
package realm

import (
	"fmt"

	"github.com/hostedat/realm/internal/core"
	"github.com/hostedat/realm/internal/gcroot"
	"github.com/hostedat/realm/internal/loader"
	rlm "github.com/hostedat/realm/internal/realm"
	"github.com/hostedat/realm/internal/webapi"
)

// Re-exported so embedders only import this package.
type (
	Host            = core.Host
	ResolvedSource  = core.ResolvedSource
	SourceTag       = core.SourceTag
	Config          = core.RealmConfig
	ConsoleClient   = core.ConsoleClient
	ClassDescriptor = rlm.ClassDescriptor
	Capabilities    = rlm.Capabilities
	ProcessOptions  = webapi.ProcessOptions
)

const (
	SourceScript   = core.SourceScript
	SourceBytecode = core.SourceBytecode
)

var _ Host = (*DiskHost)(nil)

// Options configures one realm.
type Options struct {
	Config Config

	// ClassTable is the ordered host class-descriptor list for
	// installAPIGlobals; the final entry is reserved for the
	// process-environment wrapper class.
	ClassTable []ClassDescriptor

	Caps    Capabilities
	Process ProcessOptions
}

// Realm is one isolated execution context bound to its own engine
// instance. All methods must be called from a single goroutine; the
// engine is not reentrant.
type Realm struct {
	inner *rlm.Realm
	eng   core.Engine
	host  core.Host
}

// Create builds an engine, bootstraps a realm on it, and pins the realm
// until Release. Runs process-wide initialization first if the embedder
// has not.
func Create(host Host, opts Options) (r *Realm, err error) {
	if host == nil {
		return nil, fmt.Errorf("realm: nil host")
	}
	Initialize(InitOptions{})

	cfg := opts.Config.WithDefaults()
	eng, err := newBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			eng.Close()
			crash(host, p)
			r, err = nil, fmt.Errorf("engine panic during realm bootstrap: %v", p)
		}
	}()

	inner, err := rlm.Create(eng, rlm.Options{
		Config:     cfg,
		Host:       host,
		Console:    consoleClient(),
		ClassTable: opts.ClassTable,
		Caps:       opts.Caps,
		Process:    opts.Process,
	})
	if err != nil {
		eng.Close()
		return nil, err
	}
	return &Realm{inner: inner, eng: eng, host: host}, nil
}

// Eval runs a script in the realm, discarding the result.
func (r *Realm) Eval(js string) (err error) {
	defer r.recoverCrash(&err)
	return r.eng.Eval(js)
}

// EvalString runs a script and returns the result as a string.
func (r *Realm) EvalString(js string) (s string, err error) {
	defer r.recoverCrash(&err)
	return r.eng.EvalString(js)
}

// EvalBool runs a script and returns the result as a bool.
func (r *Realm) EvalBool(js string) (b bool, err error) {
	defer r.recoverCrash(&err)
	return r.eng.EvalBool(js)
}

// Import drives the module pipeline for a specifier resolved from the
// working root and returns the JSON-stringified namespace.
func (r *Realm) Import(specifier string) (s string, err error) {
	defer r.recoverCrash(&err)
	return r.inner.Loader().Import(specifier, "")
}

// Require runs the synchronous loading path for a specifier and returns
// the JSON-stringified exports.
func (r *Realm) Require(specifier string) (s string, err error) {
	defer r.recoverCrash(&err)
	return r.inner.Loader().Require(specifier, "")
}

// RunMicrotasks pumps the engine's microtask queue.
func (r *Realm) RunMicrotasks() {
	r.eng.RunMicrotasks()
}

// Loader exposes the realm's module loader.
func (r *Realm) Loader() *loader.Loader { return r.inner.Loader() }

// Caps exposes the realm's capability table.
func (r *Realm) Caps() *Capabilities { return r.inner.Caps() }

// InstallAPIGlobals installs a host class-descriptor table; the final
// descriptor is cached as the process-environment wrapper class.
func (r *Realm) InstallAPIGlobals(table []ClassDescriptor) error {
	return r.inner.InstallAPIGlobals(table)
}

// VisitChildren reports the realm's strong edges to a collector visitor.
func (r *Realm) VisitChildren(v gcroot.Visitor) {
	r.inner.VisitChildren(v)
}

// Release drops the host's protection pin; the realm is destroyed by the
// next collection that finds it unreachable.
func (r *Realm) Release() {
	r.inner.Release()
}

// Collect runs a collection cycle over the realm's root registry and
// reports how many registered objects were destroyed.
func (r *Realm) Collect() int {
	return r.inner.Registry().Collect()
}

// DeriveAdjacentRealm creates a sibling realm sharing this realm's engine.
// Only the parent may Close; the sibling is torn down by Release plus a
// collection cycle.
func (r *Realm) DeriveAdjacentRealm() (*Realm, error) {
	inner, err := r.inner.DeriveAdjacentRealm()
	if err != nil {
		return nil, err
	}
	return &Realm{inner: inner, eng: r.eng, host: r.host}, nil
}

// Close shuts down the underlying engine. Call after Release and a final
// Collect; the engine does not outlive its realms in this embedding.
func (r *Realm) Close() {
	r.eng.Close()
}

// Interrupt requests termination of running script from another goroutine.
func (r *Realm) Interrupt() {
	r.eng.Interrupt()
}

func (r *Realm) recoverCrash(err *error) {
	if p := recover(); p != nil {
		crash(r.host, p)
		*err = fmt.Errorf("engine panic: %v", p)
	}
}
