package loader

import (
	"fmt"
	"strings"
	"testing"

	"github.com/hostedat/realm/internal/core"
)

// stubEngine satisfies core.Engine without an engine; the loader's Go
// half never needs evaluation for these tests.
type stubEngine struct {
	evaled     []string
	microtasks int
}

func (e *stubEngine) Eval(js string) error { e.evaled = append(e.evaled, js); return nil }
func (e *stubEngine) EvalString(js string) (string, error) {
	e.evaled = append(e.evaled, js)
	return "", nil
}
func (e *stubEngine) EvalBool(js string) (bool, error) { return false, nil }
func (e *stubEngine) EvalInt(js string) (int, error)   { return 0, nil }
func (e *stubEngine) RegisterFunc(name string, fn any) error {
	return nil
}
func (e *stubEngine) SetGlobal(name string, value any) error { return nil }
func (e *stubEngine) RunMicrotasks()                         { e.microtasks++ }
func (e *stubEngine) Interrupt()                             {}
func (e *stubEngine) Close()                                 {}

type stubHost struct {
	modules map[string]core.ResolvedSource
	fetches []string
}

func (h *stubHost) Resolve(specifier, referrer string) (string, error) {
	if strings.HasPrefix(specifier, "/") {
		return specifier, nil
	}
	return "/app/" + specifier, nil
}

func (h *stubHost) Fetch(key, hint string) (core.ResolvedSource, error) {
	h.fetches = append(h.fetches, key)
	src, ok := h.modules[key]
	if !ok {
		return core.ResolvedSource{}, fmt.Errorf("no module at %s", key)
	}
	return src, nil
}

func (h *stubHost) ReportUncaughtException(err error)                      {}
func (h *stubHost) TrackPromiseRejection(reason string, handled bool)      {}
func (h *stubHost) QueueMicrotask(task func())                             { task() }
func (h *stubHost) SetTimer(delayMs int, interval bool, f func(int)) int   { return 0 }
func (h *stubHost) ClearTimer(id int)                                      {}
func (h *stubHost) OnFatalCrash()                                          {}

func newTestLoader(t *testing.T, modules map[string]core.ResolvedSource) (*Loader, *stubEngine, *stubHost) {
	t.Helper()
	eng := &stubEngine{}
	host := &stubHost{modules: modules}
	l, err := New(eng, host, core.RealmConfig{}.WithDefaults())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, eng, host
}

func TestLoader_ResolveCreatesRecord(t *testing.T) {
	l, _, _ := newTestLoader(t, nil)

	key, err := l.Resolve("mod.js", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if key != "/app/mod.js" {
		t.Errorf("key = %q", key)
	}
	st, ok := l.RecordState(key)
	if !ok || st != StateResolved {
		t.Errorf("state = %v, %v, want resolved", st, ok)
	}
}

func TestLoader_FetchRejectsNativeModulesBeforeHost(t *testing.T) {
	l, _, host := newTestLoader(t, nil)

	_, err := l.Fetch("/app/addon.node", "")
	if err == nil {
		t.Fatal("fetching a .node key succeeded")
	}
	if got := err.Error(); got != "To load Node-API modules, use require() or process.dlopen instead of import." {
		t.Errorf("error = %q", got)
	}
	if len(host.fetches) != 0 {
		t.Errorf("host fetch ran %d times, want 0", len(host.fetches))
	}
	st, _ := l.RecordState("/app/addon.node")
	if st != StateErrored {
		t.Errorf("state = %v, want errored", st)
	}
}

func TestLoader_FetchDrainsMicrotasksAfterSuccess(t *testing.T) {
	l, eng, _ := newTestLoader(t, map[string]core.ResolvedSource{
		"/app/a.js": {Tag: core.SourceScript, Code: []byte("export const x = 1;")},
	})

	if _, err := l.Fetch("/app/a.js", ""); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if eng.microtasks != 1 {
		t.Errorf("microtask pump ran %d times after fetch, want 1", eng.microtasks)
	}

	// A failed fetch must not pump.
	_, _ = l.Fetch("/app/missing.js", "")
	if eng.microtasks != 1 {
		t.Errorf("microtask pump ran on the failure path")
	}
}

func TestLoader_FetchStateProgression(t *testing.T) {
	l, _, _ := newTestLoader(t, map[string]core.ResolvedSource{
		"/app/a.js": {Tag: core.SourceScript, Code: []byte("export const x = 1;"), SourceURL: "file:///app/a.js"},
	})

	if _, err := l.Resolve("a.js", ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := l.Fetch("/app/a.js", ""); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	st, _ := l.RecordState("/app/a.js")
	if st != StateFetched {
		t.Errorf("state = %v, want fetched", st)
	}
}

func TestLoader_BytecodeTagSkipsLowering(t *testing.T) {
	// Deliberately not valid ESM: if the transform ran, it would fail.
	raw := "exports.answer = 42; /* <<pre-lowered>> */"
	l, _, _ := newTestLoader(t, map[string]core.ResolvedSource{
		"/app/pre.js": {Tag: core.SourceBytecode, Code: []byte(raw)},
	})

	code, err := l.fetchLowered("/app/pre.js", "")
	if err != nil {
		t.Fatalf("fetchLowered: %v", err)
	}
	if !strings.Contains(code, "<<pre-lowered>>") {
		t.Errorf("bytecode-tagged source was rewritten: %q", code)
	}
	if !strings.HasPrefix(code, "(function(exports, require, module, importMeta)") {
		t.Errorf("missing instantiation wrapper: %q", code)
	}
}

func TestLoader_FetchLoweredCachesPerKey(t *testing.T) {
	l, _, host := newTestLoader(t, map[string]core.ResolvedSource{
		"/app/a.js": {Tag: core.SourceScript, Code: []byte("export const x = 1;")},
	})

	first, err := l.fetchLowered("/app/a.js", "")
	if err != nil {
		t.Fatalf("fetchLowered: %v", err)
	}
	second, err := l.fetchLowered("/app/a.js", "")
	if err != nil {
		t.Fatalf("fetchLowered (cached): %v", err)
	}
	if first != second {
		t.Error("cache returned different code")
	}
	if len(host.fetches) != 1 {
		t.Errorf("host fetch ran %d times, want 1", len(host.fetches))
	}
}

func TestLoader_PrecomputedShortCircuitsFetch(t *testing.T) {
	l, _, host := newTestLoader(t, nil)

	l.SetPrecomputed("/app/pre.js", map[string]int{"answer": 42})
	code, err := l.fetchLowered("/app/pre.js", "")
	if err != nil {
		t.Fatalf("fetchLowered: %v", err)
	}
	if !strings.Contains(code, `"answer":42`) {
		t.Errorf("precomputed wrapper = %q", code)
	}
	if len(host.fetches) != 0 {
		t.Errorf("host fetch ran for a precomputed key")
	}

	out, err := l.Evaluate("/app/pre.js")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if m, ok := out.(map[string]int); !ok || m["answer"] != 42 {
		t.Errorf("Evaluate = %#v, want the precomputed value itself", out)
	}
	st, _ := l.RecordState("/app/pre.js")
	if st != StateEvaluated {
		t.Errorf("state = %v, want evaluated", st)
	}
}

func TestLoader_SnapshotRestoreWarmsCache(t *testing.T) {
	l1, _, _ := newTestLoader(t, map[string]core.ResolvedSource{
		"/app/a.js": {Tag: core.SourceScript, Code: []byte("export const x = 1;")},
	})
	if _, err := l1.fetchLowered("/app/a.js", ""); err != nil {
		t.Fatalf("fetchLowered: %v", err)
	}

	snap := l1.SnapshotRegistry()
	if len(snap.Modules) != 1 {
		t.Fatalf("snapshot has %d modules, want 1", len(snap.Modules))
	}

	l2, _, host2 := newTestLoader(t, nil)
	l2.RestoreRegistry(snap)
	code, err := l2.fetchLowered("/app/a.js", "")
	if err != nil {
		t.Fatalf("fetchLowered after restore: %v", err)
	}
	if code != snap.Modules["/app/a.js"] {
		t.Error("restored code differs from snapshot")
	}
	if len(host2.fetches) != 0 {
		t.Errorf("restored loader still fetched from the host")
	}
}

func TestLowerModule_ESMToCommonJS(t *testing.T) {
	out, err := LowerModule("export const x = 1; export default 2;", "/app/a.js")
	if err != nil {
		t.Fatalf("LowerModule: %v", err)
	}
	if strings.Contains(out, "export const") || strings.Contains(out, "export default") {
		t.Errorf("export statements survived lowering: %q", out)
	}
	if !strings.Contains(out, "__esModule") {
		t.Errorf("lowered output missing the __esModule marker: %q", out)
	}
}

func TestLoader_ImportErrorsWhenPromiseNeverSettles(t *testing.T) {
	// The stub engine never runs JS, so the import promise cannot settle;
	// that must surface as an error, not an empty namespace.
	l, _, _ := newTestLoader(t, nil)

	_, err := l.Import("a.js", "")
	if err == nil {
		t.Fatal("Import with an unsettled promise succeeded")
	}
	if !strings.Contains(err.Error(), "did not settle") {
		t.Errorf("error = %v, want an unsettled-import failure", err)
	}
}

func TestLowerModule_DynamicImportRoutedThroughRequire(t *testing.T) {
	out, err := LowerModule("export const p = import('./dep.js');", "/app/a.js")
	if err != nil {
		t.Fatalf("LowerModule: %v", err)
	}
	if strings.Contains(out, "import(") {
		t.Errorf("native dynamic import survived lowering: %q", out)
	}
	if !strings.Contains(out, `require("./dep.js")`) {
		t.Errorf("dynamic import not lowered onto require: %q", out)
	}
}

func TestLowerModule_ImportMetaRoutedToWrapperParam(t *testing.T) {
	out, err := LowerModule("export const p = import.meta.path;", "/app/a.js")
	if err != nil {
		t.Fatalf("LowerModule: %v", err)
	}
	if !strings.Contains(out, "importMeta.path") {
		t.Errorf("import.meta not routed to the wrapper parameter: %q", out)
	}
}

func TestLowerModule_TypeScriptStripped(t *testing.T) {
	src := "const n: number = 1; export const x: number = n * 2;"
	out, err := LowerModule(src, "/app/a.ts")
	if err != nil {
		t.Fatalf("LowerModule: %v", err)
	}
	if strings.Contains(out, ": number") {
		t.Errorf("type annotations survived: %q", out)
	}
}

func TestLowerModule_SyntaxErrorNamesFile(t *testing.T) {
	_, err := LowerModule("export const = ;", "/app/bad.js")
	if err == nil {
		t.Fatal("lowering invalid source succeeded")
	}
	if !strings.Contains(err.Error(), "/app/bad.js") {
		t.Errorf("error does not name the source file: %v", err)
	}
}

func TestLowerModule_TypeScriptSyntaxRejectedInJS(t *testing.T) {
	if _, err := LowerModule("const n: number = 1;", "/app/a.js"); err == nil {
		t.Error("TypeScript syntax accepted under the JS loader")
	}
}
