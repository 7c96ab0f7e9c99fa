package realm

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hostedat/realm/internal/loader"
)

func TestModules_ImportNamespaceRoundTrip(t *testing.T) {
	r, _ := newTestRealm(t, map[string]string{
		"/app/math.js": `export const x = 1; export function twice(n) { return n * 2; } export default 42;`,
	})

	ns, err := r.Import("math.js")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(ns), &data); err != nil {
		t.Fatalf("unmarshal namespace %q: %v", ns, err)
	}
	if data["x"] != float64(1) {
		t.Errorf("x = %v, want 1", data["x"])
	}
	if data["default"] != float64(42) {
		t.Errorf("default = %v, want 42", data["default"])
	}
}

func TestModules_ResolveRunsBeforeFetch(t *testing.T) {
	r, h := newTestRealm(t, map[string]string{
		"/app/a.js": `export const ok = true;`,
	})

	if _, err := r.Import("a.js"); err != nil {
		t.Fatalf("Import: %v", err)
	}
	log := h.callLog()
	if len(log) < 2 || log[0] != "resolve:a.js" || log[1] != "fetch:/app/a.js" {
		t.Errorf("hook order = %v, want resolve before fetch", log)
	}
}

func TestModules_SecondImportHitsCache(t *testing.T) {
	r, h := newTestRealm(t, map[string]string{
		"/app/a.js": `export const n = Math.random();`,
	})

	first, err := r.Import("a.js")
	if err != nil {
		t.Fatalf("first Import: %v", err)
	}
	second, err := r.Import("a.js")
	if err != nil {
		t.Fatalf("second Import: %v", err)
	}
	if first != second {
		t.Errorf("module re-evaluated: %q vs %q", first, second)
	}
	if n := h.fetchCount(); n != 1 {
		t.Errorf("fetch called %d times, want 1", n)
	}
}

func TestModules_NativeExtensionRejectedBeforeFetch(t *testing.T) {
	r, h := newTestRealm(t, nil)

	_, err := r.Import("./addon.node")
	if err == nil {
		t.Fatal("importing a .node module succeeded")
	}
	if !strings.Contains(err.Error(), "To load Node-API modules, use require() or process.dlopen instead of import.") {
		t.Errorf("error = %q, want the Node-API guidance message", err)
	}
	if n := h.fetchCount(); n != 0 {
		t.Errorf("fetch ran %d times for a native module, want 0", n)
	}
}

func TestModules_CycleYieldsPartialExports(t *testing.T) {
	r, _ := newTestRealm(t, map[string]string{
		"/app/a.js": `exports.name = 'a'; var b = require('./b.js'); exports.sawB = b.name;`,
		"/app/b.js": `exports.name = 'b'; var a = require('./a.js'); exports.sawPartialA = a.name; exports.sawComplete = 'sawB' in a;`,
	})

	out, err := r.Require("a.js")
	if err != nil {
		t.Fatalf("Require(a): %v", err)
	}
	var a struct {
		Name string `json:"name"`
		SawB string `json:"sawB"`
	}
	if err := json.Unmarshal([]byte(out), &a); err != nil {
		t.Fatalf("unmarshal %q: %v", out, err)
	}
	if a.Name != "a" || a.SawB != "b" {
		t.Errorf("a exports = %+v", a)
	}

	out, err = r.Require("b.js")
	if err != nil {
		t.Fatalf("Require(b): %v", err)
	}
	var b struct {
		SawPartialA string `json:"sawPartialA"`
		SawComplete bool   `json:"sawComplete"`
	}
	if err := json.Unmarshal([]byte(out), &b); err != nil {
		t.Fatalf("unmarshal %q: %v", out, err)
	}
	if b.SawPartialA != "a" {
		t.Errorf("b saw a.name = %q mid-cycle, want a", b.SawPartialA)
	}
	if b.SawComplete {
		t.Errorf("b observed a's post-cycle exports during the cycle")
	}
}

func TestModules_ImportMetaFields(t *testing.T) {
	r, _ := newTestRealm(t, map[string]string{
		"/app/dir/mod.js": `
			export const dir = import.meta.dir;
			export const file = import.meta.file;
			export const path = import.meta.path;
			export const url = import.meta.url;
		`,
	})

	ns, err := r.Import("/app/dir/mod.js")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(ns), &data); err != nil {
		t.Fatalf("unmarshal %q: %v", ns, err)
	}
	want := map[string]string{
		"dir":  "/app/dir",
		"file": "mod.js",
		"path": "/app/dir/mod.js",
		"url":  "file:///app/dir/mod.js",
	}
	for k, w := range want {
		if data[k] != w {
			t.Errorf("import.meta.%s = %q, want %q", k, data[k], w)
		}
	}
}

func TestModules_ImportMetaResolveSync(t *testing.T) {
	r, _ := newTestRealm(t, map[string]string{
		"/app/dir/mod.js": `
			export const plain = import.meta.resolveSync('./sib.js');
			export const withPaths = import.meta.resolveSync('./sib.js', { paths: ['/app/other/x.js', '/app/dir/x.js'] });
		`,
		"/app/dir/sib.js":   `export const tag = 'dir';`,
		"/app/other/sib.js": `export const tag = 'other';`,
	})

	ns, err := r.Import("/app/dir/mod.js")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(ns), &data); err != nil {
		t.Fatalf("unmarshal %q: %v", ns, err)
	}
	if data["plain"] != "/app/dir/sib.js" {
		t.Errorf("resolveSync plain = %q, want /app/dir/sib.js", data["plain"])
	}
	if data["withPaths"] != "/app/other/sib.js" {
		t.Errorf("resolveSync with paths = %q, want /app/other/sib.js", data["withPaths"])
	}
}

func TestModules_ImportMetaRequire(t *testing.T) {
	r, _ := newTestRealm(t, map[string]string{
		"/app/dir/mod.js": `
			const dep = import.meta.require('./dep.js');
			export const got = dep.value;
			export const resolved = import.meta.require.resolve('./dep.js');
		`,
		"/app/dir/dep.js": `exports.value = 'dep-value';`,
	})

	ns, err := r.Import("/app/dir/mod.js")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(ns), &data); err != nil {
		t.Fatalf("unmarshal %q: %v", ns, err)
	}
	if data["got"] != "dep-value" {
		t.Errorf("import.meta.require value = %q", data["got"])
	}
	if data["resolved"] != "/app/dir/dep.js" {
		t.Errorf("import.meta.require.resolve = %q", data["resolved"])
	}
}

func TestModules_DynamicImportInsideModule(t *testing.T) {
	r, h := newTestRealm(t, map[string]string{
		"/app/outer.js": `
			export const p = import('./inner.js').then(function(ns) {
				globalThis.__dynamic = ns.tag;
			});
		`,
		"/app/inner.js": `export const tag = 'inner';`,
	})

	if _, err := r.Import("outer.js"); err != nil {
		t.Fatalf("Import: %v", err)
	}
	drainLoop(r, h, time.Second)

	if got := evalString(t, r, "String(globalThis.__dynamic)"); got != "inner" {
		t.Errorf("dynamic import result = %q, want inner", got)
	}
}

func TestModules_FetchErrorPropagates(t *testing.T) {
	r, _ := newTestRealm(t, nil)

	_, err := r.Import("missing.js")
	if err == nil {
		t.Fatal("importing a missing module succeeded")
	}
	if !strings.Contains(err.Error(), "cannot resolve module") {
		t.Errorf("error = %q, want resolve failure", err)
	}
}

func TestModules_SyntaxErrorLeavesNoCachedRecord(t *testing.T) {
	r, _ := newTestRealm(t, map[string]string{
		"/app/bad.js": `export const = ;`,
	})

	if _, err := r.Import("bad.js"); err == nil {
		t.Fatal("importing a syntactically invalid module succeeded")
	}
	// The failed module must not be cached as evaluated.
	if got := evalString(t, r, "String(globalThis.__rm_modules['/app/bad.js'] !== undefined)"); got != "false" {
		t.Errorf("errored module left in the registry")
	}
}

func TestModules_PrecomputedSkipsFetchAndEvaluation(t *testing.T) {
	r, h := newTestRealm(t, map[string]string{
		"/app/pre.js": `throw new Error('module body must not run');`,
	})

	r.Loader().SetPrecomputed("/app/pre.js", map[string]any{"answer": 42})

	out, err := r.Require("/app/pre.js")
	if err != nil {
		t.Fatalf("Require: %v", err)
	}
	if !strings.Contains(out, "42") {
		t.Errorf("precomputed exports = %q, want to contain 42", out)
	}
	if n := h.fetchCount(); n != 0 {
		t.Errorf("fetch ran %d times for a precomputed module, want 0", n)
	}
}

func TestModules_RecordStateProgression(t *testing.T) {
	r, _ := newTestRealm(t, map[string]string{
		"/app/a.js": `export const ok = true;`,
	})

	if _, err := r.Import("a.js"); err != nil {
		t.Fatalf("Import: %v", err)
	}
	st, ok := r.Loader().RecordState("/app/a.js")
	if !ok {
		t.Fatal("no record for evaluated module")
	}
	if st != loader.StateEvaluated {
		t.Errorf("state = %v, want evaluated", st)
	}
}

func TestModules_TypeScriptSourceLowered(t *testing.T) {
	r, _ := newTestRealm(t, map[string]string{
		"/app/typed.ts": `
			interface Point { x: number; y: number }
			const p: Point = { x: 3, y: 4 };
			export const len: number = Math.sqrt(p.x * p.x + p.y * p.y);
		`,
	})

	ns, err := r.Import("typed.ts")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	var data map[string]float64
	if err := json.Unmarshal([]byte(ns), &data); err != nil {
		t.Fatalf("unmarshal %q: %v", ns, err)
	}
	if data["len"] != 5 {
		t.Errorf("len = %v, want 5", data["len"])
	}
}

func TestModules_GlobalRequireFromRoot(t *testing.T) {
	r, _ := newTestRealm(t, map[string]string{
		"/app/cjs.js": `module.exports = { shape: 'cjs' };`,
	})

	got := evalString(t, r, `require('cjs.js').shape`)
	if got != "cjs" {
		t.Errorf("require from script = %q, want cjs", got)
	}
}
