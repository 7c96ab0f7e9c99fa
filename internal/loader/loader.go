// Package loader implements the module resolve -> fetch -> instantiate ->
// evaluate pipeline on top of an embedded engine. The engine's wrapper
// exposes no native ESM hooks, so ES module sources are lowered to a
// CommonJS shape and driven through a JS-side registry with synchronous
// Go-backed resolve and fetch.
package loader

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/hostedat/realm/internal/core"
)

// State tracks one module's progress through the pipeline.
type State int

const (
	StateNew State = iota
	StateResolved
	StateFetching
	StateFetched
	StateEvaluated
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateResolved:
		return "resolved"
	case StateFetching:
		return "fetching"
	case StateFetched:
		return "fetched"
	case StateEvaluated:
		return "evaluated"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Record is the loader's bookkeeping for one resolved module key.
type Record struct {
	Specifier string
	Referrer  string
	Key       string
	State     State
	SourceURL string
	Err       error

	// Precomputed, when non-nil, is a host-supplied already-evaluated
	// result; evaluate short-circuits to it without running module code.
	Precomputed any
}

// Loader drives the module pipeline for one engine. Records are mutated
// only from the script goroutine; the mutex covers the snapshot path,
// which a supervisor may call from outside.
type Loader struct {
	eng  core.Engine
	host core.Host
	cfg  core.RealmConfig

	mu      sync.Mutex
	records map[string]*Record

	// codeCache holds lowered module source by key, reused across realms
	// sharing this loader and exported by SnapshotRegistry.
	codeCache map[string]string
}

// loaderJS wires the JS-side module registry: a synchronous require chain
// over Go-backed resolve/fetch, plus promise-returning dynamic import.
// Lowered module code arrives as a wrapper function source string and is
// instantiated with (exports, require, module, importMeta).
const loaderJS = `
(function() {
	globalThis.__rm_modules = {};
	var depth = 0;
	var maxDepth = __rm_maxEvalDepth();

	globalThis.__rm_require = function(specifier, referrer) {
		var key = __rm_resolve(specifier, referrer === undefined ? '' : referrer);
		var mods = globalThis.__rm_modules;
		var existing = mods[key];
		if (existing) {
			// A module in 'loading' state means a cycle; hand back the
			// partial exports like any CommonJS loader.
			return existing.exports;
		}
		var code = __rm_fetchSync(key);
		var mod = { id: key, exports: {}, state: 'loading' };
		mods[key] = mod;
		if (depth >= maxDepth) {
			delete mods[key];
			throw new RangeError('module evaluation depth exceeded (' + maxDepth + '): ' + key);
		}
		depth++;
		try {
			var fn = (0, eval)(code);
			var meta = __rm_makeImportMeta(key);
			fn(mod.exports, meta.require, mod, meta);
			mod.state = 'evaluated';
			__rm_markEvaluated(key);
		} catch (e) {
			delete mods[key];
			throw e;
		} finally {
			depth--;
		}
		return mod.exports;
	};

	globalThis.__rm_import = function(specifier, referrer) {
		return Promise.resolve().then(function() {
			var exports = __rm_require(specifier, referrer);
			if (exports && exports.__esModule) return exports;
			// Synthesize a namespace for plain CJS exports.
			var ns = { default: exports };
			for (var k in exports) ns[k] = exports[k];
			return ns;
		});
	};

	globalThis.__rm_makeImportMeta = function(key) {
		var parts = JSON.parse(__rm_importMetaParts(key));
		function normalizeFrom(from) {
			if (from === undefined || from === null) return key;
			if (typeof from === 'object' && from !== null && Array.isArray(from.paths)) {
				return String(from.paths[0]);
			}
			return String(from);
		}
		var meta = {
			dir: parts.dir,
			file: parts.file,
			path: parts.path,
			url: parts.url,
			resolveSync: function(specifier, from) {
				if (arguments.length < 1) throw new TypeError('resolveSync requires at least 1 argument');
				return __rm_resolve(String(specifier), normalizeFrom(from));
			},
			resolve: function(specifier, from) {
				var args = arguments;
				return Promise.resolve().then(function() {
					if (args.length < 1) throw new TypeError('resolve requires at least 1 argument');
					return __rm_resolve(String(specifier), normalizeFrom(from));
				});
			},
			require: function(id) {
				if (arguments.length < 1) throw new TypeError('require requires at least 1 argument');
				return __rm_require(String(id), key);
			},
		};
		meta.require.resolve = meta.resolveSync;
		return meta;
	};

	globalThis.require = function(id) {
		if (arguments.length < 1) throw new TypeError('require requires at least 1 argument');
		return __rm_require(String(id), '');
	};
})();
`

// New wires the loader's Go-backed hooks into the engine and evaluates
// the registry scaffolding.
func New(eng core.Engine, host core.Host, cfg core.RealmConfig) (*Loader, error) {
	l := &Loader{
		eng:       eng,
		host:      host,
		cfg:       cfg,
		records:   make(map[string]*Record),
		codeCache: make(map[string]string),
	}

	if err := eng.RegisterFunc("__rm_maxEvalDepth", func() int {
		return l.cfg.MaxEvalDepth
	}); err != nil {
		return nil, err
	}
	if err := eng.RegisterFunc("__rm_resolve", func(specifier, referrer string) (string, error) {
		return l.Resolve(specifier, referrer)
	}); err != nil {
		return nil, err
	}
	if err := eng.RegisterFunc("__rm_fetchSync", func(key string) (string, error) {
		return l.fetchLowered(key, "")
	}); err != nil {
		return nil, err
	}
	if err := eng.RegisterFunc("__rm_importMetaParts", func(key string) (string, error) {
		return importMetaPartsJSON(key)
	}); err != nil {
		return nil, err
	}
	if err := eng.RegisterFunc("__rm_markEvaluated", func(key string) {
		l.mu.Lock()
		if rec, ok := l.records[key]; ok {
			rec.State = StateEvaluated
		}
		l.mu.Unlock()
	}); err != nil {
		return nil, err
	}
	if err := eng.Eval(loaderJS); err != nil {
		return nil, fmt.Errorf("evaluating loader.js: %w", err)
	}
	return l, nil
}

// Resolve maps a specifier/referrer pair to an absolute module key via the
// host hook. Host errors pass through unmodified. An empty referrer means
// "loaded from the default working root".
func (l *Loader) Resolve(specifier, referrer string) (string, error) {
	key, err := l.host.Resolve(specifier, referrer)
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	if _, ok := l.records[key]; !ok {
		l.records[key] = &Record{
			Specifier: specifier,
			Referrer:  referrer,
			Key:       key,
			State:     StateResolved,
		}
	}
	l.mu.Unlock()
	return key, nil
}

// Fetch retrieves and lowers the module source for a resolved key. A key
// ending in a native-module extension is rejected with a type error before
// the host fetch hook is consulted: native modules are not loadable as ES
// modules. After a successful fetch the engine's pending microtasks are
// drained; this is the one point where host-scheduled work must be flushed
// before the caller observes the settle.
func (l *Loader) Fetch(key, hint string) (core.ResolvedSource, error) {
	for _, ext := range l.cfg.NativeModuleExts {
		if strings.HasSuffix(key, ext) {
			err := fmt.Errorf("To load Node-API modules, use require() or process.dlopen instead of import.")
			l.setErrored(key, err)
			return core.ResolvedSource{}, err
		}
	}

	l.setState(key, StateFetching)
	src, err := l.host.Fetch(key, hint)
	if err != nil {
		l.setErrored(key, err)
		return core.ResolvedSource{}, err
	}
	l.setState(key, StateFetched)
	l.setSourceURL(key, src.SourceURL)

	l.eng.RunMicrotasks()
	return src, nil
}

// fetchLowered runs Fetch and lowers the result into an instantiable
// wrapper function source. Bytecode-tagged sources are treated as already
// lowered and skip the transform.
func (l *Loader) fetchLowered(key, hint string) (string, error) {
	l.mu.Lock()
	if rec, ok := l.records[key]; ok && rec.Precomputed != nil {
		l.mu.Unlock()
		return precomputedWrapper(rec.Precomputed)
	}
	if code, ok := l.codeCache[key]; ok {
		l.mu.Unlock()
		return code, nil
	}
	l.mu.Unlock()

	src, err := l.Fetch(key, hint)
	if err != nil {
		return "", err
	}

	var lowered string
	switch src.Tag {
	case core.SourceBytecode:
		lowered = string(src.Code)
	default:
		lowered, err = LowerModule(string(src.Code), key)
		if err != nil {
			l.setErrored(key, err)
			return "", err
		}
	}

	wrapped := "(function(exports, require, module, importMeta) {\n" + lowered + "\n})"
	l.mu.Lock()
	l.codeCache[key] = wrapped
	l.mu.Unlock()
	return wrapped, nil
}

// Evaluate returns the module's evaluation result. When the host attached
// a precomputed result to the record, that value is returned directly and
// no module code runs; otherwise the JS-side require chain evaluates it.
func (l *Loader) Evaluate(key string) (any, error) {
	l.mu.Lock()
	rec, ok := l.records[key]
	if ok && rec.Precomputed != nil {
		pre := rec.Precomputed
		rec.State = StateEvaluated
		l.mu.Unlock()
		return pre, nil
	}
	l.mu.Unlock()

	out, err := l.eng.EvalString(fmt.Sprintf("JSON.stringify(__rm_require(%q, ''))", key))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Import drives the full pipeline for a specifier from Go, returning the
// stringified namespace. The settled result is observed only after the
// microtask queue has been pumped.
func (l *Loader) Import(specifier, referrer string) (string, error) {
	setup := fmt.Sprintf(`
		delete globalThis.__rm_importResult;
		delete globalThis.__rm_importError;
		__rm_import(%q, %q).then(
			function(ns) { globalThis.__rm_importResult = JSON.stringify(ns); },
			function(e) { globalThis.__rm_importError = String(e && e.message !== undefined ? e.message : e); }
		);
	`, specifier, referrer)
	if err := l.eng.Eval(setup); err != nil {
		return "", err
	}
	l.eng.RunMicrotasks()

	state, err := l.eng.EvalString(`(function() {
		if (globalThis.__rm_importError !== undefined) return 'rejected';
		if (globalThis.__rm_importResult !== undefined) return 'fulfilled';
		return 'pending';
	})()`)
	if err != nil {
		return "", err
	}
	switch state {
	case "rejected":
		errMsg, _ := l.eng.EvalString("String(globalThis.__rm_importError)")
		_ = l.eng.Eval("delete globalThis.__rm_importError;")
		return "", fmt.Errorf("%s", errMsg)
	case "fulfilled":
		result, err := l.eng.EvalString("String(globalThis.__rm_importResult)")
		if err != nil {
			return "", err
		}
		_ = l.eng.Eval("delete globalThis.__rm_importResult;")
		return result, nil
	default:
		return "", fmt.Errorf("import of %q did not settle after draining microtasks", specifier)
	}
}

// Require runs the synchronous require chain for a specifier from Go.
func (l *Loader) Require(specifier, referrer string) (string, error) {
	return l.eng.EvalString(fmt.Sprintf("JSON.stringify(__rm_require(%q, %q))", specifier, referrer))
}

// SetPrecomputed attaches a host-precomputed evaluation result to a key,
// creating the record if needed. Evaluate and the require chain return it
// without fetching or running module code.
func (l *Loader) SetPrecomputed(key string, value any) {
	l.mu.Lock()
	rec, ok := l.records[key]
	if !ok {
		rec = &Record{Key: key, State: StateResolved}
		l.records[key] = rec
	}
	rec.Precomputed = value
	l.mu.Unlock()
}

// RecordState reports the pipeline state for a key.
func (l *Loader) RecordState(key string) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	if !ok {
		return StateNew, false
	}
	return rec.State, true
}

func (l *Loader) setState(key string, s State) {
	l.mu.Lock()
	if rec, ok := l.records[key]; ok {
		rec.State = s
	} else {
		l.records[key] = &Record{Key: key, State: s}
	}
	l.mu.Unlock()
}

func (l *Loader) setErrored(key string, err error) {
	l.mu.Lock()
	if rec, ok := l.records[key]; ok {
		rec.State = StateErrored
		rec.Err = err
	} else {
		l.records[key] = &Record{Key: key, State: StateErrored, Err: err}
	}
	l.mu.Unlock()
}

func (l *Loader) setSourceURL(key, u string) {
	l.mu.Lock()
	if rec, ok := l.records[key]; ok {
		rec.SourceURL = u
	}
	l.mu.Unlock()
}

// Snapshot is a persistable image of the loader's lowered-code cache.
type Snapshot struct {
	Modules map[string]string
}

// SnapshotRegistry copies out the lowered-code cache so a supervisor can
// warm a fresh loader without re-fetching or re-lowering.
func (l *Loader) SnapshotRegistry() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	mods := make(map[string]string, len(l.codeCache))
	for k, v := range l.codeCache {
		mods[k] = v
	}
	return Snapshot{Modules: mods}
}

// RestoreRegistry seeds the lowered-code cache from a snapshot. Existing
// entries win.
func (l *Loader) RestoreRegistry(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range s.Modules {
		if _, ok := l.codeCache[k]; !ok {
			l.codeCache[k] = v
		}
	}
}

// precomputedWrapper lowers a host value into a wrapper that assigns it
// as the module's exports.
func precomputedWrapper(v any) (string, error) {
	lit, err := jsonLiteral(v)
	if err != nil {
		return "", fmt.Errorf("encoding precomputed module result: %w", err)
	}
	return "(function(exports, require, module, importMeta) { module.exports = " + lit + "; })", nil
}

// LowerModule transforms module source into CommonJS-shaped code runnable
// inside the wrapper function. TypeScript and JSX dialects are selected by
// the key's extension.
func LowerModule(source, key string) (string, error) {
	result := api.Transform(source, api.TransformOptions{
		Format:     api.FormatCommonJS,
		Target:     api.ESNext,
		Loader:     loaderForKey(key),
		Sourcefile: key,
		// import.meta has no CommonJS equivalent; point it at the
		// wrapper function's importMeta parameter instead of letting
		// the transform shim it to an empty object.
		Define: map[string]string{"import.meta": "importMeta"},
		// The engine never sees real ESM, so native dynamic import
		// cannot be served. Marking it unsupported makes the transform
		// lower import() onto the wrapper's require parameter.
		Supported: map[string]bool{"dynamic-import": false},
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			loc := ""
			if e.Location != nil {
				loc = fmt.Sprintf("%s:%d:%d: ", e.Location.File, e.Location.Line, e.Location.Column)
			}
			msgs = append(msgs, loc+e.Text)
		}
		return "", fmt.Errorf("lowering %s: %s", key, strings.Join(msgs, "; "))
	}
	return string(result.Code), nil
}

func loaderForKey(key string) api.Loader {
	switch path.Ext(key) {
	case ".ts", ".mts", ".cts":
		return api.LoaderTS
	case ".tsx":
		return api.LoaderTSX
	case ".jsx":
		return api.LoaderJSX
	case ".json":
		return api.LoaderJSON
	default:
		return api.LoaderJS
	}
}
