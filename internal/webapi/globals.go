package webapi

import (
	"fmt"
	"time"

	"github.com/hostedat/realm/internal/core"
)

// queueMicrotaskJS validates arguments in-realm and hands the callback off
// to the embedder's microtask queue. Callbacks are parked in a registry and
// fired back by id so the embedder controls draining.
const queueMicrotaskJS = `
(function() {
	globalThis.__rm_microtasks = {};
	var nextId = 0;
	globalThis.queueMicrotask = function(fn) {
		if (arguments.length < 1) throw new TypeError("queueMicrotask requires at least 1 argument");
		if (typeof fn !== 'function') throw new TypeError("queueMicrotask expects a function");
		var id = ++nextId;
		globalThis.__rm_microtasks[id] = fn;
		__rm_queueMicrotask(id);
	};
	globalThis.__rm_fireMicrotask = function(id) {
		var fn = globalThis.__rm_microtasks[id];
		delete globalThis.__rm_microtasks[id];
		if (fn) fn();
	};
})();
`

// structuredCloneJS is a deep-clone polyfill covering the structured clone
// algorithm's common cases.
const structuredCloneJS = `
globalThis.structuredClone = (function() {
	var TYPED_ARRAY_CONSTRUCTORS = [
		typeof Uint8Array !== 'undefined' && Uint8Array,
		typeof Int8Array !== 'undefined' && Int8Array,
		typeof Uint8ClampedArray !== 'undefined' && Uint8ClampedArray,
		typeof Int16Array !== 'undefined' && Int16Array,
		typeof Uint16Array !== 'undefined' && Uint16Array,
		typeof Int32Array !== 'undefined' && Int32Array,
		typeof Uint32Array !== 'undefined' && Uint32Array,
		typeof Float32Array !== 'undefined' && Float32Array,
		typeof Float64Array !== 'undefined' && Float64Array,
		typeof BigInt64Array !== 'undefined' && BigInt64Array,
		typeof BigUint64Array !== 'undefined' && BigUint64Array,
	].filter(Boolean);

	function cloneError(msg) {
		return new (globalThis.__rm_builtins.DOMException)(msg, 'DataCloneError');
	}

	function deepClone(value, seen) {
		if (value === undefined) throw cloneError('value could not be cloned');
		if (value === null) return null;

		var type = typeof value;
		if (type === 'boolean' || type === 'number' || type === 'string' || type === 'bigint') return value;
		if (type === 'function') throw cloneError('value could not be cloned');
		if (type === 'symbol') throw cloneError('value could not be cloned');

		if (typeof WeakMap !== 'undefined' && value instanceof WeakMap) throw cloneError('WeakMap cannot be cloned');
		if (typeof WeakSet !== 'undefined' && value instanceof WeakSet) throw cloneError('WeakSet cannot be cloned');
		if (typeof Promise !== 'undefined' && value instanceof Promise) throw cloneError('Promise cannot be cloned');

		if (seen.has(value)) throw cloneError('value could not be cloned: circular reference');
		seen.set(value, true);

		if (value instanceof Date) return new Date(value.getTime());
		if (value instanceof RegExp) return new RegExp(value.source, value.flags);
		if (value instanceof ArrayBuffer) { return value.slice(0); }

		for (var ti = 0; ti < TYPED_ARRAY_CONSTRUCTORS.length; ti++) {
			var TA = TYPED_ARRAY_CONSTRUCTORS[ti];
			if (value instanceof TA) {
				var clonedBuf = value.buffer.slice(value.byteOffset, value.byteOffset + value.byteLength);
				return new TA(clonedBuf);
			}
		}

		if (typeof DataView !== 'undefined' && value instanceof DataView) {
			var dvBuf = value.buffer.slice(value.byteOffset, value.byteOffset + value.byteLength);
			return new DataView(dvBuf);
		}

		if (typeof Map !== 'undefined' && value instanceof Map) {
			var clonedMap = new Map();
			value.forEach(function(v, k) {
				clonedMap.set(deepClone(k, seen), deepClone(v, seen));
			});
			return clonedMap;
		}

		if (typeof Set !== 'undefined' && value instanceof Set) {
			var clonedSet = new Set();
			value.forEach(function(v) {
				clonedSet.add(deepClone(v, seen));
			});
			return clonedSet;
		}

		if (Array.isArray(value)) {
			var arr = new Array(value.length);
			for (var i = 0; i < value.length; i++) {
				arr[i] = deepClone(value[i], seen);
			}
			return arr;
		}

		var result = {};
		var keys = Object.keys(value);
		for (var j = 0; j < keys.length; j++) {
			result[keys[j]] = deepClone(value[keys[j]], seen);
		}
		return result;
	}

	return function structuredClone(value) {
		return deepClone(value, new WeakMap());
	};
})();
`

// SetupGlobals registers queueMicrotask, structuredClone, and performance.
func SetupGlobals(eng core.Engine, h core.Host) error {
	if err := eng.RegisterFunc("__rm_queueMicrotask", func(id int) {
		h.QueueMicrotask(func() {
			_ = eng.Eval(fmt.Sprintf("__rm_fireMicrotask(%d);", id))
		})
	}); err != nil {
		return err
	}
	if err := eng.Eval(queueMicrotaskJS); err != nil {
		return fmt.Errorf("evaluating queuemicrotask.js: %w", err)
	}

	// __rm_performanceNow: Go-backed high-resolution timer.
	startTime := time.Now()
	if err := eng.RegisterFunc("__rm_performanceNow", func() float64 {
		return float64(time.Since(startTime).Nanoseconds()) / 1e6
	}); err != nil {
		return err
	}
	if err := eng.Eval(`
		globalThis.performance = {
			now: function() { return __rm_performanceNow(); }
		};
	`); err != nil {
		return fmt.Errorf("setting up performance: %w", err)
	}

	if err := eng.Eval(structuredCloneJS); err != nil {
		return fmt.Errorf("evaluating structuredclone.js: %w", err)
	}
	return nil
}
