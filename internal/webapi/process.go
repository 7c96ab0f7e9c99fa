package webapi

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/hostedat/realm/internal/core"
)

// ProcessOptions carries the host-side values surfaced on the process
// global. Env is materialized on first read of process, not at setup.
type ProcessOptions struct {
	Env      map[string]string
	Argv     []string
	Platform string
	Version  string
	PID      int
}

// processJS stores a factory for the process object in the builtin
// registry. The factory runs at most once; the realm's lazy accessor
// caches the result, so process.env is built exactly once per realm.
const processJS = `
(function() {
const B = globalThis.__rm_builtins;
var cached = null;
B.__processFactory = function() {
	if (cached) return cached;
	var data = JSON.parse(__rm_processData());
	var env = {};
	for (var k in data.env) env[k] = data.env[k];
	// The embedder may have cached an env wrapper class (the reserved final
	// class descriptor); route the raw table through it when present.
	if (B.__envClass) {
		env = new B.__envClass(env);
	} else {
		Object.freeze(env);
	}
	cached = {
		env: env,
		argv: data.argv || [],
		platform: data.platform,
		version: data.version,
		pid: data.pid,
		versions: { node: data.version },
		nextTick: function(fn) {
			if (typeof fn !== 'function') throw new TypeError('process.nextTick expects a function');
			var args = [];
			for (var i = 1; i < arguments.length; i++) args.push(arguments[i]);
			queueMicrotask(function() { fn.apply(null, args); });
		},
		cwd: function() { return data.cwd || '/'; },
		exit: function() {},
		hrtime: {
			bigint: function() { return BigInt(Math.round(performance.now() * 1e6)); }
		}
	};
	return cached;
};
})();
`

// bufferJS defines a Node-flavored Buffer over Uint8Array, covering the
// encodings module code actually uses (utf8, base64, hex, latin1).
const bufferJS = `
(function() {
const B = globalThis.__rm_builtins;

class Buffer extends Uint8Array {
	static from(value, encoding) {
		if (typeof value === 'string') {
			encoding = (encoding || 'utf8').toLowerCase();
			if (encoding === 'utf8' || encoding === 'utf-8') {
				return new Buffer(new B.TextEncoder().encode(value));
			}
			if (encoding === 'base64') {
				var bin = atob(value);
				var buf = new Buffer(bin.length);
				for (var i = 0; i < bin.length; i++) buf[i] = bin.charCodeAt(i);
				return buf;
			}
			if (encoding === 'hex') {
				var hbuf = new Buffer(value.length >> 1);
				for (var j = 0; j < hbuf.length; j++) hbuf[j] = parseInt(value.substr(j * 2, 2), 16);
				return hbuf;
			}
			if (encoding === 'latin1' || encoding === 'binary') {
				var lbuf = new Buffer(value.length);
				for (var m = 0; m < value.length; m++) lbuf[m] = value.charCodeAt(m) & 0xff;
				return lbuf;
			}
			throw new TypeError("unknown encoding: " + encoding);
		}
		if (value instanceof ArrayBuffer) return new Buffer(value);
		if (ArrayBuffer.isView(value)) return new Buffer(value.buffer.slice(value.byteOffset, value.byteOffset + value.byteLength));
		if (Array.isArray(value)) return new Buffer(Uint8Array.from(value));
		throw new TypeError('Buffer.from: unsupported input');
	}
	static alloc(size, fill) {
		var buf = new Buffer(size);
		if (fill !== undefined) buf.fill(fill);
		return buf;
	}
	static allocUnsafe(size) { return new Buffer(size); }
	static isBuffer(obj) { return obj instanceof Buffer; }
	static byteLength(value, encoding) { return Buffer.from(value, encoding).length; }
	static concat(list, totalLength) {
		var total = 0;
		for (var i = 0; i < list.length; i++) total += list[i].length;
		if (totalLength !== undefined) total = totalLength;
		var out = new Buffer(total);
		var off = 0;
		for (var j = 0; j < list.length && off < total; j++) {
			out.set(list[j].subarray(0, Math.min(list[j].length, total - off)), off);
			off += list[j].length;
		}
		return out;
	}
	toString(encoding) {
		encoding = (encoding || 'utf8').toLowerCase();
		if (encoding === 'utf8' || encoding === 'utf-8') {
			return new B.TextDecoder().decode(this);
		}
		if (encoding === 'base64') {
			var bin = '';
			for (var i = 0; i < this.length; i += 4096) {
				bin += String.fromCharCode.apply(null, this.subarray(i, Math.min(i + 4096, this.length)));
			}
			return btoa(bin);
		}
		if (encoding === 'hex') {
			var hex = '';
			for (var j = 0; j < this.length; j++) hex += (this[j] < 16 ? '0' : '') + this[j].toString(16);
			return hex;
		}
		if (encoding === 'latin1' || encoding === 'binary') {
			var s = '';
			for (var m = 0; m < this.length; m++) s += String.fromCharCode(this[m]);
			return s;
		}
		throw new TypeError("unknown encoding: " + encoding);
	}
	equals(other) {
		if (this.length !== other.length) return false;
		for (var i = 0; i < this.length; i++) if (this[i] !== other[i]) return false;
		return true;
	}
	slice(start, end) {
		return new Buffer(this.buffer.slice(this.byteOffset + (start || 0), this.byteOffset + (end === undefined ? this.length : end)));
	}
}

B.Buffer = Buffer;
})();
`

// SetupProcess registers the process data provider and evaluates the
// process factory plus the Buffer builtin.
func SetupProcess(eng core.Engine, opts ProcessOptions) error {
	if opts.Platform == "" {
		opts.Platform = runtime.GOOS
	}
	if err := eng.RegisterFunc("__rm_processData", func() (string, error) {
		data, err := json.Marshal(map[string]any{
			"env":      opts.Env,
			"argv":     opts.Argv,
			"platform": opts.Platform,
			"version":  opts.Version,
			"pid":      opts.PID,
		})
		if err != nil {
			return "", fmt.Errorf("marshaling process data: %w", err)
		}
		return string(data), nil
	}); err != nil {
		return err
	}
	if err := eng.Eval(processJS); err != nil {
		return fmt.Errorf("evaluating process.js: %w", err)
	}
	if err := eng.Eval(bufferJS); err != nil {
		return fmt.Errorf("evaluating buffer.js: %w", err)
	}
	return nil
}
