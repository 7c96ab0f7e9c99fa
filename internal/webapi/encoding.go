package webapi

import (
	"fmt"

	"github.com/hostedat/realm/internal/core"
)

// encodingJS implements global atob() and btoa() as pure JavaScript.
// All failure modes throw TypeError: non-Latin-1 input to btoa, and invalid
// base64 characters or padding in atob. atob('') returns '' without throwing.
const encodingJS = `
(function() {
	const _e = 'ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/';
	const _d = new Uint8Array(128);
	for (let i = 0; i < _e.length; i++) _d[_e.charCodeAt(i)] = i;
	const _v = new Uint8Array(128);
	for (let i = 0; i < _e.length; i++) _v[_e.charCodeAt(i)] = 1;
	_v[61] = 1; // '='

	globalThis.btoa = function(data) {
		if (arguments.length < 1) throw new TypeError("btoa requires at least 1 argument");
		const s = String(data);
		const len = s.length;
		if (len === 0) return '';
		const bytes = new Uint8Array(len);
		for (let i = 0; i < len; i++) {
			const ch = s.charCodeAt(i);
			if (ch > 255) throw new TypeError("btoa: string contains characters outside of the Latin1 range");
			bytes[i] = ch;
		}
		const out = [];
		for (let i = 0; i < len; i += 3) {
			const a = bytes[i];
			const b = i + 1 < len ? bytes[i + 1] : 0;
			const c = i + 2 < len ? bytes[i + 2] : 0;
			out.push(
				_e[a >> 2],
				_e[((a & 3) << 4) | (b >> 4)],
				i + 1 < len ? _e[((b & 15) << 2) | (c >> 6)] : '=',
				i + 2 < len ? _e[c & 63] : '='
			);
		}
		return out.join('');
	};

	globalThis.atob = function(data) {
		if (arguments.length < 1) throw new TypeError("atob requires at least 1 argument");
		let b64 = String(data);
		b64 = b64.replace(/[\t\n\f\r ]/g, '');
		if (b64.length === 0) return '';
		if (b64.length % 4 === 0) {
			if (b64[b64.length - 1] === '=') {
				b64 = b64.slice(0, b64[b64.length - 2] === '=' ? -2 : -1);
			}
		}
		if (b64.length % 4 === 1) {
			throw new TypeError("atob: invalid base64 string");
		}
		for (let i = 0; i < b64.length; i++) {
			const ch = b64.charCodeAt(i);
			if (ch >= 128 || !_v[ch] || ch === 61) {
				throw new TypeError("atob: invalid base64 string");
			}
		}
		while (b64.length % 4 !== 0) b64 += '=';
		let pad = 0;
		if (b64[b64.length - 1] === '=') pad++;
		if (b64[b64.length - 2] === '=') pad++;
		const outLen = (b64.length / 4) * 3 - pad;
		const bytes = new Uint8Array(outLen);
		let j = 0;
		for (let i = 0; i < b64.length; i += 4) {
			const a = _d[b64.charCodeAt(i)];
			const b = _d[b64.charCodeAt(i + 1)];
			const c = _d[b64.charCodeAt(i + 2)];
			const d = _d[b64.charCodeAt(i + 3)];
			bytes[j++] = (a << 2) | (b >> 4);
			if (j < outLen) bytes[j++] = ((b & 15) << 4) | (c >> 2);
			if (j < outLen) bytes[j++] = ((c & 3) << 6) | d;
		}
		const CHUNK = 4096;
		let result = '';
		for (let i = 0; i < outLen; i += CHUNK) {
			const end = Math.min(i + CHUNK, outLen);
			result += String.fromCharCode.apply(null, bytes.subarray(i, end));
		}
		return result;
	};
})();
`

// textCodecJS defines TextEncoder and TextDecoder in the builtin registry.
// Only UTF-8 is supported, matching what the module pipeline needs.
const textCodecJS = `
(function() {
const B = globalThis.__rm_builtins;

class TextEncoder {
	get encoding() { return 'utf-8'; }
	encode(input) {
		const s = input === undefined ? '' : String(input);
		const out = [];
		for (let i = 0; i < s.length; i++) {
			let cp = s.codePointAt(i);
			if (cp > 0xFFFF) i++;
			if (cp < 0x80) {
				out.push(cp);
			} else if (cp < 0x800) {
				out.push(0xC0 | (cp >> 6), 0x80 | (cp & 63));
			} else if (cp < 0x10000) {
				out.push(0xE0 | (cp >> 12), 0x80 | ((cp >> 6) & 63), 0x80 | (cp & 63));
			} else {
				out.push(0xF0 | (cp >> 18), 0x80 | ((cp >> 12) & 63), 0x80 | ((cp >> 6) & 63), 0x80 | (cp & 63));
			}
		}
		return new Uint8Array(out);
	}
	encodeInto(src, dest) {
		const encoded = this.encode(src);
		const n = Math.min(encoded.length, dest.length);
		dest.set(encoded.subarray(0, n));
		let read = 0, written = 0, i = 0;
		while (written < n && i < src.length) {
			const cp = src.codePointAt(i);
			const size = cp < 0x80 ? 1 : cp < 0x800 ? 2 : cp < 0x10000 ? 3 : 4;
			if (written + size > n) break;
			written += size;
			i += cp > 0xFFFF ? 2 : 1;
			read = i;
		}
		return { read: read, written: written };
	}
}

class TextDecoder {
	constructor(label) {
		const enc = (label || 'utf-8').toLowerCase();
		if (enc !== 'utf-8' && enc !== 'utf8' && enc !== 'unicode-1-1-utf-8') {
			throw new RangeError("TextDecoder: unsupported encoding '" + enc + "'");
		}
	}
	get encoding() { return 'utf-8'; }
	decode(input) {
		if (input === undefined) return '';
		let bytes;
		if (input instanceof ArrayBuffer) bytes = new Uint8Array(input);
		else if (ArrayBuffer.isView(input)) bytes = new Uint8Array(input.buffer, input.byteOffset, input.byteLength);
		else throw new TypeError('TextDecoder.decode: expected BufferSource');
		let result = '';
		let i = 0;
		while (i < bytes.length) {
			const b = bytes[i];
			let cp, extra;
			if (b < 0x80) { cp = b; extra = 0; }
			else if ((b & 0xE0) === 0xC0) { cp = b & 0x1F; extra = 1; }
			else if ((b & 0xF0) === 0xE0) { cp = b & 0x0F; extra = 2; }
			else if ((b & 0xF8) === 0xF0) { cp = b & 0x07; extra = 3; }
			else { result += '�'; i++; continue; }
			if (i + extra >= bytes.length + 1) { result += '�'; i++; continue; }
			let ok = true;
			for (let j = 1; j <= extra; j++) {
				if (i + j >= bytes.length || (bytes[i + j] & 0xC0) !== 0x80) { ok = false; break; }
				cp = (cp << 6) | (bytes[i + j] & 63);
			}
			if (!ok) { result += '�'; i++; continue; }
			i += extra + 1;
			result += String.fromCodePoint(cp);
		}
		return result;
	}
}

B.TextEncoder = TextEncoder;
B.TextDecoder = TextDecoder;
})();
`

// SetupEncoding evaluates the atob/btoa function globals and the
// TextEncoder/TextDecoder builtins.
func SetupEncoding(eng core.Engine, _ core.Host) error {
	if err := eng.Eval(encodingJS); err != nil {
		return fmt.Errorf("evaluating encoding.js: %w", err)
	}
	if err := eng.Eval(textCodecJS); err != nil {
		return fmt.Errorf("evaluating textcodec.js: %w", err)
	}
	return nil
}
