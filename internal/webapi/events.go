package webapi

import (
	"fmt"

	"github.com/hostedat/realm/internal/core"
)

// eventsJS defines Event, EventTarget, CustomEvent, DOMException,
// AbortSignal, and AbortController. The classes are placed in the hidden
// __rm_builtins registry, not on globalThis: the realm exposes them through
// lazy accessors so that globals are only installed on first read.
const eventsJS = `
(function() {
const B = globalThis.__rm_builtins;

class Event {
	constructor(type, options) {
		this.type = type;
		this.bubbles = !!(options && options.bubbles);
		this.cancelable = !!(options && options.cancelable);
		this.defaultPrevented = false;
		this.target = null;
		this.currentTarget = null;
		this.timeStamp = (typeof performance !== 'undefined') ? performance.now() : Date.now();
	}
	preventDefault() {
		if (this.cancelable) this.defaultPrevented = true;
	}
	stopPropagation() {}
	stopImmediatePropagation() {}
}

class EventTarget {
	constructor() {
		this._listeners = {};
	}
	addEventListener(type, callback, options) {
		if (typeof callback !== 'function') return;
		if (!this._listeners[type]) this._listeners[type] = [];
		const once = options && options.once;
		this._listeners[type].push({ callback, once });
	}
	removeEventListener(type, callback) {
		if (!this._listeners[type]) return;
		this._listeners[type] = this._listeners[type].filter(l => l.callback !== callback);
	}
	dispatchEvent(event) {
		event.target = this;
		event.currentTarget = this;
		const listeners = this._listeners[event.type];
		if (!listeners) return true;
		const copy = listeners.slice();
		for (const entry of copy) {
			entry.callback.call(this, event);
			if (entry.once) {
				this.removeEventListener(event.type, entry.callback);
			}
		}
		return !event.defaultPrevented;
	}
}

class DOMException extends Error {
	constructor(message, name) {
		super(message || '');
		this.name = name || 'Error';
		this.message = message || '';
		this.code = 0;
	}
}

class AbortSignal extends EventTarget {
	constructor() {
		super();
		this.aborted = false;
		this.reason = undefined;
		this.onabort = null;
	}
	throwIfAborted() {
		if (this.aborted) throw this.reason;
	}
	static abort(reason) {
		const signal = new AbortSignal();
		signal.aborted = true;
		signal.reason = reason !== undefined ? reason : new DOMException('The operation was aborted.', 'AbortError');
		return signal;
	}
	static timeout(ms) {
		const signal = new AbortSignal();
		setTimeout(function() {
			signal.aborted = true;
			signal.reason = new DOMException('The operation timed out.', 'TimeoutError');
			var ev = new Event('abort');
			if (signal.onabort) signal.onabort(ev);
			signal.dispatchEvent(ev);
		}, ms);
		return signal;
	}
	static any(signals) {
		const signal = new AbortSignal();
		for (const s of signals) {
			if (s.aborted) {
				signal.aborted = true;
				signal.reason = s.reason;
				return signal;
			}
		}
		for (const s of signals) {
			s.addEventListener('abort', function() {
				if (!signal.aborted) {
					signal.aborted = true;
					signal.reason = s.reason;
					var ev = new Event('abort');
					if (signal.onabort) signal.onabort(ev);
					signal.dispatchEvent(ev);
				}
			});
		}
		return signal;
	}
}

class AbortController {
	constructor() {
		this.signal = new AbortSignal();
	}
	abort(reason) {
		if (this.signal.aborted) return;
		this.signal.aborted = true;
		this.signal.reason = reason !== undefined ? reason : new DOMException('The operation was aborted.', 'AbortError');
		var ev = new Event('abort');
		if (this.signal.onabort) this.signal.onabort(ev);
		this.signal.dispatchEvent(ev);
	}
}

class CustomEvent extends Event {
	constructor(type, init) {
		super(type, init);
		this.detail = (init && init.detail !== undefined) ? init.detail : null;
	}
}

class ErrorEvent extends Event {
	constructor(type, init) {
		super(type, init);
		this.error = init && init.error !== undefined ? init.error : null;
		this.message = (init && init.message) || '';
		this.filename = (init && init.filename) || '';
		this.lineno = (init && init.lineno) || 0;
		this.colno = (init && init.colno) || 0;
	}
}

B.Event = Event;
B.EventTarget = EventTarget;
B.DOMException = DOMException;
B.AbortSignal = AbortSignal;
B.AbortController = AbortController;
B.CustomEvent = CustomEvent;
B.ErrorEvent = ErrorEvent;

// globalThis itself is an event target for error/unhandledrejection events.
const gt = new EventTarget();
globalThis.addEventListener = gt.addEventListener.bind(gt);
globalThis.removeEventListener = gt.removeEventListener.bind(gt);
globalThis.dispatchEvent = gt.dispatchEvent.bind(gt);
})();
`

// reportErrorJS installs the reportError function global. It throws a
// TypeError when called without arguments; otherwise it dispatches an
// 'error' ErrorEvent on globalThis and forwards the message to the embedder
// through __rm_reportError.
const reportErrorJS = `
globalThis.reportError = function(error) {
	if (arguments.length < 1) throw new TypeError("reportError requires at least 1 argument");
	var msg = '';
	if (error !== null && error !== undefined) {
		msg = error.message !== undefined ? error.message : String(error);
	}
	var ev = new (globalThis.__rm_builtins.ErrorEvent)('error', { error: error, message: msg, cancelable: true });
	globalThis.dispatchEvent(ev);
	if (!ev.defaultPrevented) __rm_reportError(msg);
};
`

// SetupEvents evaluates the Event/EventTarget family into the builtin
// registry, wires globalThis as an event target, and installs reportError
// backed by the embedder's uncaught exception reporter.
func SetupEvents(eng core.Engine, h core.Host) error {
	if err := eng.Eval(eventsJS); err != nil {
		return fmt.Errorf("evaluating events.js: %w", err)
	}
	if err := eng.RegisterFunc("__rm_reportError", func(msg string) {
		h.ReportUncaughtException(fmt.Errorf("%s", msg))
	}); err != nil {
		return err
	}
	return eng.Eval(reportErrorJS)
}
