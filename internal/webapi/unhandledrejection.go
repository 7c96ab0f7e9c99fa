package webapi

import (
	"fmt"

	"github.com/hostedat/realm/internal/core"
)

// unhandledRejectionJS provides a best-effort polyfill for unhandled
// promise rejection tracking. The global Promise is replaced with a
// subclass whose reject path feeds __rm_trackRejection; Promise.reject,
// handler throws, and chain rejections all allocate through the species
// constructor and are caught the same way. A tracked rejection that gains
// no handler by the end of the current microtask turn dispatches a
// PromiseRejectionEvent on globalThis and is forwarded to the embedder.
// Attaching a rejection handler later forwards a handled=true notification.
const unhandledRejectionJS = `
(function() {
const Event = globalThis.__rm_builtins.Event;

class PromiseRejectionEvent extends Event {
	constructor(type, init) {
		super(type, init);
		this.promise = (init && init.promise) || null;
		this.reason = (init && init.reason) !== undefined ? init.reason : undefined;
	}
}

const _pendingRejections = new Map();
const _handled = new WeakSet();
let _rejectionId = 0;

const _origPromise = globalThis.Promise;
const _origThen = _origPromise.prototype.then;

function _markHandled(promise) {
	if (_handled.has(promise)) return;
	_handled.add(promise);
	const id = promise.__rejectionId;
	if (id === undefined) return;
	if (_pendingRejections.delete(id)) return;
	if (promise.__rejectionReported) {
		__rm_rejectionHandled(String(promise.__rejectionReason));
	}
}

_origPromise.prototype.then = function(onFulfilled, onRejected) {
	const result = _origThen.call(this, onFulfilled, onRejected);
	if (typeof onRejected === 'function') _markHandled(this);
	return result;
};

const _origCatch = _origPromise.prototype.catch;
_origPromise.prototype.catch = function(onRejected) {
	const result = _origCatch.call(this, onRejected);
	if (typeof onRejected === 'function') _markHandled(this);
	return result;
};

globalThis.__rm_trackRejection = function(promise, reason) {
	if (promise.__rejectionId !== undefined || _handled.has(promise)) return;
	const id = ++_rejectionId;
	try {
		Object.defineProperty(promise, '__rejectionId', { value: id, writable: true, configurable: true });
		Object.defineProperty(promise, '__rejectionReason', { value: reason, writable: true, configurable: true });
	} catch(e) {
		return;
	}
	_pendingRejections.set(id, { promise: promise, reason: reason });
	queueMicrotask(function() {
		if (!_pendingRejections.delete(id)) return;
		try {
			Object.defineProperty(promise, '__rejectionReported', { value: true, writable: true, configurable: true });
		} catch(e) {}
		const event = new PromiseRejectionEvent('unhandledrejection', {
			promise: promise,
			reason: reason,
			cancelable: true,
		});
		globalThis.dispatchEvent(event);
		if (!event.defaultPrevented) __rm_rejectionUnhandled(String(reason));
	});
};

// The executor wrapper observes this promise's own reject function. A
// rejection before super() returns (Promise.reject, sync executors) is
// replayed once the instance is available.
class TrackedPromise extends _origPromise {
	constructor(executor) {
		let self = null;
		let earlyReason;
		let sawEarly = false;
		super(function(resolve, reject) {
			executor(resolve, function(reason) {
				reject(reason);
				if (self !== null) {
					__rm_trackRejection(self, reason);
				} else {
					sawEarly = true;
					earlyReason = reason;
				}
			});
		});
		self = this;
		if (sawEarly) __rm_trackRejection(this, earlyReason);
	}
}
Object.defineProperty(TrackedPromise, 'name', { value: 'Promise', configurable: true });
// Natively created promises still answer to instanceof Promise.
Object.defineProperty(TrackedPromise, Symbol.hasInstance, {
	value: function(v) { return v instanceof _origPromise; },
});
globalThis.Promise = TrackedPromise;

globalThis.__rm_builtins.PromiseRejectionEvent = PromiseRejectionEvent;
globalThis.PromiseRejectionEvent = PromiseRejectionEvent;

})();
`

// SetupUnhandledRejection installs PromiseRejectionEvent, swaps in the
// tracking Promise subclass, and wires rejection notifications through to
// the embedder.
func SetupUnhandledRejection(eng core.Engine, h core.Host) error {
	if err := eng.RegisterFunc("__rm_rejectionUnhandled", func(reason string) {
		h.TrackPromiseRejection(reason, false)
	}); err != nil {
		return err
	}
	if err := eng.RegisterFunc("__rm_rejectionHandled", func(reason string) {
		h.TrackPromiseRejection(reason, true)
	}); err != nil {
		return err
	}
	if err := eng.Eval(unhandledRejectionJS); err != nil {
		return fmt.Errorf("evaluating unhandledrejection.js: %w", err)
	}
	return nil
}
