package webapi

import (
	"fmt"

	"github.com/hostedat/realm/internal/core"
)

// timersJS installs setTimeout/setInterval/clearTimeout/clearInterval.
// Argument count and callability are validated in-realm; scheduling is
// fully delegated to the embedder, which owns id allocation and
// cancellation. Callbacks are parked JS-side and fired back by id.
const timersJS = `
(function() {
	globalThis.__rm_timerCallbacks = {};
	globalThis.setTimeout = function(fn, delay) {
		if (arguments.length < 1) throw new TypeError("setTimeout requires at least 1 argument");
		if (typeof fn !== 'function') throw new TypeError("setTimeout expects a function");
		var args = [];
		for (var i = 2; i < arguments.length; i++) args.push(arguments[i]);
		var id = __rm_timerRegister(delay === undefined ? 0 : Number(delay) || 0, false);
		globalThis.__rm_timerCallbacks[id] = { fn: fn, args: args };
		return id;
	};
	globalThis.setInterval = function(fn, interval) {
		if (arguments.length < 1) throw new TypeError("setInterval requires at least 1 argument");
		if (typeof fn !== 'function') throw new TypeError("setInterval expects a function");
		var args = [];
		for (var i = 2; i < arguments.length; i++) args.push(arguments[i]);
		var id = __rm_timerRegister(interval === undefined ? 0 : Number(interval) || 0, true);
		globalThis.__rm_timerCallbacks[id] = { fn: fn, args: args, interval: true };
		return id;
	};
	globalThis.clearTimeout = globalThis.clearInterval = function(id) {
		if (arguments.length === 0 || typeof id !== 'number') {
			return;
		}
		__rm_timerClear(id);
		delete globalThis.__rm_timerCallbacks[id];
	};
	globalThis.__rm_fireTimer = function(id) {
		var entry = globalThis.__rm_timerCallbacks[id];
		if (!entry) return;
		if (!entry.interval) delete globalThis.__rm_timerCallbacks[id];
		entry.fn.apply(globalThis, entry.args);
	};
})();
`

// SetupTimers registers the embedder-backed timer forwarders.
func SetupTimers(eng core.Engine, h core.Host) error {
	if err := eng.RegisterFunc("__rm_timerRegister", func(delayMs int, isInterval bool) int {
		return h.SetTimer(delayMs, isInterval, func(id int) {
			_ = eng.Eval(fmt.Sprintf("__rm_fireTimer(%d);", id))
			eng.RunMicrotasks()
		})
	}); err != nil {
		return err
	}

	if err := eng.RegisterFunc("__rm_timerClear", func(id int) {
		h.ClearTimer(id)
	}); err != nil {
		return err
	}

	return eng.Eval(timersJS)
}
