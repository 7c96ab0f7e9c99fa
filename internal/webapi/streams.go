package webapi

import (
	"fmt"

	"github.com/hostedat/realm/internal/core"
)

// streamsJS defines the stream family in the builtin registry:
// ReadableStream with its default controller and reader, WritableStream
// with controller and writer, TransformStream with controller, and the two
// queuing strategies. Backpressure is modeled with desiredSize only; BYOB
// readers are not supported.
const streamsJS = `
(function() {
const B = globalThis.__rm_builtins;

class ByteLengthQueuingStrategy {
	constructor(init) {
		if (!init || typeof init.highWaterMark !== 'number') {
			throw new TypeError('ByteLengthQueuingStrategy requires a highWaterMark');
		}
		this.highWaterMark = init.highWaterMark;
	}
	size(chunk) { return chunk.byteLength; }
}

class CountQueuingStrategy {
	constructor(init) {
		if (!init || typeof init.highWaterMark !== 'number') {
			throw new TypeError('CountQueuingStrategy requires a highWaterMark');
		}
		this.highWaterMark = init.highWaterMark;
	}
	size() { return 1; }
}

class ReadableStreamDefaultController {
	constructor(stream, strategy) {
		this._stream = stream;
		this._strategy = strategy || {};
	}
	get desiredSize() {
		if (this._stream._state !== 'readable') return this._stream._state === 'closed' ? 0 : null;
		var hwm = typeof this._strategy.highWaterMark === 'number' ? this._strategy.highWaterMark : 1;
		var size = 0;
		for (var i = 0; i < this._stream._queue.length; i++) {
			size += this._stream._chunkSize(this._stream._queue[i]);
		}
		return hwm - size;
	}
	enqueue(chunk) {
		if (this._stream._state !== 'readable') {
			throw new TypeError('cannot enqueue on a ' + this._stream._state + ' stream');
		}
		this._stream._queue.push(chunk);
		this._stream._pump();
	}
	close() {
		if (this._stream._state !== 'readable') return;
		this._stream._closeRequested = true;
		this._stream._pump();
	}
	error(e) {
		if (this._stream._state !== 'readable') return;
		this._stream._error(e);
	}
}

class ReadableStreamDefaultReader {
	constructor(stream) {
		if (stream._locked) throw new TypeError('ReadableStream is locked');
		stream._locked = true;
		this._stream = stream;
		this._closedResolve = null;
		var self = this;
		this.closed = new Promise(function(resolve, reject) {
			self._closedResolve = resolve;
			self._closedReject = reject;
		});
		if (stream._state === 'closed') this._closedResolve(undefined);
		if (stream._state === 'errored') this._closedReject(stream._storedError);
	}
	read() {
		var stream = this._stream;
		if (stream._state === 'errored') return Promise.reject(stream._storedError);
		return new Promise(function(resolve, reject) {
			stream._readRequests.push({ resolve: resolve, reject: reject });
			stream._pump();
		});
	}
	releaseLock() {
		if (!this._stream) return;
		this._stream._locked = false;
		this._stream = null;
	}
	cancel(reason) {
		return this._stream ? this._stream._cancel(reason) : Promise.resolve();
	}
}

class ReadableStream {
	constructor(underlyingSource, strategy) {
		underlyingSource = underlyingSource || {};
		this._state = 'readable';
		this._queue = [];
		this._readRequests = [];
		this._locked = false;
		this._closeRequested = false;
		this._storedError = undefined;
		this._underlyingSource = underlyingSource;
		this._strategy = strategy || {};
		this._controller = new ReadableStreamDefaultController(this, this._strategy);
		var self = this;
		if (typeof underlyingSource.start === 'function') {
			try {
				Promise.resolve(underlyingSource.start(this._controller)).catch(function(e) {
					self._error(e);
				});
			} catch (e) {
				this._error(e);
			}
		}
	}
	get locked() { return this._locked; }
	_chunkSize(chunk) {
		if (typeof this._strategy.size === 'function') {
			try { return this._strategy.size(chunk); } catch (e) { return 1; }
		}
		return 1;
	}
	_pump() {
		while (this._readRequests.length > 0) {
			if (this._queue.length > 0) {
				var req = this._readRequests.shift();
				req.resolve({ value: this._queue.shift(), done: false });
				continue;
			}
			if (this._closeRequested || this._state === 'closed') {
				this._finishClose();
				return;
			}
			if (this._state === 'errored') {
				var ereq = this._readRequests.shift();
				ereq.reject(this._storedError);
				continue;
			}
			// Queue drained: ask the source for more, exactly once per turn.
			var src = this._underlyingSource;
			if (typeof src.pull === 'function' && !this._pulling) {
				this._pulling = true;
				var self = this;
				try {
					Promise.resolve(src.pull(this._controller)).then(function() {
						self._pulling = false;
						if (self._readRequests.length > 0) self._pump();
					}, function(e) {
						self._pulling = false;
						self._error(e);
					});
				} catch (e) {
					this._pulling = false;
					this._error(e);
				}
			}
			return;
		}
		if (this._closeRequested && this._queue.length === 0) this._finishClose();
	}
	_finishClose() {
		if (this._state !== 'readable') return;
		this._state = 'closed';
		while (this._readRequests.length > 0) {
			this._readRequests.shift().resolve({ value: undefined, done: true });
		}
	}
	_error(e) {
		if (this._state !== 'readable') return;
		this._state = 'errored';
		this._storedError = e;
		while (this._readRequests.length > 0) {
			this._readRequests.shift().reject(e);
		}
	}
	_cancel(reason) {
		if (this._state !== 'readable') return Promise.resolve();
		this._queue = [];
		this._finishClose();
		var src = this._underlyingSource;
		if (typeof src.cancel === 'function') {
			try { return Promise.resolve(src.cancel(reason)); } catch (e) { return Promise.reject(e); }
		}
		return Promise.resolve();
	}
	getReader() { return new ReadableStreamDefaultReader(this); }
	cancel(reason) {
		if (this._locked) return Promise.reject(new TypeError('ReadableStream is locked'));
		return this._cancel(reason);
	}
	tee() {
		var reader = this.getReader();
		var queues = [[], []];
		var controllers = [null, null];
		var reading = false;
		function makeBranch(i) {
			return new ReadableStream({
				start: function(c) { controllers[i] = c; },
				pull: function() {
					if (queues[i].length > 0) {
						controllers[i].enqueue(queues[i].shift());
						return Promise.resolve();
					}
					if (reading) return Promise.resolve();
					reading = true;
					return reader.read().then(function(r) {
						reading = false;
						if (r.done) {
							controllers[0].close();
							controllers[1].close();
							return;
						}
						for (var j = 0; j < 2; j++) {
							if (j === i) controllers[j].enqueue(r.value);
							else queues[j].push(r.value);
						}
					});
				}
			});
		}
		return [makeBranch(0), makeBranch(1)];
	}
	pipeTo(dest) {
		var reader = this.getReader();
		var writer = dest.getWriter();
		return new Promise(function(resolve, reject) {
			function step() {
				reader.read().then(function(r) {
					if (r.done) {
						writer.close().then(resolve, reject);
						return;
					}
					writer.write(r.value).then(step, reject);
				}, reject);
			}
			step();
		});
	}
	pipeThrough(transform) {
		this.pipeTo(transform.writable);
		return transform.readable;
	}
	get [Symbol.toStringTag]() { return 'ReadableStream'; }
}

class WritableStreamDefaultController {
	constructor(stream) {
		this._stream = stream;
	}
	error(e) { this._stream._error(e); }
}

class WritableStreamDefaultWriter {
	constructor(stream) {
		if (stream._locked) throw new TypeError('WritableStream is locked');
		stream._locked = true;
		this._stream = stream;
		var self = this;
		this.closed = new Promise(function(resolve, reject) {
			self._closedResolve = resolve;
			self._closedReject = reject;
		});
		this.ready = Promise.resolve(undefined);
	}
	get desiredSize() {
		return this._stream._state === 'writable' ? 1 : (this._stream._state === 'closed' ? 0 : null);
	}
	write(chunk) {
		var stream = this._stream;
		if (stream._state === 'errored') return Promise.reject(stream._storedError);
		if (stream._state !== 'writable') return Promise.reject(new TypeError('stream is ' + stream._state));
		var sink = stream._underlyingSink;
		if (typeof sink.write === 'function') {
			try {
				return Promise.resolve(sink.write(chunk, stream._controller));
			} catch (e) {
				stream._error(e);
				return Promise.reject(e);
			}
		}
		return Promise.resolve();
	}
	close() {
		var stream = this._stream;
		if (stream._state !== 'writable') return Promise.reject(new TypeError('stream is ' + stream._state));
		stream._state = 'closed';
		if (this._closedResolve) this._closedResolve(undefined);
		var sink = stream._underlyingSink;
		if (typeof sink.close === 'function') {
			try { return Promise.resolve(sink.close()); } catch (e) { return Promise.reject(e); }
		}
		return Promise.resolve();
	}
	abort(reason) {
		return this._stream._abort(reason);
	}
	releaseLock() {
		if (!this._stream) return;
		this._stream._locked = false;
		this._stream = null;
	}
}

class WritableStream {
	constructor(underlyingSink, strategy) {
		underlyingSink = underlyingSink || {};
		this._state = 'writable';
		this._locked = false;
		this._storedError = undefined;
		this._underlyingSink = underlyingSink;
		this._controller = new WritableStreamDefaultController(this);
		if (typeof underlyingSink.start === 'function') {
			try {
				var self = this;
				Promise.resolve(underlyingSink.start(this._controller)).catch(function(e) {
					self._error(e);
				});
			} catch (e) {
				this._error(e);
			}
		}
	}
	get locked() { return this._locked; }
	_error(e) {
		if (this._state !== 'writable') return;
		this._state = 'errored';
		this._storedError = e;
	}
	_abort(reason) {
		if (this._state !== 'writable') return Promise.resolve();
		this._state = 'errored';
		this._storedError = reason;
		var sink = this._underlyingSink;
		if (typeof sink.abort === 'function') {
			try { return Promise.resolve(sink.abort(reason)); } catch (e) { return Promise.reject(e); }
		}
		return Promise.resolve();
	}
	getWriter() { return new WritableStreamDefaultWriter(this); }
	abort(reason) {
		if (this._locked) return Promise.reject(new TypeError('WritableStream is locked'));
		return this._abort(reason);
	}
	close() {
		if (this._locked) return Promise.reject(new TypeError('WritableStream is locked'));
		return this.getWriter().close();
	}
	get [Symbol.toStringTag]() { return 'WritableStream'; }
}

class TransformStreamDefaultController {
	constructor(readableController) {
		this._rc = readableController;
	}
	get desiredSize() { return this._rc.desiredSize; }
	enqueue(chunk) { this._rc.enqueue(chunk); }
	terminate() { this._rc.close(); }
	error(e) { this._rc.error(e); }
}

class TransformStream {
	constructor(transformer, writableStrategy, readableStrategy) {
		transformer = transformer || {};
		var readableController = null;
		this.readable = new ReadableStream({
			start: function(c) { readableController = c; }
		}, readableStrategy);
		var tc = new TransformStreamDefaultController(readableController);
		if (typeof transformer.start === 'function') {
			transformer.start(tc);
		}
		this.writable = new WritableStream({
			write: function(chunk) {
				if (typeof transformer.transform === 'function') {
					return transformer.transform(chunk, tc);
				}
				tc.enqueue(chunk);
			},
			close: function() {
				if (typeof transformer.flush === 'function') {
					var r = transformer.flush(tc);
					return Promise.resolve(r).then(function() { tc.terminate(); });
				}
				tc.terminate();
			},
			abort: function(reason) { tc.error(reason); }
		}, writableStrategy);
	}
	get [Symbol.toStringTag]() { return 'TransformStream'; }
}

B.ReadableStream = ReadableStream;
B.ReadableStreamDefaultController = ReadableStreamDefaultController;
B.ReadableStreamDefaultReader = ReadableStreamDefaultReader;
B.WritableStream = WritableStream;
B.WritableStreamDefaultController = WritableStreamDefaultController;
B.WritableStreamDefaultWriter = WritableStreamDefaultWriter;
B.TransformStream = TransformStream;
B.TransformStreamDefaultController = TransformStreamDefaultController;
B.ByteLengthQueuingStrategy = ByteLengthQueuingStrategy;
B.CountQueuingStrategy = CountQueuingStrategy;
})();
`

// SetupStreams evaluates the stream family into the builtin registry.
func SetupStreams(eng core.Engine, _ core.Host) error {
	if err := eng.Eval(streamsJS); err != nil {
		return fmt.Errorf("evaluating streams.js: %w", err)
	}
	return nil
}
