package core

// Engine abstracts the JavaScript engine (QuickJS or V8) behind a common
// interface used by the realm, the module loader, and the bridge. One Engine
// instance backs exactly one realm's execution context.
type Engine interface {
	// Eval evaluates JavaScript source and discards the result.
	Eval(js string) error

	// EvalString evaluates JavaScript and returns the result as a Go string.
	EvalString(js string) (string, error)

	// EvalBool evaluates JavaScript and returns the result as a Go bool.
	EvalBool(js string) (bool, error)

	// EvalInt evaluates JavaScript and returns the result as a Go int.
	EvalInt(js string) (int, error)

	// RegisterFunc registers a Go function as a global JavaScript function.
	// The function's Go types are automatically marshaled to/from JS types.
	// On error return, the JS wrapper throws a TypeError instead of
	// returning an array.
	RegisterFunc(name string, fn any) error

	// SetGlobal sets a global variable on the JS context. Basic Go types
	// (string, int, float64, bool) are auto-converted to JS types.
	SetGlobal(name string, value any) error

	// RunMicrotasks pumps the microtask queue (Promise callbacks, etc.).
	// V8: PerformMicrotaskCheckpoint, QuickJS: ExecutePendingJob loop.
	RunMicrotasks()

	// Interrupt requests termination of the currently running script.
	// The one Engine call that is safe from another goroutine.
	Interrupt()

	// Close releases the engine and all values it owns. The engine must
	// not be used afterwards.
	Close()
}

// BinaryTransferer is an optional interface that Engine implementations can
// provide for efficient binary data transfer between Go and JS. The QuickJS
// backend implements it with direct ArrayBuffer access via the libquickjs
// C API; callers fall back to string transfer when the engine does not.
type BinaryTransferer interface {
	// WriteBinaryToJS writes Go bytes into a JS ArrayBuffer at the given
	// global variable name.
	WriteBinaryToJS(globalName string, data []byte) error

	// ReadBinaryFromJS reads binary data from a JS buffer stored at the
	// given global variable name and returns it as Go bytes.
	ReadBinaryFromJS(globalName string) ([]byte, error)
}
