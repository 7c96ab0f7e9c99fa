//go:build !v8

package quickjs

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/hostedat/realm/internal/core"
	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"
)

// Engine implements core.Engine for the QuickJS engine.
type Engine struct {
	vm  *quickjs.VM
	tls *libc.TLS // cached from VM internals for direct C API access
	ctx uintptr   // cached JSContext pointer for direct C API access

	// useFallback is set when direct C API extraction fails (e.g. if
	// modernc.org/quickjs changes its unexported struct layout); binary
	// transfer then goes through a JSON escape path instead.
	useFallback bool
}

var _ core.Engine = (*Engine)(nil)
var _ core.BinaryTransferer = (*Engine)(nil)

// New creates a QuickJS-backed engine. memoryLimitMB of 0 keeps the engine
// default.
func New(memoryLimitMB int) (*Engine, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if memoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(memoryLimitMB) * 1024 * 1024)
	}
	e := &Engine{vm: vm}
	if err := e.initCAPI(); err != nil {
		e.useFallback = true
	}
	return e, nil
}

// Eval evaluates JavaScript and discards the result.
func (e *Engine) Eval(js string) error {
	v, err := e.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (e *Engine) EvalString(js string) (string, error) {
	result, err := e.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	return fmt.Sprint(result), nil
}

// EvalBool evaluates JavaScript and returns the result as a Go bool.
func (e *Engine) EvalBool(js string) (bool, error) {
	result, err := e.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", result)
	}
	return b, nil
}

// EvalInt evaluates JavaScript and returns the result as a Go int.
func (e *Engine) EvalInt(js string) (int, error) {
	result, err := e.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return 0, err
	}
	switch v := result.(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("expected int, got %T", result)
	}
}

// RegisterFunc registers a Go function as a global JavaScript function.
// Multi-value Go returns (T, error) are automatically unwrapped: on success
// returns T, on error throws a TypeError. This is necessary because the
// QuickJS Go wrapper returns multi-value results as JS arrays.
func (e *Engine) RegisterFunc(name string, fn any) error {
	rawName := "__raw_" + name
	if err := e.vm.RegisterFunc(rawName, fn, false); err != nil {
		return err
	}
	wrapJS := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			var r = raw.apply(this, arguments);
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new TypeError("calling %s: " + r[1]);
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, name, name, rawName)
	return e.Eval(wrapJS)
}

// SetGlobal sets a global property on the VM's global object.
func (e *Engine) SetGlobal(name string, value any) error {
	atom, err := e.vm.NewAtom(name)
	if err != nil {
		return fmt.Errorf("creating atom %q: %w", name, err)
	}
	glob := e.vm.GlobalObject()
	defer glob.Free()
	return glob.SetProperty(atom, value)
}

// RunMicrotasks pumps the QuickJS job queue. The modernc.org/quickjs Go
// wrapper never calls JS_ExecutePendingJob, so Promise .then() callbacks
// would otherwise never fire.
func (e *Engine) RunMicrotasks() {
	rt, tls, ok := extractRuntime(e.vm)
	if !ok {
		return
	}
	for {
		ret := lib.XJS_ExecutePendingJob(tls, rt, 0)
		if ret <= 0 {
			return
		}
	}
}

// Interrupt requests termination of the running script. Safe from another
// goroutine.
func (e *Engine) Interrupt() {
	e.vm.Interrupt()
}

// Close releases the VM.
func (e *Engine) Close() {
	e.vm.Close()
}

// VM returns the underlying QuickJS VM for engine-specific operations.
func (e *Engine) VM() *quickjs.VM {
	return e.vm
}

// initCAPI extracts the VM's internal tls and cContext pointers for direct
// C API access and smoke-tests them with a trivial call.
func (e *Engine) initCAPI() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic extracting VM internals: %v", p)
		}
	}()

	vmPtr := uintptr(unsafe.Pointer(e.vm))

	// cContext is the first field of VM (offset 0).
	e.ctx = *(*uintptr)(unsafe.Pointer(vmPtr))
	if e.ctx == 0 {
		return fmt.Errorf("JSContext is nil")
	}

	vmType := reflect.TypeOf(e.vm).Elem()
	rtField, ok := vmType.FieldByName("runtime")
	if !ok {
		return fmt.Errorf("quickjs.VM missing 'runtime' field")
	}
	rtPtr := *(*uintptr)(unsafe.Pointer(vmPtr + rtField.Offset))
	if rtPtr == 0 {
		return fmt.Errorf("runtime pointer is nil")
	}

	// tls is the second field in runtime (after cRuntime uintptr).
	e.tls = *(**libc.TLS)(unsafe.Pointer(rtPtr + unsafe.Sizeof(uintptr(0))))
	if e.tls == nil {
		return fmt.Errorf("TLS is nil")
	}

	glob := lib.XJS_GetGlobalObject(e.tls, e.ctx)
	lib.XFreeValue(e.tls, e.ctx, glob)
	return nil
}

// WriteBinaryToJS writes Go bytes into a JS ArrayBuffer at the given global
// variable name. Uses the QuickJS C API (JS_NewArrayBufferCopy) for a single
// memcpy. Falls back to a quoted-string path if the C API pointers could not
// be extracted.
func (e *Engine) WriteBinaryToJS(globalName string, data []byte) error {
	if len(data) == 0 {
		return e.Eval(fmt.Sprintf("globalThis[%q] = new ArrayBuffer(0);", globalName))
	}
	if e.useFallback {
		return e.writeBinaryFallback(globalName, data)
	}

	bufPtr := uintptr(unsafe.Pointer(&data[0]))
	jsVal := lib.XJS_NewArrayBufferCopy(e.tls, e.ctx, bufPtr, lib.Tsize_t(len(data)))

	cName, err := libc.CString(globalName)
	if err != nil {
		lib.XFreeValue(e.tls, e.ctx, jsVal)
		return fmt.Errorf("allocating property name: %w", err)
	}

	glob := lib.XJS_GetGlobalObject(e.tls, e.ctx)
	// JS_SetPropertyStr consumes the val reference — do not free jsVal after.
	ret := lib.XJS_SetPropertyStr(e.tls, e.ctx, glob, cName, jsVal)
	lib.XFreeValue(e.tls, e.ctx, glob)
	libc.Xfree(e.tls, cName)

	if ret < 0 {
		return fmt.Errorf("setting global %q", globalName)
	}
	return nil
}

// ReadBinaryFromJS reads binary data from a JS ArrayBuffer at the given
// global variable name and returns it as Go bytes.
func (e *Engine) ReadBinaryFromJS(globalName string) ([]byte, error) {
	if e.useFallback {
		return e.readBinaryFallback(globalName)
	}

	cName, err := libc.CString(globalName)
	if err != nil {
		return nil, fmt.Errorf("allocating property name: %w", err)
	}

	glob := lib.XJS_GetGlobalObject(e.tls, e.ctx)
	jsVal := lib.XJS_GetPropertyStr(e.tls, e.ctx, glob, cName)
	lib.XFreeValue(e.tls, e.ctx, glob)
	libc.Xfree(e.tls, cName)

	var size lib.Tsize_t
	dataPtr := lib.XJS_GetArrayBuffer(e.tls, e.ctx, uintptr(unsafe.Pointer(&size)), jsVal)

	if dataPtr == 0 || size == 0 {
		lib.XFreeValue(e.tls, e.ctx, jsVal)
		_ = e.Eval(fmt.Sprintf("delete globalThis[%q];", globalName))
		return nil, nil
	}

	result := make([]byte, size)
	copy(result, unsafe.Slice((*byte)(unsafe.Pointer(dataPtr)), size))

	lib.XFreeValue(e.tls, e.ctx, jsVal)
	_ = e.Eval(fmt.Sprintf("delete globalThis[%q];", globalName))

	return result, nil
}

// writeBinaryFallback transfers bytes via a Latin-1 escaped string literal.
func (e *Engine) writeBinaryFallback(globalName string, data []byte) error {
	return e.Eval(fmt.Sprintf(`(function() {
		var s = %q;
		var buf = new ArrayBuffer(s.length);
		var view = new Uint8Array(buf);
		for (var i = 0; i < s.length; i++) view[i] = s.charCodeAt(i) & 0xff;
		globalThis[%q] = buf;
	})()`, latin1String(data), globalName))
}

func (e *Engine) readBinaryFallback(globalName string) ([]byte, error) {
	s, err := e.EvalString(fmt.Sprintf(`(function() {
		var buf = globalThis[%q];
		delete globalThis[%q];
		if (!buf) return '';
		var view = new Uint8Array(buf);
		var parts = [];
		for (var i = 0; i < view.length; i += 8192) {
			parts.push(String.fromCharCode.apply(null, view.subarray(i, Math.min(i + 8192, view.length))));
		}
		return parts.join('');
	})()`, globalName, globalName))
	if err != nil {
		return nil, fmt.Errorf("reading binary from JS: %w", err)
	}
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = s[i]
	}
	return out, nil
}

// latin1String maps raw bytes onto a string whose code points equal the
// byte values, so %q produces a literal the JS side can index back out.
func latin1String(data []byte) string {
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

// extractRuntime uses unsafe reflection to pull the unexported tls and
// cRuntime values out of a *quickjs.VM.
//
// VM struct layout (modernc.org/quickjs@v0.17.1):
//
//	type VM struct {
//	    cContext uintptr
//	    ...
//	    runtime  *runtime
//	}
//
//	type runtime struct {
//	    cRuntime uintptr
//	    tls      *libc.TLS
//	}
func extractRuntime(vm *quickjs.VM) (cRuntime uintptr, tls *libc.TLS, ok bool) {
	vmVal := reflect.ValueOf(vm).Elem()

	rtField := vmVal.FieldByName("runtime")
	if !rtField.IsValid() || rtField.IsNil() {
		return 0, nil, false
	}

	rtPtr := unsafe.Pointer(rtField.Pointer())
	rtVal := reflect.NewAt(rtField.Type().Elem(), rtPtr).Elem()

	cRuntimeField := rtVal.FieldByName("cRuntime")
	if !cRuntimeField.IsValid() {
		return 0, nil, false
	}
	cRuntime = uintptr(cRuntimeField.Uint())

	tlsField := rtVal.FieldByName("tls")
	if !tlsField.IsValid() || tlsField.IsNil() {
		return 0, nil, false
	}
	tls = (*libc.TLS)(unsafe.Pointer(tlsField.Pointer()))

	return cRuntime, tls, true
}
