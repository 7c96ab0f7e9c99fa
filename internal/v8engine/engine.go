//go:build v8

package v8engine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	"github.com/hostedat/realm/internal/core"
	v8 "github.com/tommie/v8go"
)

// Engine implements core.Engine on one V8 isolate with a single context.
// The hooks the realm registers marshal strings, ints, bools, and float64s
// across the boundary; anything richer travels as a JSON string. The
// callback dispatch below supports exactly that surface and rejects other
// signatures at registration time.
type Engine struct {
	iso *v8.Isolate
	ctx *v8.Context
}

var _ core.Engine = (*Engine)(nil)

// New creates a V8-backed engine. memoryLimitMB of 0 keeps the isolate
// default heap.
func New(memoryLimitMB int) (*Engine, error) {
	var iso *v8.Isolate
	if memoryLimitMB > 0 {
		heapSize := uint64(memoryLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(heapSize/2, heapSize))
	} else {
		iso = v8.NewIsolate()
	}
	return &Engine{iso: iso, ctx: v8.NewContext(iso)}, nil
}

// Eval evaluates JavaScript and discards the result.
func (e *Engine) Eval(js string) error {
	_, err := e.ctx.RunScript(js, "realm.js")
	return err
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (e *Engine) EvalString(js string) (string, error) {
	val, err := e.ctx.RunScript(js, "realm.js")
	if err != nil || val == nil {
		return "", err
	}
	return val.String(), nil
}

// EvalBool evaluates JavaScript and returns the result as a Go bool.
func (e *Engine) EvalBool(js string) (bool, error) {
	val, err := e.ctx.RunScript(js, "realm.js")
	if err != nil || val == nil {
		return false, err
	}
	return val.Boolean(), nil
}

// EvalInt evaluates JavaScript and returns the result as a Go int.
func (e *Engine) EvalInt(js string) (int, error) {
	val, err := e.ctx.RunScript(js, "realm.js")
	if err != nil || val == nil {
		return 0, err
	}
	return int(val.Integer()), nil
}

// hook is a registered Go function analyzed once at registration: one
// decoder per parameter, plus whether the last result is an error to be
// rethrown on the JS side.
type hook struct {
	name   string
	fn     reflect.Value
	params []func(*v8.Value) reflect.Value
	throws bool
}

// RegisterFunc registers a Go function as a global JavaScript function.
// Supported signatures are func(string|int|bool...) with zero results,
// one result (string, int, float64, or bool), or a result plus error.
// Error returns are thrown into JS as "calling <name>: <message>".
func (e *Engine) RegisterFunc(name string, fn any) error {
	fv := reflect.ValueOf(fn)
	ft := fv.Type()
	if ft.Kind() != reflect.Func {
		return fmt.Errorf("RegisterFunc %s: expected a function, got %T", name, fn)
	}

	h := &hook{name: name, fn: fv}
	for i := 0; i < ft.NumIn(); i++ {
		dec, err := paramDecoder(ft.In(i))
		if err != nil {
			return fmt.Errorf("RegisterFunc %s: parameter %d: %w", name, i, err)
		}
		h.params = append(h.params, dec)
	}

	switch ft.NumOut() {
	case 0:
	case 2:
		if ft.Out(1) != reflect.TypeOf((*error)(nil)).Elem() {
			return fmt.Errorf("RegisterFunc %s: second result must be error", name)
		}
		h.throws = true
		fallthrough
	case 1:
		switch ft.Out(0).Kind() {
		case reflect.String, reflect.Int, reflect.Float64, reflect.Bool:
		default:
			return fmt.Errorf("RegisterFunc %s: unsupported result type %s", name, ft.Out(0))
		}
	default:
		return fmt.Errorf("RegisterFunc %s: at most one result plus error", name)
	}

	tmpl := v8.NewFunctionTemplate(e.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		return e.dispatch(h, info)
	})
	return e.ctx.Global().Set(name, tmpl.GetFunction(e.ctx))
}

func (e *Engine) dispatch(h *hook, info *v8.FunctionCallbackInfo) *v8.Value {
	args := info.Args()
	if len(args) < len(h.params) {
		return e.throw("%s requires at least %d argument(s), got %d", h.name, len(h.params), len(args))
	}

	in := make([]reflect.Value, len(h.params))
	for i, dec := range h.params {
		in[i] = dec(args[i])
	}
	out := h.fn.Call(in)

	if h.throws {
		if !out[1].IsNil() {
			return e.throw("calling %s: %s", h.name, out[1].Interface().(error).Error())
		}
		out = out[:1]
	}
	if len(out) == 0 {
		return nil
	}

	var val *v8.Value
	switch r := out[0]; r.Kind() {
	case reflect.String:
		val, _ = v8.NewValue(e.iso, r.String())
	case reflect.Int:
		val, _ = v8.NewValue(e.iso, int32(r.Int()))
	case reflect.Float64:
		val, _ = v8.NewValue(e.iso, r.Float())
	case reflect.Bool:
		val, _ = v8.NewValue(e.iso, r.Bool())
	}
	return val
}

func (e *Engine) throw(format string, args ...any) *v8.Value {
	msg, _ := v8.NewValue(e.iso, fmt.Sprintf(format, args...))
	e.iso.ThrowException(msg)
	return nil
}

func paramDecoder(t reflect.Type) (func(*v8.Value) reflect.Value, error) {
	switch t.Kind() {
	case reflect.String:
		return func(v *v8.Value) reflect.Value { return reflect.ValueOf(v.String()) }, nil
	case reflect.Int:
		return func(v *v8.Value) reflect.Value { return reflect.ValueOf(int(v.Integer())) }, nil
	case reflect.Bool:
		return func(v *v8.Value) reflect.Value { return reflect.ValueOf(v.Boolean()) }, nil
	case reflect.Float64:
		return func(v *v8.Value) reflect.Value { return reflect.ValueOf(v.Number()) }, nil
	default:
		return nil, fmt.Errorf("unsupported parameter type %s", t)
	}
}

// SetGlobal sets a global variable on the JS context. Primitives are set
// directly; anything else is marshaled to JSON and parsed into JS.
func (e *Engine) SetGlobal(name string, value any) error {
	var val *v8.Value
	var err error
	switch v := value.(type) {
	case nil:
		val = v8.Undefined(e.iso)
	case string:
		val, err = v8.NewValue(e.iso, v)
	case int:
		val, err = v8.NewValue(e.iso, int32(v))
	case float64, bool:
		val, err = v8.NewValue(e.iso, v)
	default:
		data, merr := json.Marshal(value)
		if merr != nil {
			return fmt.Errorf("marshaling value for %q: %w", name, merr)
		}
		val, err = e.ctx.RunScript("JSON.parse("+strconv.Quote(string(data))+")", "realm.js")
	}
	if err != nil {
		return fmt.Errorf("converting value for %q: %w", name, err)
	}
	return e.ctx.Global().Set(name, val)
}

// RunMicrotasks pumps the V8 microtask queue.
func (e *Engine) RunMicrotasks() {
	e.ctx.PerformMicrotaskCheckpoint()
}

// Interrupt requests termination of the running script. Safe from another
// goroutine.
func (e *Engine) Interrupt() {
	e.iso.TerminateExecution()
}

// Close releases the context and isolate.
func (e *Engine) Close() {
	e.ctx.Close()
	e.iso.Dispose()
}
