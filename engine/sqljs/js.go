//go:build js && wasm

package sqljs

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"syscall/js"
	"time"
)

// The name of the global where sql.js has been loaded. This is the `SQL` var of:
//
//	const initSqlJs = require('sql.js');
//	const SQL = await initSqlJs({ ...})
const GlobalSQLJS = "_go_sqlite"

// sqlJS returns the loaded sql.js module or an error when the page did not
// load it before starting Go.
func sqlJS() (js.Value, error) {
	v := js.Global().Get(GlobalSQLJS)
	if !v.Truthy() {
		return js.Value{}, fmt.Errorf("sqljs: %s must be set as a global variable in JS", GlobalSQLJS)
	}
	return v, nil
}

// jsTryCatch catches exceptions thrown by fn and returns them as error.
// syscall/js turns a thrown JS exception into a Go panic.
func jsTryCatch(fn func() js.Value) (val js.Value, err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("sql.js: %v", e)
		}
	}()
	return fn(), nil
}

// protect guards against panics, setting an error when one happens.
func protect(name string, setError func(error)) {
	if err := recover(); err != nil {
		slog.Error("sql.js call panicked", "call", name, "error", err, "stack", string(debug.Stack()))
		setError(fmt.Errorf("%s panicked: %v", name, err))
	}
}

// toJS converts a driver value to something sql.js can bind. Blobs become
// Uint8Array.
func toJS(v any) any {
	switch x := v.(type) {
	case []byte:
		dst := js.Global().Get("Uint8Array").New(len(x))
		js.CopyBytesToJS(dst, x)
		return dst
	case time.Time:
		return x.Format(time.RFC3339Nano)
	}
	return js.ValueOf(v)
}

// fromJS converts a value returned by sql.js to a driver value.
func fromJS(v js.Value) (any, error) {
	switch t := v.Type(); t {
	case js.TypeNull, js.TypeUndefined:
		return nil, nil
	case js.TypeBoolean:
		return v.Bool(), nil
	case js.TypeNumber:
		f := v.Float()
		if f == float64(int64(f)) {
			return int64(f), nil
		}
		return f, nil
	case js.TypeString:
		return v.String(), nil
	case js.TypeObject:
		if v.Get("byteLength").Truthy() || v.InstanceOf(js.Global().Get("Uint8Array")) {
			b := make([]byte, v.Get("byteLength").Int())
			js.CopyBytesToGo(b, v)
			return b, nil
		}
		return nil, fmt.Errorf("sqljs: cannot handle JS object values")
	default:
		return nil, fmt.Errorf("sqljs: cannot handle JS %s values", t)
	}
}
