// Package console carries captured console messages from a sandboxed page
// to viewers: capture tees to the real sink and dispatches a serialized
// copy, transport prefers the duplex channel with an HTTP push fallback,
// and the server sanitizes every string before fan-out.
package console

import (
	"fmt"
	"reflect"
	"runtime"
)

// maxDepth bounds structural copies of deeply nested values.
const maxDepth = 32

// Serialize converts an arbitrary captured value into a transportable form.
// Precedence, in order: error-like values, element-like values, primitives,
// structural copies of containers (with circular references replaced by a
// marker), functions, and finally string coercion.
func Serialize(v any) any {
	return serialize(v, make(map[uintptr]bool), 0)
}

func serialize(v any, seen map[uintptr]bool, depth int) any {
	if v == nil {
		return nil
	}

	if err, ok := v.(error); ok {
		return map[string]any{
			"kind":    "error",
			"message": err.Error(),
			"stack":   "",
			"name":    fmt.Sprintf("%T", err),
		}
	}

	switch x := v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return x
	case map[string]any:
		if out, ok := serializeShaped(x); ok {
			return out
		}
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		name := runtime.FuncForPC(rv.Pointer()).Name()
		return map[string]any{"kind": "function", "name": name}
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		if rv.Kind() == reflect.Ptr {
			if seen[rv.Pointer()] {
				return circularMarker(v)
			}
			seen[rv.Pointer()] = true
			defer delete(seen, rv.Pointer())
		}
		return serialize(rv.Elem().Interface(), seen, depth+1)
	case reflect.Map:
		if depth >= maxDepth || seen[rv.Pointer()] {
			return circularMarker(v)
		}
		seen[rv.Pointer()] = true
		defer delete(seen, rv.Pointer())
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = serialize(iter.Value().Interface(), seen, depth+1)
		}
		return out
	case reflect.Slice:
		if depth >= maxDepth || (rv.Len() > 0 && seen[rv.Pointer()]) {
			return circularMarker(v)
		}
		if rv.Len() > 0 {
			seen[rv.Pointer()] = true
			defer delete(seen, rv.Pointer())
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = serialize(rv.Index(i).Interface(), seen, depth+1)
		}
		return out
	case reflect.Array:
		if depth >= maxDepth {
			return circularMarker(v)
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = serialize(rv.Index(i).Interface(), seen, depth+1)
		}
		return out
	case reflect.Struct:
		if depth >= maxDepth {
			return circularMarker(v)
		}
		rt := rv.Type()
		out := make(map[string]any)
		for i := 0; i < rt.NumField(); i++ {
			if !rt.Field(i).IsExported() {
				continue
			}
			out[rt.Field(i).Name] = serialize(rv.Field(i).Interface(), seen, depth+1)
		}
		return out
	}

	return fmt.Sprint(v)
}

// serializeShaped recognizes the special wire shapes a page-side capture
// produces: error-like maps (message + stack/name) and DOM-element-like maps
// (a tag name, optionally id and class).
func serializeShaped(m map[string]any) (any, bool) {
	if msg, ok := m["message"]; ok {
		if _, hasStack := m["stack"]; hasStack {
			return map[string]any{
				"kind":    "error",
				"message": fmt.Sprint(msg),
				"stack":   str(m["stack"]),
				"name":    str(m["name"]),
			}, true
		}
	}
	tag := m["tagName"]
	if tag == nil {
		tag = m["tag"]
	}
	if tag != nil {
		return map[string]any{
			"kind":      "element",
			"tag":       fmt.Sprint(tag),
			"id":        str(m["id"]),
			"className": str(m["className"]),
		}, true
	}
	return nil, false
}

// circularMarker previews by type only: formatting a cyclic value would
// recurse without bound.
func circularMarker(v any) map[string]any {
	return map[string]any{"kind": "circular", "preview": fmt.Sprintf("%T", v)}
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
