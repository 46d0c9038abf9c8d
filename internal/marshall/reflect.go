package marshall

import (
	"reflect"

	"github.com/sha1n/osem/internal/mapping"
)

// fieldAccessor is implemented by every mapping variant bound to a struct field.
type fieldAccessor interface {
	Get(v reflect.Value) (reflect.Value, bool)
	Set(v reflect.Value, x reflect.Value)
	FieldType() reflect.Type
}

// get returns the field of struct value v that n maps. Fields behind a nil
// embedded pointer read as their zero value.
func get(n mapping.Mapping, v reflect.Value) reflect.Value {
	a, ok := n.(fieldAccessor)
	if !ok || !v.IsValid() {
		return reflect.Value{}
	}
	f, ok := a.Get(v)
	if !ok {
		return reflect.Zero(a.FieldType())
	}
	return f
}

func isNil(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// indirect follows pointers and interfaces. It returns the zero Value when a
// nil is met on the way.
func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func pointerOf(v reflect.Value) uintptr {
	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			return 0
		}
		v = v.Elem()
	}
	if v.IsValid() && v.Kind() == reflect.Pointer && !v.IsNil() {
		return v.Pointer()
	}
	return 0
}

func deref(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// fit adapts v to be assignable to a field of type t, taking or dropping
// pointer levels as needed.
func fit(v reflect.Value, t reflect.Type) reflect.Value {
	if !v.IsValid() {
		return reflect.Zero(t)
	}
	if v.Type().AssignableTo(t) {
		return v
	}
	switch {
	case t.Kind() == reflect.Interface:
		if v.Kind() == reflect.Pointer && v.Elem().Type().AssignableTo(t) {
			return v.Elem()
		}
		if v.Kind() != reflect.Pointer && reflect.PointerTo(v.Type()).AssignableTo(t) {
			p := reflect.New(v.Type())
			p.Elem().Set(v)
			return p
		}
	case t.Kind() == reflect.Pointer:
		p := reflect.New(t.Elem())
		p.Elem().Set(fit(v, t.Elem()))
		return p
	case v.Kind() == reflect.Pointer:
		return fit(v.Elem(), t)
	case v.Type().ConvertibleTo(t):
		return v.Convert(t)
	}
	return v
}
