// Package reflector derives stable names for Go types.
package reflector

import (
	"reflect"
	"sync"
)

type nameKey struct {
	t      reflect.Type
	method string
}

var names sync.Map // nameKey -> string

// TypeName returns the package qualified name of t, looking through one
// level of pointer.
func TypeName(t reflect.Type) string {
	if t == nil {
		return ""
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.PkgPath() + "." + t.Name()
}

func TypeNameFor[T any]() string { return TypeName(reflect.TypeFor[T]()) }

// DeclaredName returns what the niladic string method called method reports
// for the zero value of t. Pointer types are asked through a new value, so
// pointer receivers work. Types without the method, and interface types,
// fall back to TypeName.
func DeclaredName(t reflect.Type, method string) string {
	if t == nil {
		return ""
	}
	key := nameKey{t: t, method: method}
	if name, ok := names.Load(key); ok {
		return name.(string)
	}
	name := declaredName(t, method)
	names.Store(key, name)
	return name
}

func declaredName(t reflect.Type, method string) string {
	var v reflect.Value
	switch t.Kind() {
	case reflect.Interface:
		return TypeName(t)
	case reflect.Pointer:
		v = reflect.New(t.Elem())
	default:
		v = reflect.Zero(t)
	}
	m := v.MethodByName(method)
	if !m.IsValid() {
		return TypeName(t)
	}
	mt := m.Type()
	if mt.NumIn() != 0 || mt.NumOut() != 1 || mt.Out(0).Kind() != reflect.String {
		return TypeName(t)
	}
	return m.Call(nil)[0].String()
}
