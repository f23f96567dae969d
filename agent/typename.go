package agent

import (
	"reflect"

	"google.golang.org/protobuf/proto"
)

// TypeNamer lets a message type choose its registry name.
type TypeNamer interface {
	MessageTypeName() string
}

// TypeName derives the stable name used to route and serialize msg:
// a TypeNamer override, the full name of a protobuf message, or the Go type
// name with pointers dereferenced. Returns "" for nil.
//
// Derived Go names do not include the package, so two types named Event in
// different packages collide: the second fails to register with a Registry
// and routed handlers cannot tell them apart. Give such types distinct names
// by implementing TypeNamer.
func TypeName(msg any) string {
	if msg == nil {
		return ""
	}
	if v := reflect.ValueOf(msg); v.Kind() == reflect.Pointer && v.IsNil() {
		return TypeNameOf(v.Type())
	}
	if n, ok := msg.(TypeNamer); ok {
		return n.MessageTypeName()
	}
	if m, ok := msg.(proto.Message); ok {
		return string(m.ProtoReflect().Descriptor().FullName())
	}
	return TypeNameOf(reflect.TypeOf(msg))
}

// TypeNameOf returns the name TypeName would give a value of type t.
func TypeNameOf(t reflect.Type) string {
	if t == nil {
		return ""
	}
	if t.Implements(typeNamerType) {
		return sample(t).Interface().(TypeNamer).MessageTypeName()
	}
	if t.Implements(protoMessageType) {
		return string(sample(t).Interface().(proto.Message).ProtoReflect().Descriptor().FullName())
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}

// sample returns a usable value of t. Pointer types get a pointer to a zero
// value so value-receiver methods can be called on it.
func sample(t reflect.Type) reflect.Value {
	if t.Kind() == reflect.Pointer {
		return reflect.New(t.Elem())
	}
	return reflect.Zero(t)
}

// TypeNameFor returns the name of message type T.
func TypeNameFor[T any]() string {
	return TypeNameOf(reflect.TypeOf((*T)(nil)).Elem())
}

var (
	typeNamerType    = reflect.TypeOf((*TypeNamer)(nil)).Elem()
	protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()
)
