package envelope

import (
	jsoniter "github.com/json-iterator/go"
)

// Serializer converts body values to and from their textual wire form.
// Implementations must round-trip structure, not just a printed form.
type Serializer[T any] interface {
	Marshal(v T) (string, error)
	Unmarshal(s string) (T, error)
}

// SerializerFuncs adapts a pair of functions to Serializer.
type SerializerFuncs[T any] struct {
	MarshalFunc   func(T) (string, error)
	UnmarshalFunc func(string) (T, error)
}

func (f SerializerFuncs[T]) Marshal(v T) (string, error)   { return f.MarshalFunc(v) }
func (f SerializerFuncs[T]) Unmarshal(s string) (T, error) { return f.UnmarshalFunc(s) }

type jsonSerializer[T any] struct {
	api jsoniter.API
}

// JSON returns a Serializer that encodes bodies as JSON text, compatible with
// encoding/json struct tags and number handling.
//
// Decoding follows encoding/json: with T = any, numbers come back as float64,
// objects as map[string]any and arrays as []any. Use a concrete T when the
// decoded body must have the same Go type that was encoded.
func JSON[T any]() Serializer[T] {
	return jsonSerializer[T]{api: jsoniter.ConfigCompatibleWithStandardLibrary}
}

func (s jsonSerializer[T]) Marshal(v T) (string, error) {
	return s.api.MarshalToString(v)
}

func (s jsonSerializer[T]) Unmarshal(data string) (T, error) {
	var v T
	if err := s.api.UnmarshalFromString(data, &v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}
