package envelope

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var (
	// ErrMissingTopic is returned when a message or envelope has no topic.
	ErrMissingTopic = errors.New("envelope: missing topic")
	// ErrInvalidFrame is returned by ParseFrame for input that is not a JSON object.
	ErrInvalidFrame = errors.New("envelope: invalid frame")
)

// Envelope is the wire form of a message.
type Envelope struct {
	Topic string `json:"topic"`
	Body  string `json:"body"`
}

// Message is an application message. SessionID is populated by the server on
// receive and is never part of the wire envelope.
type Message[T any] struct {
	Topic     string
	Body      T
	SessionID string
}

// SerializeError reports a body that could not be serialized.
type SerializeError struct {
	Topic string
	Err   error
}

func (e *SerializeError) Error() string {
	return fmt.Sprintf("envelope: serialize body for topic %q: %v", e.Topic, e.Err)
}

func (e *SerializeError) Unwrap() error { return e.Err }

// DecodeError reports an envelope whose body could not be deserialized.
type DecodeError struct {
	Topic string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("envelope: decode body for topic %q: %v", e.Topic, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Codec encodes and decodes messages with a body of type T.
type Codec[T any] struct {
	ser Serializer[T]
}

// NewCodec returns a Codec using ser. A nil serializer selects JSON.
func NewCodec[T any](ser Serializer[T]) *Codec[T] {
	if ser == nil {
		ser = JSON[T]()
	}
	return &Codec[T]{ser: ser}
}

// Encode converts msg to its wire envelope.
func (c *Codec[T]) Encode(msg Message[T]) (Envelope, error) {
	if msg.Topic == "" {
		return Envelope{}, ErrMissingTopic
	}
	body, err := c.ser.Marshal(msg.Body)
	if err != nil {
		return Envelope{}, &SerializeError{Topic: msg.Topic, Err: err}
	}
	return Envelope{Topic: msg.Topic, Body: body}, nil
}

// Decode reconstructs a message from env. The returned message never carries
// a session id; attaching one is the caller's concern.
func (c *Codec[T]) Decode(env Envelope) (Message[T], error) {
	if env.Topic == "" {
		return Message[T]{}, ErrMissingTopic
	}
	body, err := c.ser.Unmarshal(env.Body)
	if err != nil {
		return Message[T]{}, &DecodeError{Topic: env.Topic, Err: err}
	}
	return Message[T]{Topic: env.Topic, Body: body}, nil
}

var frameAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// ParseFrame parses a raw transport frame into an Envelope. Fields other than
// topic and body are ignored. A frame whose topic is missing or not a string
// yields an Envelope with an empty topic so that Decode rejects it.
func ParseFrame(data []byte) (Envelope, error) {
	var raw map[string]jsoniter.RawMessage
	if err := frameAPI.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if raw == nil {
		return Envelope{}, ErrInvalidFrame
	}
	var env Envelope
	if v, ok := raw["topic"]; ok {
		_ = frameAPI.Unmarshal(v, &env.Topic)
	}
	if v, ok := raw["body"]; ok {
		_ = frameAPI.Unmarshal(v, &env.Body)
	}
	return env, nil
}

// MarshalFrame renders env as a JSON transport frame.
func MarshalFrame(env Envelope) ([]byte, error) {
	return frameAPI.Marshal(env)
}
