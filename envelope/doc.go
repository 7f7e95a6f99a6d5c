// Package envelope converts application messages to and from the two-field
// wire envelope carried by every transport.
//
// An Envelope is exactly {"topic": string, "body": string}. The body is a
// structured serialization of the application value (JSON by default), so a
// decoded Message is value-equal to the one that was encoded:
//
//	codec := envelope.NewCodec(envelope.JSON[map[string]any]())
//	env, err := codec.Encode(envelope.Message[map[string]any]{Topic: "chat", Body: body})
//	msg, err := codec.Decode(env)
//
// Encode and Decode never panic. A missing topic yields ErrMissingTopic and a
// malformed body yields a *DecodeError; callers treat either as "no message".
package envelope
