// Package pipeline composes ordered middleware around a terminal handler.
//
// The same composition is used for every lifecycle event; only the handler
// signature H differs. Entries wrap in registration order, so the last entry
// supplied becomes the outermost wrapper and runs first. An entry that does
// not call the handler it wraps short-circuits the rest of the chain.
package pipeline

// Middleware wraps a handler of type H with additional behavior.
type Middleware[H any] interface {
	Wrap(next H) H
}

// Func adapts a plain function to Middleware.
type Func[H any] func(next H) H

// Wrap calls f(next).
func (f Func[H]) Wrap(next H) H { return f(next) }

// Compose folds mws around terminal and returns the resulting handler. Nil
// entries, including a nil Func, are skipped. Compose does not recover panics or intercept errors
// raised by middleware.
func Compose[H any](terminal H, mws ...Middleware[H]) H {
	h := terminal
	for _, mw := range mws {
		if mw == nil {
			continue
		}
		if f, ok := mw.(Func[H]); ok && f == nil {
			continue
		}
		h = mw.Wrap(h)
	}
	return h
}
