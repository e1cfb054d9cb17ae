package mux

// HandlerFunc consumes a value synchronously. A non-nil error stops delivery
// to the handlers registered after it.
type HandlerFunc[T any] func(T) error

// Fanout is an ordered list of handlers invoked synchronously, in
// registration order, on the goroutine that calls Emit. It is not safe for
// concurrent use; the owner of the mutated state serializes access.
type Fanout[T any] struct {
	handlers []*handlerEntry[T]
}

type handlerEntry[T any] struct {
	fn HandlerFunc[T]
}

// Add appends a handler and returns the function removing it.
func (f *Fanout[T]) Add(fn HandlerFunc[T]) CancelFunc {
	entry := &handlerEntry[T]{fn}
	f.handlers = append(f.handlers, entry)
	return func() {
		for i, h := range f.handlers {
			if h == entry {
				f.handlers = append(f.handlers[:i:i], f.handlers[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers v to every handler and returns the first error.
func (f *Fanout[T]) Emit(v T) error {
	// handlers may unsubscribe themselves while being called
	handlers := f.handlers
	for _, h := range handlers {
		if err := h.fn(v); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fanout[T]) Len() int {
	return len(f.handlers)
}
