package thermostat

// Result carries either a value or an error out of a dispatched operation.
// A failed Result short-circuits any stage chained after it with Then.
type Result[T any] struct {
	value T
	err   error
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Fail wraps an error.
func Fail[T any](err error) Result[T] {
	return Result[T]{err: err}
}

// Failed reports whether the result carries an error.
func (r Result[T]) Failed() bool { return r.err != nil }

// Err returns the error, or nil.
func (r Result[T]) Err() error { return r.err }

// Value returns the value; the zero value when Failed.
func (r Result[T]) Value() T { return r.value }

// Unwrap returns the pair in the usual Go form.
func (r Result[T]) Unwrap() (T, error) { return r.value, r.err }
