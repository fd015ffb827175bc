package domain

// Lookup is the result of a query that may legitimately find nothing.
type Lookup[T any] struct {
	value T
	found bool
}

func Found[T any](v T) Lookup[T] {
	return Lookup[T]{value: v, found: true}
}

func NotFound[T any]() Lookup[T] {
	return Lookup[T]{}
}

func (l Lookup[T]) Get() (T, bool) {
	return l.value, l.found
}

func (l Lookup[T]) IsFound() bool {
	return l.found
}
