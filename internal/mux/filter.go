package mux

// FilterFunc is a pure predicate. Populator match rules and export listings
// are composed out of these.
type FilterFunc[T any] func(T) bool

func Any[T any]() FilterFunc[T] {
	return func(T) bool {
		return true
	}
}

func Not[T any](filter FilterFunc[T]) FilterFunc[T] {
	return func(v T) bool {
		return !filter(v)
	}
}

func Or[T any](filters ...FilterFunc[T]) FilterFunc[T] {
	return func(v T) bool {
		for _, filter := range filters {
			if filter(v) {
				return true
			}
		}
		return false
	}
}

func And[T any](filters ...FilterFunc[T]) FilterFunc[T] {
	return func(v T) bool {
		for _, filter := range filters {
			if !filter(v) {
				return false
			}
		}
		return true
	}
}

// Select returns the values of vs accepted by filter, preserving order.
func Select[T any](vs []T, filter FilterFunc[T]) []T {
	res := make([]T, 0, len(vs))
	for _, v := range vs {
		if filter(v) {
			res = append(res, v)
		}
	}
	return res
}
