// Package ctxkey provides typed context keys, so a value stored under a Key[T] can only be read back as a T.
package ctxkey

import (
	"context"
	"fmt"
)

// Key is a typed context key. Two keys with the same name but different T never collide.
type Key[T any] struct {
	name string
}

// New creates a typed context key.
func New[T any](name string) Key[T] {
	return Key[T]{name: name}
}

func (k Key[T]) String() string {
	return fmt.Sprintf("Key[%T](%s)", *new(T), k.name)
}

// With returns a copy of ctx carrying value under key.
func With[T any](ctx context.Context, key Key[T], value T) context.Context {
	return context.WithValue(ctx, key, value)
}

// From retrieves the value stored under key.
func From[T any](ctx context.Context, key Key[T]) (T, bool) {
	value, ok := ctx.Value(key).(T)
	return value, ok
}
