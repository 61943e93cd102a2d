// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package future

import "sync"

// Future represents a value that becomes available at some point in time.
// A future may be awaited by any number of goroutines.
type Future[T any] interface {
	// Await blocks until the value is available and returns it.
	Await() T
}

// Promise is the producer side of a future, to be fulfilled exactly once.
type Promise[T any] interface {
	// Fulfill provides the value delivered to all Await calls. Additional
	// calls have no effect.
	Fulfill(value T)
}

// Create returns a connected promise and future pair.
func Create[T any]() (Promise[T], Future[T]) {
	f := &sharedFuture[T]{done: make(chan struct{})}
	return f, f
}

// Immediate returns a future that is already fulfilled with the given value.
func Immediate[T any](value T) Future[T] {
	return immediateFuture[T]{value: value}
}

type sharedFuture[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
}

func (f *sharedFuture[T]) Fulfill(value T) {
	f.once.Do(func() {
		f.value = value
		close(f.done)
	})
}

func (f *sharedFuture[T]) Await() T {
	<-f.done
	return f.value
}

type immediateFuture[T any] struct {
	value T
}

func (f immediateFuture[T]) Await() T {
	return f.value
}
