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

// Result couples a value with an error into a single type, for situations
// where the outcome of an operation has to travel as one unit, such as
// through a channel or a Future.
type Result[T any] struct {
	Value T
	Error error
}

// Ok creates a successful result holding the given value.
func Ok[T any](value T) Result[T] {
	return Result[T]{Value: value}
}

// Err creates a failed result holding the given error.
func Err[T any](err error) Result[T] {
	return Result[T]{Error: err}
}

// Get returns the value and error contained in the result.
func (r Result[T]) Get() (T, error) {
	return r.Value, r.Error
}
