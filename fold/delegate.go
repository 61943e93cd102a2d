// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package fold

import (
	"context"

	"github.com/0xsoniclabs/fidelio/chain"
)

// BlockState couples a state accumulator with the block it was derived at.
type BlockState[A any] struct {
	Block chain.Block
	State A
}

// Delegate defines the application specific part of a state fold. A
// delegate describes how to derive a state of type A for a given initial
// state of type I at a single block, either from scratch or incrementally,
// and how to convert the accumulated state into the user facing type S.
//
// Accumulators must behave as values: folding must never modify the
// previous accumulator, since the engine retains accumulators of earlier
// blocks in its cache. Delegates must be deterministic; the engine relies
// on recomputation yielding identical results.
type Delegate[I comparable, A, S any] interface {
	// Sync builds the accumulator for the given block from scratch. The
	// provided access limits event queries to the height of that block.
	Sync(ctx context.Context, initial I, block chain.Block, access chain.SyncAccess) (A, error)

	// Fold advances the accumulator of the parent block by the events of
	// the given block. The provided access pins event queries to exactly
	// that block.
	Fold(ctx context.Context, previous A, block chain.Block, access chain.FoldAccess) (A, error)

	// Convert derives the user facing state from an accumulator.
	Convert(state BlockState[A]) S
}
