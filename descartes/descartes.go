// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Package descartes derives the logical state of a DescartesV2 rollup from
// its on-chain event history. The state is computed by a graph of composed
// state folds: a leaf fold collecting raw inputs, three folds deriving the
// lifecycle stages of epochs from it, a fold combining those into the raw
// contract state, and a top-level fold translating the raw state into the
// logical one consumed by validators.
//
// Raw state is the literal content of the rollup contract, which only
// advances when a transaction triggers a write. Logical state additionally
// accounts for deadlines that have passed without such a trigger: an input
// accumulation period that has expired seals the epoch logically before any
// transaction records it, and an expired challenge period surfaces as a
// consensus timeout. The translation depends only on block timestamps and
// the contract constants, never on the wall clock.
package descartes

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/0xsoniclabs/fidelio/chain"
	"github.com/0xsoniclabs/fidelio/fold"
)

const (
	// ErrCreationEventNotFound is returned when the configured rollup
	// contract has no creation event in the observed history.
	ErrCreationEventNotFound = chain.ConstError("rollup creation event not found")

	// ErrDuplicateCreationEvent is returned when more than one creation
	// event is found, indicating a misconfigured contract address.
	ErrDuplicateCreationEvent = chain.ConstError("duplicate rollup creation event")

	// ErrDisputePhaseObserved is returned when the contract reports the
	// dispute phase, which the deployments covered by this package never
	// enter.
	ErrDisputePhaseObserved = chain.ConstError("contract entered the dispute phase")

	// ErrNonContiguousFinalizedEpoch is returned when an epoch finalization
	// does not directly follow the previously finalized epoch.
	ErrNonContiguousFinalizedEpoch = chain.ConstError("non-contiguous epoch finalization")
)

// The folds making up the graph, named after their delegates.
type (
	InputStateFold             = *fold.StateFold[uint256.Int, EpochInputState, EpochInputState]
	AccumulatingEpochStateFold = *fold.StateFold[uint256.Int, AccumulatingEpoch, AccumulatingEpoch]
	SealedEpochStateFold       = *fold.StateFold[uint256.Int, SealedEpochState, SealedEpochState]
	FinalizedEpochStateFold    = *fold.StateFold[uint256.Int, FinalizedEpochs, FinalizedEpochs]
	EpochStateFold             = *fold.StateFold[uint256.Int, EpochState, EpochState]
)

// Config collects the parameters of a rollup state fold.
type Config struct {
	// SafetyMargin is the number of blocks below the chain head a block
	// must be for its state to be cached durably.
	SafetyMargin uint64

	// InputContractAddress is the address of the contract accepting inputs.
	InputContractAddress common.Address

	// DescartesContractAddress is the address of the rollup contract.
	DescartesContractAddress common.Address

	// Store optionally persists input fold state, allowing a restarted fold
	// to resume without re-reading the full input history. The fold takes
	// ownership of the store and closes it on Close.
	Store fold.Store

	// Logger receives debug output of the folds. Defaults to the root
	// logger.
	Logger log.Logger
}

// Validate checks the configuration for completeness.
func (c *Config) Validate() error {
	if c.InputContractAddress == (common.Address{}) {
		return fmt.Errorf("input contract address is not configured")
	}
	if c.DescartesContractAddress == (common.Address{}) {
		return fmt.Errorf("rollup contract address is not configured")
	}
	return nil
}

// DescartesStateFold is the handle to a fully wired fold graph. It answers
// queries for the logical rollup state at arbitrary blocks and may be
// shared by any number of concurrent callers.
type DescartesStateFold struct {
	*fold.StateFold[uint256.Int, DescartesV2State, fold.BlockState[DescartesV2State]]
	inputs InputStateFold
}

// Flush blocks until all pending store writes of the graph have been
// attempted.
func (f DescartesStateFold) Flush() error {
	return errors.Join(f.StateFold.Flush(), f.inputs.Flush())
}

// Close flushes pending writes and releases the store configured for the
// graph. The fold must not be used afterwards.
func (f DescartesStateFold) Close() error {
	return errors.Join(f.StateFold.Close(), f.inputs.Close())
}

// CreateStateFold wires the fold graph for the configured contracts on the
// given chain: inputs at the bottom, the epoch lifecycle folds sharing the
// input fold, and the logical translation on top. The safety margin applies
// uniformly to every fold of the graph.
func CreateStateFold(access chain.Access, config Config) (DescartesStateFold, error) {
	if err := config.Validate(); err != nil {
		return DescartesStateFold{}, fmt.Errorf("invalid state fold configuration: %w", err)
	}
	inputs := createInputFold(access, config)
	epochs := createEpochFold(inputs, access, config)
	top := fold.NewWithParams[uint256.Int, DescartesV2State, fold.BlockState[DescartesV2State]](
		NewDescartesV2FoldDelegate(config.DescartesContractAddress, epochs),
		access, config.SafetyMargin, foldParameters[DescartesV2State](config))
	return DescartesStateFold{StateFold: top, inputs: inputs}, nil
}

func createInputFold(access chain.Access, config Config) InputStateFold {
	params := foldParameters[EpochInputState](config)
	if config.Store != nil {
		params.Store = config.Store
		params.Codec = fold.JSONCodec[EpochInputState]{}
		params.StoreKey = inputStoreKey
	}
	return fold.NewWithParams[uint256.Int, EpochInputState, EpochInputState](
		NewInputFoldDelegate(config.InputContractAddress),
		access, config.SafetyMargin, params)
}

func createAccumulatingEpochFold(inputs InputStateFold, access chain.Access, config Config) AccumulatingEpochStateFold {
	return fold.NewWithParams[uint256.Int, AccumulatingEpoch, AccumulatingEpoch](
		NewAccumulatingEpochFoldDelegate(inputs),
		access, config.SafetyMargin, foldParameters[AccumulatingEpoch](config))
}

func createSealedEpochFold(inputs InputStateFold, access chain.Access, config Config) SealedEpochStateFold {
	return fold.NewWithParams[uint256.Int, SealedEpochState, SealedEpochState](
		NewSealedEpochFoldDelegate(config.DescartesContractAddress, inputs),
		access, config.SafetyMargin, foldParameters[SealedEpochState](config))
}

func createFinalizedEpochFold(inputs InputStateFold, access chain.Access, config Config) FinalizedEpochStateFold {
	return fold.NewWithParams[uint256.Int, FinalizedEpochs, FinalizedEpochs](
		NewFinalizedEpochFoldDelegate(config.DescartesContractAddress, inputs),
		access, config.SafetyMargin, foldParameters[FinalizedEpochs](config))
}

func createEpochFold(inputs InputStateFold, access chain.Access, config Config) EpochStateFold {
	accumulating := createAccumulatingEpochFold(inputs, access, config)
	sealed := createSealedEpochFold(inputs, access, config)
	finalized := createFinalizedEpochFold(inputs, access, config)
	return fold.NewWithParams[uint256.Int, EpochState, EpochState](
		NewEpochFoldDelegate(config.DescartesContractAddress, accumulating, sealed, finalized),
		access, config.SafetyMargin, foldParameters[EpochState](config))
}

func foldParameters[A any](config Config) fold.Parameters[uint256.Int, A] {
	return fold.Parameters[uint256.Int, A]{Logger: config.Logger}
}

func inputStoreKey(epoch uint256.Int) []byte {
	key := epoch.Bytes32()
	return key[:]
}
