// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package descartes

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/0xsoniclabs/fidelio/chain"
	"github.com/0xsoniclabs/fidelio/fold"
)

// AccumulatingEpochFoldDelegate derives the state of an epoch that is open
// for input submission by wrapping the input fold's state for that epoch.
// The initial state is the epoch number.
type AccumulatingEpochFoldDelegate struct {
	inputs InputStateFold
}

// NewAccumulatingEpochFoldDelegate creates a delegate reading inputs from
// the given fold.
func NewAccumulatingEpochFoldDelegate(inputs InputStateFold) AccumulatingEpochFoldDelegate {
	return AccumulatingEpochFoldDelegate{inputs: inputs}
}

var _ fold.Delegate[uint256.Int, AccumulatingEpoch, AccumulatingEpoch] = AccumulatingEpochFoldDelegate{}

func (d AccumulatingEpochFoldDelegate) Sync(ctx context.Context, epoch uint256.Int, block chain.Block, access chain.SyncAccess) (AccumulatingEpoch, error) {
	return d.at(ctx, epoch, block)
}

func (d AccumulatingEpochFoldDelegate) Fold(ctx context.Context, previous AccumulatingEpoch, block chain.Block, access chain.FoldAccess) (AccumulatingEpoch, error) {
	return d.at(ctx, previous.Epoch, block)
}

func (d AccumulatingEpochFoldDelegate) Convert(state fold.BlockState[AccumulatingEpoch]) AccumulatingEpoch {
	return state.State
}

func (d AccumulatingEpochFoldDelegate) at(ctx context.Context, epoch uint256.Int, block chain.Block) (AccumulatingEpoch, error) {
	inputs, err := d.inputs.GetStateForBlock(ctx, epoch, block.Hash)
	if err != nil {
		return AccumulatingEpoch{}, fmt.Errorf("input fold: %w", err)
	}
	return AccumulatingEpoch{Epoch: epoch, Inputs: inputs}, nil
}

// SealedEpochFoldDelegate derives the claim state of a sealed epoch from
// the rollup contract's Claim events. The initial state is the number of
// the sealed epoch.
//
// A sealed epoch accepts no further inputs, so its input list is fetched
// once during sync and carried unchanged afterwards.
type SealedEpochFoldDelegate struct {
	rollupContract common.Address
	inputs         InputStateFold
}

// NewSealedEpochFoldDelegate creates a delegate observing the given rollup
// contract and reading inputs from the given fold.
func NewSealedEpochFoldDelegate(rollupContract common.Address, inputs InputStateFold) SealedEpochFoldDelegate {
	return SealedEpochFoldDelegate{rollupContract: rollupContract, inputs: inputs}
}

var _ fold.Delegate[uint256.Int, SealedEpochState, SealedEpochState] = SealedEpochFoldDelegate{}

func (d SealedEpochFoldDelegate) Sync(ctx context.Context, epoch uint256.Int, block chain.Block, access chain.SyncAccess) (SealedEpochState, error) {
	inputs, err := d.inputs.GetStateForBlock(ctx, epoch, block.Hash)
	if err != nil {
		return nil, fmt.Errorf("input fold: %w", err)
	}
	logs, err := access.QueryLogs(ctx, contractEventQuery(d.rollupContract, claimID))
	if err != nil {
		return nil, err
	}

	var state SealedEpochState = SealedEpochNoClaims{
		SealedEpoch: AccumulatingEpoch{Epoch: epoch, Inputs: inputs},
	}
	for _, entry := range logs {
		event, err := ParseClaim(entry)
		if err != nil {
			return nil, err
		}
		if !event.Epoch.Eq(&epoch) {
			continue // the claim epoch is not indexed, so it is filtered here
		}
		switch sealed := state.(type) {
		case SealedEpochNoClaims:
			claimBlock, err := eventBlock(ctx, access, entry.BlockHash)
			if err != nil {
				return nil, err
			}
			state = firstClaim(sealed, event, claimBlock.Timestamp)
		case SealedEpochWithClaims:
			state = addClaim(sealed, event)
		}
	}
	return state, nil
}

func (d SealedEpochFoldDelegate) Fold(ctx context.Context, previous SealedEpochState, block chain.Block, access chain.FoldAccess) (SealedEpochState, error) {
	logs, err := access.QueryLogs(ctx, contractEventQuery(d.rollupContract, claimID))
	if err != nil {
		return nil, err
	}
	epoch := previous.Epoch()
	state := previous
	for _, entry := range logs {
		event, err := ParseClaim(entry)
		if err != nil {
			return nil, err
		}
		if !event.Epoch.Eq(&epoch) {
			continue
		}
		switch sealed := state.(type) {
		case SealedEpochNoClaims:
			// The claim is part of the folded block itself, so that block's
			// timestamp anchors the challenge clock.
			state = firstClaim(sealed, event, block.Timestamp)
		case SealedEpochWithClaims:
			state = addClaim(sealed, event)
		}
	}
	return state, nil
}

func (d SealedEpochFoldDelegate) Convert(state fold.BlockState[SealedEpochState]) SealedEpochState {
	return state.State
}

func firstClaim(sealed SealedEpochNoClaims, event ClaimEvent, timestamp uint64) SealedEpochWithClaims {
	return SealedEpochWithClaims{ClaimedEpoch: EpochWithClaims{
		Epoch:  sealed.SealedEpoch.Epoch,
		Claims: NewClaims(event.EpochHash, event.Claimer, timestamp),
		Inputs: sealed.SealedEpoch.Inputs,
	}}
}

func addClaim(sealed SealedEpochWithClaims, event ClaimEvent) SealedEpochWithClaims {
	sealed.ClaimedEpoch.Claims = sealed.ClaimedEpoch.Claims.Insert(event.EpochHash, event.Claimer)
	return sealed
}

// FinalizedEpochFoldDelegate derives the gapless sequence of finalized
// epochs from the rollup contract's FinalizeEpoch events. The initial state
// is the first epoch number of interest; finalizations of earlier epochs
// are ignored.
type FinalizedEpochFoldDelegate struct {
	rollupContract common.Address
	inputs         InputStateFold
}

// NewFinalizedEpochFoldDelegate creates a delegate observing the given
// rollup contract and reading inputs from the given fold.
func NewFinalizedEpochFoldDelegate(rollupContract common.Address, inputs InputStateFold) FinalizedEpochFoldDelegate {
	return FinalizedEpochFoldDelegate{rollupContract: rollupContract, inputs: inputs}
}

var _ fold.Delegate[uint256.Int, FinalizedEpochs, FinalizedEpochs] = FinalizedEpochFoldDelegate{}

func (d FinalizedEpochFoldDelegate) Sync(ctx context.Context, initialEpoch uint256.Int, block chain.Block, access chain.SyncAccess) (FinalizedEpochs, error) {
	logs, err := access.QueryLogs(ctx, contractEventQuery(d.rollupContract, finalizeEpochID))
	if err != nil {
		return FinalizedEpochs{}, err
	}
	return d.addFinalized(ctx, NewFinalizedEpochs(initialEpoch), logs, block)
}

func (d FinalizedEpochFoldDelegate) Fold(ctx context.Context, previous FinalizedEpochs, block chain.Block, access chain.FoldAccess) (FinalizedEpochs, error) {
	logs, err := access.QueryLogs(ctx, contractEventQuery(d.rollupContract, finalizeEpochID))
	if err != nil {
		return FinalizedEpochs{}, err
	}
	return d.addFinalized(ctx, previous, logs, block)
}

func (d FinalizedEpochFoldDelegate) Convert(state fold.BlockState[FinalizedEpochs]) FinalizedEpochs {
	return state.State
}

func (d FinalizedEpochFoldDelegate) addFinalized(ctx context.Context, state FinalizedEpochs, logs []types.Log, block chain.Block) (FinalizedEpochs, error) {
	for _, entry := range logs {
		event, err := ParseFinalizeEpoch(entry)
		if err != nil {
			return FinalizedEpochs{}, err
		}
		if event.Epoch.Lt(&state.InitialEpoch) {
			continue // settled before the range this fold tracks
		}
		inputs, err := d.inputs.GetStateForBlock(ctx, event.Epoch, block.Hash)
		if err != nil {
			return FinalizedEpochs{}, fmt.Errorf("input fold: %w", err)
		}
		state, err = state.Append(FinalizedEpoch{
			Epoch:                event.Epoch,
			Hash:                 event.EpochHash,
			Inputs:               inputs,
			FinalizedBlockHash:   entry.BlockHash,
			FinalizedBlockNumber: entry.BlockNumber,
		})
		if err != nil {
			return FinalizedEpochs{}, err
		}
	}
	return state, nil
}

// EpochFoldDelegate composes the three epoch-lifecycle folds with the
// rollup contract's PhaseChange events into the raw epoch state. The
// initial state is the first epoch number of interest.
//
// The most recent PhaseChange event determines the phase; the epoch it
// concerns is always the one following the last finalized epoch. Deployments
// covered by this package resolve conflicting claims automatically, so a
// transition to the dispute phase is refused as a fatal inconsistency
// rather than represented.
type EpochFoldDelegate struct {
	rollupContract common.Address
	accumulating   AccumulatingEpochStateFold
	sealed         SealedEpochStateFold
	finalized      FinalizedEpochStateFold
}

// NewEpochFoldDelegate creates a delegate observing the given rollup
// contract and composing the given lifecycle folds.
func NewEpochFoldDelegate(
	rollupContract common.Address,
	accumulating AccumulatingEpochStateFold,
	sealed SealedEpochStateFold,
	finalized FinalizedEpochStateFold,
) EpochFoldDelegate {
	return EpochFoldDelegate{
		rollupContract: rollupContract,
		accumulating:   accumulating,
		sealed:         sealed,
		finalized:      finalized,
	}
}

var _ fold.Delegate[uint256.Int, EpochState, EpochState] = EpochFoldDelegate{}

func (d EpochFoldDelegate) Sync(ctx context.Context, initialEpoch uint256.Int, block chain.Block, access chain.SyncAccess) (EpochState, error) {
	finalized, err := d.finalizedEpochs(ctx, initialEpoch, block)
	if err != nil {
		return EpochState{}, err
	}
	logs, err := access.QueryLogs(ctx, contractEventQuery(d.rollupContract, phaseChangeID))
	if err != nil {
		return EpochState{}, err
	}

	if len(logs) == 0 {
		// No phase change has ever been recorded; the contract is still in
		// its initial input accumulation phase, governed by the creation
		// time.
		current, err := d.accumulatingEpoch(ctx, finalized.NextEpoch(), block)
		if err != nil {
			return EpochState{}, err
		}
		return EpochState{
			CurrentPhase:    PhaseInputAccumulation{},
			InitialEpoch:    initialEpoch,
			CurrentEpoch:    current,
			FinalizedEpochs: finalized,
		}, nil
	}

	entry := logs[len(logs)-1] // only the most recent phase change counts
	changeBlock, err := eventBlock(ctx, access, entry.BlockHash)
	if err != nil {
		return EpochState{}, err
	}
	return d.phaseFromEvent(ctx, entry, changeBlock.Timestamp, initialEpoch, finalized, block)
}

func (d EpochFoldDelegate) Fold(ctx context.Context, previous EpochState, block chain.Block, access chain.FoldAccess) (EpochState, error) {
	finalized, err := d.finalizedEpochs(ctx, previous.InitialEpoch, block)
	if err != nil {
		return EpochState{}, err
	}
	logs, err := access.QueryLogs(ctx, contractEventQuery(d.rollupContract, phaseChangeID))
	if err != nil {
		return EpochState{}, err
	}

	if len(logs) > 0 {
		// The phase change happened in the folded block itself, so that
		// block's timestamp is the time of the change.
		return d.phaseFromEvent(ctx, logs[len(logs)-1], block.Timestamp, previous.InitialEpoch, finalized, block)
	}

	// No phase change in this block: the phase carries over, while the
	// nested folds pick up inputs and claims submitted in the block.
	state := EpochState{
		InitialEpoch:         previous.InitialEpoch,
		FinalizedEpochs:      finalized,
		PhaseChangeTimestamp: previous.PhaseChangeTimestamp,
	}
	next := finalized.NextEpoch()
	switch phase := previous.CurrentPhase.(type) {
	case PhaseInputAccumulation:
		state.CurrentPhase = phase
		state.CurrentEpoch, err = d.accumulatingEpoch(ctx, next, block)
		if err != nil {
			return EpochState{}, err
		}
	case PhaseAwaitingConsensus:
		sealed, err := d.sealedEpoch(ctx, next, block)
		if err != nil {
			return EpochState{}, err
		}
		state.CurrentPhase = PhaseAwaitingConsensus{SealedEpoch: sealed, RoundStart: phase.RoundStart}
		state.CurrentEpoch, err = d.accumulatingEpoch(ctx, nextEpochNumber(next), block)
		if err != nil {
			return EpochState{}, err
		}
	default:
		return EpochState{}, fmt.Errorf("%w: cannot fold from contract phase %v", ErrDisputePhaseObserved, previous.CurrentPhase)
	}
	return state, nil
}

func (d EpochFoldDelegate) Convert(state fold.BlockState[EpochState]) EpochState {
	return state.State
}

// phaseFromEvent derives the epoch state implied by the given phase change
// event, recorded at the given timestamp.
func (d EpochFoldDelegate) phaseFromEvent(
	ctx context.Context,
	entry types.Log,
	timestamp uint64,
	initialEpoch uint256.Int,
	finalized FinalizedEpochs,
	block chain.Block,
) (EpochState, error) {
	event, err := ParsePhaseChange(entry)
	if err != nil {
		return EpochState{}, err
	}
	state := EpochState{
		InitialEpoch:         initialEpoch,
		FinalizedEpochs:      finalized,
		PhaseChangeTimestamp: timestamp,
	}
	next := finalized.NextEpoch()
	switch event.NewPhase {
	case PhaseIDInputAccumulation:
		state.CurrentPhase = PhaseInputAccumulation{}
		state.CurrentEpoch, err = d.accumulatingEpoch(ctx, next, block)
		if err != nil {
			return EpochState{}, err
		}
	case PhaseIDAwaitingConsensus:
		sealed, err := d.sealedEpoch(ctx, next, block)
		if err != nil {
			return EpochState{}, err
		}
		state.CurrentPhase = PhaseAwaitingConsensus{SealedEpoch: sealed, RoundStart: timestamp}
		state.CurrentEpoch, err = d.accumulatingEpoch(ctx, nextEpochNumber(next), block)
		if err != nil {
			return EpochState{}, err
		}
	case PhaseIDAwaitingDispute:
		return EpochState{}, fmt.Errorf("%w in block %d", ErrDisputePhaseObserved, entry.BlockNumber)
	default:
		return EpochState{}, fmt.Errorf("unknown contract phase identifier %d in block %d", event.NewPhase, entry.BlockNumber)
	}
	return state, nil
}

func (d EpochFoldDelegate) finalizedEpochs(ctx context.Context, initialEpoch uint256.Int, block chain.Block) (FinalizedEpochs, error) {
	state, err := d.finalized.GetStateForBlock(ctx, initialEpoch, block.Hash)
	if err != nil {
		return FinalizedEpochs{}, fmt.Errorf("finalized epoch fold: %w", err)
	}
	return state, nil
}

func (d EpochFoldDelegate) accumulatingEpoch(ctx context.Context, epoch uint256.Int, block chain.Block) (AccumulatingEpoch, error) {
	state, err := d.accumulating.GetStateForBlock(ctx, epoch, block.Hash)
	if err != nil {
		return AccumulatingEpoch{}, fmt.Errorf("accumulating epoch fold: %w", err)
	}
	return state, nil
}

func (d EpochFoldDelegate) sealedEpoch(ctx context.Context, epoch uint256.Int, block chain.Block) (SealedEpochState, error) {
	state, err := d.sealed.GetStateForBlock(ctx, epoch, block.Hash)
	if err != nil {
		return nil, fmt.Errorf("sealed epoch fold: %w", err)
	}
	return state, nil
}

func contractEventQuery(contract common.Address, eventID common.Hash) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{eventID}},
	}
}

// blockSource is the block lookup shared by the sync and fold chain views.
type blockSource interface {
	BlockByHash(ctx context.Context, hash common.Hash) (chain.Block, error)
}

// eventBlock resolves the block an event log was recorded in. A block
// missing despite being referenced by event metadata is an inconsistency of
// the observed data rather than a chain access failure, and is reported as
// such.
func eventBlock(ctx context.Context, source blockSource, hash common.Hash) (chain.Block, error) {
	block, err := source.BlockByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, chain.ErrBlockNotFound) {
			return chain.Block{}, fmt.Errorf("event in block %s: %w", hash, chain.ErrBlockNotFound)
		}
		return chain.Block{}, err
	}
	return block, nil
}
