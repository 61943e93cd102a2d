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
	"fmt"

	"github.com/holiman/uint256"

	"github.com/0xsoniclabs/fidelio/chain"
	"github.com/0xsoniclabs/fidelio/fold"

	"github.com/ethereum/go-ethereum/common"
)

// DescartesV2FoldDelegate derives the logical rollup state. It reads the
// contract constants from the creation event once during sync, obtains the
// raw epoch state from the epoch fold, and interprets it in the light of
// the queried block's timestamp. The initial state is the first epoch
// number of interest.
type DescartesV2FoldDelegate struct {
	rollupContract common.Address
	epochs         EpochStateFold
}

// NewDescartesV2FoldDelegate creates a delegate observing the given rollup
// contract and reading raw state from the given epoch fold.
func NewDescartesV2FoldDelegate(rollupContract common.Address, epochs EpochStateFold) DescartesV2FoldDelegate {
	return DescartesV2FoldDelegate{rollupContract: rollupContract, epochs: epochs}
}

var _ fold.Delegate[uint256.Int, DescartesV2State, fold.BlockState[DescartesV2State]] = DescartesV2FoldDelegate{}

func (d DescartesV2FoldDelegate) Sync(ctx context.Context, initialEpoch uint256.Int, block chain.Block, access chain.SyncAccess) (DescartesV2State, error) {
	constants, err := d.syncConstants(ctx, access)
	if err != nil {
		return DescartesV2State{}, err
	}
	raw, err := d.rawState(ctx, initialEpoch, block)
	if err != nil {
		return DescartesV2State{}, err
	}
	return ConvertRawToLogical(raw, constants, block, initialEpoch), nil
}

func (d DescartesV2FoldDelegate) Fold(ctx context.Context, previous DescartesV2State, block chain.Block, access chain.FoldAccess) (DescartesV2State, error) {
	// The constants were fixed at contract creation; they are taken from
	// the previous state instead of being queried again.
	raw, err := d.rawState(ctx, previous.InitialEpoch, block)
	if err != nil {
		return DescartesV2State{}, err
	}
	return ConvertRawToLogical(raw, previous.Constants, block, previous.InitialEpoch), nil
}

func (d DescartesV2FoldDelegate) Convert(state fold.BlockState[DescartesV2State]) fold.BlockState[DescartesV2State] {
	return state
}

// syncConstants locates the unique creation event of the rollup contract
// and extracts the constants fixed by it.
func (d DescartesV2FoldDelegate) syncConstants(ctx context.Context, access chain.SyncAccess) (ImmutableState, error) {
	logs, err := access.QueryLogs(ctx, contractEventQuery(d.rollupContract, descartesV2CreatedID))
	if err != nil {
		return ImmutableState{}, err
	}
	if len(logs) == 0 {
		return ImmutableState{}, fmt.Errorf("%w for contract %s", ErrCreationEventNotFound, d.rollupContract)
	}
	if len(logs) > 1 {
		return ImmutableState{}, fmt.Errorf("%w for contract %s: %d events", ErrDuplicateCreationEvent, d.rollupContract, len(logs))
	}
	event, err := ParseDescartesV2Created(logs[0])
	if err != nil {
		return ImmutableState{}, err
	}
	creationBlock, err := eventBlock(ctx, access, logs[0].BlockHash)
	if err != nil {
		return ImmutableState{}, err
	}
	return ImmutableState{
		InputDuration:             event.InputDuration,
		ChallengePeriod:           event.ChallengePeriod,
		ContractCreationTimestamp: creationBlock.Timestamp,
		InputAddress:              event.Input,
		OutputAddress:             event.Output,
		ValidatorManagerAddress:   event.ValidatorManager,
		DisputeManagerAddress:     event.DisputeManager,
	}, nil
}

func (d DescartesV2FoldDelegate) rawState(ctx context.Context, initialEpoch uint256.Int, block chain.Block) (EpochState, error) {
	state, err := d.epochs.GetStateForBlock(ctx, initialEpoch, block.Hash)
	if err != nil {
		return EpochState{}, fmt.Errorf("epoch fold: %w", err)
	}
	return state, nil
}

// ConvertRawToLogical interprets the literally recorded contract state at
// the given block. The contract only records phase transitions when some
// transaction triggers them, so at query time a transition may have become
// logically true without being written yet; this function derives the phase
// that accounts for the time passed up to the block.
//
// The translation is a pure function of its arguments. In particular it
// never consults the wall clock, so the state of a past block is reproduced
// exactly.
func ConvertRawToLogical(raw EpochState, constants ImmutableState, block chain.Block, initialEpoch uint256.Int) DescartesV2State {
	var phase PhaseState
	currentEpoch := raw.CurrentEpoch

	switch contractPhase := raw.CurrentPhase.(type) {
	case PhaseInputAccumulation:
		// Input accumulation started at the last phase change, or at the
		// contract creation if there has not been any.
		start := raw.PhaseChangeTimestamp
		if start == 0 {
			start = constants.ContractCreationTimestamp
		}
		if block.Timestamp > start+constants.InputDuration {
			// Time has sealed the epoch, the contract just has not recorded
			// it yet. The next epoch is necessarily empty: an input after
			// the deadline would have triggered the phase change.
			phase = EpochSealedAwaitingFirstClaim{SealedEpoch: raw.CurrentEpoch}
			currentEpoch = NewAccumulatingEpoch(nextEpochNumber(raw.CurrentEpoch.Epoch))
		} else {
			phase = InputAccumulation{}
		}

	case PhaseAwaitingConsensus:
		switch sealed := contractPhase.SealedEpoch.(type) {
		case SealedEpochNoClaims:
			phase = EpochSealedAwaitingFirstClaim{SealedEpoch: sealed.SealedEpoch}
		case SealedEpochWithClaims:
			// The challenge clock starts at the first claim and restarts at
			// every conflicting claim, where each restart is a recorded
			// phase change. The later of the two governs.
			firstClaimTime := sealed.ClaimedEpoch.Claims.FirstClaimTimestamp()
			lastMove := max(firstClaimTime, contractPhase.RoundStart)
			switch {
			case block.Timestamp > lastMove+constants.ChallengePeriod:
				phase = ConsensusTimeout{ClaimedEpoch: sealed.ClaimedEpoch}
			case lastMove == firstClaimTime:
				phase = AwaitingConsensusNoConflict{ClaimedEpoch: sealed.ClaimedEpoch}
			default:
				phase = AwaitingConsensusAfterConflict{
					ClaimedEpoch:          sealed.ClaimedEpoch,
					ChallengePeriodBaseTs: contractPhase.RoundStart,
				}
			}
		default:
			panic(fmt.Sprintf("unknown sealed epoch state %T", contractPhase.SealedEpoch))
		}

	default:
		// The epoch fold refuses to construct the dispute phase, so
		// encountering it here is a corruption of the raw state.
		panic(fmt.Sprintf("cannot interpret contract phase %v", raw.CurrentPhase))
	}

	return DescartesV2State{
		Constants:       constants,
		InitialEpoch:    initialEpoch,
		CurrentPhase:    phase,
		FinalizedEpochs: raw.FinalizedEpochs,
		CurrentEpoch:    currentEpoch,
	}
}
