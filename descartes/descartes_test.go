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
	"slices"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/0xsoniclabs/fidelio/chain"
	"github.com/0xsoniclabs/fidelio/chain/memchain"
	"github.com/0xsoniclabs/fidelio/fold"
)

var (
	testInputContract  = common.Address{19: 0xA1}
	testRollupContract = common.Address{19: 0xB2}
)

func TestCreateStateFold_ValidatesTheConfiguration(t *testing.T) {
	require := require.New(t)
	c := memchain.New(1000)

	_, err := CreateStateFold(c, Config{DescartesContractAddress: testRollupContract})
	require.ErrorContains(err, "input contract address")

	_, err = CreateStateFold(c, Config{InputContractAddress: testInputContract})
	require.ErrorContains(err, "rollup contract address")
}

func TestDescartesStateFold_TracksTheRollupLifecycle(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c := memchain.New(1000)
	f, err := CreateStateFold(c, testFoldConfig())
	require.NoError(err)
	query := func(hash common.Hash) DescartesV2State {
		state, err := f.GetStateForBlock(ctx, epochNumber(0), hash)
		require.NoError(err)
		require.Equal(hash, state.Block.Hash)
		return state.State
	}

	// The rollup is deployed: epochs accept inputs for 500 seconds, claims
	// can be challenged for 300 seconds.
	c.Extend(1000, creationLog(500, 300))
	c.Extend(1100, inputLog(0, 1, 1050))
	head := c.Extend(1200, inputLog(0, 2, 1150))

	state := query(head.Hash)
	require.Equal(InputAccumulation{}, state.CurrentPhase)
	require.Equal(uint64(500), state.Constants.InputDuration)
	require.Equal(uint64(300), state.Constants.ChallengePeriod)
	require.Equal(uint64(1000), state.Constants.ContractCreationTimestamp)
	require.Equal(testInputContract, state.Constants.InputAddress)
	require.Equal(epochNumber(0), state.CurrentEpoch.Epoch)
	require.Len(state.CurrentEpoch.Inputs.Inputs, 2)

	// The input deadline passes in an empty block: epoch 0 is sealed
	// logically before the contract has recorded anything.
	head = c.Extend(1501)
	state = query(head.Hash)
	sealed, isSealed := state.CurrentPhase.(EpochSealedAwaitingFirstClaim)
	require.True(isSealed)
	require.Equal(epochNumber(0), sealed.SealedEpoch.Epoch)
	require.Len(sealed.SealedEpoch.Inputs.Inputs, 2)
	require.Equal(epochNumber(1), state.CurrentEpoch.Epoch)
	require.Empty(state.CurrentEpoch.Inputs.Inputs)

	// A transaction records the phase change, and epoch 1 receives its first
	// input.
	head = c.Extend(1600, phaseChangeLog(PhaseIDAwaitingConsensus), inputLog(1, 3, 1550))
	state = query(head.Hash)
	sealed, isSealed = state.CurrentPhase.(EpochSealedAwaitingFirstClaim)
	require.True(isSealed)
	require.Len(sealed.SealedEpoch.Inputs.Inputs, 2)
	require.Len(state.CurrentEpoch.Inputs.Inputs, 1)
	require.Equal(testAddress(3), state.CurrentEpoch.Inputs.Inputs[0].Sender)

	// The first claim starts the challenge period.
	head = c.Extend(1700, claimLog(0, 1, 11))
	state = query(head.Hash)
	noConflict, isNoConflict := state.CurrentPhase.(AwaitingConsensusNoConflict)
	require.True(isNoConflict)
	require.Equal(uint64(1700), noConflict.ClaimedEpoch.Claims.FirstClaimTimestamp())
	require.Equal([]common.Address{testAddress(11)},
		noConflict.ClaimedEpoch.Claims.Claimers(testHash(1)))
	require.Len(noConflict.ClaimedEpoch.Inputs.Inputs, 2)

	// A conflicting claim restarts it.
	head = c.Extend(1800, claimLog(0, 2, 12), phaseChangeLog(PhaseIDAwaitingConsensus))
	state = query(head.Hash)
	conflict, isConflict := state.CurrentPhase.(AwaitingConsensusAfterConflict)
	require.True(isConflict)
	require.Equal(uint64(1800), conflict.ChallengePeriodBaseTs)
	require.Equal(2, conflict.ClaimedEpoch.Claims.NumClaims())

	// The restarted challenge period expires without a finalization.
	head = c.Extend(2101)
	state = query(head.Hash)
	timeout, isTimeout := state.CurrentPhase.(ConsensusTimeout)
	require.True(isTimeout)
	require.Equal(epochNumber(0), timeout.ClaimedEpoch.Epoch)
	require.Equal(2, timeout.ClaimedEpoch.Claims.NumClaims())

	// Epoch 0 is finalized and input accumulation resumes, now for epoch 1
	// and the input it collected while sealed epoch 0 was contested.
	head = c.Extend(2200, finalizeLog(0, 1), phaseChangeLog(PhaseIDInputAccumulation))
	state = query(head.Hash)
	require.Equal(InputAccumulation{}, state.CurrentPhase)
	require.Len(state.FinalizedEpochs.Epochs, 1)
	require.Equal(epochNumber(0), state.FinalizedEpochs.Epochs[0].Epoch)
	require.Equal(testHash(1), state.FinalizedEpochs.Epochs[0].Hash)
	require.Len(state.FinalizedEpochs.Epochs[0].Inputs.Inputs, 2)
	require.Equal(head.Number, state.FinalizedEpochs.Epochs[0].FinalizedBlockNumber)
	require.Equal(epochNumber(1), state.CurrentEpoch.Epoch)
	require.Len(state.CurrentEpoch.Inputs.Inputs, 1)
}

func TestDescartesStateFold_ConstantsAreQueriedOnlyOnce(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c := memchain.New(1000)
	c.Extend(1000, creationLog(500, 300))
	first := c.Extend(1100, inputLog(0, 1, 1050))

	counter := &queryCounter{Access: c, topic: descartesV2CreatedID}
	f, err := CreateStateFold(counter, testFoldConfig())
	require.NoError(err)

	before, err := f.GetStateForBlock(ctx, epochNumber(0), first.Hash)
	require.NoError(err)
	require.Equal(1, counter.queries)

	// Folding forward reuses the constants instead of querying them again.
	head := c.Extend(1200, inputLog(0, 2, 1150))
	after, err := f.GetStateForBlock(ctx, epochNumber(0), head.Hash)
	require.NoError(err)
	require.Equal(1, counter.queries)
	require.Equal(before.State.Constants, after.State.Constants)
	require.Len(after.State.CurrentEpoch.Inputs.Inputs, 2)
}

func TestDescartesStateFold_ServesBothBranchesOfAReorganization(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c := memchain.New(1000)
	base := c.Extend(1000, creationLog(500, 300))
	f, err := CreateStateFold(c, testFoldConfig())
	require.NoError(err)

	abandoned := c.Extend(1100, inputLog(0, 1, 1050))
	before, err := f.GetStateForBlock(ctx, epochNumber(0), abandoned.Hash)
	require.NoError(err)
	require.Len(before.State.CurrentEpoch.Inputs.Inputs, 1)
	require.Equal(testAddress(1), before.State.CurrentEpoch.Inputs.Inputs[0].Sender)

	// The chain reorganizes: a competing block replaces the one queried
	// above.
	c.Fork(base.Hash)
	head := c.Extend(1100, inputLog(0, 2, 1050), inputLog(0, 3, 1060))

	after, err := f.GetStateForBlock(ctx, epochNumber(0), head.Hash)
	require.NoError(err)
	require.Len(after.State.CurrentEpoch.Inputs.Inputs, 2)
	require.Equal(testAddress(2), after.State.CurrentEpoch.Inputs.Inputs[0].Sender)

	// The state of the abandoned branch remains addressable by block hash.
	again, err := f.GetStateForBlock(ctx, epochNumber(0), abandoned.Hash)
	require.NoError(err)
	require.Equal(before.State, again.State)
}

func TestDescartesStateFold_PersistedInputsSurviveARestart(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c := memchain.New(1000)
	c.Extend(1000, creationLog(500, 300))
	c.Extend(1100, inputLog(0, 1, 1050))
	head := c.Extend(1200, inputLog(0, 2, 1150))

	config := testFoldConfig()
	config.Store = fold.NewMemoryStore()

	first, err := CreateStateFold(c, config)
	require.NoError(err)
	before, err := first.GetStateForBlock(ctx, epochNumber(0), head.Hash)
	require.NoError(err)
	require.NoError(first.Flush())

	// A fold over the same store resumes from the persisted input state
	// instead of re-reading the input history.
	counter := &queryCounter{Access: c, topic: inputAddedID}
	second, err := CreateStateFold(counter, config)
	require.NoError(err)
	after, err := second.GetStateForBlock(ctx, epochNumber(0), head.Hash)
	require.NoError(err)
	require.Equal(before.State, after.State)
	require.Zero(counter.queries)

	require.NoError(second.Close())
	require.NoError(first.Close())
}

func TestDescartesStateFold_FailsWithoutACreationEvent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c := memchain.New(1000)
	head := c.Extend(1100, inputLog(0, 1, 1050))

	f, err := CreateStateFold(c, testFoldConfig())
	require.NoError(err)
	_, err = f.GetStateForBlock(ctx, epochNumber(0), head.Hash)
	require.ErrorIs(err, ErrCreationEventNotFound)

	var stageErr *fold.Error
	require.ErrorAs(err, &stageErr)
	require.Equal(fold.StageSync, stageErr.Stage)
}

func TestDescartesStateFold_RejectsDuplicateCreationEvents(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c := memchain.New(1000)
	head := c.Extend(1000, creationLog(500, 300), creationLog(500, 300))

	f, err := CreateStateFold(c, testFoldConfig())
	require.NoError(err)
	_, err = f.GetStateForBlock(ctx, epochNumber(0), head.Hash)
	require.ErrorIs(err, ErrDuplicateCreationEvent)
}

func TestDescartesStateFold_MissingEventBlockIsADelegateError(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	target := chain.Block{Number: 5, Hash: testHash(0x55), Timestamp: 2000}
	ghost := testHash(0xEE)
	entry := creationLog(500, 300)
	entry.BlockNumber = 3
	entry.BlockHash = ghost

	access := chain.NewMockAccess(ctrl)
	access.EXPECT().HeadBlockNumber(gomock.Any()).Return(uint64(5), nil)
	access.EXPECT().BlockByHash(gomock.Any(), target.Hash).Return(target, nil)
	access.EXPECT().QueryLogs(gomock.Any(), gomock.Any()).Return([]types.Log{entry}, nil)
	access.EXPECT().BlockByHash(gomock.Any(), ghost).Return(chain.Block{}, chain.ErrBlockNotFound)

	f, err := CreateStateFold(access, testFoldConfig())
	require.NoError(err)

	// The block referenced by the creation event cannot be resolved. This is
	// an inconsistency of the observed data, not a chain access failure.
	_, err = f.GetStateForBlock(ctx, epochNumber(0), target.Hash)
	require.ErrorIs(err, chain.ErrBlockNotFound)

	var accessErr *chain.AccessError
	require.False(errors.As(err, &accessErr))

	var stageErr *fold.Error
	require.ErrorAs(err, &stageErr)
	require.Equal(fold.StageSync, stageErr.Stage)
}

func TestEpochInputState_SurvivesTheStoreCodec(t *testing.T) {
	require := require.New(t)
	codec := fold.JSONCodec[EpochInputState]{}

	state := NewEpochInputState(epochNumber(42)).
		AddInput(Input{Sender: testAddress(1), Timestamp: 1234, Payload: []byte{0xBE, 0xEF}})

	data, err := codec.Encode(state)
	require.NoError(err)
	restored, err := codec.Decode(data)
	require.NoError(err)
	require.Equal(state, restored)
}

// queryCounter counts the range queries for one event topic passing through
// to the wrapped chain. Block-pinned queries of the fold path are not
// counted.
type queryCounter struct {
	chain.Access
	topic   common.Hash
	queries int
}

func (c *queryCounter) QueryLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	if query.BlockHash == nil && len(query.Topics) > 0 && slices.Contains(query.Topics[0], c.topic) {
		c.queries++
	}
	return c.Access.QueryLogs(ctx, query)
}

func inputLog(epoch uint64, sender byte, timestamp uint64) types.Log {
	return NewInputAddedLog(testInputContract, InputAddedEvent{
		Epoch:     epochNumber(epoch),
		Sender:    testAddress(sender),
		Timestamp: timestamp,
		Payload:   []byte{sender},
	})
}

func claimLog(epoch uint64, hash byte, claimer byte) types.Log {
	return NewClaimLog(testRollupContract, ClaimEvent{
		Epoch:     epochNumber(epoch),
		Claimer:   testAddress(claimer),
		EpochHash: testHash(hash),
	})
}

func phaseChangeLog(phase uint8) types.Log {
	return NewPhaseChangeLog(testRollupContract, PhaseChangeEvent{NewPhase: phase})
}

func finalizeLog(epoch uint64, hash byte) types.Log {
	return NewFinalizeEpochLog(testRollupContract, FinalizeEpochEvent{
		Epoch:     epochNumber(epoch),
		EpochHash: testHash(hash),
	})
}

func creationLog(inputDuration, challengePeriod uint64) types.Log {
	return NewDescartesV2CreatedLog(testRollupContract, DescartesV2CreatedEvent{
		Input:            testInputContract,
		Output:           testAddress(0xC3),
		ValidatorManager: testAddress(0xC4),
		DisputeManager:   testAddress(0xC5),
		InputDuration:    inputDuration,
		ChallengePeriod:  challengePeriod,
	})
}
