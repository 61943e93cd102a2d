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

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/0xsoniclabs/fidelio/chain"
	"github.com/0xsoniclabs/fidelio/fold"
)

// InputFoldDelegate accumulates the inputs submitted to the input contract
// for one epoch. It is the leaf of the fold graph; all other folds obtain
// input data through a fold running this delegate. The initial state is the
// epoch number.
type InputFoldDelegate struct {
	inputContract common.Address
}

// NewInputFoldDelegate creates a delegate observing the given input
// contract.
func NewInputFoldDelegate(inputContract common.Address) InputFoldDelegate {
	return InputFoldDelegate{inputContract: inputContract}
}

var _ fold.Delegate[uint256.Int, EpochInputState, EpochInputState] = InputFoldDelegate{}

// Sync collects all inputs submitted for the epoch up to the given block.
// The epoch number is an indexed event topic, so the filtering happens on
// the chain provider side.
func (d InputFoldDelegate) Sync(ctx context.Context, epoch uint256.Int, block chain.Block, access chain.SyncAccess) (EpochInputState, error) {
	logs, err := access.QueryLogs(ctx, d.inputQuery(epoch))
	if err != nil {
		return EpochInputState{}, err
	}
	return addInputs(NewEpochInputState(epoch), logs)
}

// Fold appends the inputs submitted in the given block.
func (d InputFoldDelegate) Fold(ctx context.Context, previous EpochInputState, block chain.Block, access chain.FoldAccess) (EpochInputState, error) {
	logs, err := access.QueryLogs(ctx, d.inputQuery(previous.Epoch))
	if err != nil {
		return EpochInputState{}, err
	}
	return addInputs(previous, logs)
}

// Convert returns the accumulated inputs unchanged.
func (d InputFoldDelegate) Convert(state fold.BlockState[EpochInputState]) EpochInputState {
	return state.State
}

func (d InputFoldDelegate) inputQuery(epoch uint256.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{d.inputContract},
		Topics:    [][]common.Hash{{inputAddedID}, {epochTopic(epoch)}},
	}
}

func addInputs(state EpochInputState, logs []types.Log) (EpochInputState, error) {
	for _, entry := range logs {
		event, err := ParseInputAdded(entry)
		if err != nil {
			return EpochInputState{}, err
		}
		state = state.AddInput(Input{
			Sender:    event.Sender,
			Timestamp: event.Timestamp,
			Payload:   event.Payload,
		})
	}
	return state, nil
}
