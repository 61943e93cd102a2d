// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/urfave/cli/v2"

	"github.com/0xsoniclabs/fidelio/chain"
	"github.com/0xsoniclabs/fidelio/descartes"
)

var Inspect = cli.Command{
	Action:    inspect,
	Name:      "inspect",
	Usage:     "derives the logical rollup phase from dumped raw observations",
	ArgsUsage: "<dump.json>",
}

// rawDump is the file format consumed by the inspect command: the raw
// contract observations at one point in time, as an operator would collect
// them from a node. Epoch numbers are decimal strings, times are unix
// seconds.
type rawDump struct {
	// Timestamp of the block the observations were taken at.
	BlockTimestamp uint64 `json:"block_timestamp"`

	// The contract constants.
	InputDuration     uint64 `json:"input_duration"`
	ChallengePeriod   uint64 `json:"challenge_period"`
	CreationTimestamp uint64 `json:"contract_creation_timestamp"`

	// The recorded epoch progress.
	InitialEpoch    uint256.Int `json:"initial_epoch"`
	FinalizedEpochs uint64      `json:"finalized_epochs"`

	// The recorded phase, "InputAccumulation" or "AwaitingConsensus", with
	// the time of the phase change that entered it (zero if never changed).
	Phase                string `json:"phase"`
	PhaseChangeTimestamp uint64 `json:"phase_change_timestamp"`
	RoundStart           uint64 `json:"round_start"`

	// The claims of the sealed epoch, in submission order.
	Claims              []claimDump `json:"claims"`
	FirstClaimTimestamp uint64      `json:"first_claim_timestamp"`
}

type claimDump struct {
	EpochHash common.Hash    `json:"epoch_hash"`
	Claimer   common.Address `json:"claimer"`
}

func inspect(context *cli.Context) error {
	if context.Args().Len() != 1 {
		return fmt.Errorf("missing state dump file")
	}
	path := context.Args().Get(0)

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var dump rawDump
	if err := json.Unmarshal(data, &dump); err != nil {
		return fmt.Errorf("cannot parse state dump %s: %w", path, err)
	}

	raw, constants, err := dump.reconstruct()
	if err != nil {
		return err
	}
	block := chain.Block{Timestamp: dump.BlockTimestamp}
	state := descartes.ConvertRawToLogical(raw, constants, block, dump.InitialEpoch)

	out := context.App.Writer
	fmt.Fprintf(out, "As of time %d:\n", dump.BlockTimestamp)
	fmt.Fprintf(out, "  raw phase:       %v\n", raw.CurrentPhase)
	fmt.Fprintf(out, "  logical phase:   %v\n", state.CurrentPhase)
	fmt.Fprintf(out, "  current epoch:   %s\n", state.CurrentEpoch.Epoch.String())
	fmt.Fprintf(out, "  finalized up to: %d epochs\n", len(state.FinalizedEpochs.Epochs))

	switch phase := state.CurrentPhase.(type) {
	case descartes.InputAccumulation:
		start := raw.PhaseChangeTimestamp
		if start == 0 {
			start = constants.ContractCreationTimestamp
		}
		fmt.Fprintf(out, "  accepting inputs until %d\n", start+constants.InputDuration)
	case descartes.EpochSealedAwaitingFirstClaim:
		fmt.Fprintf(out, "  epoch %s is sealed and awaits its first claim\n",
			phase.SealedEpoch.Epoch.String())
	case descartes.AwaitingConsensusNoConflict:
		fmt.Fprintf(out, "  challenge period of epoch %s ends at %d\n",
			phase.ClaimedEpoch.Epoch.String(),
			phase.ClaimedEpoch.Claims.FirstClaimTimestamp()+constants.ChallengePeriod)
	case descartes.AwaitingConsensusAfterConflict:
		fmt.Fprintf(out, "  challenge period of epoch %s was restarted by a conflict and ends at %d\n",
			phase.ClaimedEpoch.Epoch.String(),
			phase.ChallengePeriodBaseTs+constants.ChallengePeriod)
	case descartes.ConsensusTimeout:
		fmt.Fprintf(out, "  consensus on epoch %s timed out, finalization can be forced\n",
			phase.ClaimedEpoch.Epoch.String())
	}
	return nil
}

// reconstruct assembles the raw epoch state and the constants described by
// the dump.
func (d *rawDump) reconstruct() (descartes.EpochState, descartes.ImmutableState, error) {
	constants := descartes.ImmutableState{
		InputDuration:             d.InputDuration,
		ChallengePeriod:           d.ChallengePeriod,
		ContractCreationTimestamp: d.CreationTimestamp,
	}

	finalized := descartes.NewFinalizedEpochs(d.InitialEpoch)
	for range d.FinalizedEpochs {
		epoch := finalized.NextEpoch()
		var err error
		finalized, err = finalized.Append(descartes.FinalizedEpoch{
			Epoch:  epoch,
			Inputs: descartes.NewEpochInputState(epoch),
		})
		if err != nil {
			return descartes.EpochState{}, descartes.ImmutableState{}, err
		}
	}
	next := finalized.NextEpoch()

	state := descartes.EpochState{
		InitialEpoch:         d.InitialEpoch,
		FinalizedEpochs:      finalized,
		PhaseChangeTimestamp: d.PhaseChangeTimestamp,
	}
	switch d.Phase {
	case "InputAccumulation":
		state.CurrentPhase = descartes.PhaseInputAccumulation{}
		state.CurrentEpoch = descartes.NewAccumulatingEpoch(next)
	case "AwaitingConsensus":
		state.CurrentPhase = descartes.PhaseAwaitingConsensus{
			SealedEpoch: d.sealedEpoch(next),
			RoundStart:  d.RoundStart,
		}
		state.CurrentEpoch = descartes.NewAccumulatingEpoch(nextEpoch(next))
	default:
		return descartes.EpochState{}, descartes.ImmutableState{},
			fmt.Errorf("unknown contract phase %q", d.Phase)
	}
	return state, constants, nil
}

func (d *rawDump) sealedEpoch(epoch uint256.Int) descartes.SealedEpochState {
	if len(d.Claims) == 0 {
		return descartes.SealedEpochNoClaims{
			SealedEpoch: descartes.NewAccumulatingEpoch(epoch),
		}
	}
	claims := descartes.NewClaims(d.Claims[0].EpochHash, d.Claims[0].Claimer, d.FirstClaimTimestamp)
	for _, claim := range d.Claims[1:] {
		claims = claims.Insert(claim.EpochHash, claim.Claimer)
	}
	return descartes.SealedEpochWithClaims{ClaimedEpoch: descartes.EpochWithClaims{
		Epoch:  epoch,
		Claims: claims,
		Inputs: descartes.NewEpochInputState(epoch),
	}}
}

func nextEpoch(epoch uint256.Int) uint256.Int {
	var next uint256.Int
	next.AddUint64(&epoch, 1)
	return next
}
