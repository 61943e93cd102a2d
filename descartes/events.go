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
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// The event vocabulary of the two observed contracts. The fold delegates
// only depend on these events; generated contract bindings are deliberately
// not used.
var (
	rollupABI = mustParseABI(`[
		{"type": "event", "name": "DescartesV2Created", "inputs": [
			{"name": "input", "type": "address"},
			{"name": "output", "type": "address"},
			{"name": "validatorManager", "type": "address"},
			{"name": "disputeManager", "type": "address"},
			{"name": "inputDuration", "type": "uint256"},
			{"name": "challengePeriod", "type": "uint256"}]},
		{"type": "event", "name": "Claim", "inputs": [
			{"name": "epochNumber", "type": "uint256"},
			{"name": "claimer", "type": "address"},
			{"name": "epochHash", "type": "bytes32"}]},
		{"type": "event", "name": "FinalizeEpoch", "inputs": [
			{"name": "epochNumber", "type": "uint256"},
			{"name": "epochHash", "type": "bytes32"}]},
		{"type": "event", "name": "PhaseChange", "inputs": [
			{"name": "newPhase", "type": "uint8"}]}]`)

	inputABI = mustParseABI(`[
		{"type": "event", "name": "InputAdded", "inputs": [
			{"name": "epochNumber", "type": "uint256", "indexed": true},
			{"name": "sender", "type": "address"},
			{"name": "timestamp", "type": "uint256"},
			{"name": "input", "type": "bytes"}]}]`)

	descartesV2CreatedID = rollupABI.Events["DescartesV2Created"].ID
	claimID              = rollupABI.Events["Claim"].ID
	finalizeEpochID      = rollupABI.Events["FinalizeEpoch"].ID
	phaseChangeID        = rollupABI.Events["PhaseChange"].ID
	inputAddedID         = inputABI.Events["InputAdded"].ID
)

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("invalid event definition: %v", err))
	}
	return parsed
}

// Phase identifiers as encoded in PhaseChange events.
const (
	PhaseIDInputAccumulation uint8 = iota
	PhaseIDAwaitingConsensus
	PhaseIDAwaitingDispute
)

// DescartesV2CreatedEvent announces the deployment of the rollup contract
// and carries its configuration constants.
type DescartesV2CreatedEvent struct {
	Input            common.Address
	Output           common.Address
	ValidatorManager common.Address
	DisputeManager   common.Address
	InputDuration    uint64
	ChallengePeriod  uint64
}

// InputAddedEvent records an input submitted for an epoch.
type InputAddedEvent struct {
	Epoch     uint256.Int
	Sender    common.Address
	Timestamp uint64
	Payload   []byte
}

// ClaimEvent records a claim of an epoch's result hash.
type ClaimEvent struct {
	Epoch     uint256.Int
	Claimer   common.Address
	EpochHash common.Hash
}

// FinalizeEpochEvent records the settlement of an epoch's result.
type FinalizeEpochEvent struct {
	Epoch     uint256.Int
	EpochHash common.Hash
}

// PhaseChangeEvent records a transition of the contract phase.
type PhaseChangeEvent struct {
	NewPhase uint8
}

// ParseDescartesV2Created decodes a DescartesV2Created event from the given
// log entry. The durations must fit the representable time range.
func ParseDescartesV2Created(entry types.Log) (DescartesV2CreatedEvent, error) {
	if err := checkEventID(entry, descartesV2CreatedID, "DescartesV2Created"); err != nil {
		return DescartesV2CreatedEvent{}, err
	}
	var raw struct {
		Input            common.Address
		Output           common.Address
		ValidatorManager common.Address
		DisputeManager   common.Address
		InputDuration    *big.Int
		ChallengePeriod  *big.Int
	}
	if err := rollupABI.UnpackIntoInterface(&raw, "DescartesV2Created", entry.Data); err != nil {
		return DescartesV2CreatedEvent{}, fmt.Errorf("decoding DescartesV2Created event: %w", err)
	}
	inputDuration, err := timeValue(raw.InputDuration, "input duration")
	if err != nil {
		return DescartesV2CreatedEvent{}, err
	}
	challengePeriod, err := timeValue(raw.ChallengePeriod, "challenge period")
	if err != nil {
		return DescartesV2CreatedEvent{}, err
	}
	return DescartesV2CreatedEvent{
		Input:            raw.Input,
		Output:           raw.Output,
		ValidatorManager: raw.ValidatorManager,
		DisputeManager:   raw.DisputeManager,
		InputDuration:    inputDuration,
		ChallengePeriod:  challengePeriod,
	}, nil
}

// ParseInputAdded decodes an InputAdded event from the given log entry.
func ParseInputAdded(entry types.Log) (InputAddedEvent, error) {
	if err := checkEventID(entry, inputAddedID, "InputAdded"); err != nil {
		return InputAddedEvent{}, err
	}
	if len(entry.Topics) < 2 {
		return InputAddedEvent{}, fmt.Errorf("InputAdded event is missing the epoch topic")
	}
	var raw struct {
		Sender    common.Address
		Timestamp *big.Int
		Input     []byte
	}
	if err := inputABI.UnpackIntoInterface(&raw, "InputAdded", entry.Data); err != nil {
		return InputAddedEvent{}, fmt.Errorf("decoding InputAdded event: %w", err)
	}
	timestamp, err := timeValue(raw.Timestamp, "input timestamp")
	if err != nil {
		return InputAddedEvent{}, err
	}
	return InputAddedEvent{
		Epoch:     epochFromTopic(entry.Topics[1]),
		Sender:    raw.Sender,
		Timestamp: timestamp,
		Payload:   raw.Input,
	}, nil
}

// ParseClaim decodes a Claim event from the given log entry.
func ParseClaim(entry types.Log) (ClaimEvent, error) {
	if err := checkEventID(entry, claimID, "Claim"); err != nil {
		return ClaimEvent{}, err
	}
	var raw struct {
		EpochNumber *big.Int
		Claimer     common.Address
		EpochHash   common.Hash
	}
	if err := rollupABI.UnpackIntoInterface(&raw, "Claim", entry.Data); err != nil {
		return ClaimEvent{}, fmt.Errorf("decoding Claim event: %w", err)
	}
	return ClaimEvent{
		Epoch:     *uint256.MustFromBig(raw.EpochNumber),
		Claimer:   raw.Claimer,
		EpochHash: raw.EpochHash,
	}, nil
}

// ParseFinalizeEpoch decodes a FinalizeEpoch event from the given log
// entry.
func ParseFinalizeEpoch(entry types.Log) (FinalizeEpochEvent, error) {
	if err := checkEventID(entry, finalizeEpochID, "FinalizeEpoch"); err != nil {
		return FinalizeEpochEvent{}, err
	}
	var raw struct {
		EpochNumber *big.Int
		EpochHash   common.Hash
	}
	if err := rollupABI.UnpackIntoInterface(&raw, "FinalizeEpoch", entry.Data); err != nil {
		return FinalizeEpochEvent{}, fmt.Errorf("decoding FinalizeEpoch event: %w", err)
	}
	return FinalizeEpochEvent{
		Epoch:     *uint256.MustFromBig(raw.EpochNumber),
		EpochHash: raw.EpochHash,
	}, nil
}

// ParsePhaseChange decodes a PhaseChange event from the given log entry.
// The phase identifier is passed through unvalidated; its interpretation is
// up to the caller.
func ParsePhaseChange(entry types.Log) (PhaseChangeEvent, error) {
	if err := checkEventID(entry, phaseChangeID, "PhaseChange"); err != nil {
		return PhaseChangeEvent{}, err
	}
	var raw struct {
		NewPhase uint8
	}
	if err := rollupABI.UnpackIntoInterface(&raw, "PhaseChange", entry.Data); err != nil {
		return PhaseChangeEvent{}, fmt.Errorf("decoding PhaseChange event: %w", err)
	}
	return PhaseChangeEvent{NewPhase: raw.NewPhase}, nil
}

// NewDescartesV2CreatedLog assembles the log entry the rollup contract
// emits at its creation. Together with an in-memory chain, the New...Log
// functions allow simulating a rollup deployment in tests.
func NewDescartesV2CreatedLog(contract common.Address, event DescartesV2CreatedEvent) types.Log {
	return types.Log{
		Address: contract,
		Topics:  []common.Hash{descartesV2CreatedID},
		Data: packEventData("DescartesV2Created", rollupABI,
			event.Input, event.Output, event.ValidatorManager, event.DisputeManager,
			new(big.Int).SetUint64(event.InputDuration),
			new(big.Int).SetUint64(event.ChallengePeriod)),
	}
}

// NewInputAddedLog assembles the log entry the input contract emits for a
// submitted input.
func NewInputAddedLog(contract common.Address, event InputAddedEvent) types.Log {
	return types.Log{
		Address: contract,
		Topics:  []common.Hash{inputAddedID, epochTopic(event.Epoch)},
		Data: packEventData("InputAdded", inputABI,
			event.Sender, new(big.Int).SetUint64(event.Timestamp), event.Payload),
	}
}

// NewClaimLog assembles the log entry the rollup contract emits for a
// submitted claim.
func NewClaimLog(contract common.Address, event ClaimEvent) types.Log {
	return types.Log{
		Address: contract,
		Topics:  []common.Hash{claimID},
		Data: packEventData("Claim", rollupABI,
			event.Epoch.ToBig(), event.Claimer, event.EpochHash),
	}
}

// NewFinalizeEpochLog assembles the log entry the rollup contract emits for
// a finalized epoch.
func NewFinalizeEpochLog(contract common.Address, event FinalizeEpochEvent) types.Log {
	return types.Log{
		Address: contract,
		Topics:  []common.Hash{finalizeEpochID},
		Data: packEventData("FinalizeEpoch", rollupABI,
			event.Epoch.ToBig(), event.EpochHash),
	}
}

// NewPhaseChangeLog assembles the log entry the rollup contract emits for a
// phase transition.
func NewPhaseChangeLog(contract common.Address, event PhaseChangeEvent) types.Log {
	return types.Log{
		Address: contract,
		Topics:  []common.Hash{phaseChangeID},
		Data:    packEventData("PhaseChange", rollupABI, event.NewPhase),
	}
}

func checkEventID(entry types.Log, id common.Hash, name string) error {
	if len(entry.Topics) == 0 || entry.Topics[0] != id {
		return fmt.Errorf("log entry is not a %s event", name)
	}
	return nil
}

// timeValue narrows an on-chain word to the time range handled by this
// package.
func timeValue(value *big.Int, name string) (uint64, error) {
	if !value.IsUint64() {
		return 0, fmt.Errorf("%s %v exceeds the supported time range", name, value)
	}
	return value.Uint64(), nil
}

// epochTopic encodes an epoch number the way it appears as an indexed event
// topic.
func epochTopic(epoch uint256.Int) common.Hash {
	return common.Hash(epoch.Bytes32())
}

func epochFromTopic(topic common.Hash) uint256.Int {
	var epoch uint256.Int
	epoch.SetBytes(topic[:])
	return epoch
}

func packEventData(name string, contract abi.ABI, values ...any) []byte {
	data, err := contract.Events[name].Inputs.NonIndexed().Pack(values...)
	if err != nil {
		panic(fmt.Sprintf("cannot encode %s event: %v", name, err))
	}
	return data
}
