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
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/exp/maps"
)

// All state types in this file behave as values: operations deriving a new
// state return a copy and leave the receiver untouched. The fold engine
// retains states of earlier blocks in its cache, so a state must never be
// modified after it has been handed out.

// ImmutableState holds the constants fixed at the creation of the rollup
// contract. It is computed once from the creation event and carried
// unchanged through every derived state.
type ImmutableState struct {
	InputDuration             uint64 // < seconds an epoch accepts inputs
	ChallengePeriod           uint64 // < seconds a claim can be challenged
	ContractCreationTimestamp uint64

	InputAddress            common.Address
	OutputAddress           common.Address
	ValidatorManagerAddress common.Address
	DisputeManagerAddress   common.Address
}

// Input is a single input submitted to the rollup.
type Input struct {
	Sender    common.Address `json:"sender"`
	Timestamp uint64         `json:"timestamp"`
	Payload   []byte         `json:"payload"`
}

// EpochInputState is the list of inputs submitted for one epoch, in
// submission order.
type EpochInputState struct {
	Epoch  uint256.Int `json:"epoch"`
	Inputs []Input     `json:"inputs"`
}

// NewEpochInputState creates an empty input list for the given epoch.
func NewEpochInputState(epoch uint256.Int) EpochInputState {
	return EpochInputState{Epoch: epoch}
}

// AddInput returns the input state extended by the given input.
func (s EpochInputState) AddInput(input Input) EpochInputState {
	s.Inputs = append(s.Inputs[:len(s.Inputs):len(s.Inputs)], input)
	return s
}

// AccumulatingEpoch is an epoch that is open for input submission.
type AccumulatingEpoch struct {
	Epoch  uint256.Int
	Inputs EpochInputState
}

// NewAccumulatingEpoch creates a fresh epoch without any inputs.
func NewAccumulatingEpoch(epoch uint256.Int) AccumulatingEpoch {
	return AccumulatingEpoch{Epoch: epoch, Inputs: NewEpochInputState(epoch)}
}

// Claims collects the claims submitted for a sealed epoch, grouped by the
// claimed epoch hash, together with the time of the earliest claim. The
// challenge clock of an epoch is anchored at that first claim.
type Claims struct {
	claims              map[common.Hash][]common.Address
	firstClaimTimestamp uint64
}

// NewClaims creates the claim record of an epoch from its first claim.
func NewClaims(epochHash common.Hash, claimer common.Address, timestamp uint64) Claims {
	return Claims{
		claims:              map[common.Hash][]common.Address{epochHash: {claimer}},
		firstClaimTimestamp: timestamp,
	}
}

// Insert returns the claims extended by the given claim. Repeated claims of
// the same hash by the same claimer have no effect.
func (c Claims) Insert(epochHash common.Hash, claimer common.Address) Claims {
	if slices.Contains(c.claims[epochHash], claimer) {
		return c
	}
	claimers := c.claims[epochHash]
	claims := maps.Clone(c.claims)
	if claims == nil { // Clone keeps the map of a zero-value receiver nil
		claims = make(map[common.Hash][]common.Address, 1)
	}
	claims[epochHash] = append(claimers[:len(claimers):len(claimers)], claimer)
	c.claims = claims
	return c
}

// FirstClaimTimestamp returns the time of the earliest claim.
func (c Claims) FirstClaimTimestamp() uint64 {
	return c.firstClaimTimestamp
}

// ClaimedHashes returns the distinct claimed epoch hashes in ascending
// order.
func (c Claims) ClaimedHashes() []common.Hash {
	hashes := maps.Keys(c.claims)
	slices.SortFunc(hashes, func(a, b common.Hash) int { return a.Cmp(b) })
	return hashes
}

// Claimers returns the addresses that have claimed the given hash, in the
// order of their claims.
func (c Claims) Claimers(epochHash common.Hash) []common.Address {
	return slices.Clone(c.claims[epochHash])
}

// NumClaims returns the number of distinct claims, counting one claim per
// claimer and hash.
func (c Claims) NumClaims() int {
	total := 0
	for _, claimers := range c.claims {
		total += len(claimers)
	}
	return total
}

// EpochWithClaims is a sealed epoch for which at least one claim has been
// submitted.
type EpochWithClaims struct {
	Epoch  uint256.Int
	Claims Claims
	Inputs EpochInputState
}

// FinalizedEpoch is an epoch whose result has been settled on chain.
type FinalizedEpoch struct {
	Epoch  uint256.Int
	Hash   common.Hash // < the settled epoch hash
	Inputs EpochInputState

	// Block at which the finalization was recorded.
	FinalizedBlockHash   common.Hash
	FinalizedBlockNumber uint64
}

// FinalizedEpochs is the gapless sequence of finalized epochs, starting at
// the initial epoch the fold was configured with.
type FinalizedEpochs struct {
	InitialEpoch uint256.Int
	Epochs       []FinalizedEpoch
}

// NewFinalizedEpochs creates an empty sequence starting at the given epoch.
func NewFinalizedEpochs(initialEpoch uint256.Int) FinalizedEpochs {
	return FinalizedEpochs{InitialEpoch: initialEpoch}
}

// NextEpoch returns the number of the next epoch to be finalized.
func (f FinalizedEpochs) NextEpoch() uint256.Int {
	var next uint256.Int
	next.AddUint64(&f.InitialEpoch, uint64(len(f.Epochs)))
	return next
}

// Append returns the sequence extended by the given epoch, which must
// directly follow the previously finalized one.
func (f FinalizedEpochs) Append(epoch FinalizedEpoch) (FinalizedEpochs, error) {
	if next := f.NextEpoch(); !epoch.Epoch.Eq(&next) {
		return FinalizedEpochs{}, fmt.Errorf("%w: expected epoch %s, got %s",
			ErrNonContiguousFinalizedEpoch, next.String(), epoch.Epoch.String())
	}
	f.Epochs = append(f.Epochs[:len(f.Epochs):len(f.Epochs)], epoch)
	return f, nil
}

// SealedEpochState describes an epoch sealed for consensus, depending on
// whether any claim has been submitted for it yet. It is implemented by
// SealedEpochNoClaims and SealedEpochWithClaims.
type SealedEpochState interface {
	// Epoch returns the number of the sealed epoch.
	Epoch() uint256.Int
	isSealedEpochState()
}

// SealedEpochNoClaims is a sealed epoch still awaiting its first claim.
type SealedEpochNoClaims struct {
	SealedEpoch AccumulatingEpoch
}

// SealedEpochWithClaims is a sealed epoch with at least one claim.
type SealedEpochWithClaims struct {
	ClaimedEpoch EpochWithClaims
}

func (s SealedEpochNoClaims) Epoch() uint256.Int   { return s.SealedEpoch.Epoch }
func (s SealedEpochWithClaims) Epoch() uint256.Int { return s.ClaimedEpoch.Epoch }

func (SealedEpochNoClaims) isSealedEpochState()   {}
func (SealedEpochWithClaims) isSealedEpochState() {}

var (
	_ SealedEpochState = SealedEpochNoClaims{}
	_ SealedEpochState = SealedEpochWithClaims{}
)

// ContractPhase is the phase of the rollup as literally recorded by the
// contract. It is implemented by PhaseInputAccumulation,
// PhaseAwaitingConsensus, and PhaseAwaitingDispute.
type ContractPhase interface {
	fmt.Stringer
	isContractPhase()
}

// PhaseInputAccumulation is the phase in which the current epoch collects
// inputs.
type PhaseInputAccumulation struct{}

// PhaseAwaitingConsensus is the phase in which a sealed epoch awaits
// consensus on its result. RoundStart is the time of the phase change that
// opened the current consensus round; it moves forward whenever a
// conflicting claim restarts the round.
type PhaseAwaitingConsensus struct {
	SealedEpoch SealedEpochState
	RoundStart  uint64
}

// PhaseAwaitingDispute is the phase of an open dispute. The deployments
// observed by this package resolve conflicting claims automatically, so
// this phase is declared for completeness but never constructed; observing
// it is a fatal inconsistency.
type PhaseAwaitingDispute struct{}

func (PhaseInputAccumulation) String() string { return "InputAccumulation" }
func (PhaseAwaitingConsensus) String() string { return "AwaitingConsensus" }
func (PhaseAwaitingDispute) String() string   { return "AwaitingDispute" }

func (PhaseInputAccumulation) isContractPhase() {}
func (PhaseAwaitingConsensus) isContractPhase() {}
func (PhaseAwaitingDispute) isContractPhase()   {}

var (
	_ ContractPhase = PhaseInputAccumulation{}
	_ ContractPhase = PhaseAwaitingConsensus{}
	_ ContractPhase = PhaseAwaitingDispute{}
)

// EpochState is the raw epoch lifecycle state of the rollup: the phase and
// epochs exactly as recorded on chain, without accounting for phase
// transitions that are only implied by the passage of time.
type EpochState struct {
	CurrentPhase    ContractPhase
	InitialEpoch    uint256.Int
	CurrentEpoch    AccumulatingEpoch
	FinalizedEpochs FinalizedEpochs

	// Time of the last recorded phase change, or zero if there has not
	// been any and the contract creation time governs instead.
	PhaseChangeTimestamp uint64
}

// PhaseState is the logical phase of the rollup, the interpretation of the
// raw contract phase that accounts for elapsed time the contract has not
// recorded yet. It is implemented by InputAccumulation,
// EpochSealedAwaitingFirstClaim, AwaitingConsensusNoConflict,
// AwaitingConsensusAfterConflict, and ConsensusTimeout.
type PhaseState interface {
	fmt.Stringer
	isPhaseState()
}

// InputAccumulation is the logical phase of an epoch still collecting
// inputs.
type InputAccumulation struct{}

// EpochSealedAwaitingFirstClaim is the logical phase of a sealed epoch for
// which no claim has been submitted yet.
type EpochSealedAwaitingFirstClaim struct {
	SealedEpoch AccumulatingEpoch
}

// AwaitingConsensusNoConflict is the logical phase of a claimed epoch whose
// first challenge period is still running.
type AwaitingConsensusNoConflict struct {
	ClaimedEpoch EpochWithClaims
}

// AwaitingConsensusAfterConflict is the logical phase of a claimed epoch
// whose challenge period has been restarted by a conflicting claim.
// ChallengePeriodBaseTs is the start of the restarted period.
type AwaitingConsensusAfterConflict struct {
	ClaimedEpoch          EpochWithClaims
	ChallengePeriodBaseTs uint64
}

// ConsensusTimeout is the logical phase of a claimed epoch whose challenge
// period has fully elapsed without a finalization; callers may react by
// forcing the finalization on chain.
type ConsensusTimeout struct {
	ClaimedEpoch EpochWithClaims
}

func (InputAccumulation) String() string              { return "InputAccumulation" }
func (EpochSealedAwaitingFirstClaim) String() string  { return "EpochSealedAwaitingFirstClaim" }
func (AwaitingConsensusNoConflict) String() string    { return "AwaitingConsensusNoConflict" }
func (AwaitingConsensusAfterConflict) String() string { return "AwaitingConsensusAfterConflict" }
func (ConsensusTimeout) String() string               { return "ConsensusTimeout" }

func (InputAccumulation) isPhaseState()              {}
func (EpochSealedAwaitingFirstClaim) isPhaseState()  {}
func (AwaitingConsensusNoConflict) isPhaseState()    {}
func (AwaitingConsensusAfterConflict) isPhaseState() {}
func (ConsensusTimeout) isPhaseState()               {}

var (
	_ PhaseState = InputAccumulation{}
	_ PhaseState = EpochSealedAwaitingFirstClaim{}
	_ PhaseState = AwaitingConsensusNoConflict{}
	_ PhaseState = AwaitingConsensusAfterConflict{}
	_ PhaseState = ConsensusTimeout{}
)

// DescartesV2State is the logical state of the rollup as of a block, the
// view consumed by validators and other offchain components.
type DescartesV2State struct {
	Constants       ImmutableState
	InitialEpoch    uint256.Int
	CurrentPhase    PhaseState
	FinalizedEpochs FinalizedEpochs
	CurrentEpoch    AccumulatingEpoch
}

// nextEpochNumber returns the epoch number following the given one.
func nextEpochNumber(epoch uint256.Int) uint256.Int {
	var next uint256.Int
	next.AddUint64(&epoch, 1)
	return next
}
