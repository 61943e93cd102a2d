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
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestEpochInputState_AddInputLeavesTheOriginalUntouched(t *testing.T) {
	require := require.New(t)

	empty := NewEpochInputState(epochNumber(1))
	one := empty.AddInput(Input{Sender: testAddress(1), Timestamp: 10})

	// Extending the same state twice must yield two independent lists.
	left := one.AddInput(Input{Sender: testAddress(2), Timestamp: 20})
	right := one.AddInput(Input{Sender: testAddress(3), Timestamp: 30})

	require.Empty(empty.Inputs)
	require.Len(one.Inputs, 1)
	require.Len(left.Inputs, 2)
	require.Len(right.Inputs, 2)
	require.Equal(testAddress(2), left.Inputs[1].Sender)
	require.Equal(testAddress(3), right.Inputs[1].Sender)
	require.Equal(testAddress(1), one.Inputs[0].Sender)
}

func TestClaims_InsertLeavesTheOriginalUntouched(t *testing.T) {
	require := require.New(t)

	first := NewClaims(testHash(1), testAddress(1), 100)
	agreeing := first.Insert(testHash(1), testAddress(2))
	conflicting := first.Insert(testHash(2), testAddress(3))

	require.Equal([]common.Address{testAddress(1)}, first.Claimers(testHash(1)))
	require.Equal(1, first.NumClaims())

	require.Equal([]common.Address{testAddress(1), testAddress(2)}, agreeing.Claimers(testHash(1)))
	require.Equal(2, agreeing.NumClaims())
	require.Empty(agreeing.Claimers(testHash(2)))

	require.Equal([]common.Address{testAddress(3)}, conflicting.Claimers(testHash(2)))
	require.Equal(2, conflicting.NumClaims())
}

func TestClaims_RepeatedClaimsHaveNoEffect(t *testing.T) {
	require := require.New(t)

	claims := NewClaims(testHash(1), testAddress(1), 100)
	repeated := claims.Insert(testHash(1), testAddress(1))

	require.Equal(1, repeated.NumClaims())
	require.Equal(claims, repeated)
}

func TestClaims_FirstClaimTimestampIsNotMovedByLaterClaims(t *testing.T) {
	require := require.New(t)

	claims := NewClaims(testHash(1), testAddress(1), 100)
	claims = claims.Insert(testHash(2), testAddress(2))
	claims = claims.Insert(testHash(1), testAddress(3))

	require.Equal(uint64(100), claims.FirstClaimTimestamp())
}

func TestClaims_ClaimedHashesAreSorted(t *testing.T) {
	require := require.New(t)

	claims := NewClaims(testHash(3), testAddress(1), 100)
	claims = claims.Insert(testHash(1), testAddress(2))
	claims = claims.Insert(testHash(2), testAddress(3))

	require.Equal([]common.Hash{testHash(1), testHash(2), testHash(3)}, claims.ClaimedHashes())
}

func TestClaims_ZeroValueAcceptsInsertions(t *testing.T) {
	require := require.New(t)

	var empty Claims
	claims := empty.Insert(testHash(1), testAddress(1))

	require.Equal([]common.Address{testAddress(1)}, claims.Claimers(testHash(1)))
	require.Equal(1, claims.NumClaims())
	require.Zero(empty.NumClaims())
}

func TestFinalizedEpochs_AppendEnforcesContiguity(t *testing.T) {
	require := require.New(t)

	sequence := NewFinalizedEpochs(epochNumber(3))
	require.Equal(epochNumber(3), sequence.NextEpoch())

	sequence, err := sequence.Append(FinalizedEpoch{Epoch: epochNumber(3)})
	require.NoError(err)
	require.Equal(epochNumber(4), sequence.NextEpoch())

	_, err = sequence.Append(FinalizedEpoch{Epoch: epochNumber(5)})
	require.ErrorIs(err, ErrNonContiguousFinalizedEpoch)

	_, err = sequence.Append(FinalizedEpoch{Epoch: epochNumber(3)})
	require.ErrorIs(err, ErrNonContiguousFinalizedEpoch)
}

func TestFinalizedEpochs_AppendLeavesTheOriginalUntouched(t *testing.T) {
	require := require.New(t)

	base := NewFinalizedEpochs(epochNumber(0))
	base, err := base.Append(FinalizedEpoch{Epoch: epochNumber(0), Hash: testHash(1)})
	require.NoError(err)

	left, err := base.Append(FinalizedEpoch{Epoch: epochNumber(1), Hash: testHash(2)})
	require.NoError(err)
	right, err := base.Append(FinalizedEpoch{Epoch: epochNumber(1), Hash: testHash(3)})
	require.NoError(err)

	require.Len(base.Epochs, 1)
	require.Equal(testHash(2), left.Epochs[1].Hash)
	require.Equal(testHash(3), right.Epochs[1].Hash)
}

func TestSealedEpochState_ReportsItsEpoch(t *testing.T) {
	require := require.New(t)

	noClaims := SealedEpochNoClaims{SealedEpoch: NewAccumulatingEpoch(epochNumber(7))}
	require.Equal(epochNumber(7), noClaims.Epoch())

	withClaims := SealedEpochWithClaims{ClaimedEpoch: EpochWithClaims{Epoch: epochNumber(8)}}
	require.Equal(epochNumber(8), withClaims.Epoch())
}

func epochNumber(n uint64) uint256.Int {
	return *uint256.NewInt(n)
}

func testAddress(n byte) common.Address {
	return common.Address{19: n}
}

func testHash(n byte) common.Hash {
	return common.Hash{31: n}
}
