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
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/0xsoniclabs/fidelio/chain"
	"github.com/0xsoniclabs/fidelio/chain/memchain"
)

// logCountDelegate counts the logs observed up to a block, touching the
// chain the way a real delegate does.
type logCountDelegate struct{}

func (logCountDelegate) Sync(ctx context.Context, _ string, _ chain.Block, access chain.SyncAccess) (int, error) {
	logs, err := access.QueryLogs(ctx, ethereum.FilterQuery{})
	if err != nil {
		return 0, err
	}
	return len(logs), nil
}

func (logCountDelegate) Fold(ctx context.Context, previous int, _ chain.Block, access chain.FoldAccess) (int, error) {
	logs, err := access.QueryLogs(ctx, ethereum.FilterQuery{})
	if err != nil {
		return 0, err
	}
	return previous + len(logs), nil
}

func (logCountDelegate) Convert(state BlockState[int]) int {
	return state.State
}

func growChain(length int) (*memchain.Chain, chain.Block) {
	mem := memchain.New(1000)
	var head chain.Block
	for i := 0; i < length; i++ {
		head = mem.Extend(uint64(1001+i), types.Log{})
	}
	return mem, head
}

func BenchmarkStateFold_CachedQueries(b *testing.B) {
	mem, head := growChain(64)
	engine := New[string, int, int](logCountDelegate{}, mem, 0)
	if _, err := engine.GetStateForBlock(context.Background(), "main", head.Hash); err != nil {
		b.Fatal(err)
	}
	for b.Loop() {
		if _, err := engine.GetStateForBlock(context.Background(), "main", head.Hash); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkStateFold_FoldingWithinTheSafetyMargin(b *testing.B) {
	for _, distance := range []int{1, 4, 16} {
		b.Run(fmt.Sprintf("distance=%d", distance), func(b *testing.B) {
			mem := memchain.New(1000)
			var anchor, target chain.Block
			for i := 0; i < 64; i++ {
				block := mem.Extend(uint64(1001+i), types.Log{})
				if i == 31 {
					anchor = block
				}
				if i == 31+distance {
					target = block
				}
			}

			// Only the anchor is deep enough to be cached; the target is
			// folded forward from it on every query.
			engine := New[string, int, int](logCountDelegate{}, mem, 32)
			if _, err := engine.GetStateForBlock(context.Background(), "main", anchor.Hash); err != nil {
				b.Fatal(err)
			}
			for b.Loop() {
				if _, err := engine.GetStateForBlock(context.Background(), "main", target.Hash); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkStateFold_ColdSync(b *testing.B) {
	for _, length := range []int{16, 256} {
		b.Run(fmt.Sprintf("blocks=%d", length), func(b *testing.B) {
			mem, head := growChain(length)
			for b.Loop() {
				engine := New[string, int, int](logCountDelegate{}, mem, 0)
				if _, err := engine.GetStateForBlock(context.Background(), "main", head.Hash); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
