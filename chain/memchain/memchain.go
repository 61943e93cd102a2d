// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Package memchain provides a deterministic in-memory chain implementation
// of the chain.Access capability, with explicit control over blocks,
// timestamps, and reorganizations. It is intended for tests.
package memchain

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/crypto/sha3"

	"github.com/0xsoniclabs/fidelio/chain"
)

// Chain is an in-memory blockchain. Blocks are appended on top of a head
// pointer that can be moved to any known block to simulate reorganizations;
// abandoned branches remain queryable by block hash. Chain is safe for
// concurrent use.
type Chain struct {
	mu     sync.RWMutex
	blocks map[common.Hash]chain.Block
	logs   map[common.Hash][]types.Log
	head   chain.Block
	salt   uint64 // < distinguishes sibling blocks with identical content
}

var _ chain.Access = (*Chain)(nil)

// New creates a chain holding a genesis block with the given timestamp.
func New(genesisTimestamp uint64) *Chain {
	c := &Chain{
		blocks: map[common.Hash]chain.Block{},
		logs:   map[common.Hash][]types.Log{},
	}
	genesis := chain.Block{
		Number:    0,
		Hash:      c.nextHash(common.Hash{}, 0, genesisTimestamp),
		Timestamp: genesisTimestamp,
	}
	c.blocks[genesis.Hash] = genesis
	c.head = genesis
	return c
}

// Extend appends a block with the given timestamp and logs on top of the
// current head and returns it. Timestamps must not decrease along a branch.
// Log entries only need their Address, Topics, and Data set; the block
// related fields are filled in by the chain.
func (c *Chain) Extend(timestamp uint64, logs ...types.Log) chain.Block {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent := c.head
	if timestamp < parent.Timestamp {
		panic(fmt.Sprintf("block timestamp %d is before parent timestamp %d", timestamp, parent.Timestamp))
	}

	c.salt++
	block := chain.Block{
		Number:     parent.Number + 1,
		Hash:       c.nextHash(parent.Hash, parent.Number+1, timestamp),
		ParentHash: parent.Hash,
		Timestamp:  timestamp,
	}

	stamped := make([]types.Log, len(logs))
	for i, entry := range logs {
		entry.BlockNumber = block.Number
		entry.BlockHash = block.Hash
		entry.Index = uint(i)
		stamped[i] = entry
	}

	c.blocks[block.Hash] = block
	c.logs[block.Hash] = stamped
	c.head = block
	return block
}

// Fork moves the head to the given block. Blocks appended afterwards form a
// new branch; the blocks of the abandoned branch remain queryable by hash.
func (c *Chain) Fork(hash common.Hash) chain.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	block, found := c.blocks[hash]
	if !found {
		panic(fmt.Sprintf("unknown block %x", hash))
	}
	c.head = block
	return block
}

// Head returns the current head block.
func (c *Chain) Head() chain.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

func (c *Chain) HeadBlockNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head.Number, nil
}

func (c *Chain) BlockByHash(ctx context.Context, hash common.Hash) (chain.Block, error) {
	if err := ctx.Err(); err != nil {
		return chain.Block{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	block, found := c.blocks[hash]
	if !found {
		return chain.Block{}, chain.ErrBlockNotFound
	}
	return block, nil
}

func (c *Chain) QueryLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	if query.BlockHash != nil {
		if _, found := c.blocks[*query.BlockHash]; !found {
			return nil, chain.ErrBlockNotFound
		}
		return filterLogs(c.logs[*query.BlockHash], query), nil
	}

	from, to := uint64(0), c.head.Number
	if query.FromBlock != nil {
		from = query.FromBlock.Uint64()
	}
	if query.ToBlock != nil {
		to = query.ToBlock.Uint64()
	}

	// Collect the canonical branch, then scan it oldest first.
	branch := make([]chain.Block, 0, c.head.Number+1)
	for walk := c.head; ; walk = c.blocks[walk.ParentHash] {
		branch = append(branch, walk)
		if walk.Number == 0 {
			break
		}
	}

	var matches []types.Log
	for i := len(branch) - 1; i >= 0; i-- {
		if branch[i].Number < from || branch[i].Number > to {
			continue
		}
		matches = append(matches, filterLogs(c.logs[branch[i].Hash], query)...)
	}
	return matches, nil
}

func filterLogs(entries []types.Log, query ethereum.FilterQuery) []types.Log {
	var matches []types.Log
	for _, entry := range entries {
		if matchesFilter(entry, query) {
			matches = append(matches, entry)
		}
	}
	return matches
}

func matchesFilter(entry types.Log, query ethereum.FilterQuery) bool {
	if len(query.Addresses) > 0 && !slices.Contains(query.Addresses, entry.Address) {
		return false
	}
	if len(query.Topics) > len(entry.Topics) {
		return false
	}
	for i, alternatives := range query.Topics {
		if len(alternatives) == 0 {
			continue
		}
		if !slices.Contains(alternatives, entry.Topics[i]) {
			return false
		}
	}
	return true
}

func (c *Chain) nextHash(parent common.Hash, number uint64, timestamp uint64) common.Hash {
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(parent[:])
	var buffer [8]byte
	binary.BigEndian.PutUint64(buffer[:], number)
	hasher.Write(buffer[:])
	binary.BigEndian.PutUint64(buffer[:], timestamp)
	hasher.Write(buffer[:])
	binary.BigEndian.PutUint64(buffer[:], c.salt)
	hasher.Write(buffer[:])
	return common.BytesToHash(hasher.Sum(nil))
}
