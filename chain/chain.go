// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Package chain defines the capability interface through which fold
// computations observe a blockchain. Implementations provide block metadata
// lookups and event log queries; reorganizations are handled by the
// consumers of this package by following parent hashes.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

//go:generate mockgen -source chain.go -destination chain_mock.go -package chain

// ConstError is an error type that can be used to define constant error
// values.
type ConstError string

func (e ConstError) Error() string {
	return string(e)
}

const (
	// ErrBlockNotFound is returned when a queried block is not known to the
	// chain provider.
	ErrBlockNotFound = ConstError("block not found")
)

// Block is the block metadata required for fold processing.
type Block struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Timestamp  uint64 // < unix time in seconds, as recorded in the block header
}

// Access grants read access to a chain. All operations may block on I/O and
// must honor the provided context.
//
// QueryLogs follows the eth_getLogs contract: matching logs are returned in
// chain order, oldest first, ordered by log index within a block. Range
// queries are evaluated against the current canonical branch, while queries
// pinned to a block hash are served even for blocks that have been
// reorganized away.
type Access interface {
	// HeadBlockNumber returns the number of the current head block.
	HeadBlockNumber(ctx context.Context) (uint64, error)
	// BlockByHash returns the metadata of the block with the given hash, or
	// an error wrapping ErrBlockNotFound if there is no such block.
	BlockByHash(ctx context.Context, hash common.Hash) (Block, error)
	// QueryLogs returns the event logs matching the given filter query.
	QueryLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
}

// AccessError wraps failures of an Access implementation, naming the failed
// operation. It lets callers distinguish chain access issues from failures
// of the computations consuming the chain data.
type AccessError struct {
	Op  string
	Err error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("chain access failed in %s: %v", e.Op, e.Err)
}

func (e *AccessError) Unwrap() error {
	return e.Err
}

// SyncAccess is the chain view handed to delegates building state from
// scratch. Log queries are clamped to the block height the state is built
// for, so a delegate can never observe events from the future.
type SyncAccess struct {
	access  Access
	toBlock uint64
}

// NewSyncAccess wraps the given access into a view limited to the given
// block height.
func NewSyncAccess(access Access, toBlock uint64) SyncAccess {
	return SyncAccess{access: access, toBlock: toBlock}
}

// BlockByHash returns the metadata of the block with the given hash.
func (a SyncAccess) BlockByHash(ctx context.Context, hash common.Hash) (Block, error) {
	block, err := a.access.BlockByHash(ctx, hash)
	if err != nil {
		return Block{}, &AccessError{Op: "BlockByHash", Err: err}
	}
	return block, nil
}

// QueryLogs returns the logs matching the query up to the view's block
// height. A tighter ToBlock in the query is respected, a missing or higher
// one is replaced.
func (a SyncAccess) QueryLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	query.BlockHash = nil
	limit := new(big.Int).SetUint64(a.toBlock)
	if query.ToBlock == nil || query.ToBlock.Cmp(limit) > 0 {
		query.ToBlock = limit
	}
	logs, err := a.access.QueryLogs(ctx, query)
	if err != nil {
		return nil, &AccessError{Op: "QueryLogs", Err: err}
	}
	return logs, nil
}

// FoldAccess is the chain view handed to delegates folding a single block.
// Log queries are pinned to that block, regardless of the range or block
// hash set in the query.
type FoldAccess struct {
	access Access
	block  Block
}

// NewFoldAccess wraps the given access into a view pinned to the given
// block.
func NewFoldAccess(access Access, block Block) FoldAccess {
	return FoldAccess{access: access, block: block}
}

// BlockByHash returns the metadata of the block with the given hash.
func (a FoldAccess) BlockByHash(ctx context.Context, hash common.Hash) (Block, error) {
	block, err := a.access.BlockByHash(ctx, hash)
	if err != nil {
		return Block{}, &AccessError{Op: "BlockByHash", Err: err}
	}
	return block, nil
}

// QueryLogs returns the logs of the view's block matching the query.
func (a FoldAccess) QueryLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	hash := a.block.Hash
	query.BlockHash = &hash
	query.FromBlock = nil
	query.ToBlock = nil
	logs, err := a.access.QueryLogs(ctx, query)
	if err != nil {
		return nil, &AccessError{Op: "QueryLogs", Err: err}
	}
	return logs, nil
}
