// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Package fold implements a generic engine maintaining per-block state
// derived from a chain's event history. Application semantics are supplied
// through a Delegate; the engine handles caching, incremental folding along
// block ancestry, and reorganization safety.
//
// States are cached by block hash. A state is only retained durably once
// its block is at least the configured safety margin below the chain head;
// states closer to the head are recomputed on every query, so that cached
// entries can never be invalidated by a reorganization.
package fold

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/0xsoniclabs/tracy"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/0xsoniclabs/fidelio/chain"
	"github.com/0xsoniclabs/fidelio/common/future"
)

// Stage identifies the processing stage an operation failed in.
type Stage string

const (
	// StageSync covers building a state from scratch, including the
	// resolution of the query against the cache.
	StageSync = Stage("sync")
	// StageFold covers advancing a cached ancestor state block by block.
	StageFold = Stage("fold")
)

// Error is the error type returned by state fold queries. It tags the
// underlying cause with the stage the query failed in. Causes produced by
// the chain capability can be identified via chain.AccessError; everything
// else originates from the delegate.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("state fold failed during %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// DefaultCacheCapacity is the number of confirmed states retained in memory
// per initial state if no explicit capacity is configured.
const DefaultCacheCapacity = 1024

// Parameters holds the optional configuration of a state fold.
type Parameters[I comparable, A any] struct {
	// Store persists the latest confirmed state of every cache line,
	// allowing a restarted fold to resume without a full resync. Requires
	// Codec and StoreKey to be set. The fold takes ownership of the store
	// and closes it on Close.
	Store Store
	// Codec encodes accumulators for the store.
	Codec Codec[A]
	// StoreKey derives the store key of an initial state.
	StoreKey func(initial I) []byte
	// CacheCapacity limits the number of confirmed states kept in memory
	// per initial state. Defaults to DefaultCacheCapacity.
	CacheCapacity int
	// Logger receives debug output. Defaults to the root logger.
	Logger log.Logger
}

// StateFold computes and caches the delegate's state for queried blocks.
// It is safe for concurrent use; concurrent queries for the same uncached
// block may duplicate work, which is harmless since delegates are
// deterministic.
type StateFold[I comparable, A, S any] struct {
	delegate     Delegate[I, A, S]
	access       chain.Access
	safetyMargin uint64
	capacity     int
	logger       log.Logger

	mu     sync.RWMutex
	trains map[I]*train[A] // < one cache line per initial state

	store    Store
	codec    Codec[A]
	storeKey func(I) []byte
	commands chan<- storeCommand // < writes to the background store worker
	done     <-chan struct{}     // < closed when the store worker exits
}

// train is the cache line of a single initial state, holding the confirmed
// states of that line keyed by block hash.
type train[A any] struct {
	confirmed map[common.Hash]BlockState[A]
	order     []common.Hash // < insertion order, for eviction
	oldest    uint64        // < lowest confirmed block number
}

type storeCommand struct {
	save  *storeSave
	flush future.Promise[error]
}

type storeSave struct {
	key   []byte
	value []byte
}

// New creates a state fold over the given delegate and chain access. States
// of blocks less than safetyMargin below the chain head are recomputed on
// every query instead of being cached.
func New[I comparable, A, S any](
	delegate Delegate[I, A, S],
	access chain.Access,
	safetyMargin uint64,
) *StateFold[I, A, S] {
	return NewWithParams(delegate, access, safetyMargin, Parameters[I, A]{})
}

// NewWithParams creates a state fold with explicit optional parameters.
func NewWithParams[I comparable, A, S any](
	delegate Delegate[I, A, S],
	access chain.Access,
	safetyMargin uint64,
	params Parameters[I, A],
) *StateFold[I, A, S] {
	if delegate == nil || access == nil {
		panic("state fold requires a delegate and a chain access")
	}
	if params.Store != nil && (params.Codec == nil || params.StoreKey == nil) {
		panic("state fold store requires a codec and a store key function")
	}
	capacity := params.CacheCapacity
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	logger := params.Logger
	if logger == nil {
		logger = log.Root()
	}
	f := &StateFold[I, A, S]{
		delegate:     delegate,
		access:       access,
		safetyMargin: safetyMargin,
		capacity:     capacity,
		logger:       logger,
		trains:       map[I]*train[A]{},
		store:        params.Store,
		codec:        params.Codec,
		storeKey:     params.StoreKey,
	}
	if f.store != nil {
		f.startStoreWorker()
	}
	return f
}

// GetStateForBlock returns the delegate's state for the block with the
// given hash, derived for the given initial state. The state is either
// served from the cache, folded forward from a cached ancestor, or built
// from scratch at the requested block.
func (f *StateFold[I, A, S]) GetStateForBlock(ctx context.Context, initial I, blockHash common.Hash) (S, error) {
	zone := tracy.ZoneBegin("fold::get_state_for_block")
	defer zone.End()

	var none S
	line := f.getTrain(initial)
	if state, found := f.cached(line, blockHash); found {
		return f.delegate.Convert(state), nil
	}

	head, err := f.access.HeadBlockNumber(ctx)
	if err != nil {
		return none, &Error{Stage: StageSync, Err: &chain.AccessError{Op: "HeadBlockNumber", Err: err}}
	}
	target, err := f.blockByHash(ctx, blockHash)
	if err != nil {
		return none, &Error{Stage: StageSync, Err: err}
	}

	path, resume, found, err := f.findResumePoint(ctx, line, target)
	if err != nil {
		return none, &Error{Stage: StageSync, Err: err}
	}

	if !found {
		f.logger.Debug("state fold cold sync", "initial", initial, "block", target.Number)
		accumulator, err := f.sync(ctx, initial, target)
		if err != nil {
			return none, &Error{Stage: StageSync, Err: err}
		}
		state := BlockState[A]{Block: target, State: accumulator}
		f.confirm(line, initial, state, head)
		return f.delegate.Convert(state), nil
	}

	f.logger.Debug("state fold resuming from ancestor",
		"initial", initial, "ancestor", resume.Block.Number, "target", target.Number)
	state := resume
	for i := len(path) - 1; i >= 0; i-- {
		accumulator, err := f.fold(ctx, state.State, path[i])
		if err != nil {
			return none, &Error{Stage: StageFold, Err: err}
		}
		state = BlockState[A]{Block: path[i], State: accumulator}
		f.confirm(line, initial, state, head)
	}
	return f.delegate.Convert(state), nil
}

// GetStateForBlockAsync computes the requested state in the background and
// returns a future for its result. Cached states resolve immediately.
func (f *StateFold[I, A, S]) GetStateForBlockAsync(ctx context.Context, initial I, blockHash common.Hash) future.Future[future.Result[S]] {
	line := f.getTrain(initial)
	if state, found := f.cached(line, blockHash); found {
		return future.Immediate(future.Ok(f.delegate.Convert(state)))
	}
	promise, result := future.Create[future.Result[S]]()
	go func() {
		state, err := f.GetStateForBlock(ctx, initial, blockHash)
		if err != nil {
			promise.Fulfill(future.Err[S](err))
			return
		}
		promise.Fulfill(future.Ok(state))
	}()
	return result
}

// Flush blocks until all pending store writes have been attempted and
// returns the collected write errors. Without a configured store it is a
// no-op.
func (f *StateFold[I, A, S]) Flush() error {
	if f.store == nil {
		return nil
	}
	promise, result := future.Create[error]()
	f.commands <- storeCommand{flush: promise}
	return result.Await()
}

// Close flushes pending writes and closes the configured store. The fold
// must not be used afterwards.
func (f *StateFold[I, A, S]) Close() error {
	if f.store == nil {
		return nil
	}
	err := f.Flush()
	close(f.commands)
	<-f.done
	return errors.Join(err, f.store.Close())
}

func (f *StateFold[I, A, S]) sync(ctx context.Context, initial I, block chain.Block) (A, error) {
	zone := tracy.ZoneBegin("fold::sync")
	defer zone.End()
	return f.delegate.Sync(ctx, initial, block, chain.NewSyncAccess(f.access, block.Number))
}

func (f *StateFold[I, A, S]) fold(ctx context.Context, previous A, block chain.Block) (A, error) {
	zone := tracy.ZoneBegin("fold::fold")
	defer zone.End()
	return f.delegate.Fold(ctx, previous, block, chain.NewFoldAccess(f.access, block))
}

func (f *StateFold[I, A, S]) blockByHash(ctx context.Context, hash common.Hash) (chain.Block, error) {
	block, err := f.access.BlockByHash(ctx, hash)
	if err != nil {
		return chain.Block{}, &chain.AccessError{Op: "BlockByHash", Err: err}
	}
	return block, nil
}

// findResumePoint walks the ancestry of the target block until it reaches a
// confirmed ancestor. It returns the walked blocks, newest first and
// excluding the resume point, together with the resume point itself. The
// walk gives up once it passes below the oldest confirmed block, in which
// case the caller builds the state from scratch.
func (f *StateFold[I, A, S]) findResumePoint(ctx context.Context, line *train[A], target chain.Block) ([]chain.Block, BlockState[A], bool, error) {
	zone := tracy.ZoneBegin("fold::find_resume_point")
	defer zone.End()

	var none BlockState[A]
	floor, empty := f.oldestConfirmed(line)
	if empty {
		return nil, none, false, nil
	}

	path := make([]chain.Block, 0, f.safetyMargin+1)
	walk := target
	for {
		if state, found := f.cached(line, walk.Hash); found {
			return path, state, true, nil
		}
		if walk.Number == 0 || walk.Number <= floor {
			// No confirmed ancestor can exist below this point.
			return nil, none, false, nil
		}
		parent, err := f.blockByHash(ctx, walk.ParentHash)
		if err != nil {
			return nil, none, false, err
		}
		path = append(path, walk)
		walk = parent
	}
}

func (f *StateFold[I, A, S]) getTrain(initial I) *train[A] {
	f.mu.RLock()
	line, found := f.trains[initial]
	f.mu.RUnlock()
	if found {
		return line
	}

	// Load the persisted state of this line, if any, outside the lock.
	seed, seeded := f.loadSeed(initial)

	f.mu.Lock()
	defer f.mu.Unlock()
	if line, found := f.trains[initial]; found {
		return line
	}
	line = &train[A]{confirmed: map[common.Hash]BlockState[A]{}}
	if seeded {
		line.confirmed[seed.Block.Hash] = seed
		line.order = append(line.order, seed.Block.Hash)
		line.oldest = seed.Block.Number
	}
	f.trains[initial] = line
	return line
}

func (f *StateFold[I, A, S]) loadSeed(initial I) (BlockState[A], bool) {
	var none BlockState[A]
	if f.store == nil {
		return none, false
	}
	data, err := f.store.Get(f.storeKey(initial))
	if errors.Is(err, ErrNotFound) {
		return none, false
	}
	if err != nil {
		f.logger.Debug("state fold store read failed", "err", err)
		return none, false
	}
	var entry storedState
	if err := json.Unmarshal(data, &entry); err != nil {
		f.logger.Debug("state fold store entry corrupted", "err", err)
		return none, false
	}
	state, err := f.codec.Decode(entry.State)
	if err != nil {
		f.logger.Debug("state fold store entry undecodable", "err", err)
		return none, false
	}
	f.logger.Debug("state fold warm start", "initial", initial, "block", entry.Block.Number)
	return BlockState[A]{Block: entry.Block, State: state}, true
}

func (f *StateFold[I, A, S]) cached(line *train[A], hash common.Hash) (BlockState[A], bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	state, found := line.confirmed[hash]
	return state, found
}

func (f *StateFold[I, A, S]) oldestConfirmed(line *train[A]) (uint64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(line.confirmed) == 0 {
		return 0, true
	}
	return line.oldest, false
}

// confirm caches the given state if its block is at least the safety margin
// below the given head, and schedules its persistence.
func (f *StateFold[I, A, S]) confirm(line *train[A], initial I, state BlockState[A], head uint64) {
	if state.Block.Number+f.safetyMargin > head {
		return // still within the reorganization window
	}

	f.mu.Lock()
	_, known := line.confirmed[state.Block.Hash]
	if !known {
		if len(line.confirmed) == 0 || state.Block.Number < line.oldest {
			line.oldest = state.Block.Number
		}
		line.confirmed[state.Block.Hash] = state
		line.order = append(line.order, state.Block.Hash)

		evicted := false
		for len(line.order) > f.capacity {
			delete(line.confirmed, line.order[0])
			line.order = line.order[1:]
			evicted = true
		}
		if evicted {
			first := true
			for _, kept := range line.confirmed {
				if first || kept.Block.Number < line.oldest {
					line.oldest = kept.Block.Number
					first = false
				}
			}
		}
	}
	f.mu.Unlock()

	if !known {
		f.persist(initial, state)
	}
}

func (f *StateFold[I, A, S]) persist(initial I, state BlockState[A]) {
	if f.store == nil {
		return
	}
	encoded, err := f.codec.Encode(state.State)
	if err != nil {
		f.logger.Debug("state fold failed to encode state for the store", "err", err)
		return
	}
	value, err := json.Marshal(storedState{Block: state.Block, State: encoded})
	if err != nil {
		f.logger.Debug("state fold failed to marshal store entry", "err", err)
		return
	}
	f.commands <- storeCommand{save: &storeSave{key: f.storeKey(initial), value: value}}
}

// startStoreWorker launches the background goroutine applying store writes,
// keeping them off the query path.
func (f *StateFold[I, A, S]) startStoreWorker() {
	commands := make(chan storeCommand, 1024)
	done := make(chan struct{})
	store := f.store

	go func() {
		defer close(done)
		var issues []error
		extraIssues := 0
		for command := range commands {
			if command.save != nil {
				if err := store.Set(command.save.key, command.save.value); err != nil {
					if len(issues) < 10 {
						issues = append(issues, err)
					} else {
						extraIssues++
					}
				}
			} else if command.flush != nil {
				if extraIssues > 0 {
					issues = append(issues, fmt.Errorf("%d additional errors truncated", extraIssues))
					extraIssues = 0
				}
				command.flush.Fulfill(errors.Join(issues...))
				issues = nil
			}
		}
	}()

	f.commands = commands
	f.done = done
}
