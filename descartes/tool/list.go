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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/holiman/uint256"
	"github.com/urfave/cli/v2"

	"github.com/0xsoniclabs/fidelio/chain"
	"github.com/0xsoniclabs/fidelio/descartes"
	"github.com/0xsoniclabs/fidelio/fold/ldbstore"
)

var List = cli.Command{
	Action:    list,
	Name:      "list",
	Usage:     "lists the epoch input states persisted in a fold store",
	ArgsUsage: "<directory>",
}

// storedEntry mirrors the envelope the fold engine writes to its store.
type storedEntry struct {
	Block chain.Block `json:"block"`
	State []byte      `json:"state"`
}

func list(context *cli.Context) error {
	if context.Args().Len() != 1 {
		return fmt.Errorf("missing store directory")
	}
	dir := context.Args().Get(0)

	store, err := ldbstore.New(dir)
	if err != nil {
		return err
	}
	return errors.Join(
		listEpochs(context.App.Writer, dir, store),
		store.Close(),
	)
}

func listEpochs(out io.Writer, dir string, store *ldbstore.Store) error {
	keys, err := store.Keys()
	if err != nil {
		return err
	}
	slices.SortFunc(keys, bytes.Compare)

	fmt.Fprintf(out, "store %s:\n", dir)
	if len(keys) == 0 {
		fmt.Fprintf(out, "  no persisted states\n")
		return nil
	}
	for _, key := range keys {
		if len(key) != 32 {
			return fmt.Errorf("entry %x is not an epoch key", key)
		}
		var epoch uint256.Int
		epoch.SetBytes(key)

		value, err := store.Get(key)
		if err != nil {
			return fmt.Errorf("cannot read the state of epoch %s: %w", epoch.String(), err)
		}
		var entry storedEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return fmt.Errorf("cannot decode the state of epoch %s: %w", epoch.String(), err)
		}
		var state descartes.EpochInputState
		if err := json.Unmarshal(entry.State, &state); err != nil {
			return fmt.Errorf("cannot decode the inputs of epoch %s: %w", epoch.String(), err)
		}
		fmt.Fprintf(out, "  epoch %s: %d inputs, confirmed at block %d\n",
			epoch.String(), len(state.Inputs), entry.Block.Number)
	}
	return nil
}
