// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskdir

import (
	"errors"
	"path/filepath"
)

// SubtaskState is the state recorded by the marker files in a subtask
// directory.
type SubtaskState string

const (
	SubtaskNone       SubtaskState = ""
	SubtaskProcessing SubtaskState = "PROCESSING"
	SubtaskComplete   SubtaskState = "COMPLETE"
	SubtaskFailed     SubtaskState = "FAILED"
	// More than one marker is present.
	SubtaskAmbiguous SubtaskState = "AMBIGUOUS"
)

const resultsMarker = ".HAS_RESULTS"

var errUnknownState = errors.New("unknown subtask state")

// StateFiles reads and writes the marker files of one subtask
// directory. The algorithm normally creates them itself; the subtask
// master writes FAILED when the algorithm exits non-zero without
// doing so.
type StateFiles struct {
	dir string
}

func NewStateFiles(subtaskDir string) StateFiles {
	return StateFiles{dir: subtaskDir}
}

func (sf StateFiles) marker(state SubtaskState) string {
	return filepath.Join(sf.dir, "."+string(state))
}

// Current returns the state indicated by the marker files. It returns
// SubtaskAmbiguous if more than one marker exists.
func (sf StateFiles) Current() SubtaskState {
	current := SubtaskNone
	for _, state := range []SubtaskState{SubtaskProcessing, SubtaskComplete, SubtaskFailed} {
		if !exists(sf.marker(state)) {
			continue
		}
		if current != SubtaskNone {
			return SubtaskAmbiguous
		}
		current = state
	}
	return current
}

// Has reports whether the marker for state is present, regardless of
// other markers.
func (sf StateFiles) Has(state SubtaskState) bool {
	return exists(sf.marker(state))
}

// Exists reports whether any marker is present.
func (sf StateFiles) Exists() bool {
	return sf.Current() != SubtaskNone
}

func (sf StateFiles) IsProcessing() bool { return sf.Current() == SubtaskProcessing }
func (sf StateFiles) IsComplete() bool   { return sf.Current() == SubtaskComplete }
func (sf StateFiles) IsFailed() bool     { return sf.Current() == SubtaskFailed }

// Set replaces any existing marker with the one for state.
func (sf StateFiles) Set(state SubtaskState) error {
	switch state {
	case SubtaskProcessing, SubtaskComplete, SubtaskFailed:
	default:
		return errUnknownState
	}
	if err := sf.Clear(); err != nil {
		return err
	}
	return touch(sf.marker(state))
}

// Clear removes all markers.
func (sf StateFiles) Clear() error {
	for _, state := range []SubtaskState{SubtaskProcessing, SubtaskComplete, SubtaskFailed} {
		if err := removeIfExists(sf.marker(state)); err != nil {
			return err
		}
	}
	return nil
}

// ClearStale removes PROCESSING and FAILED markers, and the results
// marker unless the subtask is complete.
func (sf StateFiles) ClearStale() error {
	if sf.Current() != SubtaskComplete {
		if err := removeIfExists(filepath.Join(sf.dir, resultsMarker)); err != nil {
			return err
		}
	}
	for _, state := range []SubtaskState{SubtaskProcessing, SubtaskFailed} {
		if err := removeIfExists(sf.marker(state)); err != nil {
			return err
		}
	}
	return nil
}

// SetHasResults records that the subtask produced output files.
func (sf StateFiles) SetHasResults() error {
	return touch(filepath.Join(sf.dir, resultsMarker))
}

func (sf StateFiles) HasResults() bool {
	return exists(filepath.Join(sf.dir, resultsMarker))
}
