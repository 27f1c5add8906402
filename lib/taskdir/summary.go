// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskdir

import (
	"path/filepath"
)

// FailureSummary classifies the outcome of a task from the marker
// files of its subtasks. Only subtask directories that carry a marker
// are considered.
type FailureSummary struct {
	// Names of the failed subtask directories, in subtask
	// index order.
	FailedSubtasks []string
	AllSucceeded   bool
	AllFailed      bool
}

// Partial reports whether some, but not all, subtasks failed.
func (fs FailureSummary) Partial() bool {
	return !fs.AllSucceeded && !fs.AllFailed
}

// NewFailureSummary examines the subtask directories of taskDir.
func NewFailureSummary(taskDir string) (FailureSummary, error) {
	dirs, err := SubtaskDirs(taskDir)
	if err != nil {
		return FailureSummary{}, err
	}
	var fs FailureSummary
	considered := 0
	for _, dir := range dirs {
		state := NewStateFiles(dir).Current()
		if state == SubtaskNone {
			continue
		}
		considered++
		if state == SubtaskFailed {
			fs.FailedSubtasks = append(fs.FailedSubtasks, filepath.Base(dir))
		}
	}
	fs.AllSucceeded = len(fs.FailedSubtasks) == 0
	fs.AllFailed = considered > 0 && len(fs.FailedSubtasks) == considered
	return fs, nil
}
