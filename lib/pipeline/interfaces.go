// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pipeline

import (
	"context"
	"os"

	"git.algorun.org/algorun.git/lib/taskdir"
	"git.algorun.org/algorun.git/sdk/go/algorun"
)

// TaskStore is the subset of task record storage used by the state
// machine.
type TaskStore interface {
	Task(ctx context.Context, taskID int64) (algorun.PipelineTask, error)
	UpdateSubtaskCounts(ctx context.Context, taskID int64, counts algorun.SubtaskCounts) error
	UpdateProcessingStep(ctx context.Context, taskID int64, step algorun.ProcessingStep) error
	SetState(ctx context.Context, taskID int64, state algorun.TaskState) error
	SetRemote(ctx context.Context, taskID int64, remote bool) error
}

// InputsPreparer fills a task directory with one subtask directory
// per unit of work, and returns the number of subtasks.
type InputsPreparer interface {
	PrepareInputs(ctx context.Context, task algorun.PipelineTask, taskDir string) (int, error)
}

// OutputsPersister stores the results of the successful subtasks.
type OutputsPersister interface {
	PersistOutputs(ctx context.Context, task algorun.PipelineTask, taskDir string, summary taskdir.FailureSummary) error
}

// ExistingSubtasks is an InputsPreparer for task directories that
// were populated before the task was created. It creates the task
// directory if needed, and counts the subtask directories it finds.
type ExistingSubtasks struct{}

func (ExistingSubtasks) PrepareInputs(ctx context.Context, task algorun.PipelineTask, taskDir string) (int, error) {
	if err := os.MkdirAll(taskDir, 0755); err != nil {
		return 0, err
	}
	dirs, err := taskdir.SubtaskDirs(taskDir)
	return len(dirs), err
}

// ResultsMarker is an OutputsPersister that leaves the results in
// place and marks each completed subtask directory as having results.
type ResultsMarker struct{}

func (ResultsMarker) PersistOutputs(ctx context.Context, task algorun.PipelineTask, taskDir string, summary taskdir.FailureSummary) error {
	dirs, err := taskdir.SubtaskDirs(taskDir)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		sf := taskdir.NewStateFiles(dir)
		if sf.IsComplete() && !sf.HasResults() {
			if err := sf.SetHasResults(); err != nil {
				return err
			}
		}
	}
	return nil
}
