// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"context"

	"git.algorun.org/algorun.git/lib/alert"
	"git.algorun.org/algorun.git/lib/statefile"
	"git.algorun.org/algorun.git/sdk/go/algorun"
)

// TaskStore is the subset of task record storage used by the
// monitors.
type TaskStore interface {
	Task(ctx context.Context, taskID int64) (algorun.PipelineTask, error)
	UpdateSubtaskCounts(ctx context.Context, taskID int64, counts algorun.SubtaskCounts) error
	UpdateProcessingStep(ctx context.Context, taskID int64, step algorun.ProcessingStep) error
	SetState(ctx context.Context, taskID int64, state algorun.TaskState) error
	// PrepareForAutoResubmit increments the task's auto-resubmit
	// counter and sets its state to SUBMITTED.
	PrepareForAutoResubmit(ctx context.Context, taskID int64) (algorun.PipelineTask, error)
}

// RequestQueue hands tasks back to the worker pool.
type RequestQueue interface {
	Enqueue(algorun.WorkerTaskRequest)
}

type AlertService interface {
	Alert(ctx context.Context, task algorun.PipelineTask, severity alert.Severity, message string)
}

// JobStatusChecker reports on the batch jobs running a task.
type JobStatusChecker interface {
	// IsFinished reports whether every batch job for the task
	// has left the batch system.
	IsFinished(ctx context.Context, key statefile.Key) (bool, error)
	// Comment returns the batch system's last known status
	// for the task's job, or "" if none.
	Comment(key statefile.Key) string
	// EndMonitoring discards any state kept for the task.
	EndMonitoring(key statefile.Key)
}
