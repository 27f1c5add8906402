// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package taskstore keeps pipeline task records, either in memory or
// in a PostgreSQL database.
package taskstore

import (
	"context"
	"errors"

	"git.algorun.org/algorun.git/sdk/go/algorun"
)

var ErrNotFound = errors.New("task not found")

// Store is implemented by Memory and PostgreSQL.
type Store interface {
	// Create stores a new task. If task.ID is zero, a new ID is
	// assigned. An empty State or ProcessingStep gets the
	// initial value.
	Create(ctx context.Context, task algorun.PipelineTask) (algorun.PipelineTask, error)
	Task(ctx context.Context, taskID int64) (algorun.PipelineTask, error)
	// Tasks returns all tasks, ordered by ID.
	Tasks(ctx context.Context) ([]algorun.PipelineTask, error)
	// Update applies fn to the stored task and returns the
	// result. fn must not change the ID.
	Update(ctx context.Context, taskID int64, fn func(*algorun.PipelineTask)) (algorun.PipelineTask, error)
	UpdateSubtaskCounts(ctx context.Context, taskID int64, counts algorun.SubtaskCounts) error
	UpdateProcessingStep(ctx context.Context, taskID int64, step algorun.ProcessingStep) error
	SetState(ctx context.Context, taskID int64, state algorun.TaskState) error
	// PrepareForAutoResubmit increments the auto-resubmit
	// counter and sets the state to SUBMITTED.
	PrepareForAutoResubmit(ctx context.Context, taskID int64) (algorun.PipelineTask, error)
	// SetRemote records whether the task's latest submission
	// went to the batch system.
	SetRemote(ctx context.Context, taskID int64, remote bool) error
}

func initialize(task *algorun.PipelineTask) {
	if task.State == "" {
		task.State = algorun.TaskInitialized
	}
	if task.ProcessingStep == "" {
		task.ProcessingStep = algorun.StepMarshaling
	}
}
