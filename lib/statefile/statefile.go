// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package statefile implements the rename-addressed snapshot of a task
// execution that the orchestrator and the compute nodes use to
// communicate. The file name carries the task key, state and subtask
// counts, so a directory listing is enough to see where every task
// is; the body carries the remote job parameters.
package statefile

import (
	"errors"
	"fmt"
	"time"

	"git.algorun.org/algorun.git/lib/taskdir"
	"git.algorun.org/algorun.git/sdk/go/algorun"
)

// ErrStateFileMissing is returned when a state file that should exist
// is not on disk, typically because another process renamed it first.
var ErrStateFileMissing = errors.New("state file missing")

type State string

const (
	Initialized State = "INITIALIZED"
	Submitted   State = "SUBMITTED"
	Queued      State = "QUEUED"
	Processing  State = "PROCESSING"
	Complete    State = "COMPLETE"
	Deleted     State = "DELETED"
	Closed      State = "CLOSED"
)

var states = []State{Initialized, Submitted, Queued, Processing, Complete, Deleted, Closed}

func (s State) valid() bool {
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}

// Key identifies the task a state file belongs to. There is at most
// one state file per key in a state file directory.
type Key struct {
	InstanceID int64
	TaskID     int64
	Module     string
}

func (k Key) String() string {
	return fmt.Sprintf("%d.%d.%s", k.InstanceID, k.TaskID, k.Module)
}

// TaskDirName returns the name of the task's working directory.
func (k Key) TaskDirName() string {
	return taskdir.Name(k.InstanceID, k.TaskID, k.Module)
}

// KeyOf returns the key of a pipeline task.
func KeyOf(task algorun.PipelineTask) Key {
	return Key{InstanceID: task.InstanceID, TaskID: task.ID, Module: task.ModuleName}
}

// KeyFromTaskDir returns the key of the task whose working directory
// is taskDir.
func KeyFromTaskDir(taskDir string) (Key, error) {
	inst, task, module, err := taskdir.ParseName(taskDir)
	if err != nil {
		return Key{}, err
	}
	return Key{InstanceID: inst, TaskID: task, Module: module}, nil
}

type StateFile struct {
	Key
	State    State
	Total    int
	Complete int
	Failed   int
	Params   algorun.RemoteParameters
}

// Generate returns a new state file for a task about to be submitted
// with the given parameters and subtask count.
func Generate(task algorun.PipelineTask, params algorun.RemoteParameters, subtasks int) StateFile {
	if params.SubmitTimeMillis == 0 {
		params.SubmitTimeMillis = time.Now().UnixMilli()
	}
	return StateFile{
		Key:    KeyOf(task),
		State:  Queued,
		Total:  subtasks,
		Params: params,
	}
}

// Name returns the file name encoding the key, state and counts.
func (sf StateFile) Name() string {
	return encodeName(sf)
}

func (sf StateFile) String() string {
	return sf.Name()
}

// Counts returns the subtask counts recorded in the state file.
func (sf StateFile) Counts() algorun.SubtaskCounts {
	return algorun.SubtaskCounts{Total: sf.Total, Complete: sf.Complete, Failed: sf.Failed}
}

// WithCounts returns a copy of sf with the given counts.
func (sf StateFile) WithCounts(c algorun.SubtaskCounts) StateFile {
	sf.Total, sf.Complete, sf.Failed = c.Total, c.Complete, c.Failed
	return sf
}

// WithState returns a copy of sf in the given state.
func (sf StateFile) WithState(s State) StateFile {
	sf.State = s
	return sf
}

func (sf StateFile) IsDone() bool    { return sf.State == Complete || sf.State == Closed }
func (sf StateFile) IsRunning() bool { return sf.State == Processing }
func (sf StateFile) IsQueued() bool  { return sf.State == Queued }
func (sf StateFile) IsStarted() bool { return sf.IsRunning() || sf.IsDone() }
func (sf StateFile) IsDeleted() bool { return sf.State == Deleted }

// SubmitTime returns the time the job was submitted, or the zero time
// if unknown.
func (sf StateFile) SubmitTime() time.Time {
	if sf.Params.SubmitTimeMillis == 0 {
		return time.Time{}
	}
	return time.UnixMilli(sf.Params.SubmitTimeMillis)
}
