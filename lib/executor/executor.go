// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package executor starts the algorithm for a task, either on the
// local host or as a batch job.
package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"git.algorun.org/algorun.git/lib/statefile"
	"git.algorun.org/algorun.git/sdk/go/algorun"
)

// Kind says where a task's algorithm runs.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// Decision is the outcome of Decide. Params is only meaningful for
// KindRemote.
type Decision struct {
	Kind   Kind
	Params algorun.RemoteParameters
}

// Executor runs the algorithm for a task whose subtask directories
// are ready.
type Executor interface {
	// Submit starts the algorithm. It returns true if the task
	// is still running when Submit returns and its outcome will
	// be reported by a monitor.
	Submit(ctx context.Context, task algorun.PipelineTask, decision Decision) (inFlight bool, err error)
	// ResumeMonitoring re-arms monitoring of a task that was
	// submitted by an earlier process.
	ResumeMonitoring(ctx context.Context, task algorun.PipelineTask) error
}

// JobSpec describes a batch job that runs the compute node master on
// one or more nodes.
type JobSpec struct {
	Name    string
	Key     statefile.Key
	TaskDir string
	Params  algorun.RemoteParameters
	// Command line run on each node.
	Command []string
}

type JobSubmitter interface {
	Submit(ctx context.Context, spec JobSpec) error
}

// Monitor watches submitted tasks until their jobs end.
type Monitor interface {
	StartMonitoring(ctx context.Context, sf statefile.StateFile)
}

// JobName returns the batch job name for a task.
func JobName(key statefile.Key) string {
	return "algorun-" + key.TaskDirName()
}

// Decide chooses between local and remote execution for a task with
// the given subtask counts. Only subtasks that have not completed
// count, so a resubmitted task is sized by the work left.
func Decide(res algorun.ExecutionResources, remote algorun.RemoteConfig, counts algorun.SubtaskCounts) (Decision, error) {
	remaining := counts.Remaining()
	if !res.RemoteEnabled || remaining < res.MinSubtasks {
		return Decision{Kind: KindLocal}, nil
	}
	params, err := RemoteParametersFor(remote, remaining)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Kind: KindRemote, Params: params}, nil
}

// RemoteParametersFor sizes a batch job for the given number of
// subtasks.
func RemoteParametersFor(remote algorun.RemoteConfig, subtasks int) (algorun.RemoteParameters, error) {
	if _, err := remote.WallTime.Duration(); err != nil {
		return algorun.RemoteParameters{}, fmt.Errorf("Remote.WallTime: %w", err)
	}
	cores := remote.CoresPerNode
	if cores < 1 {
		cores = 1
	}
	active := cores
	if remote.GigsPerSubtask > 0 && remote.GigsPerNode > 0 {
		// Memory may not allow a subtask on every core.
		if fit := int(remote.GigsPerNode / remote.GigsPerSubtask); fit < active {
			active = fit
		}
		if active < 1 {
			return algorun.RemoteParameters{}, fmt.Errorf("a subtask needs %g GB but a node only has %g GB", remote.GigsPerSubtask, remote.GigsPerNode)
		}
	}
	// No point asking for more nodes than can be kept busy.
	needed := (subtasks + active - 1) / active
	if needed < 1 {
		needed = 1
	}
	nodes := remote.NodeCount
	if nodes < 1 || nodes > needed {
		nodes = needed
	}
	return algorun.RemoteParameters{
		Queue:                  remote.Queue,
		Architecture:           remote.Architecture,
		RequestedWallTime:      remote.WallTime,
		RequestedNodeCount:     nodes,
		ActiveCoresPerNode:     active,
		MinCoresPerNode:        cores,
		GigsPerNode:            remote.GigsPerNode,
		GigsPerSubtask:         remote.GigsPerSubtask,
		Group:                  remote.Group,
		ComputeNodeCommandPath: remote.ComputeNodeCommand,
	}, nil
}

// LocalActiveCores returns the number of subtasks to run at once on
// the local host.
func LocalActiveCores(cfg algorun.LocalConfig) int {
	if cfg.ActiveCores > 0 {
		return cfg.ActiveCores
	}
	return runtime.NumCPU()
}

func taskDirOf(taskDataDir string, task algorun.PipelineTask) string {
	return filepath.Join(taskDataDir, statefile.KeyOf(task).TaskDirName())
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
