// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.algorun.org/algorun.git/lib/statefile"
	"git.algorun.org/algorun.git/lib/taskdir"
	"git.algorun.org/algorun.git/sdk/go/algorun"
	"github.com/sirupsen/logrus"
)

// Remote submits a task to the batch system and hands it to a Monitor.
type Remote struct {
	TaskDataDir  string
	StateFileDir string
	// Passed to the compute node master with -config, if not
	// empty.
	ConfigPath string
	Submitter  JobSubmitter
	Monitor    Monitor
	Logger     logrus.FieldLogger
}

func (r *Remote) Submit(ctx context.Context, task algorun.PipelineTask, decision Decision) (bool, error) {
	if decision.Kind != KindRemote {
		return false, fmt.Errorf("remote executor cannot run a %s decision", decision.Kind)
	}
	params := decision.Params
	taskDir := taskDirOf(r.TaskDataDir, task)
	key := statefile.KeyOf(task)
	logger := r.Logger.WithFields(task.LogFields())

	if err := taskdir.ClearStaleStates(taskDir); err != nil {
		return false, err
	}
	counts, err := taskdir.CountSubtasks(taskDir)
	if err != nil {
		return false, err
	}
	wallTime, err := params.RequestedWallTime.Duration()
	if err != nil {
		return false, err
	}
	if err := taskdir.WriteActiveCores(taskDir, params.ActiveCoresPerNode); err != nil {
		return false, err
	}
	if err := taskdir.WriteWallTime(taskDir, wallTime); err != nil {
		return false, err
	}
	for _, ev := range []taskdir.Event{taskdir.EventArriveComputeNodes, taskdir.EventStart, taskdir.EventFinish} {
		// Left over from an earlier attempt.
		if err := taskdir.DeleteTimestamp(taskDir, ev); err != nil {
			return false, err
		}
	}

	params.SubmitTimeMillis = nowMillis()
	sf := statefile.Generate(task, params, counts.Total).WithCounts(counts)
	if err := statefile.Persist(r.StateFileDir, sf); err != nil {
		return false, err
	}

	command := []string{params.ComputeNodeCommandPath, "compute-node-master", "-state-files", r.StateFileDir}
	if r.ConfigPath != "" {
		command = append(command, "-config", r.ConfigPath)
	}
	command = append(command, taskDir)
	spec := JobSpec{
		Name:    JobName(key),
		Key:     key,
		TaskDir: taskDir,
		Params:  params,
		Command: command,
	}
	if err := r.Submitter.Submit(ctx, spec); err != nil {
		if derr := statefile.Delete(r.StateFileDir, sf); derr != nil {
			logger.WithError(derr).Warn("error deleting state file of failed submission")
		}
		return false, fmt.Errorf("submitting job: %w", err)
	}
	if err := taskdir.WriteTimestamp(taskDir, taskdir.EventQueued, time.Now()); err != nil {
		logger.WithError(err).Warn("error writing queued timestamp")
	}
	logger.WithFields(logrus.Fields{
		"JobName":   spec.Name,
		"Nodes":     params.RequestedNodeCount,
		"Remaining": counts.Remaining(),
	}).Info("submitted batch job")
	r.Monitor.StartMonitoring(ctx, sf)
	return true, nil
}

func (r *Remote) ResumeMonitoring(ctx context.Context, task algorun.PipelineTask) error {
	sf, err := statefile.Load(r.StateFileDir, statefile.KeyOf(task))
	if errors.Is(err, statefile.ErrStateFileMissing) {
		return fmt.Errorf("cannot resume monitoring: %w", err)
	} else if err != nil {
		return err
	}
	r.Monitor.StartMonitoring(ctx, sf)
	return nil
}
