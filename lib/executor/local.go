// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executor

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"git.algorun.org/algorun.git/lib/computenode"
	"git.algorun.org/algorun.git/lib/monitor"
	"git.algorun.org/algorun.git/lib/statefile"
	"git.algorun.org/algorun.git/lib/taskdir"
	"git.algorun.org/algorun.git/sdk/go/algorun"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Local runs a task's subtasks on this host, and returns when they
// are all done.
type Local struct {
	TaskDataDir  string
	StateFileDir string
	Command      []string
	ActiveCores  int
	Timeout      time.Duration
	PollInterval time.Duration
	// If not nil, a WorkerStatus event is published after each
	// subtask.
	Bus      *monitor.Bus
	Registry *prometheus.Registry
	Logger   logrus.FieldLogger
}

func (l *Local) Submit(ctx context.Context, task algorun.PipelineTask, decision Decision) (bool, error) {
	taskDir := taskDirOf(l.TaskDataDir, task)
	key := statefile.KeyOf(task)
	logger := l.Logger.WithFields(task.LogFields())
	if err := taskdir.ClearStaleStates(taskDir); err != nil {
		return false, err
	}
	counts, err := taskdir.CountSubtasks(taskDir)
	if err != nil {
		return false, err
	}
	cores := l.ActiveCores
	if cores < 1 {
		cores = 1
	}
	sf := statefile.Generate(task, algorun.RemoteParameters{ActiveCoresPerNode: cores}, counts.Total).WithCounts(counts)
	if err := statefile.Persist(l.StateFileDir, sf); err != nil {
		return false, err
	}
	if err := taskdir.WriteTimestamp(taskDir, taskdir.EventQueued, time.Now()); err != nil {
		return false, err
	}
	logger.WithField("ActiveCores", cores).Info("running task locally")

	nm := &computenode.NodeMaster{
		TaskDir:      taskDir,
		StateFileDir: l.StateFileDir,
		Command:      l.Command,
		JobName:      "local",
		JobID:        strconv.Itoa(os.Getpid()),
		Node:         "localhost",
		ActiveCores:  cores,
		Timeout:      l.Timeout,
		PollInterval: l.PollInterval,
		Registry:     l.Registry,
		Logger:       logger,
	}
	if l.Bus != nil {
		nm.OnSubtaskDone = func(int, taskdir.SubtaskState) {
			l.Bus.Publish(monitor.Event{Kind: monitor.EventWorkerStatus, Key: key})
		}
	}
	runErr := nm.RunAll(ctx)

	// Nothing else monitors a local execution, so the state file
	// has served its purpose.
	if cur, err := statefile.Load(l.StateFileDir, key); err == nil {
		if err := statefile.Delete(l.StateFileDir, cur); err != nil {
			logger.WithError(err).Warn("error deleting state file")
		}
	} else if !errors.Is(err, statefile.ErrStateFileMissing) {
		logger.WithError(err).Warn("error loading state file")
	}
	return false, runErr
}

// ResumeMonitoring has nothing to do: a local execution ends with the
// process that started it.
func (l *Local) ResumeMonitoring(ctx context.Context, task algorun.PipelineTask) error {
	return nil
}
