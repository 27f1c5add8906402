// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package computenode runs the subtasks of one task on the current
// host, in cooperation with any other hosts working on the same task
// directory.
package computenode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"git.algorun.org/algorun.git/lib/monitor"
	"git.algorun.org/algorun.git/lib/statefile"
	"git.algorun.org/algorun.git/lib/subtask"
	"git.algorun.org/algorun.git/lib/taskdir"
	"git.algorun.org/algorun.git/sdk/go/algorun"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// NodeMaster runs one subtask server and ActiveCores subtask masters
// for a task directory.
type NodeMaster struct {
	TaskDir string
	// If empty, no state file is maintained.
	StateFileDir string
	Command      []string
	JobName      string
	JobID        string
	Node         string
	// Number of concurrent subtasks. If zero, the value recorded
	// in the task directory at submission time is used.
	ActiveCores int
	// Per-subtask timeout. If zero, the wall time recorded in the
	// task directory is used.
	Timeout       time.Duration
	PollInterval  time.Duration
	RetryInterval time.Duration
	OnSubtaskDone func(index int, state taskdir.SubtaskState)
	Logger        logrus.FieldLogger
	Registry      *prometheus.Registry

	key         statefile.Key
	subtasks    int
	server      *subtask.Server
	monitor     *monitor.TaskMonitor
	exhausted   bool
	cleanupOnce sync.Once

	mWorkers  prometheus.Gauge
	mSubtasks *prometheus.CounterVec
}

// Initialize reads the task directory and records the node's arrival.
// It returns false if there is nothing to do because every subtask is
// already complete or failed.
func (nm *NodeMaster) Initialize(ctx context.Context) (bool, error) {
	var err error
	nm.key, err = statefile.KeyFromTaskDir(nm.TaskDir)
	if err != nil {
		return false, err
	}
	nm.Logger = nm.Logger.WithFields(logrus.Fields{
		"Task": nm.key.String(),
		"Node": nm.Node,
	})
	if nm.ActiveCores <= 0 {
		nm.ActiveCores, err = taskdir.ReadActiveCores(nm.TaskDir)
		if err != nil {
			return false, fmt.Errorf("reading active core count: %w", err)
		}
	}
	if nm.Timeout <= 0 {
		nm.Timeout, err = taskdir.ReadWallTime(nm.TaskDir)
		if errors.Is(err, os.ErrNotExist) {
			nm.Timeout = 0
		} else if err != nil {
			return false, fmt.Errorf("reading wall time: %w", err)
		}
	}
	now := time.Now()
	if err := taskdir.WriteTimestampOnce(nm.TaskDir, taskdir.EventArriveComputeNodes, now); err != nil {
		return false, err
	}
	if queued, ok, _ := taskdir.Timestamp(nm.TaskDir, taskdir.EventQueued); ok {
		nm.Logger.WithField("Queued", humanize.Time(queued)).Info("arrived on compute node")
	}

	counts, err := taskdir.CountSubtasks(nm.TaskDir)
	if err != nil {
		return false, err
	}
	nm.subtasks = counts.Total
	nm.monitor = &monitor.TaskMonitor{
		Key:             nm.key,
		TaskID:          nm.key.TaskID,
		TaskDir:         nm.TaskDir,
		StateFileDir:    nm.StateFileDir,
		SkipFinishCheck: true,
		PollInterval:    nm.PollInterval,
		Logger:          nm.Logger,
	}
	if counts.Terminal() {
		nm.Logger.WithField("Counts", counts.String()).Info("all subtasks already finished")
		return false, nil
	}

	if nm.StateFileDir != "" {
		moved, err := statefile.TryTransition(nm.StateFileDir, nm.TaskDir, nm.key, statefile.Queued, statefile.Processing)
		if err != nil {
			return false, fmt.Errorf("updating state file: %w", err)
		}
		if moved {
			nm.Logger.Info("state file moved to PROCESSING")
		}
	}
	if err := taskdir.WriteTimestampOnce(nm.TaskDir, taskdir.EventStart, time.Now()); err != nil {
		return false, err
	}
	nm.registerMetrics()
	nm.server = subtask.NewServer(nm.Logger, nm.subtasks)
	nm.server.Start()
	nm.Logger.WithFields(logrus.Fields{
		"Subtasks":    nm.subtasks,
		"ActiveCores": nm.ActiveCores,
		"Timeout":     nm.Timeout.String(),
	}).Info("initialized")
	return true, nil
}

func (nm *NodeMaster) registerMetrics() {
	nm.mWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "algorun",
		Subsystem: "computenode",
		Name:      "workers_running",
		Help:      "Number of subtask masters still running.",
	})
	nm.mSubtasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "algorun",
		Subsystem: "computenode",
		Name:      "subtasks_total",
		Help:      "Number of subtasks executed on this node, by outcome.",
	}, []string{"state"})
	if nm.Registry == nil {
		return
	}
	// Local executions in the orchestrator share one registry
	// across many NodeMasters.
	if err := nm.Registry.Register(nm.mWorkers); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
		nm.mWorkers = are.ExistingCollector.(prometheus.Gauge)
	}
	if err := nm.Registry.Register(nm.mSubtasks); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
		nm.mSubtasks = are.ExistingCollector.(*prometheus.CounterVec)
	}
}

// Run starts the subtask masters and waits until they have all
// exited. Meanwhile it keeps the state file counts up to date, and
// stops the masters early if the state file is marked DELETED.
func (nm *NodeMaster) Run(ctx context.Context) error {
	if nm.server == nil {
		return errors.New("not initialized")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	monitorDone := make(chan struct{})
	mastersDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		nm.watch(ctx, cancel, mastersDone)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for t := 0; t < nm.ActiveCores; t++ {
		m := &subtask.Master{
			Client:        nm.server.Client(),
			TaskDir:       nm.TaskDir,
			Command:       nm.Command,
			Timeout:       nm.Timeout,
			RetryInterval: nm.RetryInterval,
			Thread:        t,
			JobName:       nm.JobName,
			JobID:         nm.JobID,
			Node:          nm.Node,
			Logger:        nm.Logger,
			OnSubtaskDone: nm.subtaskDone,
		}
		nm.mWorkers.Inc()
		g.Go(func() error {
			defer nm.mWorkers.Dec()
			return m.Run(gctx)
		})
	}
	err := g.Wait()
	close(mastersDone)
	<-monitorDone
	if err == nil {
		nm.exhausted = true
		nm.Logger.Info("no more subtasks")
	}
	return err
}

func (nm *NodeMaster) subtaskDone(i int, state taskdir.SubtaskState) {
	nm.mSubtasks.WithLabelValues(string(state)).Inc()
	if nm.OnSubtaskDone != nil {
		nm.OnSubtaskDone(i, state)
	}
}

// watch updates counts periodically until the masters are done or
// every subtask is terminal. It calls cancel if the task is deleted.
func (nm *NodeMaster) watch(ctx context.Context, cancel context.CancelFunc, mastersDone <-chan struct{}) {
	interval := nm.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-mastersDone:
			return
		case <-ticker.C:
		}
		if nm.StateFileDir != "" {
			sf, err := statefile.Load(nm.StateFileDir, nm.key)
			if err == nil && sf.IsDeleted() {
				nm.Logger.Warn("task was deleted, stopping")
				cancel()
				return
			}
		}
		counts, err := nm.monitor.Update(ctx, monitor.TriggerPoll)
		if err != nil {
			nm.Logger.WithError(err).Warn("error updating subtask counts")
			continue
		}
		if counts.Terminal() {
			return
		}
	}
}

// Finish records the end of this node's work. It writes the FINISH
// marker, whatever happened before. If this node ran out of subtasks,
// the state file is marked COMPLETE, with any subtask that somehow has
// no outcome counted as failed.
func (nm *NodeMaster) Finish() error {
	err := taskdir.WriteTimestamp(nm.TaskDir, taskdir.EventFinish, time.Now())
	if err != nil {
		nm.Logger.WithError(err).Error("error writing finish marker")
	}
	if elapsed, err := taskdir.Elapsed(nm.TaskDir, taskdir.EventStart, taskdir.EventFinish); err == nil {
		nm.Logger.WithField("Elapsed", elapsed.Round(time.Second).String()).Info("finished")
	}
	counts, cerr := taskdir.CountSubtasks(nm.TaskDir)
	if cerr != nil {
		return cerr
	}
	if !counts.Terminal() && !nm.exhausted {
		if nm.StateFileDir != "" {
			_, serr := statefile.SetCounts(nm.StateFileDir, nm.TaskDir, nm.key, counts)
			if serr != nil && !errors.Is(serr, statefile.ErrStateFileMissing) {
				return serr
			}
		}
		return err
	}
	if !counts.Terminal() {
		nm.Logger.WithField("Counts", counts.String()).Warn("counting subtasks with no outcome as failed")
		counts.Failed = counts.Total - counts.Complete
	}
	if nm.StateFileDir == "" {
		return err
	}
	_, serr := statefile.Modify(nm.StateFileDir, nm.TaskDir, nm.key, func(sf *statefile.StateFile) {
		*sf = sf.WithCounts(counts)
		if !sf.IsDeleted() {
			sf.State = statefile.Complete
		}
	})
	if serr != nil && !errors.Is(serr, statefile.ErrStateFileMissing) {
		return serr
	}
	return err
}

// Counts returns the subtask counts as of the last update.
func (nm *NodeMaster) Counts() algorun.SubtaskCounts {
	if nm.monitor == nil {
		return algorun.SubtaskCounts{}
	}
	return nm.monitor.Counts()
}

// Cleanup stops the subtask server. It is safe to call more than once.
func (nm *NodeMaster) Cleanup() {
	nm.cleanupOnce.Do(func() {
		if nm.server != nil {
			nm.server.Stop()
		}
		if nm.monitor != nil {
			nm.monitor.Shutdown()
		}
	})
}

// RunAll runs Initialize, Run, Finish and Cleanup in order, and
// returns the first error.
func (nm *NodeMaster) RunAll(ctx context.Context) error {
	defer nm.Cleanup()
	ok, err := nm.Initialize(ctx)
	if err != nil {
		return err
	}
	var runErr error
	if ok {
		runErr = nm.Run(ctx)
	}
	if err := nm.Finish(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
