// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"git.algorun.org/algorun.git/lib/alert"
	"git.algorun.org/algorun.git/lib/batch/slurm"
	"git.algorun.org/algorun.git/lib/config"
	"git.algorun.org/algorun.git/lib/executor"
	"git.algorun.org/algorun.git/lib/monitor"
	"git.algorun.org/algorun.git/lib/pipeline"
	"git.algorun.org/algorun.git/lib/statefile"
	"git.algorun.org/algorun.git/lib/taskstore"
	"git.algorun.org/algorun.git/lib/worker"
	"git.algorun.org/algorun.git/sdk/go/algorun"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var errNotRunning = errors.New("task is not running")

// Stack is the set of components that process tasks in an
// orchestrator process: a task store, the worker pool running the
// state machine, the executors, and the monitors.
type Stack struct {
	Config   *algorun.Config
	Logger   logrus.FieldLogger
	Registry *prometheus.Registry

	Store   taskstore.Store
	Bus     *monitor.Bus
	Alerts  *alert.Service
	Monitor *monitor.AlgorithmMonitor
	// Nil if remote execution is disabled.
	Slurm  *slurm.Dispatcher
	Module *pipeline.Module
	Queue  *worker.Queue
	Pool   *worker.Pool

	// Nil if tasks are kept in memory.
	db *taskstore.PostgreSQL

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewStack builds the components described by cfg. configPath is
// passed to the compute node master of remote jobs.
func NewStack(cfg *algorun.Config, configPath string, logger logrus.FieldLogger, reg *prometheus.Registry) (*Stack, error) {
	algorithm, err := config.AlgorithmCommand(cfg)
	if err != nil {
		return nil, err
	}
	st := &Stack{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Bus:      &monitor.Bus{},
		Queue:    &worker.Queue{},
	}
	if len(cfg.PostgreSQL.Connection) > 0 {
		st.db, err = taskstore.OpenPostgreSQL(context.Background(), cfg.PostgreSQL.Connection, cfg.PostgreSQL.ConnectionPool)
		if err != nil {
			return nil, err
		}
		st.Store = st.db
	} else {
		st.Store = &taskstore.Memory{}
	}
	st.Alerts = alert.NewService(logger.WithField("Component", "alert"), reg)
	st.Monitor = &monitor.AlgorithmMonitor{
		StateFileDir:     cfg.Directories.StateFiles,
		TaskDataDir:      cfg.Directories.TaskData,
		Store:            st.Store,
		Queue:            st.Queue,
		Alerts:           st.Alerts,
		Bus:              st.Bus,
		PollInterval:     cfg.Pipeline.PollInterval.Duration(),
		FinishCheckEvery: cfg.Pipeline.FinishCheckEvery,
		Watch:            true,
		Logger:           logger.WithField("Component", "monitor"),
	}
	st.Monitor.RegisterMetrics(reg)

	local := &executor.Local{
		TaskDataDir:  cfg.Directories.TaskData,
		StateFileDir: cfg.Directories.StateFiles,
		Command:      algorithm,
		ActiveCores:  executor.LocalActiveCores(cfg.Local),
		Timeout:      cfg.Algorithm.Timeout.Duration(),
		PollInterval: cfg.Pipeline.PollInterval.Duration(),
		Bus:          st.Bus,
		Registry:     reg,
		Logger:       logger.WithField("Component", "local"),
	}
	var remote executor.Executor
	if cfg.Remote.Enabled {
		st.Slurm = &slurm.Dispatcher{
			Logger:          logger.WithField("Component", "slurm"),
			Period:          cfg.Pipeline.PollInterval.Duration(),
			SbatchArguments: cfg.Remote.SbatchArguments,
			Parallelism:     cfg.Remote.SubmitParallelism,
		}
		st.Monitor.Jobs = st.Slurm
		remote = &executor.Remote{
			TaskDataDir:  cfg.Directories.TaskData,
			StateFileDir: cfg.Directories.StateFiles,
			ConfigPath:   configPath,
			Submitter:    st.Slurm,
			Monitor:      st.Monitor,
			Logger:       logger.WithField("Component", "remote"),
		}
	}
	st.Module = &pipeline.Module{
		Store:        st.Store,
		Local:        local,
		Remote:       remote,
		RemoteConfig: cfg.Remote,
		TaskDataDir:  cfg.Directories.TaskData,
		HaltStep:     cfg.Pipeline.HaltStep,
		Logger:       logger.WithField("Component", "pipeline"),
	}
	st.Module.RegisterMetrics(reg)
	st.Pool = &worker.Pool{
		Queue:          st.Queue,
		Runner:         st.Module,
		Workers:        cfg.Pipeline.Workers,
		MinRetryPeriod: cfg.Pipeline.MinRetryPeriod.Duration(),
		OnError:        st.alertOnError,
		Logger:         logger.WithField("Component", "worker"),
	}
	st.Pool.RegisterMetrics(reg)
	return st, nil
}

// Start the batch queue poller, the monitor, and the worker pool.
func (st *Stack) Start(ctx context.Context) {
	ctx, st.cancel = context.WithCancel(ctx)
	st.done = make(chan struct{})
	if st.Slurm != nil {
		st.Slurm.Start(ctx)
	}
	st.Monitor.Start(ctx)
	go func() {
		defer close(st.done)
		err := st.Pool.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			st.Logger.WithError(err).Error("worker pool stopped")
		}
	}()
}

// Recover queues a RESUME_MONITORING request for each task that was
// waiting for a batch job or local execution when a previous process
// exited. It returns the number of requests queued.
func (st *Stack) Recover(ctx context.Context) (int, error) {
	tasks, err := st.Store.Tasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing tasks: %w", err)
	}
	n := 0
	for _, task := range tasks {
		switch task.ProcessingStep {
		case algorun.StepQueued, algorun.StepExecuting:
			st.Logger.WithFields(task.LogFields()).Info("resuming monitoring")
			st.Enqueue(task, algorun.RunResumeMonitoring)
			n++
		}
	}
	return n, nil
}

// Stop everything started by Start, wait for running state machines
// to return, and close the database.
func (st *Stack) Stop() {
	st.stopOnce.Do(func() {
		if st.cancel != nil {
			st.cancel()
			<-st.done
			st.Monitor.Stop()
			if st.Slurm != nil {
				st.Slurm.Stop()
			}
		}
		if st.db != nil {
			st.db.Close()
		}
	})
}

// CreateTask adds a task with the configured resource limits and
// queues it for processing.
func (st *Stack) CreateTask(ctx context.Context, task algorun.PipelineTask) (algorun.PipelineTask, error) {
	if task.ModuleName == "" {
		return task, fmt.Errorf("%w: module name is required", errBadRequest)
	}
	task.Resources = st.Config.ExecutionResources()
	task, err := st.Store.Create(ctx, task)
	if err != nil {
		return task, err
	}
	st.Enqueue(task, algorun.RunStandard)
	return task, nil
}

// Enqueue asks the worker pool to run the state machine for a task.
func (st *Stack) Enqueue(task algorun.PipelineTask, mode algorun.RunMode) {
	st.Queue.Enqueue(algorun.WorkerTaskRequest{
		InstanceID: task.InstanceID,
		TaskID:     task.ID,
		RunMode:    mode,
	})
}

// HaltTask stops a running task. Its state file is marked DELETED,
// which makes the compute node masters stop and the monitor fail the
// task, and its batch job is cancelled.
func (st *Stack) HaltTask(ctx context.Context, taskID int64) error {
	task, err := st.Store.Task(ctx, taskID)
	if err != nil {
		return err
	}
	key := statefile.KeyOf(task)
	taskDir := filepath.Join(st.Config.Directories.TaskData, key.TaskDirName())
	_, err = statefile.Modify(st.Config.Directories.StateFiles, taskDir, key, func(sf *statefile.StateFile) {
		sf.State = statefile.Deleted
	})
	if errors.Is(err, statefile.ErrStateFileMissing) {
		return fmt.Errorf("%w (processing step %s)", errNotRunning, task.ProcessingStep)
	} else if err != nil {
		return err
	}
	st.Logger.WithFields(task.LogFields()).Info("halting task")
	st.Bus.Publish(monitor.Event{Kind: monitor.EventHaltTasks, Key: key})
	if st.Slurm != nil && task.Remote {
		if err := st.Slurm.Cancel(ctx, key); err != nil {
			return fmt.Errorf("cancelling batch job: %w", err)
		}
	}
	return nil
}

// WaitTask waits until the task is complete, or has failed with
// nothing left to retry it.
func (st *Stack) WaitTask(ctx context.Context, taskID int64, poll time.Duration) (algorun.PipelineTask, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	settled := 0
	for {
		task, err := st.Store.Task(ctx, taskID)
		if err != nil {
			return task, err
		}
		if task.ProcessingStep == algorun.StepComplete {
			return task, nil
		}
		// A failed task may still be resubmitted by the
		// monitor or a deferred request, so make sure it
		// stays put.
		if task.State == algorun.TaskError && st.Pool.Idle() && !st.Monitor.Monitoring(statefile.KeyOf(task)) {
			settled++
		} else {
			settled = 0
		}
		if settled > 1 {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (st *Stack) alertOnError(req algorun.WorkerTaskRequest, err error) {
	task, terr := st.Store.Task(context.Background(), req.TaskID)
	if terr != nil {
		return
	}
	var herr *pipeline.HaltError
	if errors.As(err, &herr) {
		st.Alerts.Alert(context.Background(), task, alert.Warning, err.Error())
		return
	}
	st.Alerts.Alert(context.Background(), task, alert.Error, err.Error())
}
