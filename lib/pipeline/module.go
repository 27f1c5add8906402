// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"git.algorun.org/algorun.git/lib/executor"
	"git.algorun.org/algorun.git/lib/statefile"
	"git.algorun.org/algorun.git/lib/taskdir"
	"git.algorun.org/algorun.git/sdk/go/algorun"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Module runs the processing steps of a pipeline module's tasks.
type Module struct {
	Store TaskStore
	// Default ExistingSubtasks.
	Preparer InputsPreparer
	// Default ResultsMarker.
	Persister OutputsPersister
	Local     executor.Executor
	// If nil, tasks that would run remotely fail at SUBMITTING.
	Remote       executor.Executor
	RemoteConfig algorun.RemoteConfig
	TaskDataDir  string
	// If not empty, Run returns a *HaltError after running this
	// step's action.
	HaltStep algorun.ProcessingStep
	Logger   logrus.FieldLogger

	setupOnce       sync.Once
	mQueueWait      prometheus.Histogram
	mWallTime       prometheus.Histogram
	mPendingReceive prometheus.Histogram
}

func (m *Module) setup() {
	if m.mQueueWait == nil {
		m.RegisterMetrics(nil)
	}
	if m.Preparer == nil {
		m.Preparer = ExistingSubtasks{}
	}
	if m.Persister == nil {
		m.Persister = ResultsMarker{}
	}
}

// RegisterMetrics creates the elapsed-time histograms recorded for
// remote executions and registers them with reg. It must be called
// before Run, if at all.
func (m *Module) RegisterMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	buckets := prometheus.ExponentialBuckets(1, 4, 10)
	m.mQueueWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "algorun",
		Subsystem: "pipeline",
		Name:      "queue_wait_seconds",
		Help:      "Time between submitting a batch job and the algorithm starting on the first compute node.",
		Buckets:   buckets,
	})
	reg.MustRegister(m.mQueueWait)
	m.mWallTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "algorun",
		Subsystem: "pipeline",
		Name:      "wall_time_seconds",
		Help:      "Time between the algorithm starting and the last compute node finishing.",
		Buckets:   buckets,
	})
	reg.MustRegister(m.mWallTime)
	m.mPendingReceive = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "algorun",
		Subsystem: "pipeline",
		Name:      "pending_receive_seconds",
		Help:      "Time between the last compute node finishing and the results being stored.",
		Buckets:   buckets,
	})
	reg.MustRegister(m.mPendingReceive)
}

// Run advances the task through its processing steps, starting at
// the step selected by mode, until the task is complete or its
// algorithm is running remotely.
//
// When a step fails, the task's state is set to ERROR and the step is
// left unchanged, so the task can be resumed at that step. If ctx is
// cancelled the task's state is left alone.
func (m *Module) Run(ctx context.Context, taskID int64, mode algorun.RunMode) error {
	m.setupOnce.Do(m.setup)
	task, err := m.Store.Task(ctx, taskID)
	if err != nil {
		return err
	}
	logger := m.Logger.WithFields(task.LogFields()).WithField("RunMode", mode)

	step := task.ProcessingStep
	switch mode {
	case algorun.RunStandard, "":
		if task.State == algorun.TaskError {
			return fmt.Errorf("%w, use %s or %s to continue", errTaskInError, algorun.RunResumeCurrentStep, algorun.RunRestartFromBeginning)
		}
	case algorun.RunResumeCurrentStep:
	case algorun.RunRestartFromBeginning:
		step = algorun.StepMarshaling
	case algorun.RunResubmit:
		step = algorun.StepSubmitting
	case algorun.RunResumeMonitoring:
		if !inFlight(step) {
			logger.WithField("ProcessingStep", step).Info("task is not running, nothing to monitor")
			return nil
		}
		return m.resumeMonitoring(ctx, task)
	default:
		return fmt.Errorf("unknown run mode %q", mode)
	}
	if !step.Valid() {
		return fmt.Errorf("task %d has unknown processing step %q", taskID, step)
	}
	if step == algorun.StepComplete {
		logger.Debug("task is already complete")
		return nil
	}
	if step != task.ProcessingStep {
		if err := m.Store.UpdateProcessingStep(ctx, taskID, step); err != nil {
			return err
		}
	}
	if !inFlight(step) {
		if err := m.Store.SetState(ctx, taskID, algorun.TaskProcessing); err != nil {
			return err
		}
	}

	for {
		task, err = m.Store.Task(ctx, taskID)
		if err != nil {
			return err
		}
		logger := logger.WithField("ProcessingStep", step)
		logger.Debug("running processing step")
		next, wait, err := m.runStep(ctx, logger, task)
		if err != nil {
			err = fmt.Errorf("processing step %s: %w", step, err)
			if ctx.Err() == nil {
				logger.WithError(err).Error("task failed")
				m.setError(ctx, logger, taskID)
			}
			return err
		}
		halt := m.HaltStep != "" && step == m.HaltStep
		// A submitted task's step is recorded by submit, and
		// may have been advanced by a monitor since. A task
		// halted on its way to COMPLETE stays at this step, so
		// RESUME_CURRENT_STEP can finish it.
		if next != step && !wait && !(halt && next == algorun.StepComplete) {
			if err := m.Store.UpdateProcessingStep(ctx, taskID, next); err != nil {
				return err
			}
		}
		if halt {
			logger.Info("halting")
			m.setError(ctx, logger, taskID)
			return &HaltError{Step: step}
		}
		if next == algorun.StepComplete {
			logger.Info("task complete")
			return nil
		}
		if wait {
			return nil
		}
		step = next
	}
}

func inFlight(step algorun.ProcessingStep) bool {
	return step == algorun.StepQueued || step == algorun.StepExecuting
}

func (m *Module) setError(ctx context.Context, logger logrus.FieldLogger, taskID int64) {
	if err := m.Store.SetState(ctx, taskID, algorun.TaskError); err != nil {
		logger.WithError(err).Error("error setting task state")
	}
}

func (m *Module) taskDir(task algorun.PipelineTask) string {
	return filepath.Join(m.TaskDataDir, statefile.KeyOf(task).TaskDirName())
}

// runStep runs the action of the task's current step. It returns the
// step to go to next, and true if the task is waiting for a batch
// job.
func (m *Module) runStep(ctx context.Context, logger logrus.FieldLogger, task algorun.PipelineTask) (algorun.ProcessingStep, bool, error) {
	taskDir := m.taskDir(task)
	switch step := task.ProcessingStep; step {
	case algorun.StepMarshaling:
		n, err := m.Preparer.PrepareInputs(ctx, task, taskDir)
		if err != nil {
			return "", false, fmt.Errorf("preparing inputs: %w", err)
		}
		if err := m.Store.UpdateSubtaskCounts(ctx, task.ID, algorun.SubtaskCounts{Total: n}); err != nil {
			return "", false, err
		}
		if n == 0 {
			logger.Info("no subtasks")
			return algorun.StepComplete, false, m.Store.SetState(ctx, task.ID, algorun.TaskCompleted)
		}
		logger.WithField("Subtasks", n).Info("inputs prepared")
		return algorun.StepSubmitting, false, nil
	case algorun.StepSubmitting:
		return m.submit(ctx, logger, task, taskDir)
	case algorun.StepQueued, algorun.StepExecuting:
		// Already submitted. Make sure something is watching
		// it, but don't submit it again.
		return step, true, m.resumeMonitoring(ctx, task)
	case algorun.StepWaitingToStore:
		if task.Remote {
			m.recordElapsed(logger, taskDir)
		}
		return algorun.StepStoring, false, nil
	case algorun.StepStoring:
		if err := m.storeResults(ctx, logger, task, taskDir); err != nil {
			return "", false, err
		}
		return algorun.StepComplete, false, nil
	default:
		_, err := NextProcessingStep(step)
		return "", false, err
	}
}

func (m *Module) submit(ctx context.Context, logger logrus.FieldLogger, task algorun.PipelineTask, taskDir string) (algorun.ProcessingStep, bool, error) {
	counts, err := taskdir.CountSubtasks(taskDir)
	if err != nil {
		return "", false, err
	}
	decision, err := executor.Decide(task.Resources, m.RemoteConfig, counts)
	if err != nil {
		return "", false, err
	}
	exr := m.Local
	if decision.Kind == executor.KindRemote {
		exr = m.Remote
	}
	if exr == nil {
		return "", false, fmt.Errorf("no %s executor configured", decision.Kind)
	}
	remote := decision.Kind == executor.KindRemote
	if err := m.Store.SetRemote(ctx, task.ID, remote); err != nil {
		return "", false, err
	}
	task.Remote = remote
	if remote {
		// The job may finish before Submit returns, and the
		// monitor only advances tasks it finds in QUEUED or
		// EXECUTING.
		if err := m.Store.UpdateProcessingStep(ctx, task.ID, algorun.StepQueued); err != nil {
			return "", false, err
		}
	}
	logger.WithFields(logrus.Fields{
		"Executor":  decision.Kind,
		"Remaining": counts.Remaining(),
	}).Info("submitting")
	running, err := exr.Submit(ctx, task, decision)
	if err != nil {
		if remote {
			if err := m.Store.UpdateProcessingStep(context.Background(), task.ID, algorun.StepSubmitting); err != nil {
				logger.WithError(err).Error("error resetting processing step")
			}
		}
		return "", false, err
	}
	if running {
		return algorun.StepQueued, true, nil
	}
	counts, err = taskdir.CountSubtasks(taskDir)
	if err != nil {
		return "", false, err
	}
	if err := m.Store.UpdateSubtaskCounts(ctx, task.ID, counts); err != nil {
		return "", false, err
	}
	return algorun.StepWaitingToStore, false, nil
}

func (m *Module) resumeMonitoring(ctx context.Context, task algorun.PipelineTask) error {
	if !task.Remote {
		return nil
	}
	if m.Remote == nil {
		return errors.New("no remote executor configured")
	}
	return m.Remote.ResumeMonitoring(ctx, task)
}

// recordElapsed observes the queue wait, wall time, and
// pending-receive time of a finished batch job.
func (m *Module) recordElapsed(logger logrus.FieldLogger, taskDir string) {
	queueWait, err := taskdir.Elapsed(taskDir, taskdir.EventQueued, taskdir.EventStart)
	if err != nil {
		logger.WithError(err).Warn("error reading timestamps")
		return
	}
	wallTime, err := taskdir.Elapsed(taskDir, taskdir.EventStart, taskdir.EventFinish)
	if err != nil {
		logger.WithError(err).Warn("error reading timestamps")
		return
	}
	var pending time.Duration
	if finish, ok, err := taskdir.Timestamp(taskDir, taskdir.EventFinish); err != nil {
		logger.WithError(err).Warn("error reading timestamps")
		return
	} else if ok {
		pending = time.Since(finish)
	}
	for _, x := range []struct {
		h prometheus.Histogram
		d time.Duration
	}{
		{m.mQueueWait, queueWait},
		{m.mWallTime, wallTime},
		{m.mPendingReceive, pending},
	} {
		if x.d > 0 {
			x.h.Observe(x.d.Seconds())
		}
	}
	logger.WithFields(logrus.Fields{
		"QueueWait":      queueWait.String(),
		"WallTime":       wallTime.String(),
		"PendingReceive": pending.String(),
	}).Info("job finished")
}

// storeResults decides whether the task succeeded, and if so persists
// its outputs and sets its final state.
func (m *Module) storeResults(ctx context.Context, logger logrus.FieldLogger, task algorun.PipelineTask, taskDir string) error {
	summary, err := taskdir.NewFailureSummary(taskDir)
	if err != nil {
		return err
	}
	counts, err := taskdir.CountSubtasks(taskDir)
	if err != nil {
		return err
	}
	// Subtasks that never ran have no marker, and count as
	// failed here.
	counts.Failed = counts.Total - counts.Complete
	if err := m.Store.UpdateSubtaskCounts(ctx, task.ID, counts); err != nil {
		return err
	}
	logger = logger.WithField("Counts", counts.String())
	if len(summary.FailedSubtasks) > 0 {
		logger = logger.WithField("FailedSubtasks", summary.FailedSubtasks)
	}
	if counts.Total > 0 && (summary.AllFailed || counts.Complete == 0) {
		return ErrAllSubtasksFailed
	}
	partial := counts.Failed > 0
	if partial && !task.Resources.AllowPartialTasks {
		return fmt.Errorf("%w (%d of %d failed)", ErrPartialFailure, counts.Failed, counts.Total)
	}
	if err := m.Persister.PersistOutputs(ctx, task, taskDir, summary); err != nil {
		return fmt.Errorf("persisting outputs: %w", err)
	}
	state := algorun.TaskCompleted
	if partial {
		logger.Warn("storing partial results")
		state = algorun.TaskPartial
	}
	return m.Store.SetState(ctx, task.ID, state)
}
