// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package monitor tracks tasks whose algorithm is running, locally or
// on a batch system, and decides what happens to each task when its
// job ends.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"git.algorun.org/algorun.git/lib/alert"
	"git.algorun.org/algorun.git/lib/statefile"
	"git.algorun.org/algorun.git/lib/taskdir"
	"git.algorun.org/algorun.git/sdk/go/algorun"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Disposition is the outcome of a finished job.
type Disposition string

const (
	// Enough subtasks succeeded: go on to store the results.
	Persist Disposition = "PERSIST"
	// Too many failures, but the task gets another try.
	Resubmit Disposition = "RESUBMIT"
	Fail     Disposition = "FAIL"
)

const corruptNamesSize = 1000

type monitoredTask struct {
	taskID int64
	tm     *TaskMonitor
}

// AlgorithmMonitor polls the state files of submitted tasks.
type AlgorithmMonitor struct {
	StateFileDir string
	TaskDataDir  string
	Store        TaskStore
	Queue        RequestQueue
	Alerts       AlertService
	// If nil, a task's job is considered finished only when its
	// state file says so.
	Jobs             JobStatusChecker
	Bus              *Bus
	PollInterval     time.Duration
	FinishCheckEvery int
	// Watch task directories for marker changes.
	Watch  bool
	Logger logrus.FieldLogger

	setupOnce sync.Once
	mtx       sync.Mutex
	tasks     map[statefile.Key]*monitoredTask
	corrupt   *lru.Cache
	wake      chan struct{}

	runOnce  sync.Once
	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}

	mTasks        prometheus.Gauge
	mSubtasks     *prometheus.GaugeVec
	mDispositions *prometheus.CounterVec
	mCorrupt      prometheus.Gauge
}

func (am *AlgorithmMonitor) setup() {
	am.tasks = map[statefile.Key]*monitoredTask{}
	am.corrupt, _ = lru.New(corruptNamesSize)
	am.wake = make(chan struct{}, 1)
	am.stop = make(chan struct{})
	am.stopped = make(chan struct{})
	if am.mTasks == nil {
		am.RegisterMetrics(nil)
	}
}

// RegisterMetrics creates the monitor's metrics and registers them
// with reg. It must be called before Start, if at all.
func (am *AlgorithmMonitor) RegisterMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	am.mTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "algorun",
		Subsystem: "monitor",
		Name:      "tasks_monitored",
		Help:      "Number of tasks whose state files are being monitored.",
	})
	reg.MustRegister(am.mTasks)
	am.mSubtasks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "algorun",
		Subsystem: "monitor",
		Name:      "subtasks",
		Help:      "Number of subtasks of monitored tasks, by state.",
	}, []string{"state"})
	reg.MustRegister(am.mSubtasks)
	am.mDispositions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "algorun",
		Subsystem: "monitor",
		Name:      "dispositions_total",
		Help:      "Number of finished jobs, by outcome.",
	}, []string{"disposition"})
	reg.MustRegister(am.mDispositions)
	am.mCorrupt = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "algorun",
		Subsystem: "monitor",
		Name:      "corrupt_state_files",
		Help:      "Number of state file names that could not be parsed.",
	})
	reg.MustRegister(am.mCorrupt)
}

// StartMonitoring adds a task to the set of monitored tasks. Calling
// it again for the same task has no effect.
func (am *AlgorithmMonitor) StartMonitoring(ctx context.Context, sf statefile.StateFile) {
	am.setupOnce.Do(am.setup)
	am.mtx.Lock()
	defer am.mtx.Unlock()
	if _, ok := am.tasks[sf.Key]; ok {
		return
	}
	tm := &TaskMonitor{
		Key:              sf.Key,
		TaskID:           sf.TaskID,
		TaskDir:          filepath.Join(am.TaskDataDir, sf.TaskDirName()),
		StateFileDir:     am.StateFileDir,
		Store:            am.Store,
		Bus:              am.Bus,
		FinishCheckEvery: am.FinishCheckEvery,
		PollInterval:     am.PollInterval,
		Watch:            am.Watch,
		Logger:           am.Logger.WithField("Task", sf.Key.String()),
	}
	tm.Start(ctx)
	am.tasks[sf.Key] = &monitoredTask{taskID: sf.TaskID, tm: tm}
	am.mTasks.Set(float64(len(am.tasks)))
	am.Logger.WithField("StateFile", sf.Name()).Info("monitoring task")
}

// Monitoring reports whether the task is being monitored.
func (am *AlgorithmMonitor) Monitoring(key statefile.Key) bool {
	am.setupOnce.Do(am.setup)
	am.mtx.Lock()
	defer am.mtx.Unlock()
	_, ok := am.tasks[key]
	return ok
}

// Keys returns the monitored tasks, in order.
func (am *AlgorithmMonitor) Keys() []statefile.Key {
	am.setupOnce.Do(am.setup)
	am.mtx.Lock()
	keys := make([]statefile.Key, 0, len(am.tasks))
	for key := range am.tasks {
		keys = append(keys, key)
	}
	am.mtx.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// TaskMonitor returns the TaskMonitor of a monitored task, or nil.
func (am *AlgorithmMonitor) TaskMonitor(key statefile.Key) *TaskMonitor {
	am.setupOnce.Do(am.setup)
	am.mtx.Lock()
	defer am.mtx.Unlock()
	if mt, ok := am.tasks[key]; ok {
		return mt.tm
	}
	return nil
}

// Start polling in a background goroutine.
func (am *AlgorithmMonitor) Start(ctx context.Context) {
	am.setupOnce.Do(am.setup)
	am.runOnce.Do(func() {
		unsubscribe := func() {}
		if am.Bus != nil {
			unsubscribe = am.Bus.Subscribe(func(ev Event) {
				if ev.Kind == EventLastWorkerMessage || ev.Kind == EventTaskProcessingComplete {
					select {
					case am.wake <- struct{}{}:
					default:
					}
				}
			})
		}
		go func() {
			defer unsubscribe()
			am.run(ctx)
		}()
	})
}

// Stop polling, and shut down all task monitors. No other method
// should be called after Stop.
func (am *AlgorithmMonitor) Stop() {
	am.setupOnce.Do(am.setup)
	am.stopOnce.Do(func() {
		close(am.stop)
		// If Start was never called, nothing else will close
		// stopped.
		am.runOnce.Do(func() { close(am.stopped) })
	})
	<-am.stopped
	am.mtx.Lock()
	defer am.mtx.Unlock()
	for _, mt := range am.tasks {
		mt.tm.Shutdown()
	}
}

func (am *AlgorithmMonitor) run(ctx context.Context) {
	defer close(am.stopped)
	interval := am.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-am.stop:
			return
		case <-ticker.C:
		case <-am.wake:
		}
		am.Run(ctx)
	}
}

// Run checks every monitored task once, and disposes of the tasks
// whose jobs have ended.
func (am *AlgorithmMonitor) Run(ctx context.Context) {
	am.setupOnce.Do(am.setup)
	am.checkCorrupt()
	var complete, failed, total int
	for _, key := range am.Keys() {
		counts := am.check(ctx, key)
		complete += counts.Complete
		failed += counts.Failed
		total += counts.Total
	}
	am.mSubtasks.WithLabelValues("complete").Set(float64(complete))
	am.mSubtasks.WithLabelValues("failed").Set(float64(failed))
	am.mSubtasks.WithLabelValues("total").Set(float64(total))
}

func (am *AlgorithmMonitor) checkCorrupt() {
	names, err := statefile.Corrupt(am.StateFileDir)
	if err != nil {
		am.Logger.WithError(err).Warn("error scanning state file directory")
		return
	}
	for _, name := range names {
		if !am.corrupt.Contains(name) {
			am.corrupt.Add(name, struct{}{})
			am.Logger.WithField("Name", name).Warn("ignoring unparseable state file")
		}
	}
	am.mCorrupt.Set(float64(am.corrupt.Len()))
}

// check looks at one task, and returns the counts from its state
// file.
func (am *AlgorithmMonitor) check(ctx context.Context, key statefile.Key) algorun.SubtaskCounts {
	am.mtx.Lock()
	mt := am.tasks[key]
	am.mtx.Unlock()
	if mt == nil {
		return algorun.SubtaskCounts{}
	}
	logger := am.Logger.WithField("Task", key.String())

	sf, err := statefile.Load(am.StateFileDir, key)
	if errors.Is(err, statefile.ErrStateFileMissing) {
		// Possibly mid-rename. Try again next time.
		logger.Debug("state file not found")
		return algorun.SubtaskCounts{}
	} else if err != nil {
		logger.WithError(err).Warn("error loading state file")
		return algorun.SubtaskCounts{}
	}

	finished := false
	if am.Jobs != nil {
		finished, err = am.Jobs.IsFinished(ctx, key)
		if err != nil {
			logger.WithError(err).Warn("error checking job status, assuming not finished")
			finished = false
		}
	}
	if !finished && !sf.IsDone() && !sf.IsDeleted() {
		am.updateRunning(ctx, logger, mt, sf)
		return sf.Counts()
	}

	counts := sf.Counts()
	if !sf.IsDeleted() {
		counts, err = mt.tm.Update(ctx, TriggerAllJobsFinished)
		if err != nil {
			logger.WithError(err).Warn("error updating subtask counts, using state file counts")
			counts = sf.Counts()
		}
		if finished && !counts.Terminal() {
			logger.WithField("Counts", counts.String()).Warn("job ended with unfinished subtasks, counting them as failed")
			counts.Failed = counts.Total - counts.Complete
			if err := am.Store.SetState(ctx, mt.taskID, algorun.TaskError); err != nil {
				logger.WithError(err).Warn("error updating task state")
			}
		}
	}
	am.dispose(ctx, logger, mt, sf, counts)
	return counts
}

// updateRunning copies progress into the task record while the job is
// still going.
func (am *AlgorithmMonitor) updateRunning(ctx context.Context, logger logrus.FieldLogger, mt *monitoredTask, sf statefile.StateFile) {
	task, err := am.Store.Task(ctx, mt.taskID)
	if err != nil {
		logger.WithError(err).Warn("error loading task")
		return
	}
	if counts := sf.Counts(); counts != task.Counts {
		if err := am.Store.UpdateSubtaskCounts(ctx, mt.taskID, counts); err != nil {
			logger.WithError(err).Warn("error updating subtask counts")
		}
	}
	if sf.IsRunning() && task.ProcessingStep == algorun.StepQueued {
		if err := am.Store.UpdateProcessingStep(ctx, mt.taskID, algorun.StepExecuting); err != nil {
			logger.WithError(err).Warn("error updating processing step")
		} else {
			logger.Info("job started executing")
		}
	}
}

// determineDisposition decides what to do with a task whose job has
// ended. task.State is the state before this decision.
func determineDisposition(task algorun.PipelineTask, sf statefile.StateFile, counts algorun.SubtaskCounts) Disposition {
	if sf.IsDeleted() {
		return Fail
	}
	if !tooManyFailures(task.Resources, counts) {
		return Persist
	}
	if task.State == algorun.TaskError && task.AutoResubmitCount < task.Resources.MaxAutoResubmits {
		return Resubmit
	}
	return Fail
}

func (am *AlgorithmMonitor) dispose(ctx context.Context, logger logrus.FieldLogger, mt *monitoredTask, sf statefile.StateFile, counts algorun.SubtaskCounts) {
	task, err := am.Store.Task(ctx, mt.taskID)
	if err != nil {
		// Leave it registered and try again next time.
		logger.WithError(err).Error("error loading task, cannot dispose of finished job")
		return
	}
	summary, err := taskdir.NewFailureSummary(filepath.Join(am.TaskDataDir, sf.TaskDirName()))
	if err != nil {
		logger.WithError(err).Warn("error summarizing subtask failures")
	} else if len(summary.FailedSubtasks) > 0 {
		logger = logger.WithField("FailedSubtasks", summary.FailedSubtasks)
	}

	disp := determineDisposition(task, sf, counts)
	logger = logger.WithFields(logrus.Fields{
		"Disposition": disp,
		"Counts":      counts.String(),
		"State":       sf.State,
	})
	logger.Info("job ended")

	switch disp {
	case Persist:
		err = am.persist(ctx, task, counts)
	case Resubmit:
		err = am.resubmit(ctx, task, counts)
	case Fail:
		err = am.fail(ctx, task, sf, counts)
	}
	if err != nil {
		logger.WithError(err).Error("error recording job outcome")
	}
	am.mDispositions.WithLabelValues(string(disp)).Inc()

	am.EndMonitoring(sf.Key)
	// The task monitor may have renamed the state file since
	// it was loaded.
	if cur, err := statefile.Load(am.StateFileDir, sf.Key); err == nil {
		sf = cur
	}
	if err := statefile.Delete(am.StateFileDir, sf); err != nil && !errors.Is(err, statefile.ErrStateFileMissing) {
		logger.WithError(err).Warn("error deleting state file")
	}
}

func (am *AlgorithmMonitor) persist(ctx context.Context, task algorun.PipelineTask, counts algorun.SubtaskCounts) error {
	if err := am.Store.UpdateSubtaskCounts(ctx, task.ID, counts); err != nil {
		return err
	}
	if err := am.Store.UpdateProcessingStep(ctx, task.ID, algorun.StepWaitingToStore); err != nil {
		return err
	}
	// An early exit within the failure limit still gets stored.
	if task.State == algorun.TaskError {
		if err := am.Store.SetState(ctx, task.ID, algorun.TaskProcessing); err != nil {
			return err
		}
	}
	if counts.Failed > 0 {
		am.Alerts.Alert(ctx, task, alert.Warning, fmt.Sprintf("%d of %d subtasks failed, storing results of the rest", counts.Failed, counts.Total))
	}
	am.Queue.Enqueue(algorun.WorkerTaskRequest{
		InstanceID: task.InstanceID,
		TaskID:     task.ID,
		RunMode:    algorun.RunStandard,
	})
	return nil
}

func (am *AlgorithmMonitor) resubmit(ctx context.Context, task algorun.PipelineTask, counts algorun.SubtaskCounts) error {
	if err := am.Store.UpdateSubtaskCounts(ctx, task.ID, counts); err != nil {
		return err
	}
	task, err := am.Store.PrepareForAutoResubmit(ctx, task.ID)
	if err != nil {
		return err
	}
	am.Alerts.Alert(ctx, task, alert.Warning, fmt.Sprintf("%d of %d subtasks failed, resubmitting (attempt %d of %d)", counts.Failed, counts.Total, task.AutoResubmitCount, task.Resources.MaxAutoResubmits))
	am.Queue.Enqueue(algorun.WorkerTaskRequest{
		InstanceID: task.InstanceID,
		TaskID:     task.ID,
		RunMode:    algorun.RunResubmit,
	})
	return nil
}

func (am *AlgorithmMonitor) fail(ctx context.Context, task algorun.PipelineTask, sf statefile.StateFile, counts algorun.SubtaskCounts) error {
	var msg string
	if sf.IsDeleted() {
		msg = "task was deleted while running"
	} else {
		msg = fmt.Sprintf("%d of %d subtasks failed", counts.Failed, counts.Total)
	}
	if am.Jobs != nil {
		if comment := am.Jobs.Comment(sf.Key); comment != "" {
			msg += " (" + comment + ")"
		}
	}
	if err := am.Store.UpdateSubtaskCounts(ctx, task.ID, counts); err != nil {
		return err
	}
	if err := am.Store.SetState(ctx, task.ID, algorun.TaskError); err != nil {
		return err
	}
	am.Alerts.Alert(ctx, task, alert.Error, msg)
	return nil
}

// EndMonitoring stops monitoring a task.
func (am *AlgorithmMonitor) EndMonitoring(key statefile.Key) {
	am.setupOnce.Do(am.setup)
	am.mtx.Lock()
	mt := am.tasks[key]
	delete(am.tasks, key)
	am.mTasks.Set(float64(len(am.tasks)))
	am.mtx.Unlock()
	if mt != nil {
		mt.tm.MarkStateFileDone()
		mt.tm.Shutdown()
	}
	if am.Jobs != nil {
		am.Jobs.EndMonitoring(key)
	}
}
