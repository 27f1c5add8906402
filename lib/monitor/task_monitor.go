// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"git.algorun.org/algorun.git/lib/statefile"
	"git.algorun.org/algorun.git/lib/taskdir"
	"git.algorun.org/algorun.git/sdk/go/algorun"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Trigger says why a TaskMonitor update is happening.
type Trigger string

const (
	TriggerPoll            Trigger = "poll"
	TriggerWorkerStatus    Trigger = "worker status"
	TriggerAllJobsFinished Trigger = "all jobs finished"
	TriggerHalt            Trigger = "halt"
	TriggerFileChange      Trigger = "file change"
)

// TaskMonitor keeps the subtask counts of one task up to date, and
// announces when every subtask is terminal.
//
// Updates are serialized, whatever triggered them.
type TaskMonitor struct {
	Key          statefile.Key
	TaskID       int64
	TaskDir      string
	StateFileDir string
	// If nil, counts are only recorded in the state file.
	Store TaskStore
	Bus   *Bus
	// Check for a FINISH marker on every Nth poll, as well as on
	// halt and all-jobs-finished triggers. Zero means every poll.
	FinishCheckEvery int
	// Never look for a FINISH marker. Used on compute nodes,
	// where FINISH may only mean another node is done.
	SkipFinishCheck bool
	PollInterval    time.Duration
	// Wake up when marker files change, instead of waiting for
	// the next poll.
	Watch  bool
	Logger logrus.FieldLogger

	mtx           sync.Mutex
	counts        algorun.SubtaskCounts
	haveCounts    bool
	complete      bool
	earlyExit     bool
	polls         int
	stateFileDone bool

	pendingMtx sync.Mutex
	pending    map[Trigger]bool
	wake       chan struct{}

	startOnce    sync.Once
	shutdownOnce sync.Once
	stop         chan struct{}
	stopped      chan struct{}
	unsubscribe  func()
}

func (tm *TaskMonitor) init() {
	tm.pending = map[Trigger]bool{}
	tm.wake = make(chan struct{}, 1)
	tm.stop = make(chan struct{})
	tm.stopped = make(chan struct{})
}

// Start begins polling, and listening for events about this task on
// the bus.
func (tm *TaskMonitor) Start(ctx context.Context) {
	tm.startOnce.Do(func() {
		if tm.stop == nil {
			tm.init()
		}
		if tm.Bus != nil {
			tm.unsubscribe = tm.Bus.Subscribe(tm.handle)
		}
		go tm.run(ctx)
	})
}

func (tm *TaskMonitor) handle(ev Event) {
	if ev.Key != tm.Key {
		return
	}
	switch ev.Kind {
	case EventWorkerStatus, EventLastWorkerMessage:
		tm.trigger(TriggerWorkerStatus)
	case EventAllJobsFinished:
		tm.trigger(TriggerAllJobsFinished)
	case EventHaltTasks:
		tm.trigger(TriggerHalt)
	}
}

func (tm *TaskMonitor) trigger(t Trigger) {
	tm.pendingMtx.Lock()
	tm.pending[t] = true
	tm.pendingMtx.Unlock()
	select {
	case tm.wake <- struct{}{}:
	default:
	}
}

func (tm *TaskMonitor) takePending() []Trigger {
	tm.pendingMtx.Lock()
	defer tm.pendingMtx.Unlock()
	var ts []Trigger
	// Finalizing triggers go first: the others are redundant
	// once they have run.
	for _, t := range []Trigger{TriggerAllJobsFinished, TriggerHalt, TriggerWorkerStatus, TriggerFileChange} {
		if tm.pending[t] {
			ts = append(ts, t)
		}
	}
	tm.pending = map[Trigger]bool{}
	return ts
}

func (tm *TaskMonitor) run(ctx context.Context) {
	defer close(tm.stopped)
	if tm.Watch {
		if w := tm.watch(); w != nil {
			defer w.Close()
		}
	}
	interval := tm.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var triggers []Trigger
		select {
		case <-ctx.Done():
			return
		case <-tm.stop:
			return
		case <-ticker.C:
			triggers = []Trigger{TriggerPoll}
		case <-tm.wake:
			triggers = tm.takePending()
		}
		for _, t := range triggers {
			if _, err := tm.Update(ctx, t); err != nil {
				tm.Logger.WithError(err).WithField("Trigger", t).Warn("error updating task")
			}
		}
	}
}

// watch sets up a watcher on the task directory and the subtask
// directories. Events are coalesced into file change triggers.
func (tm *TaskMonitor) watch() *fsnotify.Watcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		tm.Logger.WithError(err).Warn("cannot watch task directory, relying on polling")
		return nil
	}
	dirs, err := taskdir.SubtaskDirs(tm.TaskDir)
	if err != nil {
		tm.Logger.WithError(err).Warn("cannot watch task directory, relying on polling")
		w.Close()
		return nil
	}
	for _, dir := range append([]string{tm.TaskDir}, dirs...) {
		if err := w.Add(dir); err != nil {
			tm.Logger.WithError(err).WithField("Dir", dir).Warn("cannot watch directory")
		}
	}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 && isMarker(filepath.Base(ev.Name)) {
					tm.trigger(TriggerFileChange)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				tm.Logger.WithError(err).Debug("watcher error")
			}
		}
	}()
	return w
}

func isMarker(name string) bool {
	return name == "."+string(taskdir.SubtaskComplete) ||
		name == "."+string(taskdir.SubtaskFailed) ||
		strings.HasPrefix(name, string(taskdir.EventFinish)+".")
}

// Update recounts the subtask markers and records the counts. Once
// every subtask is terminal it advances the task to WAITING_TO_STORE
// and publishes TaskProcessingComplete; later calls return the final
// counts without doing anything else.
func (tm *TaskMonitor) Update(ctx context.Context, trigger Trigger) (algorun.SubtaskCounts, error) {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	if tm.complete {
		return tm.counts, nil
	}
	logger := tm.Logger.WithField("Trigger", trigger)

	counts, err := taskdir.CountSubtasks(tm.TaskDir)
	if err != nil {
		return tm.counts, err
	}
	finalizing := trigger == TriggerAllJobsFinished || trigger == TriggerHalt
	if trigger == TriggerPoll {
		tm.polls++
		if tm.FinishCheckEvery <= 1 || tm.polls%tm.FinishCheckEvery == 0 {
			finalizing = true
		}
	}
	if finalizing && !counts.Terminal() && !tm.SkipFinishCheck {
		_, finished, err := taskdir.Timestamp(tm.TaskDir, taskdir.EventFinish)
		if err != nil {
			logger.WithError(err).Warn("error checking for finish marker")
		} else if finished {
			logger.WithField("Counts", counts.String()).Warn("job exited early, counting unfinished subtasks as failed")
			counts.Failed = counts.Total - counts.Complete
			tm.earlyExit = true
		}
	}

	if !tm.haveCounts || counts != tm.counts {
		if err := tm.recordCounts(ctx, counts); err != nil {
			return tm.counts, err
		}
		tm.counts = counts
		tm.haveCounts = true
	}
	if !counts.Terminal() {
		return counts, nil
	}

	tm.complete = true
	logger.WithField("Counts", counts.String()).Info("all subtasks finished")
	if tm.Store != nil {
		if err := tm.finishTask(ctx, counts); err != nil {
			logger.WithError(err).Error("error recording task completion")
		}
	}
	tm.Bus.Publish(Event{Kind: EventTaskProcessingComplete, Key: tm.Key, Counts: counts})
	return counts, nil
}

func (tm *TaskMonitor) recordCounts(ctx context.Context, counts algorun.SubtaskCounts) error {
	if tm.Store != nil {
		if err := tm.Store.UpdateSubtaskCounts(ctx, tm.TaskID, counts); err != nil {
			return err
		}
	}
	if tm.stateFileDone || tm.StateFileDir == "" {
		return nil
	}
	_, err := statefile.SetCounts(tm.StateFileDir, tm.TaskDir, tm.Key, counts)
	if errors.Is(err, statefile.ErrStateFileMissing) {
		tm.Logger.WithError(err).Debug("state file gone, not recording counts")
		return nil
	}
	return err
}

// finishTask moves the task past EXECUTING. A task that failed too
// many subtasks, or whose job exited early, is put in the ERROR state
// so the algorithm monitor can consider resubmitting it.
func (tm *TaskMonitor) finishTask(ctx context.Context, counts algorun.SubtaskCounts) error {
	task, err := tm.Store.Task(ctx, tm.TaskID)
	if err != nil {
		return err
	}
	if task.ProcessingStep == algorun.StepQueued || task.ProcessingStep == algorun.StepExecuting {
		if err := tm.Store.UpdateProcessingStep(ctx, tm.TaskID, algorun.StepWaitingToStore); err != nil {
			return err
		}
	}
	if tm.earlyExit || tooManyFailures(task.Resources, counts) {
		return tm.Store.SetState(ctx, tm.TaskID, algorun.TaskError)
	}
	return nil
}

// Counts returns the counts recorded by the last update.
func (tm *TaskMonitor) Counts() algorun.SubtaskCounts {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	return tm.counts
}

// Complete reports whether TaskProcessingComplete has been published.
func (tm *TaskMonitor) Complete() bool {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	return tm.complete
}

// MarkStateFileDone stops further state file updates, once the state
// file has been reconciled and deleted.
func (tm *TaskMonitor) MarkStateFileDone() {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	tm.stateFileDone = true
}

// Shutdown stops the monitor. It is safe to call more than once, and
// before Start.
func (tm *TaskMonitor) Shutdown() {
	tm.shutdownOnce.Do(func() {
		// Prevent a later Start, or wait for a concurrent one.
		tm.startOnce.Do(func() {})
		if tm.stop == nil {
			return
		}
		close(tm.stop)
		if tm.unsubscribe != nil {
			tm.unsubscribe()
		}
		<-tm.stopped
	})
}

func tooManyFailures(res algorun.ExecutionResources, counts algorun.SubtaskCounts) bool {
	return counts.Failed > res.MaxFailedSubtasks ||
		(counts.Total > 0 && counts.Failed >= counts.Total)
}
