// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"git.algorun.org/algorun.git/lib/statefile"
	"git.algorun.org/algorun.git/lib/taskdir"
	"git.algorun.org/algorun.git/lib/taskstore"
	"git.algorun.org/algorun.git/sdk/go/algorun"
	"git.algorun.org/algorun.git/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&TaskMonitorSuite{})

type TaskMonitorSuite struct {
	ctx   context.Context
	store *taskstore.Memory
	bus   *Bus
	task  algorun.PipelineTask
	tm    *TaskMonitor

	mtx       sync.Mutex
	completed []Event
}

func (s *TaskMonitorSuite) SetUpTest(c *check.C) {
	logger := ctxlog.TestLogger(c)
	s.ctx = context.Background()
	s.store = &taskstore.Memory{}
	s.bus = &Bus{}
	s.completed = nil
	s.bus.Subscribe(func(ev Event) {
		if ev.Kind == EventTaskProcessingComplete {
			s.mtx.Lock()
			defer s.mtx.Unlock()
			s.completed = append(s.completed, ev)
		}
	})
	var err error
	s.task, err = s.store.Create(s.ctx, testTask())
	c.Assert(err, check.IsNil)
	key := statefile.KeyOf(s.task)
	sfDir := c.MkDir()
	taskDir := filepath.Join(c.MkDir(), key.TaskDirName())
	makeTaskDir(c, taskDir, 4, 0, 0)
	c.Assert(statefile.Persist(sfDir, statefile.Generate(s.task, algorun.RemoteParameters{}, 4)), check.IsNil)
	s.tm = &TaskMonitor{
		Key:          key,
		TaskID:       s.task.ID,
		TaskDir:      taskDir,
		StateFileDir: sfDir,
		Store:        s.store,
		Bus:          s.bus,
		PollInterval: time.Hour,
		Logger:       logger,
	}
}

func (s *TaskMonitorSuite) TearDownTest(c *check.C) {
	s.tm.Shutdown()
}

func (s *TaskMonitorSuite) setMarker(c *check.C, i int, state taskdir.SubtaskState) {
	c.Assert(taskdir.NewStateFiles(taskdir.SubtaskDir(s.tm.TaskDir, i)).Set(state), check.IsNil)
}

func (s *TaskMonitorSuite) completions() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.completed)
}

func (s *TaskMonitorSuite) storedTask(c *check.C) algorun.PipelineTask {
	task, err := s.store.Task(s.ctx, s.task.ID)
	c.Assert(err, check.IsNil)
	return task
}

func (s *TaskMonitorSuite) TestUpdate(c *check.C) {
	s.setMarker(c, 0, taskdir.SubtaskComplete)
	s.setMarker(c, 1, taskdir.SubtaskFailed)
	s.setMarker(c, 2, taskdir.SubtaskProcessing)
	counts, err := s.tm.Update(s.ctx, TriggerWorkerStatus)
	c.Assert(err, check.IsNil)
	c.Check(counts, check.Equals, algorun.SubtaskCounts{Total: 4, Complete: 1, Failed: 1})
	c.Check(s.storedTask(c).Counts, check.Equals, counts)
	sf, err := statefile.Load(s.tm.StateFileDir, s.tm.Key)
	c.Assert(err, check.IsNil)
	c.Check(sf.Counts(), check.Equals, counts)
	c.Check(sf.State, check.Equals, statefile.Queued)
	c.Check(s.tm.Complete(), check.Equals, false)
	c.Check(s.completions(), check.Equals, 0)

	s.setMarker(c, 2, taskdir.SubtaskComplete)
	s.setMarker(c, 3, taskdir.SubtaskComplete)
	counts, err = s.tm.Update(s.ctx, TriggerPoll)
	c.Assert(err, check.IsNil)
	c.Check(counts, check.Equals, algorun.SubtaskCounts{Total: 4, Complete: 3, Failed: 1})
	c.Check(s.tm.Complete(), check.Equals, true)
	c.Check(s.completions(), check.Equals, 1)
	task := s.storedTask(c)
	c.Check(task.ProcessingStep, check.Equals, algorun.StepWaitingToStore)
	c.Check(task.State, check.Equals, algorun.TaskProcessing)

	// Completion is announced only once.
	for _, trigger := range []Trigger{TriggerPoll, TriggerAllJobsFinished, TriggerHalt} {
		_, err = s.tm.Update(s.ctx, trigger)
		c.Check(err, check.IsNil)
	}
	c.Check(s.completions(), check.Equals, 1)
}

func (s *TaskMonitorSuite) TestTooManyFailuresSetsError(c *check.C) {
	_, err := s.store.Update(s.ctx, s.task.ID, func(t *algorun.PipelineTask) { t.Resources.MaxFailedSubtasks = 1 })
	c.Assert(err, check.IsNil)
	for i := 0; i < 4; i++ {
		s.setMarker(c, i, taskdir.SubtaskFailed)
	}
	_, err = s.tm.Update(s.ctx, TriggerPoll)
	c.Assert(err, check.IsNil)
	c.Check(s.storedTask(c).State, check.Equals, algorun.TaskError)
}

// The FINISH marker is only consulted on finalizing updates.
func (s *TaskMonitorSuite) TestEarlyExit(c *check.C) {
	s.tm.FinishCheckEvery = 3
	s.setMarker(c, 0, taskdir.SubtaskComplete)
	c.Assert(taskdir.WriteTimestamp(s.tm.TaskDir, taskdir.EventFinish, time.Now()), check.IsNil)

	for i := 0; i < 2; i++ {
		counts, err := s.tm.Update(s.ctx, TriggerPoll)
		c.Assert(err, check.IsNil)
		c.Check(counts.Failed, check.Equals, 0)
	}
	counts, err := s.tm.Update(s.ctx, TriggerWorkerStatus)
	c.Assert(err, check.IsNil)
	c.Check(counts.Failed, check.Equals, 0)
	c.Check(s.completions(), check.Equals, 0)

	counts, err = s.tm.Update(s.ctx, TriggerPoll)
	c.Assert(err, check.IsNil)
	c.Check(counts, check.Equals, algorun.SubtaskCounts{Total: 4, Complete: 1, Failed: 3})
	c.Check(s.completions(), check.Equals, 1)
	c.Check(s.storedTask(c).State, check.Equals, algorun.TaskError)
}

func (s *TaskMonitorSuite) TestHaltIsFinalizing(c *check.C) {
	s.tm.FinishCheckEvery = 100
	c.Assert(taskdir.WriteTimestamp(s.tm.TaskDir, taskdir.EventFinish, time.Now()), check.IsNil)
	counts, err := s.tm.Update(s.ctx, TriggerHalt)
	c.Assert(err, check.IsNil)
	c.Check(counts, check.Equals, algorun.SubtaskCounts{Total: 4, Complete: 0, Failed: 4})
	c.Check(s.tm.Complete(), check.Equals, true)
}

func (s *TaskMonitorSuite) TestStateFileDone(c *check.C) {
	sf, err := statefile.Load(s.tm.StateFileDir, s.tm.Key)
	c.Assert(err, check.IsNil)
	c.Assert(statefile.Delete(s.tm.StateFileDir, sf), check.IsNil)
	s.setMarker(c, 0, taskdir.SubtaskComplete)
	// A missing state file is not an error.
	_, err = s.tm.Update(s.ctx, TriggerPoll)
	c.Check(err, check.IsNil)

	s.tm.MarkStateFileDone()
	s.setMarker(c, 1, taskdir.SubtaskComplete)
	counts, err := s.tm.Update(s.ctx, TriggerPoll)
	c.Check(err, check.IsNil)
	c.Check(counts.Complete, check.Equals, 2)
	c.Check(s.storedTask(c).Counts.Complete, check.Equals, 2)
}

func (s *TaskMonitorSuite) TestBusTriggers(c *check.C) {
	s.tm.Start(s.ctx)
	for i := 0; i < 4; i++ {
		s.setMarker(c, i, taskdir.SubtaskComplete)
	}
	// Events for other tasks are ignored.
	other := s.tm.Key
	other.TaskID++
	s.bus.Publish(Event{Kind: EventWorkerStatus, Key: other})
	time.Sleep(50 * time.Millisecond)
	c.Check(s.tm.Complete(), check.Equals, false)

	s.bus.Publish(Event{Kind: EventWorkerStatus, Key: s.tm.Key})
	waitFor(c, "completion", s.tm.Complete)
	c.Check(s.completions(), check.Equals, 1)
}

func (s *TaskMonitorSuite) TestWatch(c *check.C) {
	s.tm.Watch = true
	s.tm.Start(s.ctx)
	// Let the watcher get set up.
	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 4; i++ {
		s.setMarker(c, i, taskdir.SubtaskComplete)
	}
	waitFor(c, "completion", s.tm.Complete)
}

func (s *TaskMonitorSuite) TestShutdown(c *check.C) {
	// Before Start, and repeatedly.
	s.tm.Shutdown()
	s.tm.Shutdown()
	// Start after Shutdown does nothing.
	s.tm.Start(s.ctx)
	s.tm.Shutdown()

	tm := &TaskMonitor{TaskDir: s.tm.TaskDir, PollInterval: time.Millisecond, Logger: s.tm.Logger}
	tm.Start(s.ctx)
	waitFor(c, "poll", func() bool { return tm.Counts().Total == 4 })
	tm.Shutdown()
	tm.Shutdown()
}

func (s *TaskMonitorSuite) TestBus(c *check.C) {
	var bus Bus
	var got []EventKind
	unsubscribe := bus.Subscribe(func(ev Event) { got = append(got, ev.Kind) })
	bus.Publish(Event{Kind: EventHaltTasks})
	unsubscribe()
	bus.Publish(Event{Kind: EventAllJobsFinished})
	c.Check(got, check.DeepEquals, []EventKind{EventHaltTasks})

	var nilBus *Bus
	nilBus.Publish(Event{Kind: EventHaltTasks})
}
