// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"git.algorun.org/algorun.git/lib/alert"
	"git.algorun.org/algorun.git/lib/statefile"
	"git.algorun.org/algorun.git/lib/taskstore"
	"git.algorun.org/algorun.git/sdk/go/algorun"
	"git.algorun.org/algorun.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&AlgorithmMonitorSuite{})

type AlgorithmMonitorSuite struct {
	ctx    context.Context
	store  *taskstore.Memory
	queue  *requestQueue
	alerts *alert.Service
	jobs   *stubJobs
	am     *AlgorithmMonitor
}

func (s *AlgorithmMonitorSuite) SetUpTest(c *check.C) {
	logger := ctxlog.TestLogger(c)
	s.ctx = ctxlog.Context(context.Background(), logger)
	s.store = &taskstore.Memory{}
	s.queue = &requestQueue{}
	s.alerts = alert.NewService(logger, nil)
	s.jobs = &stubJobs{finished: map[statefile.Key]bool{}}
	s.am = &AlgorithmMonitor{
		StateFileDir: c.MkDir(),
		TaskDataDir:  c.MkDir(),
		Store:        s.store,
		Queue:        s.queue,
		Alerts:       s.alerts,
		Jobs:         s.jobs,
		Bus:          &Bus{},
		PollInterval: time.Hour,
		Logger:       logger,
	}
	s.am.RegisterMetrics(prometheus.NewRegistry())
}

func (s *AlgorithmMonitorSuite) TearDownTest(c *check.C) {
	s.am.Stop()
}

// submit creates a task and its task directory, writes a state file
// in the given state, and starts monitoring the task.
func (s *AlgorithmMonitorSuite) submit(c *check.C, task algorun.PipelineTask, state statefile.State, total, complete, failed int) (algorun.PipelineTask, statefile.StateFile) {
	task, err := s.store.Create(s.ctx, task)
	c.Assert(err, check.IsNil)
	key := statefile.KeyOf(task)
	makeTaskDir(c, filepath.Join(s.am.TaskDataDir, key.TaskDirName()), total, complete, failed)
	sf := statefile.Generate(task, algorun.RemoteParameters{Queue: "normal"}, total)
	sf.State = state
	sf = sf.WithCounts(algorun.SubtaskCounts{Total: total, Complete: complete, Failed: failed})
	c.Assert(statefile.Persist(s.am.StateFileDir, sf), check.IsNil)
	s.am.StartMonitoring(s.ctx, sf)
	return task, sf
}

func (s *AlgorithmMonitorSuite) checkDisposed(c *check.C, sf statefile.StateFile) {
	c.Check(s.am.Monitoring(sf.Key), check.Equals, false)
	_, err := statefile.Load(s.am.StateFileDir, sf.Key)
	c.Check(errors.Is(err, statefile.ErrStateFileMissing), check.Equals, true)
	c.Check(s.jobs.ended, check.DeepEquals, []statefile.Key{sf.Key})
}

func (s *AlgorithmMonitorSuite) dispositions(c *check.C, disp Disposition) float64 {
	var m dto.Metric
	c.Assert(s.am.mDispositions.WithLabelValues(string(disp)).Write(&m), check.IsNil)
	return m.GetCounter().GetValue()
}

func (s *AlgorithmMonitorSuite) TestDeclareVictory(c *check.C) {
	task, sf := s.submit(c, testTask(), statefile.Complete, 100, 95, 5)
	s.am.Run(s.ctx)

	task, err := s.store.Task(s.ctx, task.ID)
	c.Assert(err, check.IsNil)
	c.Check(task.ProcessingStep, check.Equals, algorun.StepWaitingToStore)
	c.Check(task.Counts, check.Equals, algorun.SubtaskCounts{Total: 100, Complete: 95, Failed: 5})
	c.Check(task.State, check.Equals, algorun.TaskProcessing)
	c.Check(s.queue.Requests(), check.DeepEquals, []algorun.WorkerTaskRequest{{
		Priority:   0,
		InstanceID: task.InstanceID,
		TaskID:     task.ID,
		RunMode:    algorun.RunStandard,
	}})
	alerts := s.alerts.Recent()
	c.Assert(alerts, check.HasLen, 1)
	c.Check(alerts[0].Severity, check.Equals, alert.Warning)
	c.Check(s.dispositions(c, Persist), check.Equals, 1.0)
	s.checkDisposed(c, sf)
}

func (s *AlgorithmMonitorSuite) TestAutoResubmit(c *check.C) {
	t := testTask()
	t.Resources.MaxFailedSubtasks = 4
	t.State = algorun.TaskError
	t.AutoResubmitCount = 1
	task, sf := s.submit(c, t, statefile.Complete, 100, 95, 5)
	s.am.Run(s.ctx)

	task, err := s.store.Task(s.ctx, task.ID)
	c.Assert(err, check.IsNil)
	c.Check(task.State, check.Equals, algorun.TaskSubmitted)
	c.Check(task.AutoResubmitCount, check.Equals, 2)
	c.Check(s.queue.Requests(), check.DeepEquals, []algorun.WorkerTaskRequest{{
		InstanceID: task.InstanceID,
		TaskID:     task.ID,
		RunMode:    algorun.RunResubmit,
	}})
	c.Check(s.dispositions(c, Resubmit), check.Equals, 1.0)
	s.checkDisposed(c, sf)
}

func (s *AlgorithmMonitorSuite) TestResubmitLimitReached(c *check.C) {
	t := testTask()
	t.Resources.MaxFailedSubtasks = 4
	t.State = algorun.TaskError
	t.AutoResubmitCount = 3
	s.jobs.comment = "exit code 1"
	task, sf := s.submit(c, t, statefile.Complete, 100, 95, 5)
	s.am.Run(s.ctx)

	task, err := s.store.Task(s.ctx, task.ID)
	c.Assert(err, check.IsNil)
	c.Check(task.State, check.Equals, algorun.TaskError)
	c.Check(task.AutoResubmitCount, check.Equals, 3)
	c.Check(s.queue.Requests(), check.HasLen, 0)
	alerts := s.alerts.Recent()
	c.Assert(alerts, check.HasLen, 1)
	c.Check(alerts[0].Severity, check.Equals, alert.Error)
	c.Check(alerts[0].Message, check.Equals, "5 of 100 subtasks failed (exit code 1)")
	c.Check(s.dispositions(c, Fail), check.Equals, 1.0)
	s.checkDisposed(c, sf)
}

func (s *AlgorithmMonitorSuite) TestDeletedAlwaysFails(c *check.C) {
	task, sf := s.submit(c, testTask(), statefile.Deleted, 100, 95, 5)
	s.am.Run(s.ctx)

	task, err := s.store.Task(s.ctx, task.ID)
	c.Assert(err, check.IsNil)
	c.Check(task.State, check.Equals, algorun.TaskError)
	c.Check(task.ProcessingStep, check.Equals, algorun.StepExecuting)
	c.Check(s.queue.Requests(), check.HasLen, 0)
	alerts := s.alerts.Recent()
	c.Assert(alerts, check.HasLen, 1)
	c.Check(alerts[0].Severity, check.Equals, alert.Error)
	c.Check(alerts[0].Message, check.Matches, `task was deleted.*`)
	s.checkDisposed(c, sf)
}

func (s *AlgorithmMonitorSuite) TestAllFailed(c *check.C) {
	t := testTask()
	t.Resources.MaxFailedSubtasks = 10
	t.Resources.MaxAutoResubmits = 0
	task, _ := s.submit(c, t, statefile.Complete, 3, 0, 3)
	s.am.Run(s.ctx)
	task, err := s.store.Task(s.ctx, task.ID)
	c.Assert(err, check.IsNil)
	c.Check(task.State, check.Equals, algorun.TaskError)
	c.Check(s.queue.Requests(), check.HasLen, 0)
}

func (s *AlgorithmMonitorSuite) TestRunning(c *check.C) {
	t := testTask()
	t.ProcessingStep = algorun.StepQueued
	task, sf := s.submit(c, t, statefile.Processing, 10, 3, 1)
	s.am.Run(s.ctx)

	task, err := s.store.Task(s.ctx, task.ID)
	c.Assert(err, check.IsNil)
	c.Check(task.ProcessingStep, check.Equals, algorun.StepExecuting)
	c.Check(task.Counts, check.Equals, algorun.SubtaskCounts{Total: 10, Complete: 3, Failed: 1})
	c.Check(s.am.Monitoring(sf.Key), check.Equals, true)
	c.Check(s.queue.Requests(), check.HasLen, 0)
}

func (s *AlgorithmMonitorSuite) TestStatusCheckError(c *check.C) {
	s.jobs.err = errors.New("squeue: connection refused")
	_, sf := s.submit(c, testTask(), statefile.Queued, 10, 0, 0)
	s.jobs.finished[sf.Key] = true
	s.am.Run(s.ctx)
	c.Check(s.am.Monitoring(sf.Key), check.Equals, true)
}

// A job that leaves the batch system before its subtasks finish is an
// error, and gets resubmitted if allowed.
func (s *AlgorithmMonitorSuite) TestJobVanished(c *check.C) {
	t := testTask()
	t.Resources.MaxFailedSubtasks = 0
	task, sf := s.submit(c, t, statefile.Processing, 3, 2, 0)
	s.jobs.finished[sf.Key] = true
	s.am.Run(s.ctx)

	task, err := s.store.Task(s.ctx, task.ID)
	c.Assert(err, check.IsNil)
	c.Check(task.State, check.Equals, algorun.TaskSubmitted)
	c.Check(task.AutoResubmitCount, check.Equals, 1)
	c.Check(task.Counts, check.Equals, algorun.SubtaskCounts{Total: 3, Complete: 2, Failed: 1})
	c.Check(s.queue.Requests(), check.HasLen, 1)
	s.checkDisposed(c, sf)
}

func (s *AlgorithmMonitorSuite) TestJobVanishedWithinLimit(c *check.C) {
	t := testTask()
	t.Resources.MaxFailedSubtasks = 1
	task, sf := s.submit(c, t, statefile.Processing, 3, 2, 0)
	s.jobs.finished[sf.Key] = true
	s.am.Run(s.ctx)

	task, err := s.store.Task(s.ctx, task.ID)
	c.Assert(err, check.IsNil)
	c.Check(task.State, check.Equals, algorun.TaskProcessing)
	c.Check(task.ProcessingStep, check.Equals, algorun.StepWaitingToStore)
	c.Check(task.Counts, check.Equals, algorun.SubtaskCounts{Total: 3, Complete: 2, Failed: 1})
	c.Check(s.queue.Requests(), check.DeepEquals, []algorun.WorkerTaskRequest{{
		InstanceID: task.InstanceID,
		TaskID:     task.ID,
		RunMode:    algorun.RunStandard,
	}})
	c.Check(s.dispositions(c, Persist), check.Equals, 1.0)
	s.checkDisposed(c, sf)
}

func (s *AlgorithmMonitorSuite) TestStartMonitoringIdempotent(c *check.C) {
	_, sf := s.submit(c, testTask(), statefile.Queued, 10, 0, 0)
	tm := s.am.TaskMonitor(sf.Key)
	c.Assert(tm, check.NotNil)
	s.am.StartMonitoring(s.ctx, sf)
	c.Check(s.am.Keys(), check.DeepEquals, []statefile.Key{sf.Key})
	c.Check(s.am.TaskMonitor(sf.Key), check.Equals, tm)
}

func (s *AlgorithmMonitorSuite) TestCorruptStateFiles(c *check.C) {
	for _, name := range []string{"algorun.bogus", "algorun.1.2.tps.NOSUCHSTATE"} {
		c.Assert(os.WriteFile(filepath.Join(s.am.StateFileDir, name), nil, 0644), check.IsNil)
	}
	s.am.Run(s.ctx)
	s.am.Run(s.ctx)
	c.Check(s.am.corrupt.Len(), check.Equals, 2)
	var m dto.Metric
	c.Assert(s.am.mCorrupt.Write(&m), check.IsNil)
	c.Check(m.GetGauge().GetValue(), check.Equals, 2.0)
}

// The poll loop runs a pass as soon as a task finishes, without
// waiting for the next tick.
func (s *AlgorithmMonitorSuite) TestWakeOnCompletion(c *check.C) {
	task, sf := s.submit(c, testTask(), statefile.Complete, 4, 4, 0)
	s.am.Start(s.ctx)
	s.am.Bus.Publish(Event{Kind: EventLastWorkerMessage, Key: sf.Key})
	waitFor(c, "disposition", func() bool { return !s.am.Monitoring(sf.Key) })
	task, err := s.store.Task(s.ctx, task.ID)
	c.Assert(err, check.IsNil)
	c.Check(task.ProcessingStep, check.Equals, algorun.StepWaitingToStore)
}

func (s *AlgorithmMonitorSuite) TestStopTwice(c *check.C) {
	s.submit(c, testTask(), statefile.Queued, 4, 0, 0)
	s.am.Start(s.ctx)
	s.am.Stop()
	s.am.Stop()

	idle := &AlgorithmMonitor{Logger: ctxlog.TestLogger(c)}
	idle.Stop()
	idle.Stop()
}

func (s *AlgorithmMonitorSuite) TestDetermineDisposition(c *check.C) {
	res := algorun.ExecutionResources{MaxFailedSubtasks: 4, MaxAutoResubmits: 3}
	for _, trial := range []struct {
		state     algorun.TaskState
		resubmits int
		sfState   statefile.State
		counts    algorun.SubtaskCounts
		expect    Disposition
	}{
		{algorun.TaskProcessing, 0, statefile.Complete, algorun.SubtaskCounts{Total: 100, Complete: 96, Failed: 4}, Persist},
		{algorun.TaskProcessing, 0, statefile.Complete, algorun.SubtaskCounts{Total: 100, Complete: 100, Failed: 0}, Persist},
		{algorun.TaskProcessing, 0, statefile.Complete, algorun.SubtaskCounts{Total: 100, Complete: 95, Failed: 5}, Fail},
		{algorun.TaskError, 0, statefile.Complete, algorun.SubtaskCounts{Total: 100, Complete: 95, Failed: 5}, Resubmit},
		{algorun.TaskError, 3, statefile.Complete, algorun.SubtaskCounts{Total: 100, Complete: 95, Failed: 5}, Fail},
		{algorun.TaskError, 0, statefile.Complete, algorun.SubtaskCounts{Total: 2, Complete: 0, Failed: 2}, Resubmit},
		{algorun.TaskProcessing, 0, statefile.Complete, algorun.SubtaskCounts{Total: 2, Complete: 0, Failed: 2}, Fail},
		{algorun.TaskProcessing, 0, statefile.Deleted, algorun.SubtaskCounts{Total: 100, Complete: 100, Failed: 0}, Fail},
		{algorun.TaskError, 0, statefile.Deleted, algorun.SubtaskCounts{Total: 100, Complete: 95, Failed: 5}, Fail},
		{algorun.TaskProcessing, 0, statefile.Complete, algorun.SubtaskCounts{}, Persist},
	} {
		task := algorun.PipelineTask{State: trial.state, AutoResubmitCount: trial.resubmits, Resources: res}
		sf := statefile.StateFile{State: trial.sfState}.WithCounts(trial.counts)
		c.Check(determineDisposition(task, sf, trial.counts), check.Equals, trial.expect, check.Commentf("%+v", trial))
	}
}
