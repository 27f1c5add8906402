// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package subtask

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"git.algorun.org/algorun.git/lib/flock"
	"git.algorun.org/algorun.git/lib/taskdir"
	"git.algorun.org/algorun.git/sdk/go/algorun"
	"git.algorun.org/algorun.git/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&MasterSuite{})

type MasterSuite struct {
	logger  logrus.FieldLogger
	taskDir string
}

// The algorithm appends to "runs" in its working directory, so tests
// can tell how many times each subtask ran.
const countingScript = `echo run >> runs; if [ "$ALGORUN_SUBTASK_INDEX" = 3 ]; then exit 1; fi`

func (s *MasterSuite) SetUpTest(c *check.C) {
	s.logger = ctxlog.TestLogger(c)
	s.taskDir = filepath.Join(c.MkDir(), taskdir.Name(1, 2, "mod"))
	c.Assert(os.Mkdir(s.taskDir, 0755), check.IsNil)
}

func (s *MasterSuite) runs(c *check.C, i int) int {
	buf, err := os.ReadFile(filepath.Join(taskdir.SubtaskDir(s.taskDir, i), "runs"))
	if os.IsNotExist(err) {
		return 0
	}
	c.Assert(err, check.IsNil)
	return strings.Count(string(buf), "run\n")
}

// runMasters runs n masters against a fresh server until they all
// return.
func (s *MasterSuite) runMasters(c *check.C, ctx context.Context, subtasks, n int, script string, setup func(*Master)) []error {
	srv := NewServer(s.logger, subtasks)
	srv.Start()
	defer srv.Stop()
	errs := make([]error, n)
	var wg sync.WaitGroup
	for t := 0; t < n; t++ {
		m := &Master{
			Client:        srv.Client(),
			TaskDir:       s.taskDir,
			Command:       []string{"/bin/sh", "-c", script},
			RetryInterval: 10 * time.Millisecond,
			Thread:        t,
			JobName:       "test",
			JobID:         "0",
			Node:          "localhost",
			Logger:        s.logger,
		}
		if setup != nil {
			setup(m)
		}
		wg.Add(1)
		go func(t int) {
			defer wg.Done()
			errs[t] = m.Run(ctx)
		}(t)
	}
	wg.Wait()
	return errs
}

func (s *MasterSuite) TestRunAll(c *check.C) {
	c.Assert(taskdir.CreateSubtaskDirs(s.taskDir, 10), check.IsNil)
	var mtx sync.Mutex
	done := map[int]taskdir.SubtaskState{}
	errs := s.runMasters(c, context.Background(), 10, 4, countingScript, func(m *Master) {
		m.OnSubtaskDone = func(i int, state taskdir.SubtaskState) {
			mtx.Lock()
			defer mtx.Unlock()
			done[i] = state
		}
	})
	for _, err := range errs {
		c.Check(err, check.IsNil)
	}
	for i := 0; i < 10; i++ {
		c.Check(s.runs(c, i), check.Equals, 1, check.Commentf("subtask %d", i))
		dir := taskdir.SubtaskDir(s.taskDir, i)
		_, ok, _ := taskdir.Timestamp(dir, taskdir.EventSubtaskStart)
		c.Check(ok, check.Equals, true)
		_, ok, _ = taskdir.Timestamp(dir, taskdir.EventSubtaskFinish)
		c.Check(ok, check.Equals, true)
		_, err := os.Stat(filepath.Join(dir, ".jobinfo.test.0.localhost"))
		c.Check(err, check.IsNil)
	}
	counts, err := taskdir.CountSubtasks(s.taskDir)
	c.Check(err, check.IsNil)
	c.Check(counts, check.Equals, algorun.SubtaskCounts{Total: 10, Complete: 9, Failed: 1})
	c.Check(taskdir.NewStateFiles(taskdir.SubtaskDir(s.taskDir, 3)).Current(), check.Equals, taskdir.SubtaskFailed)
	c.Check(done, check.HasLen, 10)
	c.Check(done[3], check.Equals, taskdir.SubtaskFailed)
	c.Check(done[4], check.Equals, taskdir.SubtaskComplete)
}

func (s *MasterSuite) TestSkipFinishedSubtasks(c *check.C) {
	c.Assert(taskdir.CreateSubtaskDirs(s.taskDir, 4), check.IsNil)
	c.Assert(taskdir.NewStateFiles(taskdir.SubtaskDir(s.taskDir, 0)).Set(taskdir.SubtaskComplete), check.IsNil)
	c.Assert(taskdir.NewStateFiles(taskdir.SubtaskDir(s.taskDir, 1)).Set(taskdir.SubtaskFailed), check.IsNil)
	// left behind by a worker that died
	c.Assert(taskdir.NewStateFiles(taskdir.SubtaskDir(s.taskDir, 2)).Set(taskdir.SubtaskProcessing), check.IsNil)

	errs := s.runMasters(c, context.Background(), 4, 2, countingScript, nil)
	c.Check(errs, check.DeepEquals, []error{nil, nil})
	c.Check(s.runs(c, 0), check.Equals, 0)
	c.Check(s.runs(c, 1), check.Equals, 0)
	c.Check(s.runs(c, 2), check.Equals, 1)
	c.Check(s.runs(c, 3), check.Equals, 1)
	c.Check(taskdir.NewStateFiles(taskdir.SubtaskDir(s.taskDir, 1)).Current(), check.Equals, taskdir.SubtaskFailed)
	c.Check(taskdir.NewStateFiles(taskdir.SubtaskDir(s.taskDir, 2)).Current(), check.Equals, taskdir.SubtaskComplete)
}

func (s *MasterSuite) TestAlgorithmWritesOwnMarker(c *check.C) {
	c.Assert(taskdir.CreateSubtaskDirs(s.taskDir, 2), check.IsNil)
	script := `if [ "$ALGORUN_SUBTASK_INDEX" = 0 ]; then touch .FAILED; else touch .COMPLETE; fi`
	errs := s.runMasters(c, context.Background(), 2, 1, script, nil)
	c.Check(errs, check.DeepEquals, []error{nil})
	c.Check(taskdir.NewStateFiles(taskdir.SubtaskDir(s.taskDir, 0)).Current(), check.Equals, taskdir.SubtaskFailed)
	c.Check(taskdir.NewStateFiles(taskdir.SubtaskDir(s.taskDir, 1)).Current(), check.Equals, taskdir.SubtaskComplete)
}

// A subtask whose lock is held elsewhere is neither run nor touched
// until the lock is released.
func (s *MasterSuite) TestLockedElsewhere(c *check.C) {
	c.Assert(taskdir.CreateSubtaskDirs(s.taskDir, 3), check.IsNil)
	lock, err := flock.TryLock(filepath.Join(taskdir.SubtaskDir(s.taskDir, 1), taskdir.SubtaskLockName))
	c.Assert(err, check.IsNil)

	finished := make(chan []error)
	go func() {
		finished <- s.runMasters(c, context.Background(), 3, 2, countingScript, nil)
	}()

	deadline := time.Now().Add(10 * time.Second)
	for s.runs(c, 0) == 0 || s.runs(c, 2) == 0 {
		c.Assert(time.Now().Before(deadline), check.Equals, true)
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	c.Check(s.runs(c, 1), check.Equals, 0)
	c.Check(taskdir.NewStateFiles(taskdir.SubtaskDir(s.taskDir, 1)).Exists(), check.Equals, false)
	select {
	case <-finished:
		c.Fatal("masters returned while a subtask was still locked elsewhere")
	default:
	}

	lock.Unlock()
	select {
	case errs := <-finished:
		c.Check(errs, check.DeepEquals, []error{nil, nil})
	case <-time.After(10 * time.Second):
		c.Fatal("timed out")
	}
	c.Check(s.runs(c, 1), check.Equals, 1)
}

func (s *MasterSuite) TestTimeout(c *check.C) {
	c.Assert(taskdir.CreateSubtaskDirs(s.taskDir, 1), check.IsNil)
	errs := s.runMasters(c, context.Background(), 1, 1, "exec sleep 10", func(m *Master) {
		m.Timeout = 100 * time.Millisecond
	})
	c.Check(errs, check.DeepEquals, []error{nil})
	c.Check(taskdir.NewStateFiles(taskdir.SubtaskDir(s.taskDir, 0)).Current(), check.Equals, taskdir.SubtaskFailed)
}

func (s *MasterSuite) TestCancel(c *check.C) {
	c.Assert(taskdir.CreateSubtaskDirs(s.taskDir, 1), check.IsNil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	errs := s.runMasters(c, ctx, 1, 1, "exec sleep 10", nil)
	c.Check(errs[0], check.NotNil)
	// Interrupted, not failed: runs again after resubmission.
	c.Check(taskdir.NewStateFiles(taskdir.SubtaskDir(s.taskDir, 0)).Current(), check.Equals, taskdir.SubtaskProcessing)
}

func (s *MasterSuite) TestNoCommand(c *check.C) {
	c.Assert(taskdir.CreateSubtaskDirs(s.taskDir, 2), check.IsNil)
	errs := s.runMasters(c, context.Background(), 2, 1, "", func(m *Master) {
		m.Command = nil
	})
	c.Check(errs, check.DeepEquals, []error{nil})
	for i := 0; i < 2; i++ {
		c.Check(taskdir.NewStateFiles(taskdir.SubtaskDir(s.taskDir, i)).Current(), check.Equals, taskdir.SubtaskFailed)
	}
	counts, err := taskdir.CountSubtasks(s.taskDir)
	c.Assert(err, check.IsNil)
	c.Check(counts, check.Equals, algorun.SubtaskCounts{Total: 2, Failed: 2})
}
