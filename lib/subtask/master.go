// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package subtask

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"git.algorun.org/algorun.git/lib/flock"
	"git.algorun.org/algorun.git/lib/taskdir"
	"github.com/sirupsen/logrus"
)

const (
	StdoutFileName = "algorithm.stdout"
	StderrFileName = "algorithm.stderr"

	defaultRetryInterval = time.Second
)

// Master is one worker goroutine of a compute node. It asks the Server
// for subtasks and runs the algorithm on each subtask it manages to
// lock, until no subtasks remain.
type Master struct {
	Client  *Client
	TaskDir string
	// Algorithm command line. The working directory is the
	// subtask directory.
	Command []string
	Timeout time.Duration
	// Wait this long after TRY_AGAIN, or after coming back
	// around to a subtask that was locked elsewhere.
	RetryInterval time.Duration
	Thread        int
	JobName       string
	JobID         string
	Node          string
	Logger        logrus.FieldLogger
	// If non-nil, called after each subtask the master executes.
	OnSubtaskDone func(index int, state taskdir.SubtaskState)

	// (for testing) if non-nil, call stubCommand() instead of
	// exec.CommandContext() to run the algorithm.
	stubCommand func(ctx context.Context, prog string, args ...string) *exec.Cmd
}

// Run processes subtasks until the server has no more, the server
// shuts down, or ctx is done. It returns nil in the first case.
func (m *Master) Run(ctx context.Context) error {
	logger := m.Logger.WithField("Thread", m.Thread)
	lockedElsewhere := map[int]bool{}
	for {
		alloc, err := m.Client.Next(ctx)
		if err != nil {
			return err
		}
		switch alloc.Status {
		case NoMore:
			logger.Debug("no more subtasks")
			return nil
		case TryAgain:
			if err := m.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		i := alloc.Index
		if lockedElsewhere[i] {
			// Came back around without any progress on
			// this one; don't spin.
			lockedElsewhere = map[int]bool{}
			if err := m.sleep(ctx); err != nil {
				return err
			}
		}
		slogger := logger.WithField("Subtask", i)
		locked, err := m.processSubtask(ctx, slogger, i)
		if locked {
			lockedElsewhere[i] = true
			slogger.Debug("subtask is locked by another process")
			if err := m.Client.ReportLocked(ctx, i); err != nil {
				return err
			}
			continue
		}
		delete(lockedElsewhere, i)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slogger.WithError(err).Error("error processing subtask")
		}
		if err := m.Client.ReportComplete(ctx, i); err != nil {
			return err
		}
	}
}

// processSubtask returns true if the subtask is locked by someone
// else. The subtask lock is released on every return path.
func (m *Master) processSubtask(ctx context.Context, logger logrus.FieldLogger, i int) (bool, error) {
	dir := taskdir.SubtaskDir(m.TaskDir, i)
	lock, err := flock.TryLock(filepath.Join(dir, taskdir.SubtaskLockName))
	if errors.Is(err, flock.ErrLocked) {
		return true, nil
	} else if err != nil {
		return false, err
	}
	defer lock.Unlock()

	markers := taskdir.NewStateFiles(dir)
	switch state := markers.Current(); state {
	case taskdir.SubtaskComplete, taskdir.SubtaskFailed:
		logger.WithField("State", state).Info("subtask already finished, skipping")
		return false, nil
	case taskdir.SubtaskAmbiguous:
		logger.Warn("subtask has more than one state marker, skipping")
		return false, nil
	case taskdir.SubtaskProcessing:
		logger.Warn("subtask has a stale PROCESSING marker, running it again")
	}
	return false, m.execute(ctx, logger, i, dir, markers)
}

func (m *Master) execute(ctx context.Context, logger logrus.FieldLogger, i int, dir string, markers taskdir.StateFiles) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic running subtask: %v", r)
			if merr := markers.Set(taskdir.SubtaskFailed); merr != nil {
				logger.WithError(merr).Error("error writing FAILED marker")
			}
		}
	}()
	if len(m.Command) == 0 {
		return m.fail(logger, i, markers, errors.New("no algorithm command configured"))
	}
	if err := taskdir.WriteJobInfo(dir, m.JobName, m.JobID, m.Node); err != nil {
		logger.WithError(err).Warn("error writing job info marker")
	}
	if err := markers.Set(taskdir.SubtaskProcessing); err != nil {
		return m.fail(logger, i, markers, fmt.Errorf("writing PROCESSING marker: %w", err))
	}
	t0 := time.Now()
	if err := taskdir.WriteTimestamp(dir, taskdir.EventSubtaskStart, t0); err != nil {
		logger.WithError(err).Warn("error writing start timestamp")
	}

	runErr := m.run(ctx, i, dir)

	if err := taskdir.WriteTimestamp(dir, taskdir.EventSubtaskFinish, time.Now()); err != nil {
		logger.WithError(err).Warn("error writing finish timestamp")
	}
	if ctx.Err() != nil {
		// Shutting down. Leave the PROCESSING marker so
		// the subtask runs again on resubmission.
		return ctx.Err()
	}
	final := taskdir.SubtaskComplete
	if runErr != nil {
		final = taskdir.SubtaskFailed
		logger.WithError(runErr).Warn("algorithm failed")
	} else if markers.Has(taskdir.SubtaskFailed) {
		final = taskdir.SubtaskFailed
		logger.Warn("algorithm exited 0 but reported failure")
	} else {
		logger.WithField("Elapsed", time.Since(t0).Round(time.Millisecond).String()).Info("subtask complete")
	}
	if err := markers.Set(final); err != nil {
		return err
	}
	if m.OnSubtaskDone != nil {
		m.OnSubtaskDone(i, final)
	}
	return nil
}

// fail marks a subtask FAILED after an error that kept the algorithm
// from running, and returns err.
func (m *Master) fail(logger logrus.FieldLogger, i int, markers taskdir.StateFiles, err error) error {
	if merr := markers.Set(taskdir.SubtaskFailed); merr != nil {
		logger.WithError(merr).Error("error writing FAILED marker")
		return err
	}
	if m.OnSubtaskDone != nil {
		m.OnSubtaskDone(i, taskdir.SubtaskFailed)
	}
	return err
}

func (m *Master) run(ctx context.Context, i int, dir string) error {
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}
	cmd := m.command(ctx, m.Command[0], m.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"ALGORUN_SUBTASK_INDEX="+strconv.Itoa(i),
		"ALGORUN_SUBTASK_DIR="+dir,
		"ALGORUN_TASK_DIR="+m.TaskDir)
	stdout, err := os.Create(filepath.Join(dir, StdoutFileName))
	if err != nil {
		return err
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(dir, StderrFileName))
	if err != nil {
		return err
	}
	defer stderr.Close()
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err = cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("timed out after %s: %w", m.Timeout, err)
	}
	return err
}

func (m *Master) command(ctx context.Context, prog string, args ...string) *exec.Cmd {
	if f := m.stubCommand; f != nil {
		return f(ctx, prog, args...)
	}
	return exec.CommandContext(ctx, prog, args...)
}

func (m *Master) sleep(ctx context.Context) error {
	d := m.RetryInterval
	if d <= 0 {
		d = defaultRetryInterval
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
