// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package slurm submits tasks to a Slurm cluster and reports when
// their jobs leave the queue.
package slurm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"git.algorun.org/algorun.git/lib/executor"
	"git.algorun.org/algorun.git/lib/statefile"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

var errNoQueueYet = errors.New("squeue has not run successfully yet")

// Dispatcher is a JobSubmitter and JobStatusChecker backed by the
// sbatch, squeue and scancel programs.
type Dispatcher struct {
	Logger logrus.FieldLogger
	// Interval between squeue runs.
	Period time.Duration
	// Extra sbatch arguments.
	SbatchArguments []string
	// Maximum number of slurm programs running at once.
	Parallelism int

	initOnce  sync.Once
	startOnce sync.Once
	stopOnce  sync.Once
	cli       *slurmCLI
	stop      chan struct{}
	stopped   chan struct{}

	mtx       sync.Mutex
	submitted map[string]time.Time
	latest    map[string]squeueEntry
	comments  map[string]string
	updated   time.Time
	queueErr  error
}

func (disp *Dispatcher) init() {
	if disp.cli == nil {
		disp.cli = newSlurmCLI(disp.Logger, disp.Parallelism)
	}
	disp.submitted = map[string]time.Time{}
	disp.comments = map[string]string{}
	disp.stop = make(chan struct{})
	disp.stopped = make(chan struct{})
}

// Start polling squeue.
func (disp *Dispatcher) Start(ctx context.Context) {
	disp.initOnce.Do(disp.init)
	period := disp.Period
	if period <= 0 {
		period = 10 * time.Second
	}
	disp.startOnce.Do(func() {
		go func() {
			defer close(disp.stopped)
			ticker := time.NewTicker(period)
			defer ticker.Stop()
			for {
				disp.poll(ctx)
				select {
				case <-ctx.Done():
					return
				case <-disp.stop:
					return
				case <-ticker.C:
				}
			}
		}()
	})
}

// Stop polling.
func (disp *Dispatcher) Stop() {
	disp.initOnce.Do(disp.init)
	disp.stopOnce.Do(func() {
		close(disp.stop)
		disp.startOnce.Do(func() { close(disp.stopped) })
	})
	<-disp.stopped
}

func (disp *Dispatcher) poll(ctx context.Context) {
	// Note the time before running squeue: a job submitted
	// after this may not be listed.
	t0 := time.Now()
	ents, err := disp.cli.Queue(ctx)
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	if err != nil {
		disp.Logger.WithError(err).Warn("squeue failed")
		disp.queueErr = err
		return
	}
	latest := make(map[string]squeueEntry, len(ents))
	for _, ent := range ents {
		latest[ent.Name] = ent
		comment := ent.State
		if ent.Reason != "" && ent.Reason != "None" {
			comment += ": " + ent.Reason
		}
		disp.comments[ent.Name] = "job " + ent.ID + " " + comment
	}
	disp.latest = latest
	disp.updated = t0
	disp.queueErr = nil
}

// Submit runs sbatch.
func (disp *Dispatcher) Submit(ctx context.Context, spec executor.JobSpec) error {
	disp.initOnce.Do(disp.init)
	args := disp.sbatchArgs(spec)
	command := spec.Command
	if spec.Params.RequestedNodeCount > 1 {
		// One compute node master per node.
		command = append([]string{"srun", "--ntasks-per-node=1"}, command...)
	}
	disp.Logger.WithFields(logrus.Fields{
		"JobName": spec.Name,
		"Nodes":   spec.Params.RequestedNodeCount,
		"Memory":  humanize.IBytes(uint64(spec.Params.GigsPerNode * (1 << 30))),
	}).Debugf("sbatch %q", args)
	id, err := disp.cli.Batch(ctx, execScript(command), args)
	if err != nil {
		return err
	}
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	disp.submitted[spec.Name] = time.Now()
	disp.comments[spec.Name] = "job " + id + " submitted"
	disp.Logger.WithField("JobName", spec.Name).WithField("JobID", id).Info("submitted")
	return nil
}

func (disp *Dispatcher) sbatchArgs(spec executor.JobSpec) []string {
	p := spec.Params
	args := []string{
		"--job-name=" + spec.Name,
		"--chdir=" + spec.TaskDir,
		"--output=" + spec.TaskDir + "/slurm-%j.out",
		fmt.Sprintf("--nodes=%d", p.RequestedNodeCount),
		"--ntasks-per-node=1",
		fmt.Sprintf("--cpus-per-task=%d", p.MinCoresPerNode),
	}
	if p.RequestedWallTime != "" {
		args = append(args, "--time="+string(p.RequestedWallTime))
	}
	if p.GigsPerNode > 0 {
		args = append(args, fmt.Sprintf("--mem=%dM", int64(math.Ceil(p.GigsPerNode*1024))))
	}
	if p.Queue != "" {
		args = append(args, "--partition="+p.Queue)
	}
	if p.Architecture != "" {
		args = append(args, "--constraint="+p.Architecture)
	}
	if p.Group != "" {
		args = append(args, "--account="+p.Group)
	}
	return append(args, disp.SbatchArguments...)
}

// IsFinished reports whether the task's job has left the queue. It
// uses the most recent squeue output, and reports false for a job
// submitted after that output was produced.
func (disp *Dispatcher) IsFinished(ctx context.Context, key statefile.Key) (bool, error) {
	disp.initOnce.Do(disp.init)
	name := executor.JobName(key)
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	if disp.queueErr != nil {
		return false, disp.queueErr
	}
	if disp.latest == nil {
		return false, errNoQueueYet
	}
	if _, ok := disp.latest[name]; ok {
		return false, nil
	}
	if submitted, ok := disp.submitted[name]; ok && !disp.updated.After(submitted) {
		return false, nil
	}
	return true, nil
}

// Comment returns the last known queue status of the task's job.
func (disp *Dispatcher) Comment(key statefile.Key) string {
	disp.initOnce.Do(disp.init)
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	return disp.comments[executor.JobName(key)]
}

// EndMonitoring forgets about the task's job.
func (disp *Dispatcher) EndMonitoring(key statefile.Key) {
	disp.initOnce.Do(disp.init)
	name := executor.JobName(key)
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	delete(disp.submitted, name)
	delete(disp.comments, name)
}

// Cancel removes the task's job from the queue, or signals it if it is
// running.
func (disp *Dispatcher) Cancel(ctx context.Context, key statefile.Key) error {
	disp.initOnce.Do(disp.init)
	return disp.cli.Cancel(ctx, executor.JobName(key))
}
