// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package slurm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

type squeueEntry struct {
	Name   string
	ID     string
	State  string
	Reason string
}

type slurmCLI struct {
	logger       logrus.FieldLogger
	runSemaphore chan bool
	// (for testing) if non-nil, call stubCommand() instead of
	// exec.CommandContext() when running slurm programs.
	stubCommand func(ctx context.Context, prog string, args ...string) *exec.Cmd
}

func newSlurmCLI(logger logrus.FieldLogger, parallelism int) *slurmCLI {
	if parallelism < 1 {
		parallelism = 3
	}
	return &slurmCLI{
		logger:       logger,
		runSemaphore: make(chan bool, parallelism),
	}
}

func (scli *slurmCLI) command(ctx context.Context, prog string, args ...string) *exec.Cmd {
	if f := scli.stubCommand; f != nil {
		return f(ctx, prog, args...)
	}
	return exec.CommandContext(ctx, prog, args...)
}

// Batch submits script with sbatch --parsable, and returns the job ID.
func (scli *slurmCLI) Batch(ctx context.Context, script []byte, args []string) (string, error) {
	out, err := scli.run(ctx, bytes.NewReader(script), "sbatch", append([]string{"--parsable"}, args...))
	if err != nil {
		return "", err
	}
	// "jobid" or "jobid;cluster"
	id := strings.TrimSpace(out)
	if i := strings.IndexByte(id, ';'); i >= 0 {
		id = id[:i]
	}
	if id == "" {
		return "", fmt.Errorf("sbatch did not report a job ID")
	}
	return id, nil
}

func (scli *slurmCLI) Cancel(ctx context.Context, name string) error {
	for _, args := range [][]string{
		// If the job hasn't started yet, remove it from the
		// queue.
		{"--state=pending"},
		// If it has started, send SIGTERM to the batch script
		// so the compute node master can write its FINISH
		// marker.
		{"--batch", "--signal=TERM", "--state=running"},
		{"--batch", "--signal=TERM", "--state=suspended"},
	} {
		_, err := scli.run(ctx, nil, "scancel", append([]string{"--name=" + name}, args...))
		if err != nil {
			// scancel exits 0 if no job matches the given
			// name and state. Any error from scancel here
			// really indicates something is wrong.
			return err
		}
	}
	return nil
}

// Queue lists the current user's jobs.
func (scli *slurmCLI) Queue(ctx context.Context) ([]squeueEntry, error) {
	out, err := scli.run(ctx, nil, "squeue", []string{"--me", "--noheader", "--format=%j %i %T %r"})
	if err != nil {
		return nil, err
	}
	var ents []squeueEntry
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			scli.logger.Warnf("ignoring unparsed line in squeue output: %q", scanner.Text())
			continue
		}
		ent := squeueEntry{Name: fields[0], ID: fields[1], State: fields[2]}
		if len(fields) > 3 {
			ent.Reason = strings.Join(fields[3:], " ")
		}
		ents = append(ents, ent)
	}
	return ents, scanner.Err()
}

func (scli *slurmCLI) run(ctx context.Context, stdin io.Reader, prog string, args []string) (string, error) {
	scli.runSemaphore <- true
	defer func() { <-scli.runSemaphore }()
	cmd := scli.command(ctx, prog, args...)
	cmd.Stdin = stdin
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	errTrim := strings.TrimSpace(stderr.String())
	if err != nil || errTrim != "" {
		scli.logger.Infof("%q %q: stderr %q", cmd.Path, cmd.Args, errTrim)
	}
	if err != nil {
		err = fmt.Errorf("%s: %s (%q)", prog, err, errTrim)
	}
	return string(out), err
}
