// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package computenode

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"git.algorun.org/algorun.git/lib/cmd"
	"git.algorun.org/algorun.git/lib/config"
	"git.algorun.org/algorun.git/sdk/go/ctxlog"
)

// Command runs the subtasks of one task directory. It is what a batch
// job runs on each compute node.
var Command cmd.Handler = command{}

type command struct{}

func (command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			logger.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	loader := config.NewLoader(stdin, logger)
	loader.SetupFlags(flags)
	cores := flags.Int("cores", 0, "number of subtasks to run concurrently (default: value recorded at submission)")
	jobName := flags.String("job-name", os.Getenv("SLURM_JOB_NAME"), "batch job `name`, recorded in subtask directories")
	jobID := flags.String("job-id", os.Getenv("SLURM_JOB_ID"), "batch job `id`, recorded in subtask directories")
	stateFileDir := flags.String("state-files", "", "state file `directory` (default: Directories.StateFiles from config)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "task-dir", stderr); !ok {
		return code
	} else if flags.NArg() != 1 {
		fmt.Fprintf(stderr, "usage: %s [options] task-dir\n", prog)
		return 2
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	logger = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	algorithm, err := config.AlgorithmCommand(cfg)
	if err != nil {
		return 1
	}
	if *stateFileDir == "" {
		*stateFileDir = cfg.Directories.StateFiles
	}
	hostname, err := os.Hostname()
	if err != nil {
		return 1
	}

	ctx, cancel := context.WithCancel(ctxlog.Context(context.Background(), logger))
	defer cancel()
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigch)
	go func() {
		for sig := range sigch {
			logger.WithField("signal", sig).Info("caught signal")
			cancel()
		}
	}()

	nm := &NodeMaster{
		TaskDir:       flags.Arg(0),
		StateFileDir:  *stateFileDir,
		Command:       algorithm,
		JobName:       *jobName,
		JobID:         *jobID,
		Node:          hostname,
		ActiveCores:   *cores,
		Timeout:       cfg.Algorithm.Timeout.Duration(),
		PollInterval:  cfg.Pipeline.PollInterval.Duration(),
		RetryInterval: cfg.Pipeline.PollInterval.Duration() / 10,
		Logger:        logger,
	}
	err = nm.RunAll(ctx)
	if err != nil {
		return 1
	}
	return 0
}
