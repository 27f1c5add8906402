// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package service provides the commands that run the orchestrator:
// a long-running monitor service, and a one-shot task runner.
package service

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"git.algorun.org/algorun.git/lib/cmd"
	"git.algorun.org/algorun.git/lib/config"
	"git.algorun.org/algorun.git/lib/taskdir"
	"git.algorun.org/algorun.git/sdk/go/algorun"
	"git.algorun.org/algorun.git/sdk/go/ctxlog"
	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// MonitorCommand runs the worker pool and monitors, and serves the
// management API, until interrupted.
var MonitorCommand cmd.Handler = &monitorCommand{ctx: context.Background()}

type monitorCommand struct {
	ctx context.Context // enables tests to shut down the service
}

func (c *monitorCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var logger logrus.FieldLogger = ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			logger.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	loader := config.NewLoader(stdin, logger)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	logger = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel).WithField("PID", os.Getpid())
	ctx, cancel := context.WithCancel(ctxlog.Context(c.ctx, logger))
	defer cancel()
	handleSignals(ctx, cancel, logger)

	reg := prometheus.NewRegistry()
	// algorun_version_running{version="1.2.3~4"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "algorun",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)

	st, err := NewStack(cfg, loader.Path, logger, reg)
	if err != nil {
		return 1
	}
	st.Start(ctx)
	defer st.Stop()
	if n, err := st.Recover(ctx); err != nil {
		logger.WithError(err).Error("error recovering tasks")
	} else if n > 0 {
		logger.WithField("Tasks", n).Info("resumed monitoring of tasks from previous run")
	}

	var srv *http.Server
	if listen := cfg.Management.Listen; listen != "" {
		var ln net.Listener
		ln, err = net.Listen("tcp", listen)
		if err != nil {
			return 1
		}
		srv = &http.Server{
			Handler:     st.Handler(),
			BaseContext: func(net.Listener) context.Context { return ctx },
		}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("management server failed")
				cancel()
			}
		}()
		defer srv.Close()
		logger.WithField("Listen", ln.Addr().String()).Info("management server listening")
	}
	logger.WithField("Version", cmd.Version.String()).Info("started")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Error("error notifying init daemon")
	}
	<-ctx.Done()
	logger.Info("shutting down")
	return 0
}

// RunTaskCommand runs one task, whose directory has already been
// populated with subtask directories, through all of its processing
// steps.
var RunTaskCommand cmd.Handler = runTaskCommand{}

type runTaskCommand struct{}

func (runTaskCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var logger logrus.FieldLogger = ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			logger.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	loader := config.NewLoader(stdin, logger)
	loader.SetupFlags(flags)
	mode := flags.String("mode", string(algorun.RunStandard), "run `mode`: STANDARD, RESTART_FROM_BEGINNING, RESUME_CURRENT_STEP, or RESUBMIT")
	if ok, code := cmd.ParseFlags(flags, prog, args, "task-dir", stderr); !ok {
		return code
	} else if flags.NArg() != 1 {
		fmt.Fprintf(stderr, "usage: %s [options] task-dir\n", prog)
		return 2
	}
	taskDir, err := filepath.Abs(flags.Arg(0))
	if err != nil {
		return 1
	}
	instanceID, taskID, module, err := taskdir.ParseName(taskDir)
	if err != nil {
		return 2
	}
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	cfg.Directories.TaskData = filepath.Dir(taskDir)
	logger = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel).WithFields(logrus.Fields{
		"InstanceID": instanceID,
		"TaskID":     taskID,
		"Module":     module,
	})
	ctx, cancel := context.WithCancel(ctxlog.Context(context.Background(), logger))
	defer cancel()
	handleSignals(ctx, cancel, logger)

	st, err := NewStack(cfg, loader.Path, logger, prometheus.NewRegistry())
	if err != nil {
		return 1
	}
	task := algorun.PipelineTask{ID: taskID, InstanceID: instanceID, ModuleName: module, Resources: cfg.ExecutionResources()}
	if task, err = st.Store.Create(ctx, task); err != nil {
		return 1
	}
	st.Start(ctx)
	defer st.Stop()
	st.Enqueue(task, algorun.RunMode(*mode))

	poll := cfg.Pipeline.PollInterval.Duration() / 10
	if poll <= 0 || poll > time.Second {
		poll = time.Second
	}
	task, err = st.WaitTask(ctx, task.ID, poll)
	if err != nil {
		return 1
	}
	fmt.Fprintf(stdout, "%s %s %s\n", task.State, task.ProcessingStep, task.Counts)
	if task.State != algorun.TaskCompleted && task.State != algorun.TaskPartial {
		err = fmt.Errorf("task ended in state %s at processing step %s", task.State, task.ProcessingStep)
		return 1
	}
	return 0
}

func handleSignals(ctx context.Context, cancel context.CancelFunc, logger logrus.FieldLogger) {
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigch)
		select {
		case sig := <-sigch:
			logger.WithField("signal", sig).Info("caught signal")
			cancel()
		case <-ctx.Done():
		}
	}()
}
