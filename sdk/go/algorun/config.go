// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package algorun

// Config is the site configuration shared by the orchestrator and the
// compute node processes.
type Config struct {
	SystemLogs struct {
		LogLevel string
		Format   string
	}
	Pipeline    PipelineConfig
	Directories struct {
		// Directory holding one StateFile per remote or local
		// task execution.
		StateFiles string
		// Parent of the per-task working directories.
		TaskData string
	}
	Remote    RemoteConfig
	Local     LocalConfig
	Algorithm struct {
		// Command line of the algorithm executable, split into
		// words using shell quoting rules.
		Command string
		// Per-subtask timeout. Zero means the wall time limit
		// of the job.
		Timeout Duration
	}
	Management struct {
		Listen string
		Token  string
	}
	PostgreSQL struct {
		// If empty, task records are kept in memory and do
		// not survive a restart.
		Connection     PostgreSQLConnection
		ConnectionPool int
	}
}

type PipelineConfig struct {
	// Default per-task limits, copied into each task's
	// ExecutionResources when the task is created.
	MaxFailedSubtasks int
	MaxAutoResubmits  int
	AllowPartialTasks bool

	// If non-empty, the state machine stops with a HaltError
	// after running the action of this step.
	HaltStep ProcessingStep

	PollInterval     Duration
	FinishCheckEvery int

	// Size of the worker pool draining the task request queue.
	Workers        int
	MinRetryPeriod Duration
}

type RemoteConfig struct {
	Enabled            bool
	MinSubtasks        int
	Queue              string
	Architecture       string
	WallTime           WallTime
	NodeCount          int
	CoresPerNode       int
	GigsPerNode        float64
	GigsPerSubtask     float64
	Group              string
	SbatchArguments    []string
	ComputeNodeCommand string
	SubmitParallelism  int
}

type LocalConfig struct {
	// Number of subtasks run concurrently by local execution.
	// Zero means the number of CPUs.
	ActiveCores int
}

// ExecutionResources returns the per-task resource limits implied by
// the configuration.
func (cfg *Config) ExecutionResources() ExecutionResources {
	return ExecutionResources{
		MaxFailedSubtasks: cfg.Pipeline.MaxFailedSubtasks,
		MaxAutoResubmits:  cfg.Pipeline.MaxAutoResubmits,
		AllowPartialTasks: cfg.Pipeline.AllowPartialTasks,
		RemoteEnabled:     cfg.Remote.Enabled,
		MinSubtasks:       cfg.Remote.MinSubtasks,
	}
}
