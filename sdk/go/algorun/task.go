// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package algorun

import (
	"fmt"
)

// TaskState is the overall state of a pipeline task record.
type TaskState string

const (
	TaskInitialized TaskState = "INITIALIZED"
	TaskSubmitted   TaskState = "SUBMITTED"
	TaskProcessing  TaskState = "PROCESSING"
	TaskError       TaskState = "ERROR"
	TaskCompleted   TaskState = "COMPLETED"
	TaskPartial     TaskState = "PARTIAL"
)

// ProcessingStep is the persisted position of a task in the
// processing-step state machine. Steps are ordered; see Index.
type ProcessingStep string

const (
	StepMarshaling     ProcessingStep = "MARSHALING"
	StepSubmitting     ProcessingStep = "SUBMITTING"
	StepQueued         ProcessingStep = "QUEUED"
	StepExecuting      ProcessingStep = "EXECUTING"
	StepWaitingToStore ProcessingStep = "WAITING_TO_STORE"
	StepStoring        ProcessingStep = "STORING"
	StepComplete       ProcessingStep = "COMPLETE"
)

var processingSteps = []ProcessingStep{
	StepMarshaling,
	StepSubmitting,
	StepQueued,
	StepExecuting,
	StepWaitingToStore,
	StepStoring,
	StepComplete,
}

// ProcessingSteps returns all steps in order.
func ProcessingSteps() []ProcessingStep {
	return append([]ProcessingStep(nil), processingSteps...)
}

// Index returns the position of the step in the ordering, or -1 if
// the step is not recognized.
func (s ProcessingStep) Index() int {
	for i, step := range processingSteps {
		if step == s {
			return i
		}
	}
	return -1
}

// Before reports whether s comes strictly before other.
func (s ProcessingStep) Before(other ProcessingStep) bool {
	return s.Index() < other.Index()
}

// Valid reports whether s is one of the defined steps.
func (s ProcessingStep) Valid() bool {
	return s.Index() >= 0
}

// RunMode tells the state machine where to start.
type RunMode string

const (
	RunStandard             RunMode = "STANDARD"
	RunRestartFromBeginning RunMode = "RESTART_FROM_BEGINNING"
	RunResumeCurrentStep    RunMode = "RESUME_CURRENT_STEP"
	RunResubmit             RunMode = "RESUBMIT"
	RunResumeMonitoring     RunMode = "RESUME_MONITORING"
)

// ExecutionResources are the per-task limits the monitors enforce.
type ExecutionResources struct {
	MaxFailedSubtasks int
	MaxAutoResubmits  int
	AllowPartialTasks bool
	RemoteEnabled     bool
	MinSubtasks       int
}

// SubtaskCounts summarizes the marker files of a task's subtasks.
type SubtaskCounts struct {
	Total    int
	Complete int
	Failed   int
}

// Terminal reports whether every subtask has a COMPLETE or FAILED
// marker.
func (sc SubtaskCounts) Terminal() bool {
	return sc.Complete+sc.Failed >= sc.Total
}

// Remaining returns the number of subtasks that have not completed
// successfully.
func (sc SubtaskCounts) Remaining() int {
	return sc.Total - sc.Complete
}

func (sc SubtaskCounts) String() string {
	return fmt.Sprintf("%d/%d complete, %d failed", sc.Complete, sc.Total, sc.Failed)
}

// PipelineTask is the persisted record of one unit of work executed
// by a pipeline module.
type PipelineTask struct {
	ID                int64
	InstanceID        int64
	ModuleName        string
	State             TaskState
	ProcessingStep    ProcessingStep
	AutoResubmitCount int
	Counts            SubtaskCounts
	Resources         ExecutionResources
	// True if the most recent submission ran on the batch
	// system.
	Remote bool
}

// LogFields returns fields identifying the task in log entries.
func (t PipelineTask) LogFields() map[string]interface{} {
	return map[string]interface{}{
		"InstanceID": t.InstanceID,
		"TaskID":     t.ID,
		"Module":     t.ModuleName,
	}
}

// RemoteParameters describe the batch job requested for a task. They
// are recorded in the task's StateFile.
type RemoteParameters struct {
	Queue                  string
	Architecture           string
	RequestedWallTime      WallTime
	RequestedNodeCount     int
	ActiveCoresPerNode     int
	MinCoresPerNode        int
	GigsPerNode            float64
	GigsPerSubtask         float64
	Group                  string
	SubmitTimeMillis       int64 `json:",omitempty"`
	ArrivalTimeMillis      int64 `json:",omitempty"`
	ComputeNodeCommandPath string `json:",omitempty"`
}

// WorkerTaskRequest asks the worker pool to run the state machine for
// a task. Lower Priority values are served first.
type WorkerTaskRequest struct {
	Priority   int
	InstanceID int64
	TaskID     int64
	RunMode    RunMode
}
