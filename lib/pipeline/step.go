// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package pipeline drives a task through the processing steps, from
// marshaling its inputs to storing its results.
package pipeline

import (
	"errors"
	"fmt"

	"git.algorun.org/algorun.git/sdk/go/algorun"
)

var (
	// ErrNoNextStep means the caller asked for the step after
	// COMPLETE. It indicates a bug, not a task failure.
	ErrNoNextStep = errors.New("there is no processing step after COMPLETE")

	ErrAllSubtasksFailed = errors.New("all subtasks failed")
	ErrPartialFailure    = errors.New("some subtasks failed and partial tasks are not allowed")

	errTaskInError = errors.New("task is in ERROR state")
)

// HaltError is returned by Run after the action of the configured
// halt step.
type HaltError struct {
	Step algorun.ProcessingStep
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("halted after processing step %s", e.Step)
}

// NextProcessingStep returns the step that follows step on the remote
// execution path. Local execution skips QUEUED and EXECUTING; see
// Module.
func NextProcessingStep(step algorun.ProcessingStep) (algorun.ProcessingStep, error) {
	steps := algorun.ProcessingSteps()
	i := step.Index()
	switch {
	case i < 0:
		return "", fmt.Errorf("unknown processing step %q", step)
	case i == len(steps)-1:
		return "", ErrNoNextStep
	default:
		return steps[i+1], nil
	}
}
