// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"git.algorun.org/algorun.git/sdk/go/algorun"
)

var _ Store = (*Memory)(nil)

// Memory is a Store that keeps records in a map. The zero value
// is ready to use.
type Memory struct {
	mtx    sync.Mutex
	tasks  map[int64]algorun.PipelineTask
	nextID int64
}

func (m *Memory) Create(ctx context.Context, task algorun.PipelineTask) (algorun.PipelineTask, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.tasks == nil {
		m.tasks = map[int64]algorun.PipelineTask{}
	}
	if task.ID == 0 {
		m.nextID++
		for m.tasks[m.nextID].ID != 0 {
			m.nextID++
		}
		task.ID = m.nextID
	} else if _, exists := m.tasks[task.ID]; exists {
		return algorun.PipelineTask{}, fmt.Errorf("task %d already exists", task.ID)
	}
	initialize(&task)
	m.tasks[task.ID] = task
	return task, nil
}

func (m *Memory) Task(ctx context.Context, taskID int64) (algorun.PipelineTask, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return algorun.PipelineTask{}, fmt.Errorf("%w: %d", ErrNotFound, taskID)
	}
	return task, nil
}

func (m *Memory) Tasks(ctx context.Context) ([]algorun.PipelineTask, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	tasks := make([]algorun.PipelineTask, 0, len(m.tasks))
	for _, task := range m.tasks {
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (m *Memory) Update(ctx context.Context, taskID int64, fn func(*algorun.PipelineTask)) (algorun.PipelineTask, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return algorun.PipelineTask{}, fmt.Errorf("%w: %d", ErrNotFound, taskID)
	}
	fn(&task)
	task.ID = taskID
	m.tasks[taskID] = task
	return task, nil
}

func (m *Memory) UpdateSubtaskCounts(ctx context.Context, taskID int64, counts algorun.SubtaskCounts) error {
	_, err := m.Update(ctx, taskID, func(t *algorun.PipelineTask) { t.Counts = counts })
	return err
}

func (m *Memory) UpdateProcessingStep(ctx context.Context, taskID int64, step algorun.ProcessingStep) error {
	if !step.Valid() {
		return fmt.Errorf("invalid processing step %q", step)
	}
	_, err := m.Update(ctx, taskID, func(t *algorun.PipelineTask) { t.ProcessingStep = step })
	return err
}

func (m *Memory) SetState(ctx context.Context, taskID int64, state algorun.TaskState) error {
	_, err := m.Update(ctx, taskID, func(t *algorun.PipelineTask) { t.State = state })
	return err
}

func (m *Memory) PrepareForAutoResubmit(ctx context.Context, taskID int64) (algorun.PipelineTask, error) {
	return m.Update(ctx, taskID, func(t *algorun.PipelineTask) {
		t.AutoResubmitCount++
		t.State = algorun.TaskSubmitted
	})
}

func (m *Memory) SetRemote(ctx context.Context, taskID int64, remote bool) error {
	_, err := m.Update(ctx, taskID, func(t *algorun.PipelineTask) { t.Remote = remote })
	return err
}
