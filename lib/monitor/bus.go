// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"sync"

	"git.algorun.org/algorun.git/lib/statefile"
	"git.algorun.org/algorun.git/sdk/go/algorun"
)

type EventKind string

const (
	// A compute node reported progress on a task.
	EventWorkerStatus EventKind = "WorkerStatus"
	// The last worker of a task sent its final message.
	EventLastWorkerMessage EventKind = "LastWorkerMessage"
	// Every batch job of a task has ended.
	EventAllJobsFinished EventKind = "AllJobsFinished"
	// An operator asked for the task to stop.
	EventHaltTasks EventKind = "HaltTasks"
	// Published by a TaskMonitor when every subtask is terminal.
	EventTaskProcessingComplete EventKind = "TaskProcessingComplete"
)

type Event struct {
	Kind   EventKind
	Key    statefile.Key
	Counts algorun.SubtaskCounts
}

// Bus delivers events to subscribers in the same process. Handlers
// are called synchronously by Publish, outside the bus lock, so they
// may publish further events but must not block.
type Bus struct {
	mtx      sync.Mutex
	nextID   int
	handlers map[int]func(Event)
}

// Subscribe registers fn and returns a function that unregisters it.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.handlers == nil {
		b.handlers = map[int]func(Event){}
	}
	id := b.nextID
	b.nextID++
	b.handlers[id] = fn
	return func() {
		b.mtx.Lock()
		defer b.mtx.Unlock()
		delete(b.handlers, id)
	}
}

func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mtx.Lock()
	fns := make([]func(Event), 0, len(b.handlers))
	for _, fn := range b.handlers {
		fns = append(fns, fn)
	}
	b.mtx.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
