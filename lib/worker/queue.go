// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package worker runs the processing-step state machine for queued
// task requests.
package worker

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"git.algorun.org/algorun.git/sdk/go/algorun"
)

var ErrQueueClosed = errors.New("queue closed")

type queueEnt struct {
	req algorun.WorkerTaskRequest
	seq uint64
}

// requestHeap orders requests by priority, then by arrival.
type requestHeap []queueEnt

func (h requestHeap) Len() int { return len(h) }
func (h requestHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority < h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}
func (h requestHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *requestHeap) Push(x interface{}) { *h = append(*h, x.(queueEnt)) }
func (h *requestHeap) Pop() interface{} {
	old := *h
	ent := old[len(old)-1]
	*h = old[:len(old)-1]
	return ent
}

// Queue holds worker task requests until a worker takes them. Lower
// Priority values come out first. The zero value is ready to use.
type Queue struct {
	setupOnce sync.Once
	mtx       sync.Mutex
	reqs      requestHeap
	seq       uint64
	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func (q *Queue) setup() {
	q.notify = make(chan struct{}, 1)
	q.closed = make(chan struct{})
}

// Enqueue adds a request. It never blocks.
func (q *Queue) Enqueue(req algorun.WorkerTaskRequest) {
	q.setupOnce.Do(q.setup)
	q.mtx.Lock()
	q.seq++
	heap.Push(&q.reqs, queueEnt{req: req, seq: q.seq})
	q.mtx.Unlock()
	q.poke()
}

func (q *Queue) poke() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Next removes and returns the first request, waiting for one if the
// queue is empty.
func (q *Queue) Next(ctx context.Context) (algorun.WorkerTaskRequest, error) {
	q.setupOnce.Do(q.setup)
	for {
		q.mtx.Lock()
		if len(q.reqs) > 0 {
			ent := heap.Pop(&q.reqs).(queueEnt)
			more := len(q.reqs) > 0
			q.mtx.Unlock()
			if more {
				// Another waiter may have missed
				// a notification.
				q.poke()
			}
			return ent.req, nil
		}
		q.mtx.Unlock()
		select {
		case <-ctx.Done():
			return algorun.WorkerTaskRequest{}, ctx.Err()
		case <-q.closed:
			return algorun.WorkerTaskRequest{}, ErrQueueClosed
		case <-q.notify:
		}
	}
}

// Len returns the number of waiting requests.
func (q *Queue) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.reqs)
}

// Close makes Next return ErrQueueClosed once the queue is empty.
func (q *Queue) Close() {
	q.setupOnce.Do(q.setup)
	q.closeOnce.Do(func() { close(q.closed) })
}
