// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package subtask hands out the subtasks of one task to the worker
// goroutines of a compute node and runs the algorithm on each of them.
package subtask

import (
	"fmt"
)

// Status is the kind of answer to a request for the next subtask.
type Status int

const (
	// OK means the Index field of the Allocation is valid.
	OK Status = iota
	// TryAgain means every remaining subtask is currently handed
	// out to a worker on this node.
	TryAgain
	// NoMore means every subtask is complete.
	NoMore
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case TryAgain:
		return "TRY_AGAIN"
	case NoMore:
		return "NO_MORE"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

type Allocation struct {
	Status Status
	Index  int
}

func (a Allocation) String() string {
	if a.Status == OK {
		return fmt.Sprintf("OK(%d)", a.Index)
	}
	return a.Status.String()
}

// Allocator keeps track of which subtasks are available, handed out
// (locked) and complete. It is not safe for concurrent use; Server
// serializes access to it.
type Allocator struct {
	complete  []bool
	nComplete int
	locked    map[int]bool
	// indices still to be offered in the current pass
	waiting []int
}

func NewAllocator(n int) *Allocator {
	return &Allocator{
		complete: make([]bool, n),
		locked:   make(map[int]bool),
	}
}

// Len returns the number of subtasks.
func (a *Allocator) Len() int {
	return len(a.complete)
}

// Next returns the next subtask to try.
//
// The cursor walks the indices in order, skipping complete ones and
// ones currently handed out. When it reaches the end it starts over
// with whatever is still available, which includes subtasks that
// workers reported as locked elsewhere.
func (a *Allocator) Next() Allocation {
	if a.nComplete == len(a.complete) {
		return Allocation{Status: NoMore}
	}
	for pass := 0; pass < 2; pass++ {
		for len(a.waiting) > 0 {
			i := a.waiting[0]
			a.waiting = a.waiting[1:]
			if !a.complete[i] && !a.locked[i] {
				a.locked[i] = true
				return Allocation{Status: OK, Index: i}
			}
		}
		a.repopulate()
	}
	return Allocation{Status: TryAgain}
}

func (a *Allocator) repopulate() {
	a.waiting = a.waiting[:0]
	for i, done := range a.complete {
		if !done && !a.locked[i] {
			a.waiting = append(a.waiting, i)
		}
	}
}

// MarkComplete records that subtask i needs no further attention,
// either because it ran or because it already had a final marker.
func (a *Allocator) MarkComplete(i int) error {
	if i < 0 || i >= len(a.complete) {
		return fmt.Errorf("subtask index %d out of range [0,%d)", i, len(a.complete))
	}
	delete(a.locked, i)
	if !a.complete[i] {
		a.complete[i] = true
		a.nComplete++
	}
	return nil
}

// MarkLocked records that subtask i could not be locked because
// another process holds it. The subtask becomes available again and is
// offered on a later pass. Reporting the same subtask more than once
// is harmless.
func (a *Allocator) MarkLocked(i int) error {
	if i < 0 || i >= len(a.complete) {
		return fmt.Errorf("subtask index %d out of range [0,%d)", i, len(a.complete))
	}
	delete(a.locked, i)
	return nil
}

// Complete reports whether every subtask is complete.
func (a *Allocator) Complete() bool {
	return a.nComplete == len(a.complete)
}
