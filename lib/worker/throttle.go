// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"sync"
	"time"
)

// throttle limits how often the same task is processed.
type throttle struct {
	hold   time.Duration
	mtx    sync.Mutex
	seen   map[int64]time.Time // last attempt that was allowed
	pruned time.Time
}

// Check returns true if it's OK to process the task now. Otherwise it
// returns false and the time left until it will be OK.
func (t *throttle) Check(taskID int64) (bool, time.Duration) {
	if t.hold <= 0 {
		return true, 0
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()
	now := time.Now()
	if t.seen == nil {
		t.seen = map[int64]time.Time{}
	}
	if now.Sub(t.pruned) >= t.hold {
		for id, last := range t.seen {
			if now.Sub(last) >= t.hold {
				delete(t.seen, id)
			}
		}
		t.pruned = now
	}
	if last, ok := t.seen[taskID]; ok {
		if wait := t.hold - now.Sub(last); wait > 0 {
			return false, wait
		}
	}
	t.seen[taskID] = now
	return true, 0
}
