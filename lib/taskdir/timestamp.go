// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskdir

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Event names a timestamp marker. A marker is an empty file named
// <EVENT>.<unix-millis>.
type Event string

const (
	EventArriveComputeNodes Event = "ARRIVE_COMPUTE_NODES"
	EventQueued             Event = "QUEUED"
	EventStart              Event = "START"
	EventFinish             Event = "FINISH"
	EventSubtaskStart       Event = "SUBTASK_START"
	EventSubtaskFinish      Event = "SUBTASK_FINISH"
)

// WriteTimestamp records that event happened at t, replacing any
// earlier marker for the same event.
func WriteTimestamp(dir string, event Event, t time.Time) error {
	if err := DeleteTimestamp(dir, event); err != nil {
		return err
	}
	return touch(filepath.Join(dir, fmt.Sprintf("%s.%d", event, t.UnixMilli())))
}

// WriteTimestampOnce is like WriteTimestamp, but keeps an existing
// marker. It is used for events that several compute nodes may
// report for the same task.
func WriteTimestampOnce(dir string, event Event, t time.Time) error {
	if _, ok, err := Timestamp(dir, event); err != nil || ok {
		return err
	}
	return WriteTimestamp(dir, event, t)
}

// Timestamp returns the time recorded for event, and false if there
// is no marker.
func Timestamp(dir string, event Event) (time.Time, bool, error) {
	names, err := timestampMarkers(dir, event)
	if err != nil || len(names) == 0 {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(strings.TrimPrefix(names[0], string(event)+"."), 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("bad timestamp marker %q: %w", names[0], err)
	}
	return time.UnixMilli(ms), true, nil
}

// Elapsed returns the time between two events. It returns zero if
// either marker is missing.
func Elapsed(dir string, start, finish Event) (time.Duration, error) {
	t0, ok0, err := Timestamp(dir, start)
	if err != nil {
		return 0, err
	}
	t1, ok1, err := Timestamp(dir, finish)
	if err != nil {
		return 0, err
	}
	if !ok0 || !ok1 {
		return 0, nil
	}
	return t1.Sub(t0), nil
}

// DeleteTimestamp removes the marker for event, if any.
func DeleteTimestamp(dir string, event Event) error {
	names, err := timestampMarkers(dir, event)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := removeIfExists(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func timestampMarkers(dir string, event Event) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	prefix := string(event) + "."
	var names []string
	for _, ent := range ents {
		if name := ent.Name(); strings.HasPrefix(name, prefix) {
			if _, err := strconv.ParseInt(name[len(prefix):], 10, 64); err == nil {
				names = append(names, name)
			}
		}
	}
	return names, nil
}
