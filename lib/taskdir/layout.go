// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package taskdir knows the on-disk layout of a task working
// directory: one st-<i> directory per subtask, the marker files the
// algorithm leaves in them, and the small control files written at
// submission time.
package taskdir

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"git.algorun.org/algorun.git/sdk/go/algorun"
	"github.com/bmatcuk/doublestar/v4"
)

const (
	// Lock file in each subtask directory, held while the
	// subtask is being examined or executed.
	SubtaskLockName = ".lock"
	// Lock file in the task directory serializing StateFile
	// updates made on behalf of the task.
	StateFileLockName = ".state-file.lock"

	ActiveCoresFileName = ".activeCoresPerNode"
	WallTimeFileName    = ".requestedWallTimeSeconds"

	subtaskPrefix = "st-"
)

var nameRegexp = regexp.MustCompile(`^([0-9]+)-([0-9]+)-(.+)$`)

// Name returns the name of the working directory of a task.
func Name(instanceID, taskID int64, module string) string {
	return fmt.Sprintf("%d-%d-%s", instanceID, taskID, module)
}

// ParseName is the inverse of Name.
func ParseName(name string) (instanceID, taskID int64, module string, err error) {
	m := nameRegexp.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return 0, 0, "", fmt.Errorf("%q is not a task directory name", name)
	}
	instanceID, _ = strconv.ParseInt(m[1], 10, 64)
	taskID, _ = strconv.ParseInt(m[2], 10, 64)
	return instanceID, taskID, m[3], nil
}

// SubtaskName returns the name of the directory of subtask i.
func SubtaskName(i int) string {
	return subtaskPrefix + strconv.Itoa(i)
}

// SubtaskDir returns the path of the directory of subtask i.
func SubtaskDir(taskDir string, i int) string {
	return filepath.Join(taskDir, SubtaskName(i))
}

// SubtaskIndex returns the index of the subtask whose directory has
// the given name.
func SubtaskIndex(name string) (int, bool) {
	s := strings.TrimPrefix(filepath.Base(name), subtaskPrefix)
	if len(s) == len(filepath.Base(name)) {
		return 0, false
	}
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// SubtaskDirs returns the paths of the subtask directories in taskDir,
// ordered by subtask index.
func SubtaskDirs(taskDir string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(taskDir), subtaskPrefix+"*")
	if err != nil {
		return nil, err
	}
	type indexed struct {
		index int
		path  string
	}
	var dirs []indexed
	for _, m := range matches {
		i, ok := SubtaskIndex(m)
		if !ok {
			continue
		}
		fi, err := os.Stat(filepath.Join(taskDir, m))
		if err != nil || !fi.IsDir() {
			continue
		}
		dirs = append(dirs, indexed{i, filepath.Join(taskDir, m)})
	}
	if len(dirs) == 0 {
		// Distinguish "no subtasks" from "no task directory".
		if _, err := os.Stat(taskDir); err != nil {
			return nil, err
		}
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].index < dirs[j].index })
	paths := make([]string, len(dirs))
	for i, d := range dirs {
		paths[i] = d.path
	}
	return paths, nil
}

// CreateSubtaskDirs creates directories for subtasks 0..n-1.
func CreateSubtaskDirs(taskDir string, n int) error {
	for i := 0; i < n; i++ {
		err := os.MkdirAll(SubtaskDir(taskDir, i), 0755)
		if err != nil {
			return err
		}
	}
	return nil
}

// CountSubtasks tallies the marker files of all subtasks in taskDir.
func CountSubtasks(taskDir string) (algorun.SubtaskCounts, error) {
	dirs, err := SubtaskDirs(taskDir)
	if err != nil {
		return algorun.SubtaskCounts{}, err
	}
	counts := algorun.SubtaskCounts{Total: len(dirs)}
	for _, dir := range dirs {
		switch NewStateFiles(dir).Current() {
		case SubtaskComplete:
			counts.Complete++
		case SubtaskFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

// ClearStaleStates removes PROCESSING and FAILED markers left by a
// previous execution so the subtasks run again. COMPLETE markers are
// kept.
func ClearStaleStates(taskDir string) error {
	dirs, err := SubtaskDirs(taskDir)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := NewStateFiles(dir).ClearStale(); err != nil {
			return err
		}
	}
	return nil
}

// WriteActiveCores records the number of subtasks each compute node
// runs concurrently.
func WriteActiveCores(taskDir string, n int) error {
	return writeInt(filepath.Join(taskDir, ActiveCoresFileName), int64(n))
}

// ReadActiveCores returns the value written by WriteActiveCores.
func ReadActiveCores(taskDir string) (int, error) {
	n, err := readInt(filepath.Join(taskDir, ActiveCoresFileName))
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("%s: active core count %d is not positive", ActiveCoresFileName, n)
	}
	return int(n), nil
}

// WriteWallTime records the wall time requested for the job, rounded
// down to whole seconds.
func WriteWallTime(taskDir string, d time.Duration) error {
	return writeInt(filepath.Join(taskDir, WallTimeFileName), int64(d/time.Second))
}

// ReadWallTime returns the value written by WriteWallTime.
func ReadWallTime(taskDir string) (time.Duration, error) {
	n, err := readInt(filepath.Join(taskDir, WallTimeFileName))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

// WriteJobInfo leaves a marker in the subtask directory naming the
// batch job and node that ran the subtask.
func WriteJobInfo(subtaskDir, jobName, jobID, node string) error {
	name := fmt.Sprintf(".jobinfo.%s.%s.%s", jobName, jobID, node)
	return touch(filepath.Join(subtaskDir, name))
}

func writeInt(path string, n int64) error {
	tmp := path + ".tmp"
	err := os.WriteFile(tmp, []byte(strconv.FormatInt(n, 10)+"\n"), 0644)
	if err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readInt(path string) (int64, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(buf)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return n, nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
