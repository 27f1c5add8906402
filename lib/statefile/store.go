// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package statefile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"git.algorun.org/algorun.git/lib/flock"
	"git.algorun.org/algorun.git/lib/taskdir"
	"git.algorun.org/algorun.git/sdk/go/algorun"
	"github.com/ghodss/yaml"
)

// Persist writes sf to dir. Any other state file for the same key is
// renamed to old.<name>.<timestamp>.<n> so it no longer takes part in
// the protocol.
func Persist(dir string, sf StateFile) error {
	body, err := yaml.Marshal(sf.Params)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+Prefix+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	_, err = tmp.Write(body)
	if err == nil {
		err = tmp.Close()
	} else {
		tmp.Close()
	}
	if err != nil {
		return err
	}
	err = os.Chmod(tmp.Name(), 0644)
	if err != nil {
		return err
	}
	err = os.Rename(tmp.Name(), filepath.Join(dir, sf.Name()))
	if err != nil {
		return err
	}
	return moveOldStateFiles(dir, sf)
}

func moveOldStateFiles(dir string, current StateFile) error {
	others, err := list(dir, func(other StateFile) bool {
		return other.Key == current.Key && other.Name() != current.Name()
	})
	if err != nil {
		return err
	}
	stamp := time.Now().UTC().Format("20060102T150405Z")
	for i, other := range others {
		err := os.Rename(filepath.Join(dir, other.Name()), filepath.Join(dir, oldName(other.Name(), fmt.Sprintf("%s.%d", stamp, i))))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Load returns the state file for key, including its parameters. It
// returns an error wrapping ErrStateFileMissing if there is none.
func Load(dir string, key Key) (StateFile, error) {
	found, err := list(dir, func(sf StateFile) bool { return sf.Key == key })
	if err != nil {
		return StateFile{}, err
	}
	if len(found) == 0 {
		return StateFile{}, fmt.Errorf("%w: no state file for %s in %s", ErrStateFileMissing, key, dir)
	} else if len(found) > 1 {
		return StateFile{}, fmt.Errorf("found %d state files for %s in %s", len(found), key, dir)
	}
	sf := found[0]
	body, err := os.ReadFile(filepath.Join(dir, sf.Name()))
	if os.IsNotExist(err) {
		return StateFile{}, fmt.Errorf("%w: %s", ErrStateFileMissing, sf.Name())
	} else if err != nil {
		return StateFile{}, err
	}
	err = yaml.Unmarshal(body, &sf.Params)
	if err != nil {
		return StateFile{}, fmt.Errorf("%s: %w", sf.Name(), err)
	}
	return sf, nil
}

// Update renames the file for oldsf to the name of newsf. If oldsf is
// not on disk (another process updated it first) it returns an error
// wrapping ErrStateFileMissing and changes nothing. If the parameters
// differ, the body is rewritten as well.
func Update(dir string, oldsf, newsf StateFile) error {
	if oldsf.Key != newsf.Key {
		return fmt.Errorf("cannot update state file %s to a different task %s", oldsf.Name(), newsf.Key)
	}
	oldpath := filepath.Join(dir, oldsf.Name())
	newpath := filepath.Join(dir, newsf.Name())
	if _, err := os.Lstat(oldpath); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrStateFileMissing, oldsf.Name())
	} else if err != nil {
		return err
	}
	if oldpath != newpath {
		if err := os.Rename(oldpath, newpath); os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrStateFileMissing, oldsf.Name())
		} else if err != nil {
			return err
		}
	}
	if oldsf.Params == newsf.Params {
		return nil
	}
	body, err := yaml.Marshal(newsf.Params)
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, ".tmp-"+newsf.Name())
	if err := os.WriteFile(tmp, body, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, newpath)
}

// Scan returns the state files in dir whose state is one of the given
// states (or all of them, if no states are given), ordered by name.
// Only the fields encoded in the name are filled in; use Load to read
// the parameters.
func Scan(dir string, states ...State) ([]StateFile, error) {
	return list(dir, func(sf StateFile) bool {
		if len(states) == 0 {
			return true
		}
		for _, s := range states {
			if sf.State == s {
				return true
			}
		}
		return false
	})
}

// Delete removes the state file once its outcome has been recorded in
// the task record.
func Delete(dir string, sf StateFile) error {
	err := os.Remove(filepath.Join(dir, sf.Name()))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrStateFileMissing, sf.Name())
	}
	return err
}

// Modify loads the state file for key, applies fn, and saves the
// result, all while holding the task's state file lock. It returns the
// updated state file.
func Modify(dir, taskDir string, key Key, fn func(*StateFile)) (StateFile, error) {
	lock, err := flock.Acquire(filepath.Join(taskDir, taskdir.StateFileLockName))
	if err != nil {
		return StateFile{}, err
	}
	defer lock.Unlock()
	oldsf, err := Load(dir, key)
	if err != nil {
		return StateFile{}, err
	}
	newsf := oldsf
	fn(&newsf)
	if newsf == oldsf {
		return oldsf, nil
	}
	return newsf, Update(dir, oldsf, newsf)
}

// SetStateAndPersist moves the state file for key to the given state.
func SetStateAndPersist(dir, taskDir string, key Key, state State) (StateFile, error) {
	return Modify(dir, taskDir, key, func(sf *StateFile) { sf.State = state })
}

// SetCounts records subtask counts in the state file for key. A
// DELETED state file keeps its state.
func SetCounts(dir, taskDir string, key Key, counts algorun.SubtaskCounts) (StateFile, error) {
	return Modify(dir, taskDir, key, func(sf *StateFile) {
		*sf = sf.WithCounts(counts)
	})
}

// TryTransition moves the state file for key from one state to
// another, if it is currently in the from state. It uses a
// non-blocking lock, so when several compute nodes arrive at once only
// one of them performs the transition. It reports whether the
// transition happened.
func TryTransition(dir, taskDir string, key Key, from, to State) (bool, error) {
	lock, err := flock.TryLock(filepath.Join(taskDir, taskdir.StateFileLockName))
	if errors.Is(err, flock.ErrLocked) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	defer lock.Unlock()
	oldsf, err := Load(dir, key)
	if err != nil {
		return false, err
	}
	if oldsf.State != from {
		return false, nil
	}
	newsf := oldsf.WithState(to)
	if to == Processing && newsf.Params.ArrivalTimeMillis == 0 {
		newsf.Params.ArrivalTimeMillis = time.Now().UnixMilli()
	}
	return true, Update(dir, oldsf, newsf)
}

func list(dir string, match func(StateFile) bool) ([]StateFile, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var found []StateFile
	for _, ent := range ents {
		if !IsStateFileName(ent.Name()) {
			continue
		}
		sf, err := ParseName(ent.Name())
		if err != nil {
			continue
		}
		if match(sf) {
			found = append(found, sf)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Name() < found[j].Name() })
	return found, nil
}

// Corrupt returns the names of files in dir that start with the state
// file prefix but cannot be parsed.
func Corrupt(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var bad []string
	for _, ent := range ents {
		if IsStateFileName(ent.Name()) {
			if _, err := ParseName(ent.Name()); err != nil {
				bad = append(bad, ent.Name())
			}
		}
	}
	return bad, nil
}
