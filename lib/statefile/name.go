// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package statefile

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Prefix of every state file name.
const Prefix = "algorun"

// old files moved aside by Persist start with this instead of Prefix
const oldPrefix = "old"

var nameRegexp = regexp.MustCompile(`^` + Prefix + `\.([0-9]+)\.([0-9]+)\.(\S+)\.([A-Z]+)_([0-9]+)-([0-9]+)-([0-9]+)$`)

// encodeName returns
// algorun.<instance>.<task>.<module>.<STATE>_<total>-<complete>-<failed>
func encodeName(sf StateFile) string {
	return fmt.Sprintf("%s.%s.%s_%d-%d-%d", Prefix, sf.Key, sf.State, sf.Total, sf.Complete, sf.Failed)
}

// ParseName decodes the key, state and counts from a state file name.
// The returned StateFile has no parameters.
func ParseName(name string) (StateFile, error) {
	m := nameRegexp.FindStringSubmatch(name)
	if m == nil {
		return StateFile{}, fmt.Errorf("%q is not a state file name", name)
	}
	var sf StateFile
	var err error
	if sf.InstanceID, err = strconv.ParseInt(m[1], 10, 64); err != nil {
		return StateFile{}, fmt.Errorf("%q: instance id: %w", name, err)
	}
	if sf.TaskID, err = strconv.ParseInt(m[2], 10, 64); err != nil {
		return StateFile{}, fmt.Errorf("%q: task id: %w", name, err)
	}
	sf.Module = m[3]
	sf.State = State(m[4])
	if !sf.State.valid() {
		return StateFile{}, fmt.Errorf("%q: unknown state %q", name, m[4])
	}
	for i, dst := range []*int{&sf.Total, &sf.Complete, &sf.Failed} {
		if *dst, err = strconv.Atoi(m[5+i]); err != nil {
			return StateFile{}, fmt.Errorf("%q: count: %w", name, err)
		}
	}
	return sf, nil
}

// IsStateFileName reports whether name looks like a state file name,
// without fully parsing it.
func IsStateFileName(name string) bool {
	return strings.HasPrefix(name, Prefix+".")
}

func oldName(name string, suffix string) string {
	return oldPrefix + "." + strings.TrimPrefix(name, Prefix+".") + "." + suffix
}
