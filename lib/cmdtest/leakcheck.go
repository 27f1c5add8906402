// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmdtest provides tools for testing command line tools.
package cmdtest

import (
	"io"
	"os"

	check "gopkg.in/check.v1"
)

// LeakCheck redirects os.Stdout and os.Stderr to temporary files, and
// returns a func that restores them and checks that nothing was
// written. Commands must write to the streams passed to RunCommand.
//
//	func (s *suite) TestCommand(c *check.C) {
//		defer cmdtest.LeakCheck(c)()
//		...
//	}
func LeakCheck(c *check.C) func() {
	dir := c.MkDir()
	saved := map[string]**os.File{"stdout": &os.Stdout, "stderr": &os.Stderr}
	orig := map[string]*os.File{}
	tmp := map[string]*os.File{}
	for name, fp := range saved {
		f, err := os.CreateTemp(dir, name)
		c.Assert(err, check.IsNil)
		orig[name], tmp[name] = *fp, f
		*fp = f
	}
	return func() {
		for name, fp := range saved {
			*fp = orig[name]
			f := tmp[name]
			_, err := f.Seek(0, io.SeekStart)
			c.Assert(err, check.IsNil)
			leaked, err := io.ReadAll(f)
			c.Assert(err, check.IsNil)
			f.Close()
			c.Check(string(leaked), check.Equals, "", check.Commentf("output leaked to %s", name))
		}
	}
}
