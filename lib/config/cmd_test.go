// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestBadArg(c *check.C) {
	var stderr bytes.Buffer
	code := DumpCommand.RunCommand("algorun config-dump", []string{"-badarg"}, bytes.NewBuffer(nil), bytes.NewBuffer(nil), &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms)error parsing command line arguments: .*`)
}

func (s *CommandSuite) TestEmptyInput(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("algorun config-dump", []string{"-config", "-"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*Algorithm.Command is empty\n`)
}

func (s *CommandSuite) TestUnknownKey(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
UnknownKey: foobar
Algorithm:
  Command: /bin/true
Pipeline:
  MaxFailedSubtasks: 7
  Bogus: 1
`
	code := DumpCommand.RunCommand("algorun config-dump", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*\n *MaxFailedSubtasks: 7\n.*`)
	c.Check(stdout.String(), check.Not(check.Matches), `(?ms).*UnknownKey.*`)
	c.Check(stderr.String(), check.Matches, `(?ms).*deprecated or unknown config entry: Pipeline.Bogus.*`)
	c.Check(stderr.String(), check.Matches, `(?ms).*deprecated or unknown config entry: UnknownKey.*`)
}

func (s *CommandSuite) TestCheck(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := "Algorithm:\n  Command: /bin/true\n"
	code := CheckCommand.RunCommand("algorun config-check", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")

	stderr.Reset()
	in = "Algorithm:\n  Command: /bin/true\n  Bogus: 2\n"
	code = CheckCommand.RunCommand("algorun config-check", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*Algorithm.Bogus.*`)

	stderr.Reset()
	in = "Algorithm:\n  Command: /bin/true\n  Bogus: 2\n"
	code = CheckCommand.RunCommand("algorun config-check", []string{"-config", "-", "-strict=false"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
}

func (s *CommandSuite) TestDumpDefaults(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpDefaultsCommand.RunCommand("algorun config-defaults", nil, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.Bytes(), check.DeepEquals, DefaultYAML)
}
