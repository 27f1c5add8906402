// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.algorun.org/algorun.git/lib/cmd"
	"git.algorun.org/algorun.git/lib/computenode"
	"git.algorun.org/algorun.git/lib/config"
	"git.algorun.org/algorun.git/lib/service"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"compute-node-master": computenode.Command,
		"config-check":        config.CheckCommand,
		"config-defaults":     config.DumpDefaultsCommand,
		"config-dump":         config.DumpCommand,
		"monitor":             service.MonitorCommand,
		"run-task":            service.RunTaskCommand,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
