// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"github.com/sirupsen/logrus"
)

// warnCounter counts the warnings logged while loading a config, so
// config-check can fail on them.
type warnCounter struct {
	*logrus.Logger
	warnings int
}

func (wc *warnCounter) Warnf(format string, args ...interface{}) {
	wc.warnings++
	wc.Logger.Warnf(format, args...)
}
