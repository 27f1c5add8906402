// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package alert records operator-facing alerts about pipeline tasks.
package alert

import (
	"context"
	"sync"
	"time"

	"git.algorun.org/algorun.git/sdk/go/algorun"
	"git.algorun.org/algorun.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Severity string

const (
	Warning Severity = "WARNING"
	Error   Severity = "ERROR"
)

const defaultKeep = 100

type Alert struct {
	Time       time.Time
	Severity   Severity
	InstanceID int64
	TaskID     int64
	Module     string
	Message    string
}

// Service logs each alert and keeps the most recent ones for the
// management API.
type Service struct {
	Logger logrus.FieldLogger
	// Number of alerts to keep. Zero means 100.
	Keep int

	mtx     sync.Mutex
	recent  []Alert
	mAlerts *prometheus.CounterVec
}

// NewService returns a Service that logs to logger and registers its
// metrics with reg (if not nil).
func NewService(logger logrus.FieldLogger, reg *prometheus.Registry) *Service {
	svc := &Service{Logger: logger}
	svc.mAlerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "algorun",
		Subsystem: "alert",
		Name:      "alerts_total",
		Help:      "Number of alerts raised, by severity.",
	}, []string{"severity"})
	if reg != nil {
		reg.MustRegister(svc.mAlerts)
	}
	return svc
}

func (svc *Service) Alert(ctx context.Context, task algorun.PipelineTask, severity Severity, message string) {
	logger := svc.Logger
	if logger == nil {
		logger = ctxlog.FromContext(ctx)
	}
	logger = logger.WithFields(task.LogFields()).WithField("Severity", severity)
	if severity == Error {
		logger.Error(message)
	} else {
		logger.Warn(message)
	}
	if svc.mAlerts != nil {
		svc.mAlerts.WithLabelValues(string(severity)).Inc()
	}

	keep := svc.Keep
	if keep <= 0 {
		keep = defaultKeep
	}
	svc.mtx.Lock()
	defer svc.mtx.Unlock()
	svc.recent = append(svc.recent, Alert{
		Time:       time.Now(),
		Severity:   severity,
		InstanceID: task.InstanceID,
		TaskID:     task.ID,
		Module:     task.ModuleName,
		Message:    message,
	})
	if len(svc.recent) > keep {
		svc.recent = append([]Alert(nil), svc.recent[len(svc.recent)-keep:]...)
	}
}

// Recent returns the retained alerts, oldest first.
func (svc *Service) Recent() []Alert {
	svc.mtx.Lock()
	defer svc.mtx.Unlock()
	return append([]Alert(nil), svc.recent...)
}
