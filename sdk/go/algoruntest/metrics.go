// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package algoruntest has helpers for tests that inspect metrics.
package algoruntest

import (
	"bytes"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"gopkg.in/check.v1"
)

// GatherMetricsAsString returns the registry's metrics in the text
// exposition format.
func GatherMetricsAsString(reg *prometheus.Registry) string {
	buf := bytes.NewBuffer(nil)
	enc := expfmt.NewEncoder(buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	got, _ := reg.Gather()
	for _, mf := range got {
		enc.Encode(mf)
	}
	return buf.String()
}

// GetMetricValue returns the current value of the indicated counter,
// gauge or untyped metric. Label names and values are given in pairs:
//
//	GetMetricValue(c, reg, "algorun_worker_requests_total", "outcome", "ok")
func GetMetricValue(c *check.C, reg *prometheus.Registry, name string, labels ...string) float64 {
	gather, err := reg.Gather()
	c.Assert(err, check.IsNil)
	for _, mf := range gather {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.Metric {
			if 2*len(m.Label) != len(labels) {
				continue
			}
			for i, lp := range m.Label {
				if lp.GetName() != labels[i*2] || lp.GetValue() != labels[i*2+1] {
					continue metric
				}
			}
			switch {
			case m.Counter != nil:
				return m.GetCounter().GetValue()
			case m.Gauge != nil:
				return m.GetGauge().GetValue()
			case m.Untyped != nil:
				return m.GetUntyped().GetValue()
			}
			c.Fatalf("GetMetricValue: unsupported metric type: %s", m)
		}
	}
	c.Fatalf("metric not found: %s %v", name, labels)
	return -1
}
