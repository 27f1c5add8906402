// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package algorun

import (
	"encoding/json"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&DurationSuite{})

type DurationSuite struct{}

func (s *DurationSuite) TestMarshalJSON(c *check.C) {
	var d struct {
		D Duration
	}
	err := json.Unmarshal([]byte(`{"D":"1.234s"}`), &d)
	c.Check(err, check.IsNil)
	c.Check(d.D, check.Equals, Duration(time.Second+234*time.Millisecond))
	buf, err := json.Marshal(d)
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"D":"1.234s"}`)

	for _, trial := range []struct {
		seconds int
		out     string
	}{
		{30, "30s"},
		{60, "1m"},
		{120, "2m"},
		{150, "2m30s"},
		{3600, "1h"},
		{7201, "2h1s"},
		{360600, "100h10m"},
		{360610, "100h10m10s"},
	} {
		buf, err := json.Marshal(Duration(time.Duration(trial.seconds) * time.Second))
		c.Check(err, check.IsNil)
		c.Check(string(buf), check.Equals, `"`+trial.out+`"`)
	}
}

func (s *DurationSuite) TestUnmarshalJSON(c *check.C) {
	var d struct {
		D Duration
	}
	err := json.Unmarshal([]byte(`{"D":1.234}`), &d)
	c.Check(err, check.ErrorMatches, `missing unit in duration "?1\.234"?`)
	err = json.Unmarshal([]byte(`{"D":"1.234"}`), &d)
	c.Check(err, check.ErrorMatches, `.*missing unit in duration "?1\.234"?`)
	err = json.Unmarshal([]byte(`{"D":"1"}`), &d)
	c.Check(err, check.ErrorMatches, `.*missing unit in duration "?1"?`)
	err = json.Unmarshal([]byte(`{"D":"foobar"}`), &d)
	c.Check(err, check.ErrorMatches, `.*invalid duration "?foobar"?`)
	err = json.Unmarshal([]byte(`{"D":"60s"}`), &d)
	c.Check(err, check.IsNil)
	c.Check(d.D.Duration(), check.Equals, time.Minute)
}

func (s *DurationSuite) TestWallTime(c *check.C) {
	for _, trial := range []struct {
		in  WallTime
		out time.Duration
		err string
	}{
		{"24:00:00", 24 * time.Hour, ""},
		{"00:10:30", 10*time.Minute + 30*time.Second, ""},
		{"100:00:01", 100*time.Hour + time.Second, ""},
		{"", 0, ""},
		{"1:60:00", 0, `invalid wall time.*`},
		{"1h", 0, `invalid wall time.*`},
	} {
		d, err := trial.in.Duration()
		if trial.err != "" {
			c.Check(err, check.ErrorMatches, trial.err)
			continue
		}
		c.Check(err, check.IsNil)
		c.Check(d, check.Equals, trial.out)
	}
	c.Check(WallTimeFromDuration(90*time.Minute), check.Equals, WallTime("01:30:00"))
	c.Check(WallTimeFromDuration(1500*time.Millisecond), check.Equals, WallTime("00:00:02"))
}
