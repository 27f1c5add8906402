// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package algorun

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Duration is time.Duration but looks like "12s" in JSON, rather than
// a number of nanoseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if data[0] == '"' {
		return d.Set(string(data[1 : len(data)-1]))
	}
	// Mimic error message returned by ParseDuration for a number
	// without units.
	return fmt.Errorf("missing unit in duration %q", data)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// String returns a format similar to (time.Duration)String() but with
// "0m" and "0s" removed: e.g., "1h" instead of "1h0m0s".
func (d Duration) String() string {
	s := time.Duration(d).String()
	s = strings.Replace(s, "m0s", "m", 1)
	s = strings.Replace(s, "h0m", "h", 1)
	return s
}

// Duration returns a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Set implements the flag.Value interface and sets the duration value
// by using time.ParseDuration to parse the string.
func (d *Duration) Set(s string) error {
	dur, err := time.ParseDuration(s)
	*d = Duration(dur)
	return err
}

// WallTime is a batch scheduler wall-clock limit in "HH:MM:SS" form,
// e.g. "24:00:00". Hours may exceed 24.
type WallTime string

// Duration parses the wall time. An empty WallTime is zero.
func (wt WallTime) Duration() (time.Duration, error) {
	if wt == "" {
		return 0, nil
	}
	var h, m, s int
	n, err := fmt.Sscanf(string(wt), "%d:%d:%d", &h, &m, &s)
	if err != nil || n != 3 || m < 0 || m > 59 || s < 0 || s > 59 || h < 0 {
		return 0, fmt.Errorf("invalid wall time %q: expected HH:MM:SS", wt)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second, nil
}

// WallTimeFromDuration formats d as HH:MM:SS, rounding up to the next
// whole second.
func WallTimeFromDuration(d time.Duration) WallTime {
	secs := int64((d + time.Second - 1) / time.Second)
	return WallTime(fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs/60%60, secs%60))
}
