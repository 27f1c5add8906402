// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package algorun

import (
	"sort"
	"strings"
)

// PostgreSQLConnection holds libpq connection parameters, e.g.
// {"host": "localhost", "dbname": "algorun"}.
type PostgreSQLConnection map[string]string

// String returns the parameters as a libpq conninfo string. Keys are
// sorted so the result is stable.
func (c PostgreSQLConnection) String() string {
	keys := make([]string, 0, len(c))
	for k, v := range c {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	s := ""
	for _, k := range keys {
		s += strings.ToLower(k)
		s += "='"
		s += strings.Replace(
			strings.Replace(c[k], `\`, `\\`, -1),
			`'`, `\'`, -1)
		s += "' "
	}
	return s
}
