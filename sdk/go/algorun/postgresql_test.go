// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package algorun

import (
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&PostgreSQLSuite{})

type PostgreSQLSuite struct{}

func (s *PostgreSQLSuite) TestConnectionString(c *check.C) {
	conn := PostgreSQLConnection{
		"host":     "db.example",
		"dbname":   "algorun",
		"password": `it's a \secret`,
		"sslmode":  "",
	}
	c.Check(conn.String(), check.Equals, `dbname='algorun' host='db.example' password='it\'s a \\secret' `)
	c.Check(PostgreSQLConnection{}.String(), check.Equals, "")
}
