// Package schema embeds the ledger DDL for each supported dialect.
package schema

import (
	_ "embed"
	"fmt"

	"entgo.io/ent/dialect"
)

//go:embed postgres.sql
var postgresDDL string

//go:embed sqlite.sql
var sqliteDDL string

// DDL returns the idempotent schema script for the given ent dialect name.
func DDL(dialectName string) (string, error) {
	switch dialectName {
	case dialect.Postgres:
		return postgresDDL, nil
	case dialect.SQLite:
		return sqliteDDL, nil
	default:
		return "", fmt.Errorf("unsupported dialect: %q", dialectName)
	}
}
