package db

import (
	"fmt"

	"gorm.io/gorm"
)

// Dialect identifiers supported by the storage layer.
const (
	// DialectPostgres is the PostgreSQL dialect name.
	DialectPostgres = "postgres"
	// DialectSQLite is the SQLite dialect name.
	DialectSQLite = "sqlite"
	// DialectRedis marks Redis DSNs, which bypass the relational layer.
	DialectRedis = "redis"
)

// DialectName returns the active database dialect name.
func DialectName(conn *gorm.DB) string {
	if conn == nil || conn.Dialector == nil {
		return ""
	}
	return conn.Dialector.Name()
}

// IsSQLite reports whether the connection uses SQLite.
func IsSQLite(conn *gorm.DB) bool {
	return DialectName(conn) == DialectSQLite
}

// ClampedDebitExpr returns a SQL expression that subtracts an amount from a
// column without letting it drop below zero. SQLite spells the two-argument
// greatest function MAX; PostgreSQL uses GREATEST.
func ClampedDebitExpr(conn *gorm.DB, column string) string {
	if IsSQLite(conn) {
		return fmt.Sprintf("MAX(0, %s - ?)", column)
	}
	return fmt.Sprintf("GREATEST(0, %s - ?)", column)
}
