// Package sql provides the embedded DDL for the SQL-backed access store.
package sql

import (
	_ "embed"
)

// AccessSQL creates the veil_roles, veil_policies, veil_access and
// veil_permissions tables. Applied idempotently by the migrator.
//
//go:embed access.sql
var AccessSQL string

// MigrationsSQL creates the table that records applied migrations.
//
//go:embed migrations.sql
var MigrationsSQL string
