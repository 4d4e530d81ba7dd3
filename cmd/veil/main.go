// Package main provides the veil CLI.
//
// The CLI supports:
//   - compile: Print the SQL a query compiles to for an identity
//   - query: Compile and run a query, printing the nested result
//   - validate: Check the catalog, access fixture and query files
//   - migrate: Create the access store tables
//   - status: Show the access store migration state
//   - doctor: Run health checks against the catalog and database
//
// Usage:
//
//	veil [flags] <command>
//
// Commands that read the database (query, migrate, status) need database.url
// or the discrete database.* settings. compile and validate only need files
// when an access fixture is configured.
package main

func main() {
	Execute()
}
