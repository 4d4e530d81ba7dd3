// Package sqlgen compiles a permission-injected query tree into SELECT
// statements.
//
// # Overview
//
// Compile turns one branch of an ast tree into one statement. The executor
// compiles the root branch, runs it, and then compiles each relation's
// branch with Options.Parent set to the keys the previous statement
// returned.
//
// Permissions reach the SQL in three places:
//
//   - The row filter: the disjunction of every case filter of the branch is
//     ANDed into WHERE, after the request's own filter.
//   - Field masks: a field visible under some cases only is selected as
//     CASE WHEN <those cases> THEN col ELSE NULL END.
//   - Relational filter guards: a request filter that descends into a
//     related collection is also restricted by that collection's row
//     filter.
//
// # Joins
//
// Filters and sorts on relational paths such as author.name bind joins
// through a planner. Each path is joined once per statement and aliased
// j1, j2, ... Correlated subqueries (_some, _none, count()) are aliased
// s1, s2, ... from the same counter.
//
// When a join can repeat root rows (a to-many hop), pagination must apply
// to distinct root rows, so the statement splits in two: an inner query
// selects the page of primary keys together with sort values and case
// flags, and an outer query reads the output columns of those rows.
//
// # Dialects
//
// Postgres, SQLite and MySQL differ in identifier quoting, placeholders,
// casts and date part extraction. Statements are built with "?"
// placeholders and rewritten by sqldsl.Finalize.
package sqlgen
