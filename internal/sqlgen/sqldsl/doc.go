// Package sqldsl provides typed building blocks for the parameterized
// SELECT statements the compiler emits.
//
// # Overview
//
// Rather than concatenating SQL strings, the compiler composes small values
// that each render one SQL construct together with its bind arguments. Every
// value implements squirrel's Sqlizer, so squirrel predicates (sq.Eq,
// sq.Like, sq.Gt, ...) and the types in this package mix freely.
//
// Identifiers are rendered verbatim; callers quote them with their dialect
// before building a Col or TableRef. Bind arguments always render as "?".
// Finalize rewrites them once, for the whole statement, into the dialect's
// placeholder format.
//
// # Expression Types
//
//	Col{Table: `"a"`, Column: `"id"`}     // "a"."id"
//	Param{Value: 5}                       // ? with argument 5
//	Raw("NULL")                           // raw SQL
//	Func{Name: "COUNT", Args: ...}        // COUNT(...)
//	Cast{Expr: col, Type: "integer"}      // CAST(col AS integer)
//	Alias{Expr: col, Name: `"title"`}     // col AS "title"
//	Case(When(cond, col))                 // CASE WHEN cond THEN col ELSE NULL END
//
// Operators:
//
//	Eq{Left: a, Right: b}                 // a = b
//	And(e1, e2, e3)                       // (e1 AND e2 AND e3)
//	Or(e1, e2)                            // (e1 OR e2)
//	Not(e)                                // NOT (e)
//	InQuery{Expr: col, Query: stmt}       // col IN (SELECT ...)
//	Exists{Query: stmt}                   // EXISTS (SELECT ...)
//
// # Statement Types
//
//	SelectStmt{
//	    Columns: []Expr{col},
//	    From:    TableAs(`"articles"`, ""),
//	    Where:   And(cond1, cond2),
//	    Limit:   IntPtr(100),
//	}
package sqldsl
