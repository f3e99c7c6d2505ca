// Package sqlplan provides steps backed by SQL statements.
//
// A mutation step (Update, Delete) is compiled once, when its graph is
// compiled, into a Query: the statement text, its parameter list and a
// table binding every placeholder parameter to a dependency slot and an
// encoder. At execution time the Query is shared by all rows; each row only
// builds its own parameter list with Substitute and sends one statement to
// the source's DataSource. Rows are isolated: one row's failing statement
// never skips or undoes another's.
//
// Values read back from the statement's RETURNING list are exposed through
// ColumnStep and RecordStep, which decode them with the column's Codec.
package sqlplan
