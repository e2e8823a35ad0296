// Package sqlproc turns the result sets of stored procedures into Go values: scalars, enumerations, flat structs, parent/child object graphs spread over several result sets, or dynamic records. Per-type metadata is compiled once and shared, values are coerced across the usual driver representations, and a transformer pipeline can rewrite them on the way in. Cursors are provided for database/sql and pgx.

package sqlproc
