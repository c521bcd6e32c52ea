// Package database opens the PostgreSQL connection pool used when the
// store runs on postgres instead of the local SQLite file.
package database
