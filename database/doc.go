package database

// Package database applies schema migrations to a litedb database. Steps run
// in version order, each inside its own transaction, and the database's
// schema version (PRAGMA user_version) records the last step applied. A
// _migrations table keeps the history of applied steps.
