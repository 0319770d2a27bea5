// Package sqldriver implements database/sql/driver on top of
// sqlite.Connection so that database/sql and sqlx can run against a litedb
// database file.
//
// Usage:
//
//  1. Import the package. This registers the driver under the name "litedb".
//     import _ "github.com/tomyedwab/litedb/sqldriver"
//
//  2. Open a database with a connection string as the DSN:
//     db, err := sqlx.Open("litedb", "Data Source=/var/lib/app/app.db;Journal Mode=WAL")
//
//  3. Use the *sql.DB or *sqlx.DB as usual.
//
// Handle sharing:
//
// database/sql pools connections, but a database file may only have one live
// handle. Every connection the pool opens for a file therefore attaches to the
// same handle, kept in a process-wide pool keyed by the normalized data
// source, so DSNs that spell the same path differently share it too. The
// handle is registered in the connection's sqlite.Registry like any other,
// and opening the same file through sqlite.NewFileConnection at the same
// time fails.
//
// Access to the handle is serialized. A transaction holds it from BeginTx
// until Commit or Rollback; any other call holds it for its own duration.
// Statements of other connections therefore wait for an open transaction
// instead of running inside it. Code that begins a transaction and then
// uses the *sql.DB outside of it on the same goroutine blocks until its
// context ends.
//
// To run database/sql code against a Connection you already hold, use
// OpenConnection, which wraps it in a single-connection *sql.DB.
//
// Implemented interfaces:
//   - driver.Driver, driver.DriverContext, driver.Connector
//   - driver.Conn, driver.ConnBeginTx, driver.ConnPrepareContext
//   - driver.ExecerContext, driver.QueryerContext, driver.Pinger
//   - driver.Stmt, driver.StmtExecContext, driver.StmtQueryContext
//   - driver.Tx, driver.Result
//   - driver.Rows, driver.RowsColumnTypeDatabaseTypeName
package sqldriver
