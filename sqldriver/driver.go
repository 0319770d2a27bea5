package sqldriver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/tomyedwab/litedb/sqlite"
)

// DriverName is the name the driver is registered under.
const DriverName = "litedb"

func init() {
	sql.Register(DriverName, &Driver{})
}

// --- Driver implementation ---

// Driver opens litedb connections. The DSN is a connection string.
type Driver struct{}

// Open returns a new connection on the DSN's shared handle.
func (d *Driver) Open(dsn string) (driver.Conn, error) {
	c, err := d.OpenConnector(dsn)
	if err != nil {
		return nil, err
	}
	return c.Connect(context.Background())
}

// OpenConnector returns a connector bound to the DSN's shared handle.
func (d *Driver) OpenConnector(dsn string) (driver.Connector, error) {
	c, err := NewConnector(dsn)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// --- Handle pool ---

// poolEntry owns the handle that every connection for one database file
// attaches to. The owner connection is never opened itself.
type poolEntry struct {
	key   string
	owner *sqlite.Connection
	// gate holds a token while a connection uses the handle: for the whole
	// of a transaction, or for one call outside of one.
	gate chan struct{}
	mu   sync.Mutex
}

type handlePool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
}

var pool = &handlePool{entries: make(map[string]*poolEntry)}

// poolKey is the normalized data source of dsn, so that every spelling of
// a DSN naming the same file shares one entry.
func poolKey(dsn string) (string, error) {
	csb, err := sqlite.ParseConnectionString(dsn)
	if err != nil {
		return "", err
	}
	opts, err := csb.Options()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(opts.DataSource) == "" {
		return "", sqlite.NewConfigurationError(sqlite.ErrInvalidArgument, "The file path to the database has not been set.")
	}
	return sqlite.NormalizePath(opts.DataSource), nil
}

func (p *handlePool) get(key string) *poolEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		e = &poolEntry{key: key, gate: make(chan struct{}, 1)}
		p.entries[key] = e
		log.WithField("path", key).Debug("sqldriver: created handle pool entry")
	}
	return e
}

// Release disposes the shared handle of the file dsn names. Connections
// still open on it fail on their next use.
func Release(dsn string) error {
	key, err := poolKey(strings.TrimSpace(dsn))
	if err != nil {
		return err
	}
	pool.mu.Lock()
	e, ok := pool.entries[key]
	delete(pool.entries, key)
	pool.mu.Unlock()

	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.owner == nil {
		return nil
	}
	return e.owner.Dispose()
}

// newConnection creates a closed connection on the entry's handle. The first
// connection creates the handle from its DSN; later DSNs for the same file
// share it with the first DSN's settings.
func (e *poolEntry) newConnection(dsn string, opts []sqlite.Option) (*sqlite.Connection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.owner == nil {
		owner, err := sqlite.NewConnection(dsn, opts...)
		if err != nil {
			return nil, err
		}
		e.owner = owner
	}
	return sqlite.NewSharedConnection(e.owner.Handle(), opts...)
}

// acquire takes the entry's gate, or fails when ctx ends first.
func acquire(ctx context.Context, gate chan struct{}) error {
	select {
	case gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Connector implementation ---

// Connector opens connections for one DSN, configured with sqlite options
// such as a crypt engine or logger.
type Connector struct {
	dsn   string
	entry *poolEntry
	opts  []sqlite.Option
}

// NewConnector returns a connector for dsn. Use it with sql.OpenDB to pass
// connection options the DSN cannot express.
func NewConnector(dsn string, opts ...sqlite.Option) (*Connector, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("sqldriver: the DSN must be a connection string")
	}
	key, err := poolKey(dsn)
	if err != nil {
		return nil, err
	}
	return &Connector{dsn: dsn, entry: pool.get(key), opts: opts}, nil
}

// Connect opens a connection on the shared handle.
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	if err := acquire(ctx, c.entry.gate); err != nil {
		return nil, err
	}
	defer func() { <-c.entry.gate }()

	conn, err := c.entry.newConnection(c.dsn, append([]sqlite.Option(nil), c.opts...))
	if err != nil {
		return nil, err
	}
	if err := conn.OpenContext(ctx); err != nil {
		conn.Dispose()
		return nil, err
	}
	return &Conn{conn: conn, owned: true, gate: c.entry.gate}, nil
}

func (c *Connector) Driver() driver.Driver { return &Driver{} }

// singleConnector hands out the same caller-owned connection.
type singleConnector struct {
	conn *sqlite.Connection
	gate chan struct{}
}

// OpenConnection wraps an existing connection in a *sql.DB that uses it for
// every operation. The connection stays owned by the caller; closing the
// *sql.DB does not close it.
func OpenConnection(conn *sqlite.Connection) *sql.DB {
	db := sql.OpenDB(&singleConnector{conn: conn, gate: make(chan struct{}, 1)})
	db.SetMaxOpenConns(1)
	return db
}

func (c *singleConnector) Connect(ctx context.Context) (driver.Conn, error) {
	if err := c.conn.SafeOpen(); err != nil {
		return nil, err
	}
	return &Conn{conn: c.conn, gate: c.gate}, nil
}

func (c *singleConnector) Driver() driver.Driver { return &Driver{} }

// --- Connection implementation ---

// Conn implements driver.Conn over a sqlite.Connection. Every call that
// touches the handle holds the gate, which a transaction keeps until it
// ends; so statements of other connections never run inside it.
type Conn struct {
	conn  *sqlite.Connection
	owned bool
	tx    *sqlite.Transaction
	gate  chan struct{}
}

// Connection exposes the underlying connection.
func (c *Conn) Connection() *sqlite.Connection { return c.conn }

// enter takes the gate unless this connection's transaction already holds
// it. The returned func gives it back.
func (c *Conn) enter(ctx context.Context) (func(), error) {
	if c.tx != nil {
		return func() {}, nil
	}
	if err := acquire(ctx, c.gate); err != nil {
		return nil, err
	}
	return func() { <-c.gate }, nil
}

// Prepare returns a prepared statement.
func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *Conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	leave, err := c.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()

	cmd := c.conn.CreateCommand(query)
	if err := cmd.Prepare(); err != nil {
		cmd.Dispose()
		return nil, err
	}
	return &Stmt{conn: c, cmd: cmd}, nil
}

// Close rolls back an unfinished transaction. An owned connection is
// disposed.
func (c *Conn) Close() error {
	var err error
	if c.tx != nil {
		err = c.tx.Rollback()
		c.endTx()
	}
	if c.owned {
		leave, _ := c.enter(context.Background())
		defer leave()
		if derr := c.conn.Dispose(); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}

// Begin starts and returns a new transaction.
func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx waits for every other connection on the same handle to finish its
// transaction or current call, and starts a new transaction.
func (c *Conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if c.tx != nil {
		return nil, fmt.Errorf("sqldriver: transaction already active on this connection")
	}
	if opts.ReadOnly {
		return nil, fmt.Errorf("sqldriver: read-only transactions are not supported")
	}
	level, err := isolationLevel(sql.IsolationLevel(opts.Isolation))
	if err != nil {
		return nil, err
	}

	if err := acquire(ctx, c.gate); err != nil {
		return nil, err
	}
	tx, err := c.conn.BeginTx(ctx, level)
	if err != nil {
		<-c.gate
		return nil, err
	}
	c.tx = tx
	return &Tx{conn: c}, nil
}

func (c *Conn) endTx() {
	if c.tx == nil {
		return
	}
	c.tx = nil
	<-c.gate
}

func isolationLevel(l sql.IsolationLevel) (sqlite.IsolationLevel, error) {
	switch l {
	case sql.LevelDefault:
		return sqlite.IsolationUnspecified, nil
	case sql.LevelReadUncommitted:
		return sqlite.IsolationReadUncommitted, nil
	case sql.LevelReadCommitted:
		return sqlite.IsolationReadCommitted, nil
	case sql.LevelRepeatableRead:
		return sqlite.IsolationRepeatableRead, nil
	case sql.LevelSnapshot:
		return sqlite.IsolationSnapshot, nil
	case sql.LevelSerializable:
		return sqlite.IsolationSerializable, nil
	}
	return 0, fmt.Errorf("sqldriver: isolation level %s is not supported", l)
}

// ExecContext runs query without preparing it separately.
func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	leave, err := c.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()

	cmd := c.conn.CreateCommand(query, sqlite.WithTransaction(c.tx))
	defer cmd.Dispose()
	return execCommand(ctx, cmd, args)
}

// QueryContext runs query and streams its first result set.
func (c *Conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	leave, err := c.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()

	cmd := c.conn.CreateCommand(query, sqlite.WithTransaction(c.tx))
	rows, err := queryCommand(ctx, c, cmd, args)
	if err != nil {
		cmd.Dispose()
		return nil, err
	}
	rows.disposeCmd = true
	return rows, nil
}

// Ping reopens a connection whose handle was closed and fails if it is
// broken.
func (c *Conn) Ping(ctx context.Context) error {
	leave, err := c.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()

	switch c.conn.State() {
	case sqlite.StateOpen:
		return nil
	case sqlite.StateClosed:
		return c.conn.OpenContext(ctx)
	}
	return driver.ErrBadConn
}

// ResetSession discards broken connections before the pool reuses them.
func (c *Conn) ResetSession(ctx context.Context) error {
	leave, err := c.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()

	if c.conn.State() == sqlite.StateBroken {
		return driver.ErrBadConn
	}
	return nil
}

func bindArgs(cmd *sqlite.Command, args []driver.NamedValue) error {
	params := cmd.Parameters()
	params.Clear()
	for _, a := range args {
		if _, err := params.Add(sqlite.NewParameter(a.Name, a.Value)); err != nil {
			return err
		}
	}
	return nil
}

func execCommand(ctx context.Context, cmd *sqlite.Command, args []driver.NamedValue) (driver.Result, error) {
	if err := bindArgs(cmd, args); err != nil {
		return nil, err
	}
	res, err := cmd.ExecuteResultContext(ctx)
	if err != nil {
		return nil, err
	}
	return &result{lastInsertID: res.LastInsertRowID, rowsAffected: int64(res.RecordsAffected)}, nil
}

func queryCommand(ctx context.Context, conn *Conn, cmd *sqlite.Command, args []driver.NamedValue) (*Rows, error) {
	if err := bindArgs(cmd, args); err != nil {
		return nil, err
	}
	r, err := cmd.ExecuteReaderContext(ctx, sqlite.BehaviorDefault)
	if err != nil {
		return nil, err
	}
	rows := &Rows{ctx: ctx, conn: conn, cmd: cmd, reader: r}
	n := r.FieldCount()
	rows.columns = make([]string, n)
	rows.declTypes = make([]string, n)
	for i := 0; i < n; i++ {
		if rows.columns[i], err = r.ColumnName(i); err != nil {
			r.Close()
			return nil, err
		}
		rows.declTypes[i] = strings.ToUpper(r.ColumnDeclaredType(i))
	}
	return rows, nil
}

// --- Statement implementation ---

// Stmt is a prepared command. It joins the connection's transaction, if any,
// each time it runs.
type Stmt struct {
	conn *Conn
	cmd  *sqlite.Command
}

func (s *Stmt) Close() error {
	leave, _ := s.conn.enter(context.Background())
	defer leave()
	return s.cmd.Dispose()
}

// NumInput returns -1: a statement may chain several SQL statements whose
// parameters are matched by name.
func (s *Stmt) NumInput() int { return -1 }

func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), namedValues(args))
}

func (s *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), namedValues(args))
}

func (s *Stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	leave, err := s.conn.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()

	s.cmd.SetTransaction(s.conn.tx)
	return execCommand(ctx, s.cmd, args)
}

func (s *Stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	leave, err := s.conn.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()

	s.cmd.SetTransaction(s.conn.tx)
	return queryCommand(ctx, s.conn, s.cmd, args)
}

func namedValues(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}

// --- Transaction implementation ---

// Tx implements driver.Tx.
type Tx struct {
	conn *Conn
}

func (t *Tx) Commit() error {
	tx := t.conn.tx
	if tx == nil {
		return fmt.Errorf("sqldriver: transaction already committed or rolled back")
	}
	defer t.conn.endTx()
	return tx.Commit()
}

func (t *Tx) Rollback() error {
	tx := t.conn.tx
	if tx == nil {
		return fmt.Errorf("sqldriver: transaction already committed or rolled back")
	}
	defer t.conn.endTx()
	return tx.Rollback()
}

// --- Result implementation ---

type result struct {
	lastInsertID int64
	rowsAffected int64
}

// LastInsertId is -1 when the statement inserted no row.
func (r *result) LastInsertId() (int64, error) { return r.lastInsertID, nil }

func (r *result) RowsAffected() (int64, error) { return r.rowsAffected, nil }

// --- Rows implementation ---

// Rows streams the first result set of a reader. Each step holds the
// connection's gate, but an open Rows does not.
type Rows struct {
	ctx        context.Context
	conn       *Conn
	cmd        *sqlite.Command
	disposeCmd bool
	reader     *sqlite.DataReader
	columns    []string
	declTypes  []string
}

func (r *Rows) Columns() []string { return r.columns }

func (r *Rows) Close() error {
	leave, _ := r.conn.enter(context.Background())
	defer leave()

	err := r.reader.Close()
	if r.disposeCmd {
		if derr := r.cmd.Dispose(); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}

// ColumnTypeDatabaseTypeName is the upper-cased declared type, or "" for
// expressions.
func (r *Rows) ColumnTypeDatabaseTypeName(i int) string { return r.declTypes[i] }

func (r *Rows) Next(dest []driver.Value) error {
	leave, err := r.conn.enter(r.ctx)
	if err != nil {
		return err
	}
	defer leave()

	ok, err := r.reader.ReadContext(r.ctx)
	if err != nil {
		return err
	}
	if !ok {
		return io.EOF
	}
	for i := range dest {
		v, err := r.reader.GetValue(i)
		if err != nil {
			return err
		}
		dest[i] = driverValue(v)
	}
	return nil
}

// driverValue narrows reader values to the types database/sql expects.
func driverValue(v any) driver.Value {
	switch x := v.(type) {
	case int32:
		return int64(x)
	case int16:
		return int64(x)
	case uint8:
		return int64(x)
	case float32:
		return float64(x)
	case uuid.UUID:
		return x.String()
	}
	return v
}
