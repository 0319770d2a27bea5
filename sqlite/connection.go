package sqlite

import (
	"context"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/tomyedwab/litedb/engine"
)

// ConnectionState is the state of a Connection.
type ConnectionState int

const (
	StateClosed     ConnectionState = 0
	StateOpen       ConnectionState = 1
	StateConnecting ConnectionState = 2
	StateExecuting  ConnectionState = 4
	StateFetching   ConnectionState = 8
	StateBroken     ConnectionState = 16
)

func (s ConnectionState) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateConnecting:
		return "Connecting"
	case StateExecuting:
		return "Executing"
	case StateFetching:
		return "Fetching"
	case StateBroken:
		return "Broken"
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}

type connectionConfig struct {
	flags             engine.OpenFlags
	asDefault         bool
	crypt             ObjectCryptEngine
	registry          *Registry
	opener            engine.Opener
	backoff           Backoff
	allowOpenReadOnly bool
	logger            *log.Entry
}

// Option configures a Connection.
type Option func(*connectionConfig)

// WithOpenFlags sets the requested open flags. The default is ReadWrite, to
// which Create is added unless FailIfMissing is set.
func WithOpenFlags(flags engine.OpenFlags) Option {
	return func(c *connectionConfig) { c.flags = flags }
}

// AsDefault makes the connection's handle the registry's default handle.
func AsDefault() Option {
	return func(c *connectionConfig) { c.asDefault = true }
}

// WithCryptEngine sets the engine used for encrypted parameters and columns.
func WithCryptEngine(e ObjectCryptEngine) Option {
	return func(c *connectionConfig) { c.crypt = e }
}

// WithRegistry uses r instead of DefaultRegistry.
func WithRegistry(r *Registry) Option {
	return func(c *connectionConfig) { c.registry = r }
}

// WithEngine uses o to open native connections instead of engine.Native.
func WithEngine(o engine.Opener) Option {
	return func(c *connectionConfig) { c.opener = o }
}

// WithBackoff sets the contention retry policy.
func WithBackoff(b Backoff) Option {
	return func(c *connectionConfig) { c.backoff = b }
}

// WithAllowOpenReadOnly controls whether "Read Only=True" is honored.
func WithAllowOpenReadOnly(allow bool) Option {
	return func(c *connectionConfig) { c.allowOpenReadOnly = allow }
}

func WithLogger(l *log.Entry) Option {
	return func(c *connectionConfig) { c.logger = l }
}

func newConnectionConfig(opts []Option) connectionConfig {
	cfg := connectionConfig{
		flags:             engine.OpenReadWrite,
		registry:          DefaultRegistry,
		opener:            engine.Native,
		allowOpenReadOnly: true,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.backoff == nil {
		cfg.backoff = DefaultBackoff()
	}
	if cfg.logger == nil {
		cfg.logger = defaultLogger()
	}
	return cfg
}

// Connection is the entry point of the driver. It owns a private Handle, or
// shares the registry's default Handle or another connection's. A Connection
// is not safe for concurrent use.
type Connection struct {
	cfg          connectionConfig
	connString   string
	csb          *ConnectionStringBuilder
	opts         ConnectionOptions
	handle       *Handle
	usingDefault bool
	// shared connections do not own their handle.
	shared       bool
	log          *log.Entry

	state        ConnectionState
	transactions []*Transaction
	disposed     bool

	eventsMu          sync.Mutex
	stateHandlers     []func(StateChangeEvent)
	statementHandlers []func(StatementCompletedEvent)
}

// NewConnection creates a closed connection for a connection string.
func NewConnection(connString string, opts ...Option) (*Connection, error) {
	cfg := newConnectionConfig(opts)
	connString = strings.TrimSpace(connString)
	if connString == "" {
		return nil, NewConfigurationError(ErrInvalidArgument, "the connection string must not be blank")
	}
	csb, err := ParseConnectionString(connString)
	if err != nil {
		return nil, err
	}
	return newConnection(cfg, csb)
}

// NewFileConnection creates a closed connection for a database file, with a
// 100ms busy timeout, dates stored as ticks, and WAL journaling when opened
// for writing.
func NewFileConnection(path string, opts ...Option) (*Connection, error) {
	cfg := newConnectionConfig(opts)
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, NewConfigurationError(ErrInvalidArgument, "the database file path must not be blank")
	}
	return newConnection(cfg, fileConnectionString(path, cfg.flags.Has(engine.OpenReadWrite)))
}

// NewDefaultConnection creates a closed connection on the registry's default
// handle.
func NewDefaultConnection(opts ...Option) (*Connection, error) {
	cfg := newConnectionConfig(opts)
	h := cfg.registry.Default()
	if h == nil {
		return nil, NewStateError(ErrInvalidState, "no default database has been set")
	}
	c, err := sharedConnection(cfg, h)
	if err != nil {
		return nil, err
	}
	c.usingDefault = true
	return c, nil
}

// NewSharedConnection creates a closed connection on h, which is owned by
// another connection. Closing or disposing it leaves h as it is.
func NewSharedConnection(h *Handle, opts ...Option) (*Connection, error) {
	if h == nil {
		return nil, NewConfigurationError(ErrInvalidArgument, "the shared handle must not be nil")
	}
	return sharedConnection(newConnectionConfig(opts), h)
}

func sharedConnection(cfg connectionConfig, h *Handle) (*Connection, error) {
	csb, err := ParseConnectionString(h.ConnectionString())
	if err != nil {
		return nil, err
	}
	copts, err := csb.Options()
	if err != nil {
		return nil, err
	}
	return &Connection{
		cfg:        cfg,
		connString: h.ConnectionString(),
		csb:        csb,
		opts:       copts,
		handle:     h,
		shared:     true,
		log:        cfg.logger.WithField("path", h.Path()),
	}, nil
}

func newConnection(cfg connectionConfig, csb *ConnectionStringBuilder) (*Connection, error) {
	copts, err := csb.Options()
	if err != nil {
		return nil, err
	}
	path := strings.TrimSpace(copts.DataSource)
	if path == "" {
		return nil, NewConfigurationError(ErrInvalidArgument, "The file path to the database has not been set.")
	}
	copts.ReadOnly = copts.ReadOnly && cfg.allowOpenReadOnly

	var flags engine.OpenFlags
	switch {
	case copts.ReadOnly:
		flags = engine.OpenReadOnly
	case copts.FailIfMissing || cfg.flags != engine.OpenReadWrite:
		flags = cfg.flags
	default:
		flags = cfg.flags | engine.OpenCreate
	}

	c := &Connection{
		cfg:        cfg,
		connString: csb.String(),
		csb:        csb,
		opts:       copts,
		log:        cfg.logger.WithField("path", path),
	}

	def := cfg.registry.Default()
	switch {
	case cfg.asDefault && def != nil:
		return nil, NewConfigurationError(ErrInvalidState,
			"Unable to set the database connection as default - there is already a default database specified.")
	case cfg.asDefault:
		h := newHandle(cfg.registry, cfg.opener, path, flags, c.connString, copts.StoreDateTimeAsTicks, cfg.logger)
		if err := cfg.registry.setDefault(h); err != nil {
			return nil, err
		}
		c.handle = h
		c.usingDefault = true
		c.shared = true
	case def != nil && registryKey(def.Path()) == registryKey(path):
		c.handle = def
		c.usingDefault = true
		c.shared = true
	default:
		c.handle = newHandle(cfg.registry, cfg.opener, path, flags, c.connString, copts.StoreDateTimeAsTicks, cfg.logger)
	}
	return c, nil
}

func (c *Connection) ConnectionString() string { return c.connString }

// DataSource is the database file path.
func (c *Connection) DataSource() string { return c.handle.Path() }

// Handle exposes the backing handle.
func (c *Connection) Handle() *Handle { return c.handle }

func (c *Connection) IsDefault() bool { return c.usingDefault }

func (c *Connection) CryptEngine() ObjectCryptEngine { return c.cfg.crypt }

func (c *Connection) Options() ConnectionOptions { return c.opts }

func (c *Connection) checkDisposed() error {
	if c.disposed {
		return NewStateError(ErrDisposed, "the connection has been disposed")
	}
	return nil
}

// State returns the connection state. An Open connection whose handle was
// closed behind its back is reopened, and becomes Broken if that fails.
func (c *Connection) State() ConnectionState {
	if c.disposed {
		return StateClosed
	}
	if c.state == StateOpen && c.handleDown() {
		if _, err := c.handle.Open(); err != nil {
			c.log.WithField("err", err).Debug("failed to reopen database")
		}
		if c.handleDown() {
			c.setState(StateBroken)
		}
	}
	return c.state
}

func (c *Connection) handleDown() bool {
	return !c.handle.IsOpen() && !c.handle.InMaintenance()
}

func (c *Connection) setState(s ConnectionState) {
	if c.state == s {
		return
	}
	prev := c.state
	c.state = s
	c.log.WithFields(log.Fields{"from": prev, "to": s}).Debug("connection state changed")
	c.fireStateChange(StateChangeEvent{Previous: prev, Current: s})
}

func (c *Connection) Open() error { return c.OpenContext(context.Background()) }

// OpenContext opens a Closed connection. The first open of a handle runs
// the one-time configuration sequence in maintenance mode.
func (c *Connection) OpenContext(ctx context.Context) error {
	if err := c.checkDisposed(); err != nil {
		return err
	}
	if c.state != StateClosed {
		return NewStateError(ErrInvalidState, "Cannot Open when State is %s.", c.state)
	}
	c.setState(StateConnecting)

	lock := &c.handle.firstOpen
	if c.usingDefault {
		lock = &c.cfg.registry.defaultFirstOpen
	}
	lock.Lock()
	configured := c.handle.configured
	if !configured {
		err := c.firstTimeOpen(ctx)
		if err == nil {
			c.handle.configured = true
		}
		lock.Unlock()
		if err != nil {
			c.setState(StateBroken)
			return err
		}
		c.setState(StateOpen)
		return nil
	}
	lock.Unlock()

	if _, err := c.handle.Open(); err != nil {
		c.setState(StateBroken)
		return err
	}
	if c.handleDown() {
		c.setState(StateBroken)
		return NewStateError(ErrInvalidState, "the database at %s could not be opened", c.handle.Path())
	}
	c.setState(StateOpen)
	return nil
}

// firstTimeOpen opens the handle, checks the read-only state and applies the
// configured pragmas in maintenance mode, then leaves maintenance.
func (c *Connection) firstTimeOpen(ctx context.Context) (err error) {
	h := c.handle
	if _, err := h.Open(); err != nil {
		return err
	}
	if err := h.BeginMaintenance(); err != nil {
		return err
	}
	defer func() {
		if endErr := h.EndMaintenance(); endErr != nil && err == nil {
			err = endErr
		}
	}()

	if c.cfg.allowOpenReadOnly {
		ro, err := h.readOnly(ModeMaintenance)
		if err != nil {
			return err
		}
		if ro && !c.opts.ReadOnly {
			return NewEngineError(ErrReadOnlyMismatch, engine.ResultReadOnly, h.Path(),
				"the database at %s was opened read-only but the connection string does not allow it", h.Path())
		}
	}

	for _, pragma := range c.openPragmas() {
		if _, err := c.execNonQuery(ctx, pragma, true, nil); err != nil {
			return err
		}
	}
	if c.csb.Has(KeyBusyTimeout) {
		h.SetBusyTimeout(c.opts.BusyTimeout)
	}
	c.log.Debug("configured database on first open")
	return nil
}

// openPragmas lists the one-time pragmas for the settings present in the
// connection string, in application order.
func (c *Connection) openPragmas() []string {
	o := c.opts
	var pragmas []string
	if o.CacheSize != 0 {
		pragmas = append(pragmas, fmt.Sprintf("pragma cache_size=%d", o.CacheSize))
	}
	if o.PageSize != 0 {
		pragmas = append(pragmas, fmt.Sprintf("pragma page_size=%d", o.PageSize))
	}
	if c.csb.Has(KeyMmapSize) {
		pragmas = append(pragmas, fmt.Sprintf("pragma mmap_size=%d", o.MmapSize))
	}
	if o.ForeignKeys {
		pragmas = append(pragmas, "pragma foreign_keys = on")
	}
	if o.JournalMode != JournalModeDefault {
		pragmas = append(pragmas, fmt.Sprintf("pragma journal_mode=%s", o.JournalMode))
	}
	if c.csb.Has(KeySynchronous) {
		pragmas = append(pragmas, fmt.Sprintf("pragma synchronous=%s", o.SyncMode))
	}
	if o.TempStore != TempStoreDefault {
		pragmas = append(pragmas, fmt.Sprintf("pragma temp_store=%s", o.TempStore))
	}
	return pragmas
}

// SafeOpen opens the connection only if it is Closed.
func (c *Connection) SafeOpen() error {
	if c.State() == StateClosed {
		return c.Open()
	}
	return nil
}

// Close closes an Open connection. A connection on a shared or default
// handle only changes its own state.
func (c *Connection) Close() error {
	if err := c.checkDisposed(); err != nil {
		return err
	}
	if c.state != StateOpen {
		return NewStateError(ErrInvalidState, "Cannot Close when State is %s.", c.state)
	}
	if !c.shared {
		var err error
		if c.handle.InMaintenance() {
			err = c.handle.EndMaintenance()
		} else {
			_, err = c.handle.Close()
		}
		if err != nil {
			return err
		}
		c.abandonTransactions()
	}
	c.setState(StateClosed)
	return nil
}

// SafeClose closes the connection only if it is Open and not disposed.
func (c *Connection) SafeClose() error {
	if !c.disposed && c.state == StateOpen {
		return c.Close()
	}
	return nil
}

// abandonTransactions marks every pending transaction finished after the
// native connection that held them was closed.
func (c *Connection) abandonTransactions() {
	for _, tx := range c.transactions {
		tx.finished = true
	}
	c.transactions = nil
}

// Dispose rolls back pending transactions, closes an owned handle and
// releases it. The connection cannot be used afterwards.
func (c *Connection) Dispose() error {
	if c.disposed {
		return nil
	}
	var first error
	if len(c.transactions) > 0 && c.state == StateOpen {
		if _, err := c.execNonQuery(context.Background(), "ROLLBACK", c.handle.InMaintenance(), c.currentTransaction()); err != nil {
			first = err
		}
	}
	c.abandonTransactions()

	if !c.shared {
		if c.state == StateOpen {
			var err error
			if c.handle.InMaintenance() {
				err = c.handle.EndMaintenance()
			} else if c.handle.OpenedOnce() {
				_, err = c.handle.Close()
			}
			if err != nil && first == nil {
				first = err
			}
		}
		if err := c.handle.Dispose(); err != nil && first == nil {
			first = err
		}
	}
	c.setState(StateClosed)
	c.disposed = true
	return first
}

// BeginMaintenance opens the connection if needed and places its handle in
// maintenance mode.
func (c *Connection) BeginMaintenance() error {
	if err := c.checkDisposed(); err != nil {
		return err
	}
	if c.State() != StateOpen {
		if err := c.SafeOpen(); err != nil {
			return err
		}
	}
	return c.handle.BeginMaintenance()
}

// EndMaintenance leaves maintenance mode and closes the connection.
func (c *Connection) EndMaintenance() error {
	if err := c.checkDisposed(); err != nil {
		return err
	}
	if !c.handle.InMaintenance() {
		return nil
	}
	if err := c.handle.EndMaintenance(); err != nil {
		return err
	}
	if c.state != StateClosed {
		return c.Close()
	}
	return nil
}

// InMaintenance reports whether the connection's handle is in maintenance
// mode.
func (c *Connection) InMaintenance() bool { return c.handle.InMaintenance() }

// CreateCommand returns a command for text on this connection.
func (c *Connection) CreateCommand(text string, opts ...CommandOption) *Command {
	return NewCommand(text, c, opts...)
}

func (c *Connection) currentTransaction() *Transaction {
	if len(c.transactions) == 0 {
		return nil
	}
	return c.transactions[len(c.transactions)-1]
}

// execNonQuery runs text as a throwaway command.
func (c *Connection) execNonQuery(ctx context.Context, text string, maintenance bool, tx *Transaction) (int, error) {
	cmd := c.commandFor(text, maintenance, tx)
	defer cmd.Dispose()
	return cmd.ExecuteNonQueryContext(ctx)
}

// execScalar runs text as a throwaway command and returns the first value.
func (c *Connection) execScalar(ctx context.Context, text string, maintenance bool) (any, error) {
	cmd := c.commandFor(text, maintenance, c.currentTransaction())
	defer cmd.Dispose()
	return cmd.ExecuteScalarContext(ctx)
}

func (c *Connection) commandFor(text string, maintenance bool, tx *Transaction) *Command {
	opts := []CommandOption{WithTransaction(tx)}
	if maintenance {
		opts = append(opts, ForMaintenance())
	}
	return NewCommand(text, c, opts...)
}
