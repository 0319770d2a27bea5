package sqlite

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/tomyedwab/litedb/engine"
	"github.com/tomyedwab/litedb/metrics"
)

// Mode selects which of a handle's two slots a caller wants: normal query
// execution or schema/pragma maintenance.
type Mode int

const (
	ModeNormal Mode = iota
	ModeMaintenance
)

func (m Mode) String() string {
	if m == ModeMaintenance {
		return metrics.ModeMaintenance
	}
	return metrics.ModeNormal
}

// Handle owns the native connection to a single database file. The normal and
// maintenance slots are mutually exclusive: beginning maintenance moves the
// open connection into the maintenance slot, and ending it closes the
// connection so that the next normal access reopens it.
type Handle struct {
	registry   *Registry
	opener     engine.Opener
	path       string
	flags      engine.OpenFlags
	connString string
	storeTicks bool
	log        *log.Entry

	mu          sync.Mutex
	db          engine.DB
	generation  uint64
	openedOnce  bool
	open        bool
	maintenance bool
	disposed    bool

	// execMu serializes step and last-insert-rowid against each other and
	// against close.
	execMu sync.Mutex

	// busyTimeout is applied to every native connection once set.
	busyTimeout int

	// firstOpen scopes the one-time open sequence of a private handle.
	firstOpen  sync.Mutex
	configured bool
}

func newHandle(r *Registry, opener engine.Opener, path string, flags engine.OpenFlags, connString string, storeTicks bool, logger *log.Entry) *Handle {
	if logger == nil {
		logger = defaultLogger()
	}
	return &Handle{
		registry:   r,
		opener:     opener,
		path:       path,
		flags:      flags,
		connString: connString,
		storeTicks: storeTicks,
		log:        logger.WithField("path", path),
	}
}

func (h *Handle) Path() string { return h.path }

func (h *Handle) Flags() engine.OpenFlags { return h.flags }

func (h *Handle) ConnectionString() string { return h.connString }

func (h *Handle) StoreDateTimeAsTicks() bool { return h.storeTicks }

// IsOpen reports whether the native connection is open in normal mode.
func (h *Handle) IsOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open && !h.maintenance
}

// IsClosed reports whether the handle was opened at least once and is now
// closed in both modes.
func (h *Handle) IsClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.openedOnce && !h.open && !h.maintenance
}

// InMaintenance reports whether the handle is in maintenance mode.
func (h *Handle) InMaintenance() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maintenance
}

// OpenedOnce reports whether a native open has ever succeeded.
func (h *Handle) OpenedOnce() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.openedOnce
}

// Mode is the handle's current mode.
func (h *Handle) Mode() Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.maintenance {
		return ModeMaintenance
	}
	return ModeNormal
}

// openNative opens the native connection. mu must be held.
func (h *Handle) openNative(mode Mode) error {
	if h.disposed {
		return NewStateError(ErrDisposed, "the database handle for %s has been disposed", h.path)
	}
	if h.path == "" {
		return NewConfigurationError(ErrInvalidArgument, "the database file path has not been set")
	}
	if !h.openedOnce {
		if err := h.registry.checkAvailable(h.path, h); err != nil {
			return err
		}
	}

	db, err := h.opener.Open(h.path, h.flags, "")
	if err != nil {
		metrics.HandleOpensTotal.WithLabelValues(mode.String(), metrics.Fail).Inc()
		return NewEngineError(ErrEngineOpen, err, h.path,
			"Attempting to open the database at the following location resulted in '%s': %s",
			engine.CodeOf(err), h.path)
	}
	if !h.openedOnce {
		if err := h.registry.register(h.path, h); err != nil {
			db.Close()
			return err
		}
		h.openedOnce = true
	}

	if h.busyTimeout > 0 {
		db.BusyTimeout(h.busyTimeout)
	}
	h.db = db
	h.open = true
	h.generation++
	metrics.HandleOpensTotal.WithLabelValues(mode.String(), metrics.Ok).Inc()
	h.log.WithField("mode", mode).Debug("opened database")
	return nil
}

// closeNative closes the native connection. mu and execMu must be held.
func (h *Handle) closeNative() error {
	if err := h.db.Close(); err != nil {
		return NewEngineError(ErrEngineClose, err, h.path,
			"Attempting to close the database at the following location resulted in '%s': %s",
			engine.CodeOf(err), h.path)
	}
	h.db = nil
	h.open = false
	h.log.Debug("closed database")
	return nil
}

// Open opens the handle in normal mode if it is neither open nor in
// maintenance. It reports whether the handle is now open in normal mode.
func (h *Handle) Open() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.open && !h.maintenance {
		if err := h.openNative(ModeNormal); err != nil {
			return false, err
		}
	}
	return h.open && !h.maintenance, nil
}

// Close closes a normal-mode handle. A handle in maintenance is left alone.
// It reports whether the handle is now closed.
func (h *Handle) Close() (bool, error) {
	h.execMu.Lock()
	defer h.execMu.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.openedOnce {
		return false, NewStateError(ErrInvalidState, "The database must be opened once before it can be closed.")
	}
	if h.open && !h.maintenance {
		if err := h.closeNative(); err != nil {
			return false, err
		}
	}
	return !h.open && !h.maintenance, nil
}

// BeginMaintenance moves the handle into maintenance mode, opening it if
// necessary. Idempotent.
func (h *Handle) BeginMaintenance() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.maintenance {
		return nil
	}
	if !h.open {
		if err := h.openNative(ModeMaintenance); err != nil {
			return err
		}
	}
	h.maintenance = true
	h.generation++
	h.log.Debug("began maintenance mode")
	return nil
}

// EndMaintenance leaves maintenance mode and closes the native connection.
// Idempotent.
func (h *Handle) EndMaintenance() error {
	h.execMu.Lock()
	defer h.execMu.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.maintenance {
		return nil
	}
	if h.open {
		if err := h.closeNative(); err != nil {
			return err
		}
	}
	h.maintenance = false
	h.log.Debug("ended maintenance mode")
	return nil
}

// DB returns the native connection for mode, opening it if the handle is
// closed. It fails if the handle is in the other mode. The returned
// generation changes every time the native connection or mode changes.
func (h *Handle) DB(mode Mode) (engine.DB, uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disposed {
		return nil, 0, NewStateError(ErrDisposed, "the database handle for %s has been disposed", h.path)
	}
	switch {
	case mode == ModeNormal && h.maintenance:
		return nil, 0, NewModeMismatchError("The database cannot be accessed for normal operations while it is in Maintenance Mode.")
	case mode == ModeMaintenance && !h.maintenance:
		return nil, 0, NewModeMismatchError("The database must be placed in Maintenance Mode before accessing it for maintenance operations.")
	}
	if !h.open {
		if err := h.openNative(mode); err != nil {
			return nil, 0, err
		}
	}
	return h.db, h.generation, nil
}

// SetBusyTimeout sets the engine's busy timeout in milliseconds on the open
// connection and on every later one.
func (h *Handle) SetBusyTimeout(ms int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.busyTimeout = ms
	if h.open {
		h.db.BusyTimeout(ms)
	}
}

// step advances s under the execution lock. With captureRowID the last
// insert rowid is read in the same critical section.
func (h *Handle) step(s *StatementHandle, captureRowID bool) (bool, int64, error) {
	h.execMu.Lock()
	defer h.execMu.Unlock()

	if err := s.CheckMode(); err != nil {
		return false, -1, err
	}
	if s.stale() {
		return false, -1, NewStateError(ErrInvalidState, "the database was closed while a statement was executing")
	}
	row, err := s.stmt.Step()
	rowid := int64(-1)
	if captureRowID {
		rowid = s.db.LastInsertRowID()
	}
	return row, rowid, err
}

// totalChanges is the engine's running count of changed rows for mode.
func (h *Handle) totalChanges(mode Mode) (int, error) {
	db, _, err := h.DB(mode)
	if err != nil {
		return 0, err
	}
	h.execMu.Lock()
	defer h.execMu.Unlock()
	return db.TotalChanges(), nil
}

// readOnly reports whether the main schema of the open connection is
// read-only.
func (h *Handle) readOnly(mode Mode) (bool, error) {
	db, _, err := h.DB(mode)
	if err != nil {
		return false, err
	}
	return db.ReadOnly("main") == 1, nil
}

// current returns the mode and generation under a single lock.
func (h *Handle) current() (Mode, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.maintenance {
		return ModeMaintenance, h.generation
	}
	return ModeNormal, h.generation
}

// Dispose closes the handle in whichever mode it is in and releases its path.
func (h *Handle) Dispose() error {
	h.execMu.Lock()
	defer h.execMu.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disposed {
		return nil
	}
	var err error
	if h.db != nil && h.open {
		err = h.closeNative()
	}
	h.maintenance = false
	h.disposed = true
	h.registry.unregister(h.path, h)
	h.log.Debug("disposed database handle")
	return err
}
