package sqlite

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/tomyedwab/litedb/engine"
	"github.com/tomyedwab/litedb/metrics"
)

// StatementHandle owns one compiled native statement. It remembers the mode
// and native connection generation it was compiled under.
type StatementHandle struct {
	handle     *Handle
	db         engine.DB
	stmt       engine.Stmt
	mode       Mode
	generation uint64
	sql        string
	finalized  bool
}

func (s *StatementHandle) Mode() Mode { return s.mode }

func (s *StatementHandle) SQL() string { return s.sql }

// Stmt exposes the native statement.
func (s *StatementHandle) Stmt() engine.Stmt { return s.stmt }

// CheckMode fails if the owning handle is no longer in the mode this
// statement was compiled under.
func (s *StatementHandle) CheckMode() error {
	mode, _ := s.handle.current()
	if mode != s.mode {
		return NewModeMismatchError("a statement compiled in %s mode cannot be used while the database is in %s mode", s.mode, mode)
	}
	return nil
}

// stale reports whether the native connection was reopened since compile.
func (s *StatementHandle) stale() bool {
	_, gen := s.handle.current()
	return gen != s.generation
}

// reset rewinds the statement for reuse. The engine's reset code repeats the
// last step failure, which has already been reported, so it is dropped.
func (s *StatementHandle) reset() {
	if !s.finalized {
		s.stmt.Reset()
	}
}

// Finalize releases the native statement. Only the first call has effect.
func (s *StatementHandle) Finalize() error {
	if s.finalized {
		return nil
	}
	s.finalized = true
	if err := s.stmt.Finalize(); err != nil {
		return NewEngineError(ErrStep, err, s.handle.path, "failed to finalize statement")
	}
	return nil
}

// Preparer lazily compiles the statements of one command text, in order, and
// shares them among the readers of a command by reference count. It is not
// safe for concurrent use.
type Preparer struct {
	handle  *Handle
	mode    Mode
	sql     string
	backoff Backoff
	log     *log.Entry

	stmts     []*StatementHandle
	remaining string
	done      bool
	refs      int
	released  bool
}

func newPreparer(h *Handle, mode Mode, sql string, b Backoff) *Preparer {
	if b == nil {
		b = DefaultBackoff()
	}
	return &Preparer{
		handle:    h,
		mode:      mode,
		sql:       sql,
		backoff:   b,
		log:       h.log,
		remaining: sql,
		refs:      1,
	}
}

// Len is the number of statements compiled so far.
func (p *Preparer) Len() int { return len(p.stmts) }

// AddRef takes another reference.
func (p *Preparer) AddRef() error {
	if p.released {
		return NewStateError(ErrUseAfterRelease, "the statement preparer has already been released")
	}
	p.refs++
	return nil
}

// Release drops a reference. The last release finalizes every statement.
func (p *Preparer) Release() error {
	if p.released {
		return NewStateError(ErrUseAfterRelease, "the statement preparer has already been released")
	}
	p.refs--
	if p.refs > 0 {
		return nil
	}
	p.released = true
	return p.finalizeAll()
}

func (p *Preparer) finalizeAll() error {
	var first error
	for _, s := range p.stmts {
		if err := s.Finalize(); err != nil && first == nil {
			first = err
		}
	}
	p.stmts = nil
	p.remaining = p.sql
	p.done = false
	return first
}

// Get returns statement index, compiling one more if index equals the number
// compiled so far. It returns nil once the text holds no further statement.
func (p *Preparer) Get(ctx context.Context, index int) (*StatementHandle, error) {
	if p.released {
		return nil, NewStateError(ErrUseAfterRelease, "the statement preparer has already been released")
	}
	if index < 0 || index > len(p.stmts) {
		return nil, NewConfigurationError(ErrInvalidArgument, "statement index %d is out of range", index)
	}

	if len(p.stmts) != 0 {
		if err := p.stmts[0].CheckMode(); err != nil {
			return nil, err
		}
		if p.stmts[0].stale() {
			if index != 0 {
				return nil, NewStateError(ErrInvalidState, "the database was reopened while statements of this command were executing")
			}
			p.log.Debug("recompiling statements after the database was reopened")
			if err := p.finalizeAll(); err != nil {
				return nil, err
			}
		}
	}
	if index < len(p.stmts) {
		return p.stmts[index], nil
	}
	if p.done {
		return nil, nil
	}

	db, gen, err := p.handle.DB(p.mode)
	if err != nil {
		return nil, err
	}

	for {
		text := p.remaining
		stmt, rest, err := p.compile(ctx, db, text)
		if err != nil {
			return nil, err
		}
		p.remaining = rest
		if strings.TrimSpace(rest) == "" {
			p.done = true
		}
		if stmt == nil {
			if p.done {
				return nil, nil
			}
			// A comment-only segment: keep going.
			continue
		}
		metrics.StatementsPreparedTotal.Inc()
		sh := &StatementHandle{
			handle:     p.handle,
			db:         db,
			stmt:       stmt,
			mode:       p.mode,
			generation: gen,
			sql:        strings.TrimSpace(strings.TrimSuffix(text, rest)),
		}
		p.stmts = append(p.stmts, sh)
		return sh, nil
	}
}

// compile prepares the first statement of text, retrying on contention until
// success, a fatal code or cancellation.
func (p *Preparer) compile(ctx context.Context, db engine.DB, text string) (engine.Stmt, string, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, "", newCancelledError(err)
		}
		stmt, rest, err := db.Prepare(text)
		if err == nil {
			return stmt, rest, nil
		}
		if !engine.CodeOf(err).IsRetryable() {
			return nil, "", NewEngineError(ErrStatementPrepare, err, p.handle.path, "failed to prepare statement")
		}
		metrics.ContentionRetriesTotal.WithLabelValues(metrics.OpPrepare).Inc()
		p.log.WithFields(log.Fields{"err": err, "attempt": attempt}).Debug("prepare contention (will retry)")
		if err := sleepOrCancel(ctx, p.backoff, attempt); err != nil {
			return nil, "", err
		}
	}
}
