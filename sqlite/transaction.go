package sqlite

import (
	"context"
	"fmt"
)

// IsolationLevel requests transaction isolation. Only Serializable and
// ReadCommitted are supported.
type IsolationLevel int

const (
	IsolationUnspecified     IsolationLevel = -1
	IsolationChaos           IsolationLevel = 16
	IsolationReadUncommitted IsolationLevel = 256
	IsolationReadCommitted   IsolationLevel = 4096
	IsolationRepeatableRead  IsolationLevel = 65536
	IsolationSerializable    IsolationLevel = 1048576
	IsolationSnapshot        IsolationLevel = 16777216
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationUnspecified:
		return "Unspecified"
	case IsolationChaos:
		return "Chaos"
	case IsolationReadUncommitted:
		return "ReadUncommitted"
	case IsolationReadCommitted:
		return "ReadCommitted"
	case IsolationRepeatableRead:
		return "RepeatableRead"
	case IsolationSerializable:
		return "Serializable"
	case IsolationSnapshot:
		return "Snapshot"
	}
	return fmt.Sprintf("IsolationLevel(%d)", int(l))
}

// Transaction is one entry of a connection's transaction stack. Only the
// outermost transaction issues BEGIN and COMMIT; nested ones are tracked so
// that commands can be matched to the active transaction.
type Transaction struct {
	conn      *Connection
	isolation IsolationLevel
	finished  bool
}

func (t *Transaction) Connection() *Connection { return t.conn }

func (t *Transaction) IsolationLevel() IsolationLevel { return t.isolation }

// Begin starts a Serializable transaction.
func (c *Connection) Begin() (*Transaction, error) {
	return c.BeginTx(context.Background(), IsolationUnspecified)
}

// BeginTx pushes a transaction on the connection's stack. Serializable takes
// the write lock immediately; ReadCommitted defers it. Only an empty stack
// issues BEGIN.
func (c *Connection) BeginTx(ctx context.Context, level IsolationLevel) (*Transaction, error) {
	if err := c.checkDisposed(); err != nil {
		return nil, err
	}
	if level == IsolationUnspecified {
		level = IsolationSerializable
	}
	if level != IsolationSerializable && level != IsolationReadCommitted {
		return nil, NewConfigurationError(ErrUnsupportedIsolation, "Specified IsolationLevel value is not supported.")
	}
	if err := c.SafeOpen(); err != nil {
		return nil, err
	}

	tx := &Transaction{conn: c, isolation: level}
	if len(c.transactions) == 0 {
		begin := "BEGIN IMMEDIATE"
		if level == IsolationReadCommitted {
			begin = "BEGIN"
		}
		if _, err := c.execNonQuery(ctx, begin, c.handle.InMaintenance(), nil); err != nil {
			return nil, err
		}
	}
	c.transactions = append(c.transactions, tx)
	c.log.WithField("depth", len(c.transactions)).Debug("began transaction")
	return tx, nil
}

func (t *Transaction) checkActive() error {
	if t.finished {
		return NewStateError(ErrAlreadyFinished, "Already committed or rolled back.")
	}
	cur := t.conn.currentTransaction()
	if cur == nil {
		return NewStateError(ErrNotActiveTransaction, "There is no active transaction.")
	}
	if cur != t {
		return NewStateError(ErrNotActiveTransaction, "This is not the active transaction.")
	}
	return nil
}

func (t *Transaction) pop() {
	c := t.conn
	c.transactions = c.transactions[:len(c.transactions)-1]
	t.finished = true
}

func (t *Transaction) Commit() error { return t.CommitContext(context.Background()) }

// CommitContext commits the outermost transaction. Committing a nested
// transaction only pops it.
func (t *Transaction) CommitContext(ctx context.Context) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	c := t.conn
	if len(c.transactions) == 1 {
		if _, err := c.execNonQuery(ctx, "COMMIT", c.handle.InMaintenance(), t); err != nil {
			return err
		}
	}
	t.pop()
	c.log.WithField("depth", len(c.transactions)).Debug("committed transaction")
	return nil
}

func (t *Transaction) Rollback() error { return t.RollbackContext(context.Background()) }

// RollbackContext rolls back the outermost transaction. A nested transaction
// cannot be rolled back on its own.
func (t *Transaction) RollbackContext(ctx context.Context) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	c := t.conn
	if len(c.transactions) > 1 {
		return NewStateError(ErrNestedRollback, "Can't roll back nested transaction.")
	}
	if _, err := c.execNonQuery(ctx, "ROLLBACK", c.handle.InMaintenance(), t); err != nil {
		return err
	}
	t.pop()
	c.log.Debug("rolled back transaction")
	return nil
}

// Dispose rolls back the transaction if it is still the active outermost
// one. Otherwise it does nothing.
func (t *Transaction) Dispose() error {
	if t.finished || t.conn.currentTransaction() != t || len(t.conn.transactions) > 1 {
		return nil
	}
	return t.Rollback()
}
