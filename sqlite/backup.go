package sqlite

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tomyedwab/litedb/engine"
	"github.com/tomyedwab/litedb/metrics"
)

// BackupCallback is invoked after every backup step that did not finish the
// copy. retry is set when the step hit contention. Returning false stops the
// backup.
type BackupCallback func(src *Connection, srcName string, dst *Connection, dstName string, pages, remaining, total int, retry bool) bool

// Backup copies srcName of c into dstName of dst, pages pages per step.
func (c *Connection) Backup(dst *Connection, dstName, srcName string, pages int, cb BackupCallback, retry time.Duration) error {
	return c.BackupContext(context.Background(), dst, dstName, srcName, pages, cb, retry)
}

// BackupContext copies the database online. Both connections must be Open;
// both handles are held in maintenance mode for the duration and are left
// closed in normal mode afterwards. A negative pages copies everything in
// one step.
func (c *Connection) BackupContext(ctx context.Context, dst *Connection, dstName, srcName string, pages int, cb BackupCallback, retry time.Duration) (err error) {
	if err := c.checkDisposed(); err != nil {
		return err
	}
	if c.state != StateOpen {
		return NewStateError(ErrInvalidState, "Source database is not open.")
	}
	if dst == nil {
		return NewConfigurationError(ErrInvalidArgument, "the destination connection must not be nil")
	}
	if dst.disposed || dst.state != StateOpen {
		return NewConfigurationError(ErrInvalidArgument, "Destination database is not open.")
	}
	if pages == 0 {
		return NewConfigurationError(ErrInvalidArgument, "pages must not be 0.")
	}

	if err := c.handle.BeginMaintenance(); err != nil {
		return err
	}
	defer func() {
		if eerr := c.handle.EndMaintenance(); eerr != nil && err == nil {
			err = eerr
		}
	}()
	if err := dst.handle.BeginMaintenance(); err != nil {
		return err
	}
	defer func() {
		if eerr := dst.handle.EndMaintenance(); eerr != nil && err == nil {
			err = eerr
		}
	}()

	srcDB, _, err := c.handle.DB(ModeMaintenance)
	if err != nil {
		return err
	}
	dstDB, _, err := dst.handle.DB(ModeMaintenance)
	if err != nil {
		return err
	}
	b, err := dstDB.BackupInit(dstName, srcDB, srcName)
	if err != nil {
		return NewEngineError(ErrBackup, err, c.handle.Path(), "failed to start backup to %s", dst.handle.Path())
	}
	defer func() {
		if ferr := b.Finish(); ferr != nil && err == nil {
			err = NewEngineError(ErrBackup, ferr, c.handle.Path(), "failed to finish backup")
		}
	}()

	entry := c.log.WithFields(log.Fields{"dest": dst.handle.Path(), "pages": pages})
	entry.Debug("starting backup")
	copied := 0
	for attempt := 0; ; {
		if err := ctx.Err(); err != nil {
			return newCancelledError(err)
		}
		done, stepErr := b.Step(pages)
		remaining, total := b.Remaining(), b.PageCount()
		if n := total - remaining; n > copied {
			metrics.BackupPagesTotal.Add(float64(n - copied))
			copied = n
		}
		if stepErr == nil && done {
			entry.WithField("total", total).Debug("backup complete")
			return nil
		}

		retrying := false
		if stepErr != nil {
			code := engine.CodeOf(stepErr).Primary()
			if code != engine.ResultBusy && code != engine.ResultLocked {
				return NewEngineError(ErrBackup, stepErr, c.handle.Path(), "backup step failed")
			}
			retrying = true
			attempt++
			metrics.ContentionRetriesTotal.WithLabelValues(metrics.OpBackup).Inc()
			entry.WithFields(log.Fields{"err": stepErr, "attempt": attempt}).Debug("backup contention (will retry)")
		}
		if cb != nil && !cb(c, srcName, dst, dstName, pages, remaining, total, retrying) {
			entry.WithField("remaining", remaining).Debug("backup stopped by callback")
			return nil
		}
		if retrying && retry > 0 {
			if err := sleepFor(ctx, retry); err != nil {
				return err
			}
		}
	}
}

func sleepFor(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return newCancelledError(ctx.Err())
	case <-timer.C:
		return nil
	}
}
