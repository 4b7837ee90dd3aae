package sqlite

import (
	"context"
	"database/sql/driver"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/kovalto/dbbus"
)

// classify separates transient storage failures (lock contention,
// dropped connections) from everything else. Only transient failures
// are retried by the dispatcher.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if errors.Is(err, driver.ErrBadConn) {
		return dbbus.Transient(err)
	}

	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrCantOpen:
			return dbbus.Transient(err)
		}
	}

	return errors.WithStack(err)
}
