//go:build unix

package cowdb

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Giulio2002/cowdb/internal/fs"
)

// flock acquires an advisory lock on the data file: exclusive for
// read-write handles, shared for read-only ones. A positive timeout
// bounds the wait, zero waits forever and a negative timeout tries once.
func flock(f fs.File, exclusive bool, timeout time.Duration) error {
	var start time.Time
	if timeout > 0 {
		start = time.Now()
	}

	fd := int(f.Fd())
	flag := unix.LOCK_SH
	if exclusive {
		flag = unix.LOCK_EX
	}

	for {
		err := unix.Flock(fd, flag|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			return &lockError{op: "flock", err: err}
		}

		switch {
		case timeout < 0:
			return NewError(ErrDatabaseOpen)
		case timeout > 0 && time.Since(start) > timeout-flockRetryTimeout:
			return NewError(ErrTimeout)
		}
		time.Sleep(flockRetryTimeout)
	}
}

// funlock releases the advisory lock on the data file.
func funlock(f fs.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return &lockError{op: "funlock", err: err}
	}
	return nil
}

// lockError represents a file locking error
type lockError struct {
	op  string
	err error
}

func (e *lockError) Error() string {
	return "cowdb: " + e.op + ": " + e.err.Error()
}

func (e *lockError) Unwrap() error {
	return e.err
}
