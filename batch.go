package cowdb

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Batch calls fn as part of a batch. It behaves similar to Update,
// except:
//
// 1. concurrent Batch calls can be combined into a single write
// transaction.
//
// 2. the function passed to Batch may be called multiple times,
// regardless of whether it returns error or not.
//
// This means that Batch function side effects must be idempotent and
// take permanent effect only after a successful return is seen in
// caller.
//
// If the combined transaction fails, every queued function is re-run
// in a transaction of its own, so one failing caller never fails the
// others.
//
// The maximum batch size and delay can be adjusted with
// Options.MaxBatchSize and Options.MaxBatchDelay.
//
// Batch is only useful when there are multiple goroutines calling it.
func (db *DB) Batch(fn func(*Tx) error) error {
	errCh := make(chan error, 1)

	db.batchMu.Lock()
	if db.batch == nil || len(db.batch.calls) >= db.opts.MaxBatchSize {
		// There is no existing batch, or the existing batch is full; start a new one.
		db.batch = &batch{db: db}
		db.batch.timer = time.AfterFunc(db.opts.MaxBatchDelay, db.batch.trigger)
	}
	db.batch.calls = append(db.batch.calls, call{fn: fn, err: errCh})
	if len(db.batch.calls) >= db.opts.MaxBatchSize {
		// Wake up batch, it's ready to run.
		go db.batch.trigger()
	}
	db.batchMu.Unlock()

	err := <-errCh
	if err == errTrySolo {
		err = db.Update(func(tx *Tx) error {
			return safelyCall(fn, tx)
		})
	}
	return err
}

type call struct {
	fn  func(*Tx) error
	err chan<- error
}

type batch struct {
	db    *DB
	timer *time.Timer
	start sync.Once
	calls []call
}

// trigger runs the batch if it hasn't already been run.
func (b *batch) trigger() {
	b.start.Do(b.run)
}

// run performs the transactions in the batch and communicates results
// back to DB.Batch.
func (b *batch) run() {
	b.db.batchMu.Lock()
	b.timer.Stop()
	// Make sure no new work is added to this batch, but don't break
	// other batches.
	if b.db.batch == b {
		b.db.batch = nil
	}
	b.db.batchMu.Unlock()

	err := b.db.Update(func(tx *Tx) error {
		for _, c := range b.calls {
			if err := safelyCall(c.fn, tx); err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		b.db.logger.Debug("batch failed, retrying calls alone",
			zap.Int("calls", len(b.calls)), zap.Error(err))
		for _, c := range b.calls {
			c.err <- errTrySolo
		}
		return
	}
	for _, c := range b.calls {
		c.err <- nil
	}
}

// errTrySolo is a special sentinel error value used for signaling that a
// transaction function should be re-run. It should never be seen by
// callers.
var errTrySolo = errors.New("batch function returned an error and should be re-run solo")

// safelyCall turns a panic in fn into an ErrPanic error.
func safelyCall(fn func(*Tx) error, tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			perr, ok := p.(error)
			if !ok {
				perr = fmt.Errorf("%v", p)
			}
			err = WrapError(ErrPanic, perr)
		}
	}()
	return fn(tx)
}
