// Copyright (C) 2026 Hoyack Labs
// This file is part of welcore
//
// welcore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// welcore is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with welcore.  If not, see <https://www.gnu.org/licenses/>.

// Package db defines database utility functions.
//
// These functions currently work on a sqlite database.
// Other databases may not work with functions in this package.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/hoyack/archon72-sub009/logging"
)

// busy is the time to wait for a sqlite lock from another process, in ms.
// This causes sqlite to wait before returning SQLITE_BUSY.
const busy = 1000

const warnTxRetries = 1

// An Accessor manages a sqlite database handle and any outstanding batching operations.
type Accessor struct {
	Handle   *sql.DB
	readOnly bool
	log      logging.Logger
}

// MakeAccessor creates a new Accessor.
func MakeAccessor(dbfilename string, readOnly bool, inMemory bool) (Accessor, error) {
	var db Accessor
	db.readOnly = readOnly
	db.log = logging.Base()

	var err error
	db.Handle, err = sql.Open("sqlite3", URI(dbfilename, readOnly, inMemory)+"&_journal_mode=wal")
	return db, err
}

// SetLogger sets the Logger, mainly for unit test quietness.
func (db *Accessor) SetLogger(log logging.Logger) {
	db.log = log
}

func (db Accessor) logger() logging.Logger {
	if db.log != nil {
		return db.log
	}
	return logging.Base()
}

// Close closes the connection.
func (db *Accessor) Close() {
	db.Handle.Close()
	db.Handle = nil
}

// IsReadOnly returns whether the accessor was opened read-only.
func (db Accessor) IsReadOnly() bool {
	return db.readOnly
}

type idemFn func(tx *sql.Tx) error

// Atomic executes a piece of code with respect to the database atomically.
// The fnName is used for contention logging.
func (db Accessor) Atomic(fnName string, fn idemFn) (err error) {
	return db.AtomicContext(context.Background(), fnName, fn)
}

// AtomicContext is like Atomic but terminates early if the context is
// cancelled before the transaction begins.
func (db Accessor) AtomicContext(ctx context.Context, fnName string, fn idemFn) (err error) {
	descr := "w"
	if db.readOnly {
		descr = "r"
	}

	start := time.Now()
	defer func() {
		delta := time.Since(start)
		if delta > time.Second {
			db.logger().With("description", fnName).Warnf("dbatomic(%v): tx took %v", descr, delta)
		}
	}()

	// note that the sql library will drop panics inside an active transaction
	guardedFn := func(tx *sql.Tx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				var ok bool
				err, ok = r.(error)
				if !ok {
					err = fmt.Errorf("%v", r)
				}
			}
		}()

		err = fn(tx)
		return
	}

	var conn *sql.Conn
	conn, err = db.Handle.Conn(ctx)
	if err != nil {
		return
	}
	defer conn.Close()

	var tx *sql.Tx
	for i := 0; ; i++ {
		if i > 0 && i%warnTxRetries == 0 {
			if i >= 1000 {
				db.logger().With("description", fnName).Errorf("dbatomic(%v): %d retries (last err: %v)", descr, i, err)
				return
			}
			db.logger().With("description", fnName).Warnf("dbatomic(%v): %d retries (last err: %v)", descr, i, err)
		}

		if err = ctx.Err(); err != nil {
			return
		}

		tx, err = conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable, ReadOnly: db.readOnly})
		if dbretry(err) {
			continue
		} else if err != nil {
			return
		}

		err = guardedFn(tx)
		if err != nil {
			tx.Rollback()
			if dbretry(err) {
				continue
			}
			return
		}

		err = tx.Commit()
		if err == nil || !dbretry(err) {
			return
		}
	}
}

// Retry executes a function repeatedly as long as it returns an error
// that indicates database contention that warrants a retry.
func Retry(fn func() error) (err error) {
	for i := 0; ; i++ {
		if i > 0 && i%warnTxRetries == 0 {
			if i >= 1000 {
				logging.Base().Errorf("db.Retry: %d retries (last err: %v)", i, err)
				return
			}
			logging.Base().Warnf("db.Retry: %d retries (last err: %v)", i, err)
		}

		err = fn()
		if dbretry(err) {
			continue
		}
		return
	}
}

// URI returns the sqlite URI given a db filename as an input.
func URI(filename string, readOnly bool, memory bool) string {
	uri := fmt.Sprintf("file:%s?_busy_timeout=%d&_synchronous=full", filename, busy)
	if !readOnly {
		uri += "&_txlock=immediate"
	}
	if memory {
		uri += "&mode=memory"
		uri += "&cache=shared"
	}
	return uri
}

// dbretry returns true if the error might be temporary
func dbretry(obj error) bool {
	err, ok := obj.(sqlite3.Error)
	return ok && (err.Code == sqlite3.ErrLocked || err.Code == sqlite3.ErrBusy)
}
