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

package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/algorand/go-deadlock"

	"github.com/hoyack/archon72-sub009/crypto"
	"github.com/hoyack/archon72-sub009/logging"
	"github.com/hoyack/archon72-sub009/protocol"
	"github.com/hoyack/archon72-sub009/util/db"
)

// Store is the durable, physically append-only record table. Updates and
// deletes are rejected by the storage layer itself (sqlite triggers), not
// merely by application discipline.
type Store struct {
	dbs db.Accessor
	log logging.Logger

	mu      deadlock.Mutex
	lastSeq uint64
	waiters map[uint64][]chan struct{}
}

var storeInit = []string{
	`CREATE TABLE IF NOT EXISTS records (
		seq INTEGER PRIMARY KEY,
		rectype TEXT NOT NULL,
		schemaver INTEGER NOT NULL,
		payload BLOB,
		priorhash BLOB NOT NULL,
		hashver INTEGER NOT NULL,
		contenthash BLOB NOT NULL,
		writerid TEXT NOT NULL,
		writersig BLOB NOT NULL,
		witnessid TEXT NOT NULL,
		witnesssig BLOB NOT NULL,
		localtime INTEGER NOT NULL,
		authtimes BLOB
	)`,
	`CREATE INDEX IF NOT EXISTS records_priorhash ON records (priorhash)`,
	`CREATE INDEX IF NOT EXISTS records_localtime ON records (localtime)`,
	`CREATE TRIGGER IF NOT EXISTS records_no_update BEFORE UPDATE ON records
		BEGIN SELECT RAISE(ABORT, 'records table is append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS records_no_delete BEFORE DELETE ON records
		BEGIN SELECT RAISE(ABORT, 'records table is append-only'); END`,
}

// MakeStore opens the record store over the given accessor, creating the
// table, indexes and append-only triggers if absent.
func MakeStore(dbs db.Accessor, log logging.Logger) (*Store, error) {
	s := &Store{
		dbs:     dbs,
		log:     log,
		waiters: make(map[uint64][]chan struct{}),
	}

	err := dbs.Atomic("storeInit", func(tx *sql.Tx) error {
		for _, stmt := range storeInit {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return headTx(tx, &s.lastSeq, nil)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// headTx reads the current chain head within a transaction. An empty chain
// reports sequence 0 and the genesis prior hash.
func headTx(tx *sql.Tx, seq *uint64, hash *crypto.Digest) error {
	row := tx.QueryRow(`SELECT seq, contenthash FROM records ORDER BY seq DESC LIMIT 1`)
	var s uint64
	var h []byte
	err := row.Scan(&s, &h)
	if err == sql.ErrNoRows {
		if seq != nil {
			*seq = 0
		}
		if hash != nil {
			*hash = GenesisPriorHash
		}
		return nil
	}
	if err != nil {
		return err
	}
	if seq != nil {
		*seq = s
	}
	if hash != nil {
		copy(hash[:], h)
	}
	return nil
}

// Head returns the last committed sequence and its content hash. Reads of
// the head may be briefly stale relative to an in-flight commit; the
// compare-and-append in AtomicAppend is what is authoritative.
func (s *Store) Head(ctx context.Context) (seq uint64, hash crypto.Digest, err error) {
	err = s.dbs.AtomicContext(ctx, "head", func(tx *sql.Tx) error {
		return headTx(tx, &seq, &hash)
	})
	return
}

// AtomicAppend is the single compare-and-append primitive: within one
// serializable transaction it re-checks the chain head against the
// record's prior hash, runs preCommit (the durable halt gate), assigns the
// next sequence number and inserts the record together with its witness
// attestation. Two concurrent appends referencing the same prior hash
// cannot both succeed; the loser gets ErrChainContinuity and nothing of it
// is persisted.
func (s *Store) AtomicAppend(ctx context.Context, rec Record, preCommit func(tx *sql.Tx) error) (Record, error) {
	err := s.dbs.AtomicContext(ctx, "atomicAppend", func(tx *sql.Tx) error {
		var headSeq uint64
		var headHash crypto.Digest
		if err := headTx(tx, &headSeq, &headHash); err != nil {
			return err
		}
		if rec.PriorHash != headHash {
			return ErrChainContinuity
		}
		if preCommit != nil {
			if err := preCommit(tx); err != nil {
				return err
			}
		}
		rec.Sequence = headSeq + 1
		return insertTx(tx, rec)
	})
	if err != nil {
		return Record{}, err
	}

	s.notifyCommit(rec.Sequence)
	return rec, nil
}

func insertTx(tx *sql.Tx, rec Record) error {
	var authtimes []byte
	if len(rec.AuthorityTimes) > 0 {
		authtimes = protocol.Encode(rec.AuthorityTimes)
	}
	_, err := tx.Exec(
		`INSERT INTO records (seq, rectype, schemaver, payload, priorhash, hashver, contenthash,
			writerid, writersig, witnessid, witnesssig, localtime, authtimes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Sequence, string(rec.Type), rec.SchemaVersion, rec.Payload,
		rec.PriorHash[:], uint16(rec.HashVersion), rec.ContentHash[:],
		rec.WriterID, rec.WriterSig[:], rec.WitnessID, rec.WitnessSig[:],
		rec.LocalTime.UnixNano(), authtimes)
	return err
}

const recordCols = `seq, rectype, schemaver, payload, priorhash, hashver, contenthash,
	writerid, writersig, witnessid, witnesssig, localtime, authtimes`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var rectype string
	var hashver uint16
	var priorhash, contenthash, writersig, witnesssig, authtimes []byte
	var localtime int64

	err := row.Scan(&rec.Sequence, &rectype, &rec.SchemaVersion, &rec.Payload,
		&priorhash, &hashver, &contenthash,
		&rec.WriterID, &writersig, &rec.WitnessID, &witnesssig,
		&localtime, &authtimes)
	if err != nil {
		return Record{}, err
	}

	rec.Type = protocol.RecordType(rectype)
	rec.HashVersion = protocol.HashVersion(hashver)
	copy(rec.PriorHash[:], priorhash)
	copy(rec.ContentHash[:], contenthash)
	copy(rec.WriterSig[:], writersig)
	copy(rec.WitnessSig[:], witnesssig)
	rec.LocalTime = time.Unix(0, localtime)
	if len(authtimes) > 0 {
		if err := protocol.Decode(authtimes, &rec.AuthorityTimes); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

// Get returns the record at the given sequence number.
func (s *Store) Get(ctx context.Context, seq uint64) (rec Record, err error) {
	err = s.dbs.AtomicContext(ctx, "get", func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+recordCols+` FROM records WHERE seq = ?`, seq)
		var serr error
		rec, serr = scanRecord(row)
		if serr == sql.ErrNoRows {
			return ErrNoRecord
		}
		return serr
	})
	return
}

// RangeBySequence returns up to limit records with sequence > afterSeq and
// sequence <= toSeq (toSeq of 0 means unbounded), in ascending order.
// Continuation is keyset-style: pass the last sequence seen as afterSeq.
func (s *Store) RangeBySequence(ctx context.Context, afterSeq uint64, toSeq uint64, limit uint64) (recs []Record, err error) {
	err = s.dbs.AtomicContext(ctx, "rangeBySequence", func(tx *sql.Tx) error {
		bound := toSeq
		if bound == 0 {
			bound = ^uint64(0) >> 1
		}
		rows, err := tx.Query(
			`SELECT `+recordCols+` FROM records WHERE seq > ? AND seq <= ? ORDER BY seq ASC LIMIT ?`,
			afterSeq, bound, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		recs, err = collectRecords(rows)
		return err
	})
	return
}

// RangeByTime returns up to limit records whose local time falls in
// [from, to), keyed after afterSeq for continuation, in sequence order.
func (s *Store) RangeByTime(ctx context.Context, from time.Time, to time.Time, afterSeq uint64, limit uint64) (recs []Record, err error) {
	err = s.dbs.AtomicContext(ctx, "rangeByTime", func(tx *sql.Tx) error {
		rows, err := tx.Query(
			`SELECT `+recordCols+` FROM records
			WHERE localtime >= ? AND localtime < ? AND seq > ?
			ORDER BY seq ASC LIMIT ?`,
			from.UnixNano(), to.UnixNano(), afterSeq, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		recs, err = collectRecords(rows)
		return err
	})
	return
}

// ByPriorHash returns every persisted record extending the given prior
// hash. More than one result is a fork.
func (s *Store) ByPriorHash(ctx context.Context, prior crypto.Digest) (recs []Record, err error) {
	err = s.dbs.AtomicContext(ctx, "byPriorHash", func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT `+recordCols+` FROM records WHERE priorhash = ? ORDER BY seq ASC`, prior[:])
		if err != nil {
			return err
		}
		defer rows.Close()
		recs, err = collectRecords(rows)
		return err
	})
	return
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ScanIntegrity performs the monitor's two independent checks in one
// transaction: gap detection and fork detection. A broken adjacent link
// (a record whose prior hash does not match its predecessor's content
// hash) is reported as a fork of the predecessor's prior state.
func (s *Store) ScanIntegrity(ctx context.Context) (gap *GapError, fork *ForkError, err error) {
	err = s.dbs.AtomicContext(ctx, "scanIntegrity", func(tx *sql.Tx) error {
		var last uint64
		if err := headTx(tx, &last, nil); err != nil {
			return err
		}
		if last == 0 {
			return nil
		}

		// Gap: the chain must be exactly 1..last.
		row := tx.QueryRow(
			`SELECT r1.seq + 1 FROM records r1
			LEFT JOIN records r2 ON r2.seq = r1.seq + 1
			WHERE r2.seq IS NULL AND r1.seq < ? ORDER BY r1.seq ASC LIMIT 1`, last)
		var missing uint64
		serr := row.Scan(&missing)
		if serr == nil {
			gap = &GapError{MissingSequence: missing, LastSequence: last}
		} else if serr != sql.ErrNoRows {
			return serr
		}
		if gap == nil {
			row := tx.QueryRow(`SELECT MIN(seq) FROM records`)
			var first uint64
			if err := row.Scan(&first); err != nil {
				return err
			}
			if first != 1 {
				gap = &GapError{MissingSequence: 1, LastSequence: last}
			}
		}

		// Fork, form one: two persisted records share a prior hash but
		// differ in content hash.
		rows, err := tx.Query(
			`SELECT priorhash FROM records
			GROUP BY priorhash HAVING COUNT(DISTINCT contenthash) > 1 LIMIT 1`)
		if err != nil {
			return err
		}
		defer rows.Close()
		if rows.Next() {
			var prior []byte
			if err := rows.Scan(&prior); err != nil {
				return err
			}
			var d crypto.Digest
			copy(d[:], prior)
			fork = &ForkError{PriorHash: d}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		if fork != nil {
			seqRows, err := tx.Query(`SELECT seq FROM records WHERE priorhash = ? ORDER BY seq ASC`, fork.PriorHash[:])
			if err != nil {
				return err
			}
			defer seqRows.Close()
			for seqRows.Next() {
				var seq uint64
				if err := seqRows.Scan(&seq); err != nil {
					return err
				}
				fork.Sequences = append(fork.Sequences, seq)
			}
			if err := seqRows.Err(); err != nil {
				return err
			}
			return nil
		}

		// Fork, form two: an adjacent link whose prior hash does not match
		// the predecessor's content hash.
		linkRow := tx.QueryRow(
			`SELECT r1.seq, r1.priorhash FROM records r1
			JOIN records r2 ON r2.seq = r1.seq - 1
			WHERE r1.priorhash != r2.contenthash ORDER BY r1.seq ASC LIMIT 1`)
		var badSeq uint64
		var badPrior []byte
		serr = linkRow.Scan(&badSeq, &badPrior)
		if serr == sql.ErrNoRows {
			return nil
		}
		if serr != nil {
			return serr
		}
		var d crypto.Digest
		copy(d[:], badPrior)
		fork = &ForkError{PriorHash: d, Sequences: []uint64{badSeq}}
		return nil
	})
	return
}

// LastSequence returns the last committed sequence seen by this store.
func (s *Store) LastSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Wait returns a channel that closes once the record at seq is durably
// committed. Readers never observe a record before its content hash and
// witness signature are committed.
func (s *Store) Wait(seq uint64) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{})
	if s.lastSeq >= seq {
		close(ch)
		return ch
	}
	s.waiters[seq] = append(s.waiters[seq], ch)
	return ch
}

func (s *Store) notifyCommit(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq > s.lastSeq {
		s.lastSeq = seq
	}
	for waitSeq, chans := range s.waiters {
		if waitSeq <= s.lastSeq {
			for _, ch := range chans {
				close(ch)
			}
			delete(s.waiters, waitSeq)
		}
	}
}
