// Package sqlite persists the oplog primary tier, the durable host-state
// containers, the promise registry and the executor's local worker index in
// a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	golem "github.com/golemcloud/golem-core"
	"github.com/golemcloud/golem-core/oplog"
)

// Store is the sqlite-backed store bundle. It implements oplog.Primary,
// golem.KeyValueStore and golem.BlobStore directly; Promises and Workers
// return views for the interfaces whose method names would otherwise
// collide.
type Store struct {
	db *sql.DB
}

// Open opens (and initializes) the database at dsn.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// The engine serializes per-worker writes itself; a single connection
	// keeps sqlite's locking out of the way.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}

func (s *Store) init() error {
	ddl := `
	CREATE TABLE IF NOT EXISTS oplog (
		worker TEXT NOT NULL,
		idx INTEGER NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (worker, idx)
	);
	CREATE TABLE IF NOT EXISTS manifests (
		worker TEXT PRIMARY KEY,
		first_live_chunk INTEGER NOT NULL,
		last_index INTEGER NOT NULL,
		status_hint TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS kv (
		worker TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB,
		PRIMARY KEY (worker, key)
	);
	CREATE TABLE IF NOT EXISTS blobs (
		worker TEXT NOT NULL,
		name TEXT NOT NULL,
		data BLOB,
		PRIMARY KEY (worker, name)
	);
	CREATE TABLE IF NOT EXISTS promises (
		id TEXT PRIMARY KEY,
		worker TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		data BLOB
	);
	CREATE TABLE IF NOT EXISTS shard_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		state BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS workers (
		worker TEXT PRIMARY KEY,
		component_version INTEGER NOT NULL,
		account TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		parent TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		last_oplog_index INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(ddl)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// --- oplog.Primary -------------------------------------------------------

func (s *Store) Append(ctx context.Context, worker string, entries []oplog.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, e := range entries {
		data, err := oplog.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO oplog (worker, idx, data) VALUES (?, ?, ?)",
			worker, uint64(e.Index), data,
		); err != nil {
			return fmt.Errorf("failed to append entry %d: %w", e.Index, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Read(ctx context.Context, worker string, from, to oplog.Index) ([]oplog.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM oplog WHERE worker = ? AND idx >= ? AND idx <= ? ORDER BY idx ASC",
		worker, uint64(from), uint64(to),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query oplog: %w", err)
	}
	defer rows.Close()

	var entries []oplog.Entry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		e, err := oplog.Unmarshal(data)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) FirstIndex(ctx context.Context, worker string) (oplog.Index, bool, error) {
	return s.boundIndex(ctx, worker, "MIN")
}

func (s *Store) LastIndex(ctx context.Context, worker string) (oplog.Index, bool, error) {
	return s.boundIndex(ctx, worker, "MAX")
}

func (s *Store) boundIndex(ctx context.Context, worker, agg string) (oplog.Index, bool, error) {
	var idx sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s(idx) FROM oplog WHERE worker = ?", agg), worker,
	).Scan(&idx)
	if err != nil {
		return 0, false, err
	}
	if !idx.Valid {
		return 0, false, nil
	}
	return oplog.Index(idx.Int64), true, nil
}

func (s *Store) TruncateAfter(ctx context.Context, worker string, index oplog.Index) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM oplog WHERE worker = ? AND idx > ?", worker, uint64(index))
	return err
}

func (s *Store) DeleteRange(ctx context.Context, worker string, from, to oplog.Index) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM oplog WHERE worker = ? AND idx >= ? AND idx <= ?",
		worker, uint64(from), uint64(to))
	return err
}

func (s *Store) LoadManifest(ctx context.Context, worker string) (oplog.Manifest, bool, error) {
	var m oplog.Manifest
	var firstLive, lastIndex uint64
	err := s.db.QueryRowContext(ctx,
		"SELECT first_live_chunk, last_index, status_hint FROM manifests WHERE worker = ?", worker,
	).Scan(&firstLive, &lastIndex, &m.StatusHint)
	if err == sql.ErrNoRows {
		return oplog.Manifest{}, false, nil
	}
	if err != nil {
		return oplog.Manifest{}, false, err
	}
	m.FirstLiveChunk = firstLive
	m.LastIndex = oplog.Index(lastIndex)
	return m, true, nil
}

func (s *Store) SaveManifest(ctx context.Context, worker string, m oplog.Manifest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO manifests (worker, first_live_chunk, last_index, status_hint)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(worker) DO UPDATE SET
			first_live_chunk = excluded.first_live_chunk,
			last_index = excluded.last_index,
			status_hint = excluded.status_hint`,
		worker, m.FirstLiveChunk, uint64(m.LastIndex), m.StatusHint)
	return err
}

func (s *Store) ListWorkers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT worker FROM manifests ORDER BY worker")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) DeleteWorker(ctx context.Context, worker string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		"DELETE FROM oplog WHERE worker = ?",
		"DELETE FROM manifests WHERE worker = ?",
		"DELETE FROM kv WHERE worker = ?",
		"DELETE FROM blobs WHERE worker = ?",
		"DELETE FROM promises WHERE worker = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, worker); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- golem.KeyValueStore -------------------------------------------------

func (s *Store) Get(ctx context.Context, worker, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM kv WHERE worker = ? AND key = ?", worker, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, worker, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (worker, key, value) VALUES (?, ?, ?)
		ON CONFLICT(worker, key) DO UPDATE SET value = excluded.value`,
		worker, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, worker, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM kv WHERE worker = ? AND key = ?", worker, key)
	return err
}

func (s *Store) Keys(ctx context.Context, worker, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM kv WHERE worker = ? AND substr(key, 1, length(?)) = ? ORDER BY key",
		worker, prefix, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// --- golem.BlobStore -----------------------------------------------------

func (s *Store) ReadBlob(ctx context.Context, worker, name string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM blobs WHERE worker = ? AND name = ?", worker, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *Store) WriteBlob(ctx context.Context, worker, name string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (worker, name, data) VALUES (?, ?, ?)
		ON CONFLICT(worker, name) DO UPDATE SET data = excluded.data`,
		worker, name, data)
	return err
}

func (s *Store) DeleteBlob(ctx context.Context, worker, name string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM blobs WHERE worker = ? AND name = ?", worker, name)
	return err
}

// --- shard-manager persistence -------------------------------------------

// SaveShardState stores the shard manager's durable state blob.
func (s *Store) SaveShardState(ctx context.Context, state []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shard_state (id, state) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state`, state)
	return err
}

// LoadShardState returns the stored state blob, if any.
func (s *Store) LoadShardState(ctx context.Context) ([]byte, bool, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, "SELECT state FROM shard_state WHERE id = 1").Scan(&state)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return state, true, nil
}

// --- promise registry view -----------------------------------------------

// Promises returns the golem.PromiseStore view.
func (s *Store) Promises() *PromiseStore { return &PromiseStore{db: s.db} }

type PromiseStore struct {
	db *sql.DB
}

func (p *PromiseStore) Put(ctx context.Context, rec golem.PromiseRecord) error {
	completed := 0
	if rec.Completed {
		completed = 1
	}
	// Create-if-absent: replayed creations must not clobber completions.
	_, err := p.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO promises (id, worker, completed, data) VALUES (?, ?, ?, ?)",
		rec.ID, rec.Worker, completed, rec.Data)
	return err
}

func (p *PromiseStore) Get(ctx context.Context, id string) (golem.PromiseRecord, bool, error) {
	var rec golem.PromiseRecord
	var completed int
	err := p.db.QueryRowContext(ctx,
		"SELECT id, worker, completed, data FROM promises WHERE id = ?", id,
	).Scan(&rec.ID, &rec.Worker, &completed, &rec.Data)
	if err == sql.ErrNoRows {
		return golem.PromiseRecord{}, false, nil
	}
	if err != nil {
		return golem.PromiseRecord{}, false, err
	}
	rec.Completed = completed != 0
	return rec, true, nil
}

func (p *PromiseStore) Complete(ctx context.Context, id string, data []byte) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		"UPDATE promises SET completed = 1, data = ? WHERE id = ? AND completed = 0",
		data, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	// Distinguish "already completed" from "unknown promise".
	var exists int
	if err := p.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM promises WHERE id = ?", id).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, fmt.Errorf("promise %s not found", id)
	}
	return false, nil
}

func (p *PromiseStore) DeleteWorker(ctx context.Context, worker string) error {
	_, err := p.db.ExecContext(ctx, "DELETE FROM promises WHERE worker = ?", worker)
	return err
}

// --- worker index view ---------------------------------------------------

// Workers returns the golem.WorkerIndex view.
func (s *Store) Workers() *WorkerIndex { return &WorkerIndex{db: s.db} }

type WorkerIndex struct {
	db *sql.DB
}

func (w *WorkerIndex) Upsert(ctx context.Context, rec golem.WorkerRecord) error {
	deleted := 0
	if rec.Deleted {
		deleted = 1
	}
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO workers (worker, component_version, account, created_at, parent, status, last_oplog_index, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker) DO UPDATE SET
			component_version = excluded.component_version,
			status = excluded.status,
			last_oplog_index = excluded.last_oplog_index,
			deleted = MAX(workers.deleted, excluded.deleted)`,
		rec.WorkerID, rec.ComponentVersion, string(rec.AccountID), rec.CreatedAt,
		rec.Parent, string(rec.Status), uint64(rec.LastOplogIndex), deleted)
	return err
}

func (w *WorkerIndex) Get(ctx context.Context, worker string) (golem.WorkerRecord, bool, error) {
	rec, err := w.scanOne(w.db.QueryRowContext(ctx,
		"SELECT worker, component_version, account, created_at, parent, status, last_oplog_index, deleted FROM workers WHERE worker = ?",
		worker))
	if err == sql.ErrNoRows {
		return golem.WorkerRecord{}, false, nil
	}
	if err != nil {
		return golem.WorkerRecord{}, false, err
	}
	return rec, true, nil
}

func (w *WorkerIndex) List(ctx context.Context) ([]golem.WorkerRecord, error) {
	rows, err := w.db.QueryContext(ctx,
		"SELECT worker, component_version, account, created_at, parent, status, last_oplog_index, deleted FROM workers ORDER BY worker")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []golem.WorkerRecord
	for rows.Next() {
		rec, err := w.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (w *WorkerIndex) Tombstone(ctx context.Context, worker string) error {
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO workers (worker, component_version, account, created_at, status, deleted)
		VALUES (?, 0, '', ?, ?, 1)
		ON CONFLICT(worker) DO UPDATE SET deleted = 1, status = ?`,
		worker, time.Now().UTC(), string(golem.StatusDeleted), string(golem.StatusDeleted))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (w *WorkerIndex) scanOne(row rowScanner) (golem.WorkerRecord, error) {
	var rec golem.WorkerRecord
	var account, status string
	var lastIdx uint64
	var deleted int
	if err := row.Scan(&rec.WorkerID, &rec.ComponentVersion, &account, &rec.CreatedAt,
		&rec.Parent, &status, &lastIdx, &deleted); err != nil {
		return golem.WorkerRecord{}, err
	}
	rec.AccountID = golem.AccountID(account)
	rec.Status = golem.Status(status)
	rec.LastOplogIndex = oplog.Index(lastIdx)
	rec.Deleted = deleted != 0
	return rec, nil
}
