package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Collection names a logical record collection inside the store.
type Collection string

const (
	// CollectionJobQueue holds outbox records keyed by local_id.
	CollectionJobQueue Collection = "job_queue"
	// CollectionAHUCache holds cached units keyed by ahu_id.
	CollectionAHUCache Collection = "ahu_cache"
	// CollectionOfflineHospitals holds hospital download metadata keyed by hospital_id.
	CollectionOfflineHospitals Collection = "offline_hospitals"
	// CollectionHospitalIndex maps hospital_id to the ahu_ids of its bundle.
	CollectionHospitalIndex Collection = "hospital_ahu_index"
)

// Record is a raw stored value.
type Record struct {
	Key   string
	Value []byte
}

// Accessor is the per-collection key-value surface shared by Store (one
// implicit transaction per call) and Tx (explicit multi-record transaction).
type Accessor interface {
	Get(ctx context.Context, coll Collection, key string) ([]byte, bool, error)
	Put(ctx context.Context, coll Collection, key string, value []byte) error
	Delete(ctx context.Context, coll Collection, key string) error
	Scan(ctx context.Context, coll Collection) ([]Record, error)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	getQuery = `SELECT value FROM kv WHERE collection = ? AND key = ?`

	// Upsert keeps seq, so a rewritten record keeps its insertion position.
	putQuery = `
	INSERT INTO kv (collection, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (collection, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`

	deleteQuery = `DELETE FROM kv WHERE collection = ? AND key = ?`
	scanQuery   = `SELECT key, value FROM kv WHERE collection = ? ORDER BY seq`
	countQuery  = `SELECT COUNT(*) FROM kv WHERE collection = ?`
)

// Store is the local durable store. It is safe for concurrent use; SQLite
// serializes writers.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over an opened, migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns the value stored under key, or ok=false if absent.
func (s *Store) Get(ctx context.Context, coll Collection, key string) ([]byte, bool, error) {
	return get(ctx, s.db, coll, key)
}

// Put writes value under key, replacing any previous value.
func (s *Store) Put(ctx context.Context, coll Collection, key string, value []byte) error {
	return put(ctx, s.db, coll, key, value)
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, coll Collection, key string) error {
	return del(ctx, s.db, coll, key)
}

// Scan returns every record of coll in insertion order.
func (s *Store) Scan(ctx context.Context, coll Collection) ([]Record, error) {
	return scan(ctx, s.db, coll)
}

// Count returns the number of records in coll.
func (s *Store) Count(ctx context.Context, coll Collection) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, countQuery, string(coll)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", coll, err)
	}
	return n, nil
}

// Update runs fn inside one transaction spanning any collections. The
// transaction commits only if fn returns nil.
//
// fn must use tx exclusively; calling Store methods from inside fn blocks on
// the single connection.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Tx is a multi-collection transaction handed to Store.Update.
type Tx struct {
	tx *sql.Tx
}

// Get returns the value stored under key, or ok=false if absent.
func (t *Tx) Get(ctx context.Context, coll Collection, key string) ([]byte, bool, error) {
	return get(ctx, t.tx, coll, key)
}

// Put writes value under key, replacing any previous value.
func (t *Tx) Put(ctx context.Context, coll Collection, key string, value []byte) error {
	return put(ctx, t.tx, coll, key, value)
}

// Delete removes key. Deleting a missing key is not an error.
func (t *Tx) Delete(ctx context.Context, coll Collection, key string) error {
	return del(ctx, t.tx, coll, key)
}

// Scan returns every record of coll in insertion order.
func (t *Tx) Scan(ctx context.Context, coll Collection) ([]Record, error) {
	return scan(ctx, t.tx, coll)
}

func get(ctx context.Context, q querier, coll Collection, key string) ([]byte, bool, error) {
	var value []byte
	err := q.QueryRowContext(ctx, getQuery, string(coll), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", coll, key, err)
	}
	return value, true, nil
}

func put(ctx context.Context, q querier, coll Collection, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("put %s: empty key", coll)
	}
	if _, err := q.ExecContext(ctx, putQuery, string(coll), key, value, time.Now().Unix()); err != nil {
		return fmt.Errorf("put %s/%s: %w", coll, key, err)
	}
	return nil
}

func del(ctx context.Context, q querier, coll Collection, key string) error {
	if _, err := q.ExecContext(ctx, deleteQuery, string(coll), key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", coll, key, err)
	}
	return nil
}

func scan(ctx context.Context, q querier, coll Collection) ([]Record, error) {
	rows, err := q.QueryContext(ctx, scanQuery, string(coll))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", coll, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Key, &r.Value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", coll, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", coll, err)
	}
	return records, nil
}

// GetJSON decodes the value under key into v. It returns false when the key
// is absent.
func GetJSON(ctx context.Context, a Accessor, coll Collection, key string, v any) (bool, error) {
	raw, ok, err := a.Get(ctx, coll, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", coll, key, err)
	}
	return true, nil
}

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, a Accessor, coll Collection, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", coll, key, err)
	}
	return a.Put(ctx, coll, key, raw)
}
