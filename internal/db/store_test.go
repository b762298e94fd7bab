package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =====================================================
// Test Helpers
// =====================================================

func openTestStore(t *testing.T, dir string) (*Store, *DB) {
	t.Helper()

	database, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, Migrate(database.DB))
	t.Cleanup(func() { database.Close() })

	return NewStore(database.DB), database
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	return NewStore(mockDB), mock
}

// =====================================================
// Basic Operations
// =====================================================

func TestStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t, t.TempDir())

	_, ok, err := s.Get(ctx, CollectionJobQueue, "missing")
	require.NoError(t, err)
	assert.False(t, ok, "missing key should report ok=false")

	require.NoError(t, s.Put(ctx, CollectionJobQueue, "a", []byte(`{"n":1}`)))

	got, ok, err := s.Get(ctx, CollectionJobQueue, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"n":1}`, string(got))

	// Same key in another collection is independent.
	_, ok, err = s.Get(ctx, CollectionAHUCache, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Delete(ctx, CollectionJobQueue, "a"))
	require.NoError(t, s.Delete(ctx, CollectionJobQueue, "a"), "deleting twice is not an error")

	_, ok, err = s.Get(ctx, CollectionJobQueue, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_PutRejectsEmptyKey(t *testing.T) {
	s, _ := openTestStore(t, t.TempDir())

	err := s.Put(context.Background(), CollectionAHUCache, "", []byte(`{}`))
	assert.Error(t, err)
}

func TestStore_ScanKeepsInsertionOrderAcrossUpserts(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t, t.TempDir())

	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, s.Put(ctx, CollectionJobQueue, k, []byte(`{}`)))
	}
	// Rewriting "c" must not move it to the end.
	require.NoError(t, s.Put(ctx, CollectionJobQueue, "c", []byte(`{"v":2}`)))

	records, err := s.Scan(ctx, CollectionJobQueue)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{records[0].Key, records[1].Key, records[2].Key})
	assert.JSONEq(t, `{"v":2}`, string(records[0].Value))

	n, err := s.Count(ctx, CollectionJobQueue)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

// =====================================================
// Transactions
// =====================================================

func TestStore_UpdateCommitsAcrossCollections(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t, t.TempDir())

	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.Put(ctx, CollectionAHUCache, "u1", []byte(`{}`)); err != nil {
			return err
		}
		return tx.Put(ctx, CollectionHospitalIndex, "h1", []byte(`["u1"]`))
	})
	require.NoError(t, err)

	_, ok, _ := s.Get(ctx, CollectionAHUCache, "u1")
	assert.True(t, ok)
	_, ok, _ = s.Get(ctx, CollectionHospitalIndex, "h1")
	assert.True(t, ok)
}

func TestStore_UpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t, t.TempDir())
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.Put(ctx, CollectionAHUCache, "u1", []byte(`{}`)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, ok, err := s.Get(ctx, CollectionAHUCache, "u1")
	require.NoError(t, err)
	assert.False(t, ok, "write inside failed transaction must not be visible")
}

func TestStore_UpdateRollsBackOnPanic(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t, t.TempDir())

	assert.Panics(t, func() {
		_ = s.Update(ctx, func(tx *Tx) error {
			_ = tx.Put(ctx, CollectionAHUCache, "u1", []byte(`{}`))
			panic("boom")
		})
	})

	_, ok, err := s.Get(ctx, CollectionAHUCache, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// =====================================================
// Durability
// =====================================================

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, database := openTestStore(t, dir)
	require.NoError(t, s.Put(ctx, CollectionJobQueue, "k", []byte(`{"x":"y"}`)))
	require.NoError(t, database.Close())

	reopened, _ := openTestStore(t, dir)
	got, ok, err := reopened.Get(ctx, CollectionJobQueue, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"x":"y"}`, string(got))
}

// =====================================================
// JSON helpers
// =====================================================

func TestGetPutJSON(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t, t.TempDir())

	type doc struct {
		Name string `json:"name"`
	}

	require.NoError(t, PutJSON(ctx, s, CollectionOfflineHospitals, "h1", doc{Name: "General"}))

	var got doc
	ok, err := GetJSON(ctx, s, CollectionOfflineHospitals, "h1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "General", got.Name)

	ok, err = GetJSON(ctx, s, CollectionOfflineHospitals, "nope", &got)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, CollectionOfflineHospitals, "bad", []byte("not json")))
	_, err = GetJSON(ctx, s, CollectionOfflineHospitals, "bad", &got)
	assert.Error(t, err)

	err = PutJSON(ctx, s, CollectionOfflineHospitals, "chan", make(chan int))
	assert.Error(t, err, "unserializable values must be rejected")
}

// =====================================================
// Failure propagation (sqlmock)
// =====================================================

func TestStore_PropagatesDriverErrors(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockStore(t)
	diskFull := errors.New("database or disk is full")

	mock.ExpectExec(`INSERT INTO kv`).
		WithArgs("job_queue", "k", []byte(`{}`), sqlmock.AnyArg()).
		WillReturnError(diskFull)
	mock.ExpectQuery(`SELECT value FROM kv`).
		WithArgs("ahu_cache", "u1").
		WillReturnError(diskFull)
	mock.ExpectQuery(`SELECT key, value FROM kv`).
		WithArgs("job_queue").
		WillReturnError(diskFull)

	assert.ErrorIs(t, s.Put(ctx, CollectionJobQueue, "k", []byte(`{}`)), diskFull)

	_, _, err := s.Get(ctx, CollectionAHUCache, "u1")
	assert.ErrorIs(t, err, diskFull)

	_, err = s.Scan(ctx, CollectionJobQueue)
	assert.ErrorIs(t, err, diskFull)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetTreatsNoRowsAsAbsent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT value FROM kv`).
		WithArgs("ahu_cache", "u1").
		WillReturnError(sql.ErrNoRows)

	_, ok, err := s.Get(context.Background(), CollectionAHUCache, "u1")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_UpdateRollsBackWhenCommitFails(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO kv`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("disk I/O error"))

	err := s.Update(ctx, func(tx *Tx) error {
		return tx.Put(ctx, CollectionAHUCache, "u1", []byte(`{}`))
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
