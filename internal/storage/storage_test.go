package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xaenox/assistant-hub/internal/apperr"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "kv.sqlite"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStorage(),
		"sqlite": sqlite,
	}
}

func TestStoreGetPutDelete(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rec, err := s.Get(ctx, AssistantsTable, Key{Partition: "asst_1"})
			require.NoError(t, err)
			assert.Nil(t, rec, "absent record is nil, not an error")

			require.NoError(t, s.Put(ctx, AssistantsTable, Record{"id": "asst_1", "name": "Helper", "model": "gpt-x"}))
			require.NoError(t, s.Put(ctx, AssistantsTable, Record{"id": "asst_1", "name": "Renamed"}))

			rec, err = s.Get(ctx, AssistantsTable, Key{Partition: "asst_1"})
			require.NoError(t, err)
			assert.Equal(t, "Renamed", rec.String("name"))
			assert.Equal(t, "", rec.String("model"), "put overwrites the whole record")

			require.NoError(t, s.Delete(ctx, AssistantsTable, Key{Partition: "asst_1"}))
			rec, err = s.Get(ctx, AssistantsTable, Key{Partition: "asst_1"})
			require.NoError(t, err)
			assert.Nil(t, rec)

			require.NoError(t, s.Delete(ctx, AssistantsTable, Key{Partition: "missing"}))
		})
	}
}

func TestStoreQueryOrdersBySortKey(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, sk := range []string{"u2#thread_b", "u1#thread_c", "u1#thread_a", "u10#thread_z"} {
				require.NoError(t, s.Put(ctx, ThreadsTable, Record{"assistant_id": "asst_1", "thread_key": sk}))
			}
			require.NoError(t, s.Put(ctx, ThreadsTable, Record{"assistant_id": "asst_2", "thread_key": "u1#thread_x"}))

			all, err := s.Query(ctx, ThreadsTable, KeyCondition{Partition: "asst_1"})
			require.NoError(t, err)
			var keys []string
			for _, r := range all {
				keys = append(keys, r.String("thread_key"))
			}
			assert.Equal(t, []string{"u1#thread_a", "u1#thread_c", "u10#thread_z", "u2#thread_b"}, keys)

			u1, err := s.Query(ctx, ThreadsTable, KeyCondition{Partition: "asst_1", SortPrefix: "u1#"})
			require.NoError(t, err)
			require.Len(t, u1, 2)
			assert.Equal(t, "u1#thread_a", u1[0].String("thread_key"))

			none, err := s.Query(ctx, ThreadsTable, KeyCondition{Partition: "asst_9"})
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStoreScanFilters(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Put(ctx, UsersTable, Record{"email": "a@x.io", "user_type": "admin", "is_active": true}))
			require.NoError(t, s.Put(ctx, UsersTable, Record{"email": "b@x.io", "user_type": "user", "is_active": true}))
			require.NoError(t, s.Put(ctx, UsersTable, Record{"email": "c@x.io", "user_type": "admin", "is_active": false}))

			all, err := s.Scan(ctx, UsersTable, nil)
			require.NoError(t, err)
			assert.Len(t, all, 3)

			admins, err := s.Scan(ctx, UsersTable, Filter{Eq("user_type", "admin"), Eq("is_active", true)})
			require.NoError(t, err)
			require.Len(t, admins, 1)
			assert.Equal(t, "a@x.io", admins[0].String("email"))
			assert.True(t, admins[0].Bool("is_active"))
		})
	}
}

func TestStorePutRequiresKeys(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			err := s.Put(ctx, ThreadsTable, Record{"assistant_id": "asst_1"})
			assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
			assert.Equal(t, apperr.KindInvalidRequest, apperr.KindOf(err))
			assert.ErrorIs(t, s.Put(ctx, AssistantsTable, Record{"name": "no id"}), apperr.ErrInvalidRequest)
		})
	}
}

func TestMemoryStorageReturnsCopies(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	rec := Record{"id": "vf_1", "name": "doc"}
	require.NoError(t, s.Put(ctx, VectorFilesTable, rec))
	rec["name"] = "mutated"

	got, err := s.Get(ctx, VectorFilesTable, Key{Partition: "vf_1"})
	require.NoError(t, err)
	got["name"] = "mutated again"

	again, err := s.Get(ctx, VectorFilesTable, Key{Partition: "vf_1"})
	require.NoError(t, err)
	assert.Equal(t, "doc", again.String("name"))
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	s := NewMemoryStorage()
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), UsersTable, Key{Partition: "a@x.io"})
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)

	sqlite, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "closed.sqlite"), nil)
	require.NoError(t, err)
	require.NoError(t, sqlite.Close())
	_, err = sqlite.Get(context.Background(), UsersTable, Key{Partition: "a@x.io"})
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)
}

func TestSQLiteStoragePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.sqlite")
	ctx := context.Background()

	s, err := NewSQLiteStorage(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, MessagesTable, Record{"thread_id": "thread_1", "sequence": "001", "message": "hello"}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStorage(path, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	recs, err := s.Query(ctx, MessagesTable, KeyCondition{Partition: "thread_1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "hello", recs[0].String("message"))
}

func TestRebindPostgresPlaceholders(t *testing.T) {
	s := &SQLStorage{dialect: DialectPostgres}
	assert.Equal(t, "a = $1 AND b = $2", s.rebind("a = ? AND b = ?"))

	s.dialect = DialectSQLite
	assert.Equal(t, "a = ?", s.rebind("a = ?"))
}
