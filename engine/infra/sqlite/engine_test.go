package sqlite

import (
	"context"
	"embed"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/engine/orm"
)

//go:embed testdata/migrations/*.sql
var migrationsFS embed.FS

type note struct {
	ID   string `db:"id"`
	Body string `db:"body"`
	Rank int    `db:"rank"`
}

var noteMapping = orm.MapEntity[note]("notes")

func TestBuildDSN(t *testing.T) {
	t.Run("Should build unique shared-cache DSNs for in-memory databases", func(t *testing.T) {
		first, inMemory := buildDSN(":memory:", 5*time.Second)
		require.True(t, inMemory)
		assert.Contains(t, first, "mode=memory")
		assert.Contains(t, first, "cache=shared")
		assert.Contains(t, first, "_pragma=busy_timeout(5000)")
		second, _ := buildDSN(":memory:", 5*time.Second)
		assert.NotEqual(t, first, second)
	})
	t.Run("Should treat an empty path as in-memory", func(t *testing.T) {
		_, inMemory := buildDSN("", time.Second)
		assert.True(t, inMemory)
	})
	t.Run("Should enable WAL and foreign keys for file databases", func(t *testing.T) {
		dsn, inMemory := buildDSN("/tmp/quiver.db", time.Second)
		require.False(t, inMemory)
		assert.Contains(t, dsn, "file:/tmp/quiver.db")
		assert.Contains(t, dsn, "_pragma=journal_mode(WAL)")
		assert.Contains(t, dsn, "_pragma=foreign_keys(ON)")
	})
}

func newFactory(t *testing.T) orm.SessionFactory {
	t.Helper()
	engine := NewEngine(&Config{Path: ":memory:"})
	cfg, err := orm.NewConfiguration("notes", engine, []*orm.Mapping{noteMapping},
		orm.WithMigrations(migrationsFS, "testdata/migrations"))
	require.NoError(t, err)
	f, err := engine.NewSessionFactory(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close(context.Background()) })
	return f
}

func open(t *testing.T, f orm.SessionFactory, opts ...orm.SessionOption) orm.Session {
	t.Helper()
	s, err := f.OpenSession(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestSQLiteSession(t *testing.T) {
	ctx := context.Background()
	t.Run("Should round-trip an entity through flush", func(t *testing.T) {
		f := newFactory(t)
		sess := open(t, f)
		require.NoError(t, sess.Insert(ctx, &note{ID: "n1", Body: "draft", Rank: 1}))

		var got note
		require.ErrorIs(t, sess.Get(ctx, &got, "n1"), orm.ErrNotFound)

		require.NoError(t, sess.Flush(ctx))
		require.NoError(t, sess.Get(ctx, &got, "n1"))
		assert.Equal(t, "draft", got.Body)
	})
	t.Run("Should generate ids for zero-keyed inserts", func(t *testing.T) {
		f := newFactory(t)
		sess := open(t, f, orm.Stateless())
		n := &note{Body: "draft"}
		require.NoError(t, sess.Insert(ctx, n))
		assert.NotEmpty(t, n.ID)
	})
	t.Run("Should update and delete by primary key", func(t *testing.T) {
		f := newFactory(t)
		sess := open(t, f, orm.Stateless())
		require.NoError(t, sess.Insert(ctx, &note{ID: "n1", Body: "v1"}))
		require.NoError(t, sess.Update(ctx, &note{ID: "n1", Body: "v2", Rank: 2}))

		var got note
		require.NoError(t, sess.Get(ctx, &got, "n1"))
		assert.Equal(t, "v2", got.Body)
		assert.Equal(t, 2, got.Rank)

		require.NoError(t, sess.Delete(ctx, &note{ID: "n1"}))
		require.ErrorIs(t, sess.Get(ctx, &got, "n1"), orm.ErrNotFound)
	})
	t.Run("Should report missing rows on update and delete", func(t *testing.T) {
		f := newFactory(t)
		sess := open(t, f, orm.Stateless())
		require.ErrorIs(t, sess.Update(ctx, &note{ID: "ghost", Body: "x"}), orm.ErrNotFound)
		require.ErrorIs(t, sess.Delete(ctx, &note{ID: "ghost"}), orm.ErrNotFound)
	})
	t.Run("Should roll back the whole flush batch on failure", func(t *testing.T) {
		f := newFactory(t)
		sess := open(t, f)
		require.NoError(t, sess.Insert(ctx, &note{ID: "n1", Body: "kept?"}))
		require.NoError(t, sess.Update(ctx, &note{ID: "ghost", Body: "x"}))
		require.ErrorIs(t, sess.Flush(ctx), orm.ErrNotFound)

		var got note
		require.ErrorIs(t, sess.Get(ctx, &got, "n1"), orm.ErrNotFound)
	})
	t.Run("Should select and count with criteria", func(t *testing.T) {
		f := newFactory(t)
		sess := open(t, f, orm.Stateless())
		require.NoError(t, sess.Insert(ctx, &note{ID: "n1", Body: "alpha", Rank: 3}))
		require.NoError(t, sess.Insert(ctx, &note{ID: "n2", Body: "beta", Rank: 1}))
		require.NoError(t, sess.Insert(ctx, &note{ID: "n3", Body: "gamma", Rank: 2}))

		var out []*note
		c := orm.NewCriteria(orm.Gt("rank", 1)).OrderByDesc("rank")
		require.NoError(t, sess.Select(ctx, &out, noteMapping, c))
		require.Len(t, out, 2)
		assert.Equal(t, "alpha", out[0].Body)

		n, err := sess.Count(ctx, noteMapping, orm.NewCriteria(orm.Like("body", "%a")))
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})
	t.Run("Should delete all matching rows immediately", func(t *testing.T) {
		f := newFactory(t)
		sess := open(t, f, orm.Stateless())
		require.NoError(t, sess.Insert(ctx, &note{ID: "n1", Rank: 1}))
		require.NoError(t, sess.Insert(ctx, &note{ID: "n2", Rank: 2}))
		removed, err := sess.DeleteAll(ctx, noteMapping, orm.NewCriteria(orm.Ge("rank", 1)))
		require.NoError(t, err)
		assert.Equal(t, int64(2), removed)
	})
	t.Run("Should keep in-memory databases independent per factory", func(t *testing.T) {
		fa := newFactory(t)
		fb := newFactory(t)
		sa := open(t, fa, orm.Stateless())
		require.NoError(t, sa.Insert(ctx, &note{ID: "n1", Body: "a"}))

		sb := open(t, fb)
		var got note
		require.ErrorIs(t, sb.Get(ctx, &got, "n1"), orm.ErrNotFound)
	})
}
