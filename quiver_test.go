package quiver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/engine/core"
	"github.com/quiverdb/quiver/engine/orm"
	"github.com/quiverdb/quiver/engine/scope"
	"github.com/quiverdb/quiver/pkg/config"
)

type author struct {
	ID   string `db:"id"`
	Name string `db:"name"`
}

type book struct {
	ID       string `db:"id"`
	Title    string `db:"title"`
	AuthorID string `db:"author_id"`
	Year     int    `db:"year"`
}

func newTestContext(t *testing.T) context.Context {
	t.Helper()
	rt := NewRuntime()
	ctx := ContextWithRuntime(context.Background(), rt)
	_, err := OpenConfiguration(ctx, rt,
		config.DatabaseConfig{Name: "library", Driver: "memory"},
		[]*orm.Mapping{
			orm.MapEntity[author]("authors", orm.WithSource("library/authors")),
			orm.MapEntity[book]("books", orm.WithSource("library/books")),
		})
	require.NoError(t, err)
	return ctx
}

func TestCRUDRoundTrip(t *testing.T) {
	t.Run("Should create, find, update and delete an entity", func(t *testing.T) {
		ctx := newTestContext(t)
		a := &author{Name: "Ada"}
		require.NoError(t, Create(ctx, a))
		require.NotEmpty(t, a.ID)

		got, err := Find[author](ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "Ada", got.Name)

		got.Name = "Ada L."
		require.NoError(t, Update(ctx, got))
		refetched, err := Find[author](ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "Ada L.", refetched.Name)

		require.NoError(t, Delete(ctx, refetched))
		_, err = Find[author](ctx, a.ID)
		var notFound *core.NotFoundError
		require.ErrorAs(t, err, &notFound)
	})
	t.Run("Should decide insert versus update on save", func(t *testing.T) {
		ctx := newTestContext(t)
		a := &author{Name: "Grace"}
		require.NoError(t, Save(ctx, a))
		require.NotEmpty(t, a.ID)

		a.Name = "Grace H."
		require.NoError(t, Save(ctx, a))
		got, err := Find[author](ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "Grace H.", got.Name)

		n, err := Count[author](ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
	t.Run("Should return nil from Peek on a missing entity", func(t *testing.T) {
		ctx := newTestContext(t)
		got, err := Peek[author](ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
	t.Run("Should merge detached state and return the managed copy", func(t *testing.T) {
		ctx := newTestContext(t)
		require.NoError(t, Create(ctx, &author{ID: "a1", Name: "Ada"}))

		detached := &author{ID: "a1", Name: "Ada Lovelace"}
		managed, err := Merge[author](ctx, detached)
		require.NoError(t, err)
		require.NotSame(t, detached, managed)
		assert.Equal(t, "Ada Lovelace", managed.Name)

		// The detached instance stays untracked after the merge.
		detached.Name = "overwritten later"
		got, err := Find[author](ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "Ada Lovelace", got.Name)
	})
	t.Run("Should replicate entities keeping the supplied key", func(t *testing.T) {
		ctx := newTestContext(t)
		require.NoError(t, Replicate(ctx, &author{ID: "stable-key", Name: "Ada"}))
		got, err := Find[author](ctx, "stable-key")
		require.NoError(t, err)
		assert.Equal(t, "Ada", got.Name)

		err = Replicate(ctx, &author{Name: "no key"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "primary key")
	})
	t.Run("Should refresh stale entities", func(t *testing.T) {
		ctx := newTestContext(t)
		a := &author{Name: "Alan"}
		require.NoError(t, Create(ctx, a))
		fresh, err := Find[author](ctx, a.ID)
		require.NoError(t, err)
		fresh.Name = "Alan T."
		require.NoError(t, Update(ctx, fresh))

		stale := &author{ID: a.ID, Name: "Alan"}
		require.NoError(t, Refresh(ctx, stale))
		assert.Equal(t, "Alan T.", stale.Name)
	})
}

func TestQueries(t *testing.T) {
	seed := func(t *testing.T) context.Context {
		ctx := newTestContext(t)
		require.NoError(t, Create(ctx, &book{ID: "b1", Title: "Sketches", AuthorID: "a1", Year: 1843}))
		require.NoError(t, Create(ctx, &book{ID: "b2", Title: "Notes", AuthorID: "a1", Year: 1842}))
		require.NoError(t, Create(ctx, &book{ID: "b3", Title: "Memoir", AuthorID: "a2", Year: 1851}))
		return ctx
	}
	t.Run("Should find all matching entities", func(t *testing.T) {
		ctx := seed(t)
		rows, err := FindAll[book](ctx, orm.Eq("author_id", "a1"))
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})
	t.Run("Should slice and order results", func(t *testing.T) {
		ctx := seed(t)
		rows, err := SlicedFindAll[book](ctx, orm.NewCriteria().OrderBy("year").Offset(1).Limit(1))
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "Sketches", rows[0].Title)
	})
	t.Run("Should return the first match or nil", func(t *testing.T) {
		ctx := seed(t)
		first, err := FindFirst[book](ctx, orm.NewCriteria().OrderByDesc("year"))
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, "Memoir", first.Title)

		none, err := FindFirst[book](ctx, orm.NewCriteria(orm.Eq("author_id", "nobody")))
		require.NoError(t, err)
		assert.Nil(t, none)
	})
	t.Run("Should leave shared criteria untouched by FindFirst", func(t *testing.T) {
		ctx := seed(t)
		shared := orm.NewCriteria(orm.Eq("author_id", "a1")).OrderBy("year")
		first, err := FindFirst[book](ctx, shared)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, "Notes", first.Title)

		rows, err := SlicedFindAll[book](ctx, shared)
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})
	t.Run("Should reject ambiguous FindOne results", func(t *testing.T) {
		ctx := seed(t)
		one, err := FindOne[book](ctx, orm.Eq("author_id", "a2"))
		require.NoError(t, err)
		assert.Equal(t, "Memoir", one.Title)

		_, err = FindOne[book](ctx, orm.Eq("author_id", "a1"))
		var ambiguous *core.AmbiguousResultError
		require.ErrorAs(t, err, &ambiguous)

		none, err := FindOne[book](ctx, orm.Eq("author_id", "nobody"))
		require.NoError(t, err)
		assert.Nil(t, none)
	})
	t.Run("Should report existence and counts", func(t *testing.T) {
		ctx := seed(t)
		ok, err := Exists[book](ctx, orm.Gt("year", 1850))
		require.NoError(t, err)
		assert.True(t, ok)
		n, err := Count[book](ctx, orm.Lt("year", 1850))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})
	t.Run("Should delete all matching entities", func(t *testing.T) {
		ctx := seed(t)
		removed, err := DeleteAll[book](ctx, orm.Eq("author_id", "a1"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), removed)
		n, err := Count[book](ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestScopedOperations(t *testing.T) {
	t.Run("Should share one session across operations in a scope", func(t *testing.T) {
		ctx := newTestContext(t)
		scopedCtx, sc := scope.Begin(ctx, scope.WithFlushMode(scope.FlushLeave))
		require.NoError(t, Create(scopedCtx, &author{ID: "a1", Name: "Ada"}))
		require.NoError(t, Create(scopedCtx, &author{ID: "a2", Name: "Grace"}))

		// Nothing visible outside the scope before disposal.
		n, err := Count[author](ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		require.NoError(t, sc.Dispose(scopedCtx))
		n, err = Count[author](ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})
	t.Run("Should make auto-mode mutations visible immediately", func(t *testing.T) {
		ctx := newTestContext(t)
		scopedCtx, sc := scope.Begin(ctx)
		require.NoError(t, Create(scopedCtx, &author{ID: "a1", Name: "Ada"}))
		n, err := Count[author](ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		require.NoError(t, sc.Dispose(scopedCtx))
	})
	t.Run("Should flush explicitly with AndFlush in any mode", func(t *testing.T) {
		ctx := newTestContext(t)
		scopedCtx, sc := scope.Begin(ctx, scope.WithFlushMode(scope.FlushTransaction))
		require.NoError(t, CreateAndFlush(scopedCtx, &author{ID: "a1", Name: "Ada"}))
		n, err := Count[author](ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		require.NoError(t, sc.Dispose(scopedCtx))
	})
	t.Run("Should flush saves explicitly with SaveAndFlush in any mode", func(t *testing.T) {
		ctx := newTestContext(t)
		scopedCtx, sc := scope.Begin(ctx, scope.WithFlushMode(scope.FlushTransaction))
		a := &author{Name: "Ada"}
		require.NoError(t, SaveAndFlush(scopedCtx, a))
		require.NotEmpty(t, a.ID)
		n, err := Count[author](ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		a.Name = "Ada L."
		require.NoError(t, SaveAndFlush(scopedCtx, a))
		got, err := Find[author](ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "Ada L.", got.Name)
		require.NoError(t, sc.Dispose(scopedCtx))
	})
	t.Run("Should drop evicted entities from the scoped session", func(t *testing.T) {
		ctx := newTestContext(t)
		scopedCtx, sc := scope.Begin(ctx, scope.WithFlushMode(scope.FlushLeave))
		kept := &author{ID: "a1", Name: "kept"}
		dropped := &author{ID: "a2", Name: "dropped"}
		require.NoError(t, Create(scopedCtx, kept))
		require.NoError(t, Create(scopedCtx, dropped))
		require.NoError(t, Evict(scopedCtx, dropped))
		require.NoError(t, sc.Dispose(scopedCtx))

		n, err := Count[author](ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestMultipleConfigurations(t *testing.T) {
	type metricSample struct {
		ID    string  `db:"id"`
		Value float64 `db:"value"`
	}
	t.Run("Should route entity types to their own database", func(t *testing.T) {
		rt := NewRuntime()
		ctx := ContextWithRuntime(context.Background(), rt)
		_, err := OpenConfiguration(ctx, rt,
			config.DatabaseConfig{Name: "library", Driver: "memory"},
			[]*orm.Mapping{orm.MapEntity[author]("authors", orm.WithSource("library/authors"))})
		require.NoError(t, err)
		_, err = OpenConfiguration(ctx, rt,
			config.DatabaseConfig{Name: "telemetry", Driver: "memory"},
			[]*orm.Mapping{orm.MapEntity[metricSample]("samples", orm.WithSource("telemetry/samples"))})
		require.NoError(t, err)

		require.NoError(t, Create(ctx, &author{ID: "a1", Name: "Ada"}))
		require.NoError(t, Create(ctx, &metricSample{ID: "m1", Value: 0.5}))

		scopedCtx, sc := scope.Begin(ctx)
		s1, scoped, err := rt.Holder().CreateSession(scopedCtx, typeFor[author]())
		require.NoError(t, err)
		require.True(t, scoped)
		s2, _, err := rt.Holder().CreateSession(scopedCtx, typeFor[metricSample]())
		require.NoError(t, err)
		assert.NotEqual(t, s1.ID(), s2.ID())
		require.NoError(t, sc.Dispose(scopedCtx))
	})
	t.Run("Should reject registering one source under two databases", func(t *testing.T) {
		rt := NewRuntime()
		ctx := ContextWithRuntime(context.Background(), rt)
		_, err := OpenConfiguration(ctx, rt,
			config.DatabaseConfig{Name: "one", Driver: "memory"},
			[]*orm.Mapping{orm.MapEntity[author]("authors")})
		require.NoError(t, err)
		_, err = OpenConfiguration(ctx, rt,
			config.DatabaseConfig{Name: "two", Driver: "memory"},
			[]*orm.Mapping{orm.MapEntity[book]("books")})
		var dup *core.DuplicateSourceError
		require.ErrorAs(t, err, &dup)
	})
	t.Run("Should fail on unknown drivers", func(t *testing.T) {
		rt := NewRuntime()
		ctx := ContextWithRuntime(context.Background(), rt)
		_, err := OpenConfiguration(ctx, rt,
			config.DatabaseConfig{Name: "bad", Driver: "oracle"},
			[]*orm.Mapping{orm.MapEntity[author]("authors")})
		require.Error(t, err)
	})
}

func TestLifecycle(t *testing.T) {
	t.Run("Should initialize the default runtime once and reset it", func(t *testing.T) {
		ctx := context.Background()
		t.Cleanup(func() { _ = ResetInitialization(ctx) })
		require.NoError(t, ResetInitialization(ctx))

		rt := RuntimeFromContext(ctx)
		cfg, err := orm.NewConfiguration("library", mustEngine(t, rt, "memory"), []*orm.Mapping{
			orm.MapEntity[author]("authors", orm.WithSource("default/authors")),
		})
		require.NoError(t, err)
		require.NoError(t, Initialize(ctx, cfg))
		assert.Same(t, rt, RuntimeFromContext(ctx))

		require.NoError(t, Create(ctx, &author{ID: "a1", Name: "Ada"}))
		require.NoError(t, ResetInitialization(ctx))

		_, err = Find[author](ctx, "a1")
		var notConfigured *core.NotConfiguredError
		require.ErrorAs(t, err, &notConfigured)
	})
	t.Run("Should map flush mode strings onto scope modes", func(t *testing.T) {
		assert.Equal(t, scope.FlushAuto, FlushModeFromConfig(config.DatabaseConfig{}))
		assert.Equal(t, scope.FlushLeave, FlushModeFromConfig(config.DatabaseConfig{FlushMode: "leave"}))
		assert.Equal(t, scope.FlushTransaction, FlushModeFromConfig(config.DatabaseConfig{FlushMode: "transaction"}))
	})
}

func mustEngine(t *testing.T, rt *Runtime, driver string) orm.Engine {
	t.Helper()
	fn, ok := rt.engineFactory(driver)
	require.True(t, ok)
	engine, err := fn(config.DatabaseConfig{})
	require.NoError(t, err)
	return engine
}
