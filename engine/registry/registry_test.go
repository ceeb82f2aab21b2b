package registry

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/engine/core"
	"github.com/quiverdb/quiver/engine/infra/memory"
	"github.com/quiverdb/quiver/engine/orm"
)

type account struct {
	ID    string `db:"id"`
	Owner string `db:"owner"`
}

type invoice struct {
	ID     string  `db:"id"`
	Amount float64 `db:"amount"`
}

type archivedAccount struct {
	account
	Reason string `db:"reason"`
}

func newConfig(t *testing.T, name string, mappings ...*orm.Mapping) *orm.Configuration {
	t.Helper()
	cfg, err := orm.NewConfiguration(name, memory.NewEngine(), mappings)
	require.NoError(t, err)
	return cfg
}

func TestRegistryRegister(t *testing.T) {
	t.Run("Should resolve registered types to their configuration", func(t *testing.T) {
		r := New()
		cfg := newConfig(t, "main", orm.MapEntity[account]("accounts"))
		require.NoError(t, r.Register(cfg))
		got, err := r.Resolve(reflect.TypeOf(account{}))
		require.NoError(t, err)
		assert.Equal(t, cfg, got)
	})
	t.Run("Should fail for unregistered types", func(t *testing.T) {
		r := New()
		_, err := r.Resolve(reflect.TypeOf(account{}))
		var notConfigured *core.NotConfiguredError
		require.ErrorAs(t, err, &notConfigured)
	})
	t.Run("Should reject a source already owned by another configuration", func(t *testing.T) {
		r := New()
		require.NoError(t, r.Register(newConfig(t, "main", orm.MapEntity[account]("accounts"))))
		err := r.Register(newConfig(t, "other", orm.MapEntity[invoice]("invoices")))
		var dup *core.DuplicateSourceError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, "main", dup.Existing)
		assert.Equal(t, "other", dup.Incoming)
	})
	t.Run("Should allow distinct sources per configuration", func(t *testing.T) {
		r := New()
		require.NoError(t, r.Register(newConfig(t, "main",
			orm.MapEntity[account]("accounts", orm.WithSource("billing/accounts")))))
		require.NoError(t, r.Register(newConfig(t, "other",
			orm.MapEntity[invoice]("invoices", orm.WithSource("billing/invoices")))))
	})
	t.Run("Should be idempotent for the same configuration", func(t *testing.T) {
		r := New()
		cfg := newConfig(t, "main", orm.MapEntity[account]("accounts"))
		require.NoError(t, r.Register(cfg))
		require.NoError(t, r.Register(cfg))
	})
}

func TestRegistryEmbeddedResolution(t *testing.T) {
	t.Run("Should resolve types through an embedded mapped base", func(t *testing.T) {
		r := New()
		cfg := newConfig(t, "main", orm.MapEntity[account]("accounts"))
		require.NoError(t, r.Register(cfg))
		got, err := r.Resolve(reflect.TypeOf(archivedAccount{}))
		require.NoError(t, err)
		assert.Equal(t, cfg, got)
		m, err := r.Mapping(reflect.TypeOf(archivedAccount{}))
		require.NoError(t, err)
		assert.Equal(t, "accounts", m.Table())
	})
}

// countingEngine wraps the memory engine to count factory builds.
type countingEngine struct {
	inner  *memory.Engine
	builds atomic.Int32
}

func (e *countingEngine) Name() string { return "counting" }

func (e *countingEngine) NewSessionFactory(ctx context.Context, cfg *orm.Configuration) (orm.SessionFactory, error) {
	e.builds.Add(1)
	return e.inner.NewSessionFactory(ctx, cfg)
}

func TestRegistrySessionFactory(t *testing.T) {
	t.Run("Should build the factory once under concurrent access", func(t *testing.T) {
		r := New()
		engine := &countingEngine{inner: memory.NewEngine()}
		cfg, err := orm.NewConfiguration("main", engine, []*orm.Mapping{
			orm.MapEntity[account]("accounts"),
			orm.MapEntity[invoice]("invoices", orm.WithSource("billing/invoices")),
		})
		require.NoError(t, err)
		require.NoError(t, r.Register(cfg))

		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			target := reflect.TypeOf(account{})
			if i%2 == 0 {
				target = reflect.TypeOf(invoice{})
			}
			go func(t reflect.Type) {
				defer wg.Done()
				_, _ = r.SessionFactory(ctx, t)
			}(target)
		}
		wg.Wait()
		assert.Equal(t, int32(1), engine.builds.Load())

		fa, err := r.SessionFactory(ctx, reflect.TypeOf(account{}))
		require.NoError(t, err)
		fi, err := r.SessionFactory(ctx, reflect.TypeOf(invoice{}))
		require.NoError(t, err)
		assert.Same(t, fa, fi)
	})
	t.Run("Should fail for unregistered types", func(t *testing.T) {
		r := New()
		_, err := r.SessionFactory(context.Background(), reflect.TypeOf(account{}))
		var notConfigured *core.NotConfiguredError
		require.ErrorAs(t, err, &notConfigured)
	})
}

func TestRegistryReset(t *testing.T) {
	t.Run("Should close factories and clear registrations", func(t *testing.T) {
		r := New()
		require.NoError(t, r.Register(newConfig(t, "main", orm.MapEntity[account]("accounts"))))
		ctx := context.Background()
		_, err := r.SessionFactory(ctx, reflect.TypeOf(account{}))
		require.NoError(t, err)
		require.NoError(t, r.Reset(ctx))
		_, err = r.Resolve(reflect.TypeOf(account{}))
		assert.Error(t, err)
	})
}
