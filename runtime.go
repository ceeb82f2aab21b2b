package quiver

import (
	"context"
	"fmt"
	"sync"

	"github.com/quiverdb/quiver/engine/infra/memory"
	"github.com/quiverdb/quiver/engine/infra/postgres"
	"github.com/quiverdb/quiver/engine/infra/sqlite"
	"github.com/quiverdb/quiver/engine/orm"
	"github.com/quiverdb/quiver/engine/registry"
	"github.com/quiverdb/quiver/engine/scope"
	"github.com/quiverdb/quiver/engine/session"
	"github.com/quiverdb/quiver/pkg/config"
	"github.com/quiverdb/quiver/pkg/logger"
)

// EngineFactory builds a storage engine from a declarative database
// definition. Drivers are resolved by name through the runtime's table.
type EngineFactory func(config.DatabaseConfig) (orm.Engine, error)

// Runtime bundles a type registry, a session factory holder and the engine
// factory table. The package-level API runs against a process-wide default
// runtime; tests and embedders can carry an isolated one on the context.
type Runtime struct {
	registry *registry.Registry
	holder   *session.Holder

	mu      sync.RWMutex
	engines map[string]EngineFactory
}

// NewRuntime returns a runtime seeded with the built-in drivers: memory,
// sqlite and postgres.
func NewRuntime() *Runtime {
	reg := registry.New()
	rt := &Runtime{
		registry: reg,
		holder:   session.NewHolder(reg),
		engines:  make(map[string]EngineFactory),
	}
	rt.RegisterEngine("memory", func(config.DatabaseConfig) (orm.Engine, error) {
		return memory.NewEngine(), nil
	})
	rt.RegisterEngine("sqlite", func(db config.DatabaseConfig) (orm.Engine, error) {
		return sqlite.NewEngine(&sqlite.Config{
			Path:            db.Path,
			MaxOpenConns:    db.MaxOpenConns,
			MaxIdleConns:    db.MaxIdleConns,
			ConnMaxLifetime: db.ConnMaxLifetime,
		}), nil
	})
	rt.RegisterEngine("postgres", func(db config.DatabaseConfig) (orm.Engine, error) {
		return postgres.NewEngine(&postgres.Config{
			ConnString:      db.ConnString,
			Host:            db.Host,
			Port:            db.Port,
			User:            db.User,
			Password:        db.Password,
			DBName:          db.DBName,
			SSLMode:         db.SSLMode,
			MaxOpenConns:    db.MaxOpenConns,
			MaxIdleConns:    db.MaxIdleConns,
			ConnMaxLifetime: db.ConnMaxLifetime,
			ConnMaxIdleTime: db.ConnMaxIdleTime,
		}), nil
	})
	return rt
}

// RegisterEngine installs (or replaces) a driver constructor.
func (rt *Runtime) RegisterEngine(driver string, fn EngineFactory) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.engines[driver] = fn
}

// Registry returns the runtime's type registry.
func (rt *Runtime) Registry() *registry.Registry { return rt.registry }

// Holder returns the runtime's session factory holder.
func (rt *Runtime) Holder() *session.Holder { return rt.holder }

func (rt *Runtime) engineFactory(driver string) (EngineFactory, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	fn, ok := rt.engines[driver]
	return fn, ok
}

// OpenConfiguration builds an orm.Configuration from a declarative database
// definition and registers it with the runtime. The engine is resolved
// through the runtime's driver table; the session factory itself is built
// lazily on first use.
func OpenConfiguration(
	ctx context.Context,
	rt *Runtime,
	db config.DatabaseConfig,
	mappings []*orm.Mapping,
	opts ...orm.ConfigOption,
) (*orm.Configuration, error) {
	fn, ok := rt.engineFactory(db.Driver)
	if !ok {
		return nil, fmt.Errorf("quiver: unknown driver %q for database %q", db.Driver, db.Name)
	}
	engine, err := fn(db)
	if err != nil {
		return nil, fmt.Errorf("quiver: building %s engine for database %q: %w", db.Driver, db.Name, err)
	}
	cfg, err := orm.NewConfiguration(db.Name, engine, mappings, opts...)
	if err != nil {
		return nil, err
	}
	if err := rt.registry.Register(cfg); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).With("database", db.Name, "driver", db.Driver).
		Debug("Configuration registered")
	return cfg, nil
}

// OpenConfigurations registers every database declared in cfg, using the
// mappings table keyed by database name. Databases without mappings are
// skipped; they can be opened later through OpenConfiguration.
func OpenConfigurations(
	ctx context.Context,
	rt *Runtime,
	cfg *config.Config,
	mappings map[string][]*orm.Mapping,
) error {
	for _, db := range cfg.Databases {
		ms, ok := mappings[db.Name]
		if !ok {
			logger.FromContext(ctx).With("database", db.Name).
				Debug("No mappings declared for database; skipping")
			continue
		}
		if _, err := OpenConfiguration(ctx, rt, db, ms); err != nil {
			return err
		}
	}
	return nil
}

// InitLogging applies the configuration's log settings to the process
// default logger.
func InitLogging(cfg *config.Config) {
	logger.Init(&logger.Config{
		Level: logger.LogLevel(cfg.Log.Level),
		JSON:  cfg.Log.JSON,
	})
}

// FlushModeFromConfig maps a database definition's flush_mode string onto
// the scope flush mode, defaulting to auto.
func FlushModeFromConfig(db config.DatabaseConfig) scope.FlushMode {
	switch db.FlushMode {
	case "leave":
		return scope.FlushLeave
	case "transaction":
		return scope.FlushTransaction
	default:
		return scope.FlushAuto
	}
}

type runtimeCtxKey struct{}

var (
	defaultMu      sync.Mutex
	defaultRuntime *Runtime
)

// ContextWithRuntime carries an isolated runtime on the context; the generic
// operations resolve it before falling back to the process default.
func ContextWithRuntime(ctx context.Context, rt *Runtime) context.Context {
	return context.WithValue(ctx, runtimeCtxKey{}, rt)
}

// RuntimeFromContext returns the runtime carried by the context, or the
// process default (created on first use).
func RuntimeFromContext(ctx context.Context) *Runtime {
	if rt, ok := ctx.Value(runtimeCtxKey{}).(*Runtime); ok && rt != nil {
		return rt
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRuntime == nil {
		defaultRuntime = NewRuntime()
	}
	return defaultRuntime
}

// Initialize installs the process-wide default runtime and registers the
// given configurations. The first call wins; subsequent calls only add
// configurations.
func Initialize(ctx context.Context, cfgs ...*orm.Configuration) error {
	defaultMu.Lock()
	if defaultRuntime == nil {
		defaultRuntime = NewRuntime()
		logger.FromContext(ctx).Debug("Default runtime initialized")
	}
	rt := defaultRuntime
	defaultMu.Unlock()
	for _, cfg := range cfgs {
		if err := rt.registry.Register(cfg); err != nil {
			return err
		}
	}
	return nil
}

// AddConfiguration registers one more configuration with the default
// runtime, initializing it when needed.
func AddConfiguration(ctx context.Context, cfg *orm.Configuration) error {
	return Initialize(ctx, cfg)
}

// ResetInitialization tears down the default runtime: closes every built
// session factory and forgets all registrations. Test-only.
func ResetInitialization(ctx context.Context) error {
	defaultMu.Lock()
	rt := defaultRuntime
	defaultRuntime = nil
	defaultMu.Unlock()
	if rt == nil {
		return nil
	}
	return rt.registry.Reset(ctx)
}
