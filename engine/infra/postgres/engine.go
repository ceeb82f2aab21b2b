package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"reflect"
	"sync"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
	"github.com/quiverdb/quiver/engine/core"
	"github.com/quiverdb/quiver/engine/orm"
	"github.com/quiverdb/quiver/pkg/logger"

	// Register pgx stdlib driver for database/sql usage in migrations.
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxConns          = 20
	defaultMinConns          = 0
	defaultHealthCheckPeriod = 30 * time.Second
	defaultConnectTimeout    = 5 * time.Second
	defaultPingTimeout       = 3 * time.Second
)

// Engine is the PostgreSQL storage engine backed by pgxpool.Pool. It does not
// leak pgx types through its public API.
type Engine struct {
	cfg *Config
}

// NewEngine builds a PostgreSQL engine from the given configuration.
func NewEngine(cfg *Config) *Engine {
	return &Engine{cfg: cfg}
}

func (e *Engine) Name() string { return "postgres" }

// NewSessionFactory initializes the pgx pool, performs a health check,
// applies the configuration's goose migrations when present, and returns the
// session factory.
func (e *Engine) NewSessionFactory(ctx context.Context, cfg *orm.Configuration) (orm.SessionFactory, error) {
	if e.cfg == nil {
		return nil, fmt.Errorf("postgres: config is required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("postgres: nil configuration")
	}
	poolCfg, err := buildPoolConfig(e.cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := verifyPoolConnection(ctx, pool, pingTimeout(e.cfg)); err != nil {
		return nil, err
	}
	if err := applyMigrations(ctx, dsn(e.cfg), cfg); err != nil {
		pool.Close()
		return nil, err
	}
	metricsTracker := registerPoolMetrics(ctx, cfg.Name(), pool)
	logger.FromContext(ctx).With(
		"configuration", cfg.Name(),
		"host", e.cfg.Host,
		"db_name", e.cfg.DBName,
		"max_conns", poolCfg.MaxConns,
		"min_conns", poolCfg.MinConns,
	).Info("Postgres session factory built")
	return &factory{
		cfg:     cfg,
		pool:    pool,
		metrics: metricsTracker,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}, nil
}

// buildPoolConfig parses the DSN and applies pool settings.
func buildPoolConfig(cfg *Config) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	maxConns, minConns := deriveConnectionBounds(cfg)
	poolCfg.MaxConns = maxConns
	poolCfg.MinConns = minConns
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	} else {
		poolCfg.HealthCheckPeriod = defaultHealthCheckPeriod
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	} else {
		poolCfg.ConnConfig.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}
	return poolCfg, nil
}

// deriveConnectionBounds computes max/min connections respecting defaults and
// int32 limits.
func deriveConnectionBounds(cfg *Config) (int32, int32) {
	maxConns := int32(defaultMaxConns)
	if cfg.MaxOpenConns > 0 {
		if cfg.MaxOpenConns > int(math.MaxInt32) {
			maxConns = math.MaxInt32
		} else {
			maxConns = int32(cfg.MaxOpenConns)
		}
	}
	minConns := int32(defaultMinConns)
	if cfg.MaxIdleConns > 0 && cfg.MaxIdleConns <= int(maxConns) {
		minConns = int32(cfg.MaxIdleConns)
	}
	if minConns > maxConns {
		minConns = maxConns
	}
	return maxConns, minConns
}

func pingTimeout(cfg *Config) time.Duration {
	if cfg.PingTimeout > 0 {
		return cfg.PingTimeout
	}
	return defaultPingTimeout
}

// verifyPoolConnection pings the pool and cleans up on failure.
func verifyPoolConnection(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

var gooseMu sync.Mutex

// applyMigrations runs the configuration's goose migrations over a short
// lived database/sql handle using the pgx stdlib driver.
func applyMigrations(ctx context.Context, connString string, cfg *orm.Configuration) error {
	fsys, dir := cfg.Migrations()
	if fsys == nil {
		return nil
	}
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return fmt.Errorf("postgres: open db for migrations: %w", err)
	}
	defer db.Close()
	gooseMu.Lock()
	defer func() {
		goose.SetBaseFS(nil)
		gooseMu.Unlock()
	}()
	goose.SetBaseFS(fsys)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("postgres: set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, dir); err != nil {
		return fmt.Errorf("postgres: apply migrations: %w", err)
	}
	return nil
}

type factory struct {
	cfg     *orm.Configuration
	pool    *pgxpool.Pool
	metrics *poolMetrics
	builder squirrel.StatementBuilderType
	mu      sync.Mutex
	closed  bool
}

func (f *factory) Configuration() *orm.Configuration { return f.cfg }

func (f *factory) Mapped() []reflect.Type {
	mappings := f.cfg.Mappings()
	out := make([]reflect.Type, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, m.Type())
	}
	return out
}

func (f *factory) OpenSession(ctx context.Context, opts ...orm.SessionOption) (orm.Session, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("postgres: session factory is closed")
	}
	o := orm.NewSessionOptions(opts...)
	s := &session{
		id:        core.MustNewID().String(),
		factory:   f,
		stateless: o.Stateless,
		icpt:      o.Interceptor,
	}
	f.metrics.sessionOpened()
	if s.icpt != nil {
		s.icpt.SessionOpened(ctx, s)
	}
	return s, nil
}

func (f *factory) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.metrics.unregister()
	f.pool.Close()
	logger.FromContext(ctx).With("configuration", f.cfg.Name()).Info("Postgres session factory closed")
	return nil
}

func (f *factory) mappingFor(t reflect.Type) (*orm.Mapping, error) {
	m, ok := f.cfg.MappingFor(t)
	if !ok {
		return nil, fmt.Errorf("postgres: type %s is not mapped by configuration %q", t, f.cfg.Name())
	}
	return m, nil
}
