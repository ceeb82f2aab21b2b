package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/pressly/goose/v3"
	"github.com/quiverdb/quiver/engine/core"
	"github.com/quiverdb/quiver/engine/orm"
	"github.com/quiverdb/quiver/pkg/logger"

	// Register modernc SQLite driver with database/sql.
	_ "modernc.org/sqlite"
)

const (
	defaultBusyTimeout  = 5 * time.Second
	defaultMaxOpenConns = 4
)

// Config captures SQLite engine configuration.
type Config struct {
	// Path is the database location or ":memory:" for an in-memory database.
	// Every factory built from an in-memory config gets its own database.
	Path string

	// MaxOpenConns controls the pool size exposed by database/sql.
	MaxOpenConns int

	// MaxIdleConns limits idle connections retained in the pool.
	MaxIdleConns int

	// ConnMaxLifetime bounds connection reuse duration.
	ConnMaxLifetime time.Duration

	// BusyTimeout configures the sqlite busy timeout pragma.
	BusyTimeout time.Duration
}

// Engine is the SQLite storage engine backed by database/sql and the pure-Go
// modernc driver.
type Engine struct {
	cfg *Config
}

// NewEngine builds a SQLite engine from the given configuration.
func NewEngine(cfg *Config) *Engine {
	if cfg == nil {
		cfg = &Config{Path: ":memory:"}
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) Name() string { return "sqlite" }

var gooseInitMu sync.Mutex

// NewSessionFactory opens the database, applies the configuration's goose
// migrations when present, and returns the session factory.
func (e *Engine) NewSessionFactory(ctx context.Context, cfg *orm.Configuration) (orm.SessionFactory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("sqlite: nil configuration")
	}
	dsn, inMemory := buildDSN(e.cfg.Path, busyTimeout(e.cfg))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	configurePool(db, e.cfg, inMemory)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if err := applyMigrations(ctx, db, cfg); err != nil {
		db.Close()
		return nil, err
	}
	logger.FromContext(ctx).With(
		"configuration", cfg.Name(),
		"path", e.cfg.Path,
		"in_memory", inMemory,
	).Info("SQLite session factory built")
	return &factory{
		cfg:     cfg,
		db:      db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}, nil
}

// buildDSN renders a modernc-style DSN with the pragmas the engine relies
// on. In-memory paths become uniquely named shared-cache databases so two
// factories never collide.
func buildDSN(path string, busy time.Duration) (dsn string, inMemory bool) {
	busyMillis := busy.Milliseconds()
	if path == "" || path == ":memory:" {
		name := fmt.Sprintf("quiver_%s", core.MustNewID())
		return fmt.Sprintf(
			"file:%s?mode=memory&cache=shared&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)",
			name, busyMillis,
		), true
	}
	return fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)",
		path, busyMillis,
	), false
}

func busyTimeout(cfg *Config) time.Duration {
	if cfg.BusyTimeout > 0 {
		return cfg.BusyTimeout
	}
	return defaultBusyTimeout
}

// configurePool applies pool bounds. In-memory databases are pinned to one
// connection: the database lives exactly as long as that connection.
func configurePool(db *sql.DB, cfg *Config, inMemory bool) {
	if inMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
		return
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpen)
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

func applyMigrations(ctx context.Context, db *sql.DB, cfg *orm.Configuration) error {
	fsys, dir := cfg.Migrations()
	if fsys == nil {
		return nil
	}
	gooseInitMu.Lock()
	defer func() {
		goose.SetBaseFS(nil)
		gooseInitMu.Unlock()
	}()
	goose.SetBaseFS(fsys)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("sqlite: set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, dir); err != nil {
		return fmt.Errorf("sqlite: apply migrations: %w", err)
	}
	return nil
}

type factory struct {
	cfg     *orm.Configuration
	db      *sql.DB
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
		return nil, fmt.Errorf("sqlite: session factory is closed")
	}
	o := orm.NewSessionOptions(opts...)
	s := &session{
		id:        core.MustNewID().String(),
		factory:   f,
		stateless: o.Stateless,
		icpt:      o.Interceptor,
	}
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
	if err := f.db.Close(); err != nil {
		return fmt.Errorf("sqlite: close database: %w", err)
	}
	logger.FromContext(ctx).With("configuration", f.cfg.Name()).Info("SQLite session factory closed")
	return nil
}

func (f *factory) mappingFor(t reflect.Type) (*orm.Mapping, error) {
	m, ok := f.cfg.MappingFor(t)
	if !ok {
		return nil, fmt.Errorf("sqlite: type %s is not mapped by configuration %q", t, f.cfg.Name())
	}
	return m, nil
}
