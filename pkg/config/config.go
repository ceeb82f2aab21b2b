package config

import "time"

// Config is the root configuration: logging plus the declared databases.
type Config struct {
	Log       LogConfig        `koanf:"log"`
	Databases []DatabaseConfig `koanf:"databases" validate:"dive"`
}

// LogConfig controls the default logger.
type LogConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `koanf:"json"`
}

// DatabaseConfig declares one named database: which engine drives it, how to
// reach it, and how scoped sessions against it flush by default.
type DatabaseConfig struct {
	Name   string `koanf:"name"   validate:"required"`
	Driver string `koanf:"driver" validate:"oneof=memory sqlite postgres"`

	// Path is the sqlite database location (":memory:" for in-memory).
	Path string `koanf:"path"`

	// ConnString is a full DSN for postgres. When empty the individual
	// fields below are used instead.
	ConnString string `koanf:"conn_string"`
	Host       string `koanf:"host"`
	Port       string `koanf:"port"`
	User       string `koanf:"user"`
	Password   string `koanf:"password"`
	DBName     string `koanf:"db_name"`
	SSLMode    string `koanf:"ssl_mode"`

	MaxOpenConns    int           `koanf:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`

	// FlushMode sets the default flush behavior of scopes opened against
	// this database: auto, leave or transaction.
	FlushMode string `koanf:"flush_mode" validate:"omitempty,oneof=auto leave transaction"`
}

// Default returns the built-in configuration: info logging and no databases.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
	}
}

// Database returns the database definition with the given name.
func (c *Config) Database(name string) (DatabaseConfig, bool) {
	for _, db := range c.Databases {
		if db.Name == name {
			return db, true
		}
	}
	return DatabaseConfig{}, false
}
