package badger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/animus-labs/hannibal/internal/platform/env"
)

type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path       string
	InMemory   bool
	SyncWrites bool
	// Logger receives Badger's internal log lines. Nil silences them.
	Logger *slog.Logger
}

func ConfigFromEnv() (Config, error) {
	syncWrites, err := env.Bool("HANNIBAL_BADGER_SYNC_WRITES", true)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Path:       env.String("HANNIBAL_BADGER_PATH", "/hannibal/status.db"),
		SyncWrites: syncWrites,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func InMemoryConfig() Config {
	return Config{InMemory: true}
}

func (c Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return errors.New("HANNIBAL_BADGER_PATH is required")
	}
	return nil
}

type slogAdapter struct {
	logger *slog.Logger
}

func (l *slogAdapter) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *slogAdapter) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *slogAdapter) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *slogAdapter) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func Open(cfg Config) (*badger.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&slogAdapter{logger: cfg.Logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}
