// Package database provides the single synchronized entry point for running
// statements against the relational store. A Gateway wraps a database/sql
// connection pool; every call borrows one connection and always returns it.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/illmade-knight/clima-dataflow/pkg/config"
	"github.com/rs/zerolog"
)

var (
	// ErrConnection means no connection to the database could be obtained.
	ErrConnection = errors.New("couldn't connect to the database")
	// ErrQuery means a connection was obtained but the statement failed.
	ErrQuery = errors.New("couldn't execute query")
)

// Config holds the connection parameters for the MySQL database.
type Config struct {
	Host     string
	Port     uint16
	Name     string
	User     string
	Password string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// PingTimeout bounds the connectivity check made by Open.
	PingTimeout time.Duration
}

// NewConfigFromSettings builds a Config from the key/value settings. Missing or
// non-numeric required keys are reported as errors.
func NewConfigFromSettings(s config.Settings) (*Config, error) {
	var errs []error
	get := func(key string) string {
		v, err := s.Required(key)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	cfg := &Config{
		Host:            get(config.KeyDatabaseHost),
		Name:            get(config.KeyDatabaseName),
		User:            get(config.KeyDatabaseUser),
		Password:        get(config.KeyDatabasePassword),
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		PingTimeout:     5 * time.Second,
	}
	port, err := s.Port(config.KeyDatabasePort)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Port = port

	maxOpen, err := s.Int(config.KeyDatabaseMaxConns, 4)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.MaxOpenConns = maxOpen

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Address returns host:port, used for logging the connection target.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// DSN returns the MySQL driver data source name for this config.
func (c *Config) DSN() string {
	mc := mysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = c.Address()
	mc.DBName = c.Name
	mc.ParseTime = true
	return mc.FormatDSN()
}

// Gateway is a pooled handle exposing one operation: Execute.
// It is safe for concurrent use.
type Gateway struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open makes a single attempt to connect to the database described by cfg. The
// pool is verified with a ping, so a nil error means the database was reachable.
// Failures wrap ErrConnection.
func Open(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Gateway, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx := ctx
	if cfg.PingTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.PingTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	return NewGateway(db, logger.With().Str("database", cfg.Address()).Logger()), nil
}

// NewGateway wraps an existing pool.
func NewGateway(db *sql.DB, logger zerolog.Logger) *Gateway {
	return &Gateway{
		db:     db,
		logger: logger.With().Str("component", "DatabaseGateway").Logger(),
	}
}

// Execute runs statement on a connection borrowed from the pool. The connection
// is returned to the pool whatever the outcome. Errors wrap ErrConnection when no
// connection could be acquired and ErrQuery when the statement itself failed.
// Nothing is retried.
func (g *Gateway) Execute(ctx context.Context, statement string, args ...any) error {
	conn, err := g.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			g.logger.Warn().Err(cerr).Msg("Failed to release database connection.")
		}
	}()

	if _, err := conn.ExecContext(ctx, statement, args...); err != nil {
		return fmt.Errorf("%w: %w", ErrQuery, err)
	}
	return nil
}

// Close closes the underlying pool.
func (g *Gateway) Close() error {
	g.logger.Info().Msg("Closing database connection pool.")
	return g.db.Close()
}
