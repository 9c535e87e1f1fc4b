package clima

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// TableName is the table readings are written to.
const TableName = "clima"

const createTableStatement = `CREATE TABLE IF NOT EXISTS clima (
	id INT NOT NULL AUTO_INCREMENT PRIMARY KEY,
	date_time DATETIME DEFAULT CURRENT_TIMESTAMP,
	temperature DECIMAL(5,2),
	humidity DECIMAL(5,2)
)`

const insertStatement = `INSERT INTO clima (temperature, humidity) VALUES (?, ?)`

// Executor runs a single statement. *database.Gateway satisfies it.
type Executor interface {
	Execute(ctx context.Context, statement string, args ...any) error
}

// ReadingStore writes readings to the clima table.
type ReadingStore struct {
	db     Executor
	logger zerolog.Logger
}

// NewReadingStore creates a ReadingStore on top of db.
func NewReadingStore(db Executor, logger zerolog.Logger) (*ReadingStore, error) {
	if db == nil {
		return nil, errors.New("executor cannot be nil")
	}
	return &ReadingStore{
		db:     db,
		logger: logger.With().Str("component", "ReadingStore").Str("table", TableName).Logger(),
	}, nil
}

// EnsureTable creates the clima table if it does not exist yet.
func (s *ReadingStore) EnsureTable(ctx context.Context) error {
	if err := s.db.Execute(ctx, createTableStatement); err != nil {
		return fmt.Errorf("failed to create table %s: %w", TableName, err)
	}
	s.logger.Info().Msg("Table is ready.")
	return nil
}

// Insert writes one row. Temperature and humidity are stored to two decimal places.
func (s *ReadingStore) Insert(ctx context.Context, r *Reading) error {
	if r == nil {
		return errors.New("reading cannot be nil")
	}
	if err := s.db.Execute(ctx, insertStatement, FormatDecimal(r.Temperature), FormatDecimal(r.Humidity)); err != nil {
		return fmt.Errorf("failed to store %s: %w", r, err)
	}
	s.logger.Debug().Stringer("reading", r).Msg("Reading stored.")
	return nil
}
