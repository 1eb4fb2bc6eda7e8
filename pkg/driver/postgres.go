package driver

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Registers the postgres database/sql driver
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// postgresDriver executes queries over database/sql against Postgres
type postgresDriver struct {
	log          logrus.FieldLogger
	db           *sql.DB
	queryTimeout time.Duration
}

// NewPostgres creates a driver backed by a Postgres connection
func NewPostgres(log logrus.FieldLogger, cfg *Config) (Driver, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	// One Driver holds one connection; pooling happens a layer above
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(30 * time.Second)

	return &postgresDriver{
		log:          log.WithField("component", "driver.postgres"),
		db:           db,
		queryTimeout: cfg.QueryTimeout,
	}, nil
}

func (d *postgresDriver) Query(ctx context.Context, query string) ([]Row, error) {
	queryCtx, cancel := d.withTimeout(ctx)
	defer cancel()

	rows, err := d.db.QueryContext(queryCtx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			d.log.WithError(closeErr).Debug("Failed to close rows")
		}
	}()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var result []Row

	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}

		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}

		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}

	return result, nil
}

func (d *postgresDriver) Execute(ctx context.Context, query string) error {
	execCtx, cancel := d.withTimeout(ctx)
	defer cancel()

	if _, err := d.db.ExecContext(execCtx, query); err != nil {
		return fmt.Errorf("statement failed: %w", err)
	}

	return nil
}

func (d *postgresDriver) Ping(ctx context.Context) error {
	pingCtx, cancel := d.withTimeout(ctx)
	defer cancel()

	return d.db.PingContext(pingCtx)
}

func (d *postgresDriver) Close() error {
	return d.db.Close()
}

func (d *postgresDriver) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, d.queryTimeout)
}

var _ Driver = (*postgresDriver)(nil)
