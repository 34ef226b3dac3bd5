package storeindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/imagingworks/seriesrelay/internal/seriesrelay"
)

const (
	postgresIndexTableName    = "seriesrelay_index"
	postgresOperationTimeout  = 5 * time.Second
	postgresResourceURLColumn = "resource_url"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresChecker queries the storage backend's series index table directly.
// The connection is opened lazily on first use.
type PostgresChecker struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresChecker(dsn string) (*PostgresChecker, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresChecker{
		dsn:       dsn,
		tableName: postgresIndexTableName,
		openDB:    sql.Open,
	}, nil
}

func (c *PostgresChecker) CheckSeries(ctx context.Context, source, seriesUID string) (*seriesrelay.FoundResource, error) {
	if err := c.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT resource_id, %s FROM %s WHERE source = $1 AND series_instance_uid = $2",
		postgresResourceURLColumn, postgresQuoteIdentifier(c.tableName))
	var resource seriesrelay.FoundResource
	err := c.db.QueryRowContext(ctx, query, source, seriesUID).Scan(&resource.ID, &resource.URL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &resource, nil
}

// Index records a series as present, for the ingestion side of the dev loop.
func (c *PostgresChecker) Index(ctx context.Context, key seriesrelay.SeriesKey, resource seriesrelay.FoundResource) error {
	if err := c.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (source, series_instance_uid, resource_id, resource_url, indexed_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (source, series_instance_uid)
		DO UPDATE SET resource_id = EXCLUDED.resource_id, resource_url = EXCLUDED.resource_url, indexed_at = NOW()`,
		postgresQuoteIdentifier(c.tableName))
	_, err := c.db.ExecContext(ctx, query, key.Source, key.SeriesUID, resource.ID, resource.URL)
	return err
}

func (c *PostgresChecker) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *PostgresChecker) ensureReady() error {
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		schema := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				source TEXT NOT NULL,
				series_instance_uid TEXT NOT NULL,
				resource_id TEXT NOT NULL,
				resource_url TEXT NOT NULL DEFAULT '',
				indexed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (source, series_instance_uid)
			)`, postgresQuoteIdentifier(c.tableName))
		if _, err := db.ExecContext(ctx, schema); err != nil {
			c.initErr = err
			_ = db.Close()
			return
		}
		c.db = db
	})
	return c.initErr
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
