// Package database provides a PostgreSQL-backed point store for buffered
// location samples with connection pooling, migrations and health checks.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"

	"github.com/stuartshay/path-worker/internal/store"
)

const pointsTable = "location_points"

// Client wraps a PostgreSQL database connection scoped to one device
type Client struct {
	db       *sql.DB
	deviceID string
	psql     sq.StatementBuilderType
}

var _ store.PointStore = (*Client)(nil)

// NewClient creates a new database client with connection pooling
func NewClient(dsn, deviceID string) (*Client, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (also failed to close: %w)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newClient(db, deviceID), nil
}

func newClient(db *sql.DB, deviceID string) *Client {
	return &Client{
		db:       db,
		deviceID: deviceID,
		psql:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// HealthCheck verifies database connectivity
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Insert appends a point for the client's device
func (c *Client) Insert(ctx context.Context, p store.Point) (store.Point, error) {
	query, args, err := c.insertPoint(p).ToSql()
	if err != nil {
		return store.Point{}, fmt.Errorf("build insert: %w", err)
	}

	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&p.ID); err != nil {
		return store.Point{}, fmt.Errorf("insert failed: %w", err)
	}

	return p, nil
}

// GetAll retrieves every buffered point ordered by timestamp ascending
func (c *Client) GetAll(ctx context.Context) ([]store.Point, error) {
	query, args, err := c.selectPoints().OrderBy("timestamp ASC", "id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }() // nolint:errcheck // Close in defer, error not actionable

	var points []store.Point
	for rows.Next() {
		var p store.Point
		if err := rows.Scan(&p.ID, &p.Latitude, &p.Longitude, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		points = append(points, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return points, nil
}

// GetLatest retrieves the most recent point, or nil when none is buffered
func (c *Client) GetLatest(ctx context.Context) (*store.Point, error) {
	query, args, err := c.selectPoints().OrderBy("timestamp DESC", "id DESC").Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var p store.Point
	err = c.db.QueryRowContext(ctx, query, args...).Scan(&p.ID, &p.Latitude, &p.Longitude, &p.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest query failed: %w", err)
	}

	return &p, nil
}

// Clear deletes every point for the client's device in one statement
func (c *Client) Clear(ctx context.Context) error {
	query, args, err := c.psql.Delete(pointsTable).Where(sq.Eq{"device_id": c.deviceID}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}

	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}

	return nil
}

// Count returns the number of buffered points for the client's device
func (c *Client) Count(ctx context.Context) (int, error) {
	query, args, err := c.psql.Select("COUNT(*)").From(pointsTable).Where(sq.Eq{"device_id": c.deviceID}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}

	var count int
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count query failed: %w", err)
	}

	return count, nil
}

func (c *Client) insertPoint(p store.Point) sq.InsertBuilder {
	return c.psql.Insert(pointsTable).
		Columns("device_id", "latitude", "longitude", "timestamp").
		Values(c.deviceID, p.Latitude, p.Longitude, p.Timestamp).
		Suffix("RETURNING id")
}

func (c *Client) selectPoints() sq.SelectBuilder {
	return c.psql.Select("id", "latitude", "longitude", "timestamp").
		From(pointsTable).
		Where(sq.Eq{"device_id": c.deviceID})
}
