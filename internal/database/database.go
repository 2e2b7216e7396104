package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"coupon-required-products/internal/models"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// RequiredProductsMetaKey is the coupon meta key holding the required-products value.
const RequiredProductsMetaKey = "required_products"

// ErrNotFound is returned when a coupon or meta row does not exist.
var ErrNotFound = errors.New("database: not found")

// DB wraps the database connection and provides methods for data access.
type DB struct {
	conn   *sql.DB
	driver string
}

// NewDB opens a SQLite database file and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	return Open(DriverSQLite, dbPath)
}

// Open connects with the given driver and initializes the schema. For SQLite
// the DSN is a file path; for Postgres it is a connection URL.
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite:
		dsn += "?_foreign_keys=1"
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverPostgres {
		conn.SetMaxOpenConns(20)
		conn.SetMaxIdleConns(10)
		conn.SetConnMaxLifetime(time.Hour)
	}

	db := &DB{conn: conn, driver: driver}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS coupons (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS coupon_meta (
			coupon_id TEXT NOT NULL REFERENCES coupons(id) ON DELETE CASCADE,
			meta_key TEXT NOT NULL,
			meta_value TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (coupon_id, meta_key)
		)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// UpsertCoupon creates or updates a coupon.
func (db *DB) UpsertCoupon(ctx context.Context, coupon models.Coupon) error {
	now := time.Now().UTC().Format(time.RFC3339)

	query := `INSERT INTO coupons (id, code, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx, db.rebind(query), coupon.ID, coupon.Code, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert coupon: %w", err)
	}

	return nil
}

// GetCoupon returns a coupon by ID.
func (db *DB) GetCoupon(ctx context.Context, id string) (models.Coupon, error) {
	query := `SELECT id, code, created_at, updated_at FROM coupons WHERE id = ?`

	var coupon models.Coupon
	var createdAtStr, updatedAtStr string
	err := db.conn.QueryRowContext(ctx, db.rebind(query), id).Scan(
		&coupon.ID,
		&coupon.Code,
		&createdAtStr,
		&updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Coupon{}, ErrNotFound
	}
	if err != nil {
		return models.Coupon{}, fmt.Errorf("failed to get coupon: %w", err)
	}

	coupon.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return models.Coupon{}, fmt.Errorf("failed to parse created_at: %w", err)
	}

	coupon.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return models.Coupon{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return coupon, nil
}

// SetCouponMeta stores a single meta value for a coupon, replacing any
// previous value under the same key.
func (db *DB) SetCouponMeta(ctx context.Context, couponID, key, value string) error {
	query := `INSERT INTO coupon_meta (coupon_id, meta_key, meta_value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(coupon_id, meta_key) DO UPDATE SET
			meta_value = excluded.meta_value,
			updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx, db.rebind(query),
		couponID,
		key,
		value,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to set coupon meta %s: %w", key, err)
	}

	return nil
}

// GetCouponMeta returns a coupon meta value, or ErrNotFound when unset.
func (db *DB) GetCouponMeta(ctx context.Context, couponID, key string) (string, error) {
	query := `SELECT meta_value FROM coupon_meta WHERE coupon_id = ? AND meta_key = ?`

	var value string
	err := db.conn.QueryRowContext(ctx, db.rebind(query), couponID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get coupon meta %s: %w", key, err)
	}

	return value, nil
}

// rebind rewrites '?' placeholders to '$n' for Postgres.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	return rebindDollar(query)
}

func rebindDollar(query string) string {
	var sb strings.Builder
	sb.Grow(len(query) + 8)

	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
