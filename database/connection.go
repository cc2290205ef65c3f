package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

type DatabaseConfig struct {
	Host     string
	User     string
	Password string
	DBName   string
}

func (c DatabaseConfig) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = c.Host
	cfg.DBName = c.DBName
	cfg.ParseTime = true
	cfg.MultiStatements = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN()
}

type Connection struct {
	db  *sql.DB
	now func() time.Time
}

func NewConnection(config DatabaseConfig) (*Connection, error) {
	db, err := sql.Open("mysql", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	conn := NewConnectionFromDB(db)

	if err := conn.ensureConnection(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return conn, nil
}

// NewConnectionFromDB wraps an already opened pool.
func NewConnectionFromDB(db *sql.DB) *Connection {
	return &Connection{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// LockCheckout takes the named checkout lock. A lock older than five minutes
// is considered abandoned and is taken over.
func (c *Connection) LockCheckout(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := c.db.ExecContext(ctx, `
		INSERT INTO checkout_locks (lock_key, locked_at)
		VALUES (?, NOW())
		ON DUPLICATE KEY UPDATE
		locked_at = IF(locked_at < NOW() - INTERVAL 5 MINUTE, NOW(), locked_at)
	`, key)
	if err != nil {
		return false, fmt.Errorf("error acquiring lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows > 0, nil
}

func (c *Connection) ReleaseLock(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.db.ExecContext(ctx, `DELETE FROM checkout_locks WHERE lock_key = ?`, key)
	if err != nil {
		return fmt.Errorf("error releasing lock: %w", err)
	}

	return nil
}

func (c *Connection) ensureConnection(ctx context.Context) error {
	var lastErr error
	for retries := 0; retries < 3; retries++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		lastErr = c.db.PingContext(pingCtx)
		cancel()

		if lastErr == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second * time.Duration(retries+1)):
		}
	}
	return fmt.Errorf("failed to establish database connection after 3 attempts: %w", lastErr)
}

func (c *Connection) Close() error {
	return c.db.Close()
}

func (c *Connection) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Connection) GetDB() *sql.DB {
	return c.db
}

func (c *Connection) BeginTransaction(ctx context.Context) (*Transaction, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Transaction{tx: tx, now: c.now}, nil
}
