package lock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
)

// PostgresLocker uses session-level advisory locks. The lock belongs to the database
// session, so each lease pins one pooled connection until it is released.
type PostgresLocker struct {
	db *sql.DB
}

// NewPostgresLocker creates a locker on top of the given pool
func NewPostgresLocker(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{db: db}
}

// TryAcquire implements Locker
func (l *PostgresLocker) TryAcquire(ctx context.Context, key string) (Lease, bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get connection: %w", err)
	}

	var ok bool
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock(hashtextextended($1, 0))", key).Scan(&ok)
	if err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("failed to try advisory lock: %w", err)
	}
	if !ok {
		conn.Close()
		return nil, false, nil
	}

	return &postgresLease{conn: conn, key: key}, true, nil
}

type postgresLease struct {
	conn *sql.Conn
	key  string
}

func (p *postgresLease) Release(ctx context.Context) error {
	var unlocked bool
	err := p.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock(hashtextextended($1, 0))", p.key).Scan(&unlocked)
	if err != nil || !unlocked {
		// The session may still hold the lock; drop the connection instead of
		// returning it to the pool so the server ends the session.
		_ = p.conn.Raw(func(any) error { return driver.ErrBadConn })
		p.conn.Close()
		if err != nil {
			return fmt.Errorf("failed to release advisory lock: %w", err)
		}
		return fmt.Errorf("advisory lock %s was not held", p.key)
	}
	return p.conn.Close()
}
