package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dbpoold/dbpoold/pkg/pool"
)

// SQLResource is a single connection obtained through database/sql. The
// owning *sql.DB is limited to that one connection.
type SQLResource struct {
	db   *sql.DB
	conn *sql.Conn
}

// NewSQLFactory returns a factory opening connections with the named
// database/sql driver. Props are appended to the DSN as query parameters.
func NewSQLFactory(driverName string) pool.Factory {
	return func(ctx context.Context, dsn string, props map[string]string) (pool.Resource, error) {
		db, err := sql.Open(driverName, withProps(dsn, props))
		if err != nil {
			return nil, fmt.Errorf("failed to open %s database: %w", driverName, err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)

		conn, err := db.Conn(ctx)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
		if err := conn.PingContext(ctx); err != nil {
			conn.Close()
			db.Close()
			return nil, fmt.Errorf("failed to ping: %w", err)
		}

		return &SQLResource{db: db, conn: conn}, nil
	}
}

// Conn returns the underlying connection.
func (r *SQLResource) Conn() *sql.Conn {
	return r.conn
}

func (r *SQLResource) Ping(ctx context.Context) error {
	return r.conn.PingContext(ctx)
}

func (r *SQLResource) Probe(ctx context.Context, statement string) error {
	_, err := r.conn.ExecContext(ctx, statement)
	return err
}

func (r *SQLResource) Close() error {
	return errors.Join(r.conn.Close(), r.db.Close())
}

// withProps appends props to dsn as query parameters in key order.
func withProps(dsn string, props map[string]string) string {
	if len(props) == 0 {
		return dsn
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(dsn)
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, k := range keys {
		b.WriteString(sep)
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(props[k]))
		sep = "&"
	}
	return b.String()
}
