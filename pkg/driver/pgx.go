package driver

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dbpoold/dbpoold/pkg/pool"
)

const pgxCloseTimeout = 5 * time.Second

// PgxResource is a native PostgreSQL connection.
type PgxResource struct {
	conn *pgx.Conn
}

// NewPgxFactory returns a factory opening native pgx connections. The
// driver.url is a PostgreSQL connection string; props override its user,
// password, database and connect_timeout, and any other prop becomes a
// runtime parameter.
func NewPgxFactory() pool.Factory {
	return func(ctx context.Context, connString string, props map[string]string) (pool.Resource, error) {
		cfg, err := pgxConfig(connString, props)
		if err != nil {
			return nil, err
		}

		conn, err := pgx.ConnectConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return &PgxResource{conn: conn}, nil
	}
}

func pgxConfig(connString string, props map[string]string) (*pgx.ConnConfig, error) {
	cfg, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	for k, v := range props {
		switch k {
		case "user":
			cfg.User = v
		case "password":
			cfg.Password = v
		case "database", "dbname":
			cfg.Database = v
		case "connect_timeout":
			secs, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid connect_timeout %q: %w", v, err)
			}
			cfg.ConnectTimeout = time.Duration(secs) * time.Second
		default:
			if cfg.RuntimeParams == nil {
				cfg.RuntimeParams = make(map[string]string)
			}
			cfg.RuntimeParams[k] = v
		}
	}
	return cfg, nil
}

// Conn returns the underlying connection.
func (r *PgxResource) Conn() *pgx.Conn {
	return r.conn
}

func (r *PgxResource) Ping(ctx context.Context) error {
	return r.conn.Ping(ctx)
}

func (r *PgxResource) Probe(ctx context.Context, statement string) error {
	_, err := r.conn.Exec(ctx, statement)
	return err
}

func (r *PgxResource) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), pgxCloseTimeout)
	defer cancel()
	return r.conn.Close(ctx)
}
