package locking

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresLocker struct {
	pool *pgxpool.Pool
}

// NewPostgresLocker uses session level advisory locks. Each held lock pins one pooled
// connection until it is released.
func NewPostgresLocker(ctx context.Context, dsn string) (Locker, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	logging.GetFromContext(ctx).Info("using postgres advisory locks for partition locks")

	return &postgresLocker{pool: pool}, nil
}

func advisoryKey(name string) int64 {
	return int64(xxhash.Sum64String(etcdKeyPrefix + name))
}

func (l *postgresLocker) TryLock(ctx context.Context, name string) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection: %w", err)
	}

	key := advisoryKey(name)

	var acquired bool
	err = conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired)
	if err != nil || !acquired {
		conn.Release()
		return nil, false, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			defer conn.Release()

			_, err := conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", key)
			if err != nil {
				logging.GetFromContext(ctx).Error("failed to release advisory lock", "lock", name, "err", err.Error())
				// a connection that may still hold the lock must not go back into the pool
				conn.Conn().Close(context.WithoutCancel(ctx))
			}
		})
	}

	return release, true, nil
}

func (l *postgresLocker) Close() error {
	l.pool.Close()
	return nil
}
