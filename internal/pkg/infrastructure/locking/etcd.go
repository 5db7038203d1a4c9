package locking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const etcdKeyPrefix string = "/odata-broker/locks/"

type etcdLocker struct {
	client  *clientv3.Client
	session *concurrency.Session
}

// NewEtcdLocker excludes every broker instance sharing the same etcd cluster. Locks are
// bound to a session lease so that a crashed holder releases them after ttl.
func NewEtcdLocker(ctx context.Context, endpoints []string, ttl time.Duration) (Locker, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Context:     ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	seconds := int(ttl.Seconds())
	if seconds < 1 {
		seconds = 1
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(seconds))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	logging.GetFromContext(ctx).Info("using etcd for partition locks", "endpoints", endpoints)

	return &etcdLocker{client: client, session: session}, nil
}

func (l *etcdLocker) TryLock(ctx context.Context, name string) (func(), bool, error) {
	m := concurrency.NewMutex(l.session, etcdKeyPrefix+name)

	err := m.TryLock(ctx)
	if errors.Is(err, concurrency.ErrLocked) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// the caller's context may already be done, the lease still needs to go
			unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()

			if err := m.Unlock(unlockCtx); err != nil {
				logging.GetFromContext(ctx).Error("failed to release etcd lock", "lock", name, "err", err.Error())
			}
		})
	}

	return release, true, nil
}

func (l *etcdLocker) Close() error {
	return errors.Join(l.session.Close(), l.client.Close())
}
