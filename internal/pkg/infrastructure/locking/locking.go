package locking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	odataerrors "github.com/diwise/odata-broker/pkg/odata/errors"
)

var tracer = otel.Tracer("odata-broker/locking")

var errLockHeld = fmt.Errorf("lock is held by someone else")

// Locker makes a single non blocking attempt to take a named lock
type Locker interface {
	TryLock(ctx context.Context, name string) (release func(), acquired bool, err error)
	Close() error
}

//go:generate moq -rm -out locker_mock.go . Locker

type Manager struct {
	locker   Locker
	interval time.Duration
	tries    uint
}

func NewManager(locker Locker, retries uint, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	return &Manager{
		locker:   locker,
		interval: interval,
		tries:    retries + 1,
	}
}

// Lock blocks until the named lock is taken or the retries run out. Giving up is
// reported as an overload so that callers stop issuing more mutations.
func (m *Manager) Lock(ctx context.Context, name string) (release func(), err error) {
	ctx, span := tracer.Start(ctx, "lock")
	span.SetAttributes(attribute.String("lock.name", name))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	started := time.Now()

	release, err = backoff.Retry(ctx, func() (func(), error) {
		rel, acquired, err := m.locker.TryLock(ctx, name)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if !acquired {
			return nil, errLockHeld
		}
		return rel, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(m.interval)), backoff.WithMaxTries(m.tries))

	if err != nil {
		log := logging.GetFromContext(ctx)

		if errors.Is(err, errLockHeld) {
			log.Warn("gave up waiting for lock", "lock", name, "waited", time.Since(started).String())
			return nil, odataerrors.NewOverloadError(fmt.Sprintf("unable to lock %s, too many concurrent requests", name))
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, odataerrors.NewTimeoutError(fmt.Sprintf("gave up waiting for lock %s", name))
		}

		log.Error("failed to lock", "lock", name, "err", err.Error())
		return nil, odataerrors.NewInternalError(odataerrors.CodeStoreFailure, fmt.Sprintf("failed to lock %s: %s", name, err.Error()))
	}

	return release, nil
}

func (m *Manager) Close() error {
	return m.locker.Close()
}
