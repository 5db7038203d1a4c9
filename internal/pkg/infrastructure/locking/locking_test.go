package locking

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/matryer/is"

	odataerrors "github.com/diwise/odata-broker/pkg/odata/errors"
)

func TestLocalLockerExcludesSecondHolder(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	l := NewLocalLocker()

	release, ok, err := l.TryLock(ctx, "cell1")
	is.NoErr(err)
	is.True(ok)

	_, ok, _ = l.TryLock(ctx, "cell1")
	is.True(!ok) // the same name must not be taken twice

	other, ok, _ := l.TryLock(ctx, "cell2")
	is.True(ok) // unrelated partitions proceed in parallel
	other()

	release()
	release() // releasing twice is harmless

	_, ok, _ = l.TryLock(ctx, "cell1")
	is.True(ok)
}

func TestManagerGivesUpWithOverload(t *testing.T) {
	is := is.New(t)

	locker := &LockerMock{
		TryLockFunc: func(ctx context.Context, name string) (func(), bool, error) {
			return nil, false, nil
		},
	}

	m := NewManager(locker, 3, time.Millisecond)
	_, err := m.Lock(context.Background(), "cell1")

	is.True(errors.Is(err, odataerrors.ErrOverload))
	is.Equal(len(locker.TryLockCalls()), 4) // one attempt plus three retries
}

func TestManagerRetriesUntilLockIsFree(t *testing.T) {
	is := is.New(t)

	attempts := 0
	locker := &LockerMock{
		TryLockFunc: func(ctx context.Context, name string) (func(), bool, error) {
			attempts++
			return func() {}, attempts == 3, nil
		},
	}

	m := NewManager(locker, 10, time.Millisecond)
	release, err := m.Lock(context.Background(), "cell1")
	is.NoErr(err)
	release()

	is.Equal(attempts, 3)
}

func TestManagerDoesNotRetryBackendFailures(t *testing.T) {
	is := is.New(t)

	locker := &LockerMock{
		TryLockFunc: func(ctx context.Context, name string) (func(), bool, error) {
			return nil, false, fmt.Errorf("connection refused")
		},
	}

	m := NewManager(locker, 10, time.Millisecond)
	_, err := m.Lock(context.Background(), "cell1")

	is.True(err != nil)
	is.True(!errors.Is(err, odataerrors.ErrOverload))
	is.True(odataerrors.IsStorageError(err))
	is.Equal(odataerrors.Code(err), odataerrors.CodeStoreFailure)
	is.Equal(len(locker.TryLockCalls()), 1)
}
