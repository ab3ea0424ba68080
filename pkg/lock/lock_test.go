package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/store"
	"github.com/3leaps/gofleet/pkg/store/storetest"
)

func newSQLManager(t *testing.T, opts ...Option) (*Manager, *store.DB) {
	t.Helper()
	db := storetest.New(t)
	opts = append([]Option{WithPollInterval(10 * time.Millisecond)}, opts...)
	return NewManager(NewSQLBackend(db), opts...), db
}

func TestLockNames(t *testing.T) {
	assert.Equal(t, "deployment:web", Deployment("web"))
	assert.Equal(t, "release:nginx", Release("nginx"))
	assert.Equal(t, "network:private", Network("private"))
	assert.Equal(t, "orphan_vm_cleanup:vm-1", OrphanVMCleanup("vm-1"))
	assert.Equal(t, "deployment", lockKind(Deployment("web")))
}

func TestWithLockReleasesOnError(t *testing.T) {
	ctx := context.Background()
	m, db := newSQLManager(t)

	boom := errors.New("boom")
	err := m.WithLock(ctx, Deployment("web"), time.Second, func(ctx context.Context) error {
		held, err := store.GetLock(ctx, db, Deployment("web"))
		require.NoError(t, err)
		require.NotNil(t, held)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	held, err := store.GetLock(ctx, db, Deployment("web"))
	require.NoError(t, err)
	assert.Nil(t, held)
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	ctx := context.Background()
	m, db := newSQLManager(t)

	assert.Panics(t, func() {
		_ = m.WithLock(ctx, Release("nginx"), time.Second, func(context.Context) error {
			panic("job crashed")
		})
	})

	held, err := store.GetLock(ctx, db, Release("nginx"))
	require.NoError(t, err)
	assert.Nil(t, held)
}

func TestLockTimeoutNamesHolder(t *testing.T) {
	ctx := context.Background()
	m, _ := newSQLManager(t)
	holder := m.ForTask(7)
	waiter := m.ForTask(8)

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = holder.WithLock(ctx, Deployment("web"), time.Second, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	err := waiter.WithLock(ctx, Deployment("web"), 50*time.Millisecond, func(context.Context) error {
		t.Fatal("must not run")
		return nil
	})
	close(release)

	require.Error(t, err)
	assert.ErrorIs(t, err, fleeterr.ErrLockTimeout)
	assert.Equal(t, fleeterr.CodeLockTimeout, fleeterr.CodeOf(err))
	assert.Equal(t, "Failed to acquire lock for deployment:web. Locking task id is 7", err.Error())
}

func TestWithLockSerializesHolders(t *testing.T) {
	ctx := context.Background()
	m, _ := newSQLManager(t)

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			err := m.ForTask(id).WithLock(ctx, Deployment("web"), 5*time.Second, func(context.Context) error {
				n := active.Add(1)
				for {
					cur := maxActive.Load()
					if n <= cur || maxActive.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				active.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}(int64(i + 1))
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestWithLocksAcquiresAll(t *testing.T) {
	ctx := context.Background()
	m, _ := newSQLManager(t)

	err := m.WithLocks(ctx, []string{Release("b"), Release("a")}, time.Second, func(ctx context.Context) error {
		locks, err := m.Backend().List(ctx)
		require.NoError(t, err)
		require.Len(t, locks, 2)
		assert.Equal(t, "release:a", locks[0].Name)
		return nil
	})
	require.NoError(t, err)

	locks, err := m.Backend().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestLeaseIsRenewedWhileHeld(t *testing.T) {
	ctx := context.Background()
	m, _ := newSQLManager(t, WithExpiry(100*time.Millisecond))
	other := NewManager(m.Backend(), WithPollInterval(10*time.Millisecond))

	err := m.WithLock(ctx, Network("private"), time.Second, func(ctx context.Context) error {
		time.Sleep(300 * time.Millisecond)
		_, err := other.Acquire(ctx, Network("private"), 20*time.Millisecond)
		assert.ErrorIs(t, err, fleeterr.ErrLockTimeout)
		return nil
	})
	require.NoError(t, err)
}

// stealBackend refuses every renewal, as if another holder took over.
type stealBackend struct {
	Backend
}

func (stealBackend) Renew(context.Context, Claim, time.Duration) (bool, error) { return false, nil }

func TestLostLeaseCancelsHolder(t *testing.T) {
	ctx := context.Background()
	db := storetest.New(t)
	m := NewManager(stealBackend{NewSQLBackend(db)}, WithExpiry(40*time.Millisecond))

	err := m.WithLock(ctx, Deployment("web"), time.Second, func(ctx context.Context) error {
		<-ctx.Done()
		return context.Cause(ctx)
	})
	assert.ErrorIs(t, err, ErrLockLost)
}

func TestAcquireHonoursContext(t *testing.T) {
	m, _ := newSQLManager(t)
	l, err := m.Acquire(context.Background(), Deployment("web"), time.Second)
	require.NoError(t, err)
	defer func() { _ = l.Release() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Acquire(ctx, Deployment("web"), time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
