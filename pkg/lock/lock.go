// Package lock serializes conflicting mutations across director processes.
//
// Locks are named after the resource they guard (deployment:<name>,
// release:<name>, network:<name>, orphan_vm_cleanup:<cid>). They are
// advisory, not reentrant, and carry an expiry that a background goroutine
// keeps extending while the holder runs. A crashed holder therefore blocks
// others only until its lease expires.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/telemetry"
)

const (
	DefaultExpiry       = 10 * time.Second
	DefaultPollInterval = 500 * time.Millisecond

	releaseTimeout = 5 * time.Second
)

// ErrLockLost is the cancellation cause seen by a holder whose lease could
// not be renewed.
var ErrLockLost = errors.New("lock lost")

// Claim identifies one holder of a named lock.
type Claim struct {
	Name   string
	Owner  string
	TaskID string
}

// Held describes a currently held lock.
type Held struct {
	Name      string    `json:"name"`
	TaskID    string    `json:"task_id"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Backend stores lock leases.
type Backend interface {
	TryAcquire(ctx context.Context, c Claim, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, c Claim, ttl time.Duration) (bool, error)
	Release(ctx context.Context, c Claim) error
	Holder(ctx context.Context, name string) (*Held, error)
	List(ctx context.Context) ([]Held, error)
}

// Lock names.
func Deployment(name string) string         { return "deployment:" + name }
func Release(name string) string            { return "release:" + name }
func Network(name string) string            { return "network:" + name }
func OrphanVMCleanup(cid string) string     { return "orphan_vm_cleanup:" + cid }
func CompileLock(fingerprint string) string { return "compile:" + fingerprint }

// Manager acquires and releases named locks.
type Manager struct {
	backend      Backend
	expiry       time.Duration
	pollInterval time.Duration
	taskID       string
	logger       *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithExpiry(d time.Duration) Option       { return func(m *Manager) { m.expiry = d } }
func WithPollInterval(d time.Duration) Option { return func(m *Manager) { m.pollInterval = d } }
func WithLogger(l *zap.Logger) Option         { return func(m *Manager) { m.logger = l } }

// NewManager returns a Manager over backend.
func NewManager(backend Backend, opts ...Option) *Manager {
	m := &Manager{
		backend:      backend,
		expiry:       DefaultExpiry,
		pollInterval: DefaultPollInterval,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.expiry <= 0 {
		m.expiry = DefaultExpiry
	}
	if m.pollInterval <= 0 {
		m.pollInterval = DefaultPollInterval
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// ForTask returns a copy that records taskID as the holder of the locks it
// acquires, so that waiters can report who blocks them.
func (m *Manager) ForTask(taskID int64) *Manager {
	cp := *m
	cp.taskID = strconv.FormatInt(taskID, 10)
	return &cp
}

// Backend exposes the lease store, e.g. for listing held locks.
func (m *Manager) Backend() Backend { return m.backend }

// Lock is an acquired lease.
type Lock struct {
	m     *Manager
	claim Claim
	stop  context.CancelFunc
	done  chan struct{}
}

// Acquire waits up to timeout for name. On timeout it returns a lock
// timeout error naming the task that holds the lock, if known.
func (m *Manager) Acquire(ctx context.Context, name string, timeout time.Duration) (*Lock, error) {
	claim := Claim{Name: name, Owner: uuid.NewString(), TaskID: m.taskID}
	kind := lockKind(name)
	start := time.Now()
	deadline := start.Add(timeout)

	ctx, span := telemetry.StartSpan(ctx, "lock.acquire", "lock.name", name)
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	for {
		var ok bool
		ok, err = m.backend.TryAcquire(ctx, claim, m.expiry)
		if err != nil {
			err = fmt.Errorf("acquire lock %s: %w", name, err)
			return nil, err
		}
		if ok {
			telemetry.LockWaitSeconds.WithLabelValues(kind).Observe(time.Since(start).Seconds())
			m.logger.Debug("acquired lock", zap.String("lock", name), zap.String("task_id", m.taskID))
			return &Lock{m: m, claim: claim}, nil
		}

		if !time.Now().Before(deadline) {
			telemetry.LockTimeouts.WithLabelValues(kind).Inc()
			holder := ""
			if h, herr := m.backend.Holder(ctx, name); herr == nil && h != nil {
				holder = h.TaskID
			}
			err = fleeterr.LockTimeout(name, holder)
			return nil, err
		}

		wait := m.pollInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			return nil, err
		case <-time.After(wait):
		}
	}
}

// keepAlive renews the lease every expiry/2 until the lock is released.
// When a renewal is refused, lost is called with ErrLockLost.
func (l *Lock) keepAlive(lost context.CancelCauseFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	l.stop = cancel
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.m.expiry / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := l.m.backend.Renew(ctx, l.claim, l.m.expiry)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					l.m.logger.Warn("lock renewal failed", zap.String("lock", l.claim.Name), zap.Error(err))
					continue
				}
				if !ok {
					l.m.logger.Error("lock lost", zap.String("lock", l.claim.Name))
					lost(fmt.Errorf("%w: %s", ErrLockLost, l.claim.Name))
					return
				}
			}
		}
	}()
}

// Release gives the lease back. It runs on its own short context so a
// cancelled caller still releases.
func (l *Lock) Release() error {
	if l.stop != nil {
		l.stop()
		<-l.done
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := l.m.backend.Release(ctx, l.claim); err != nil {
		return fmt.Errorf("release lock %s: %w", l.claim.Name, err)
	}
	l.m.logger.Debug("released lock", zap.String("lock", l.claim.Name))
	return nil
}

// Name returns the lock name.
func (l *Lock) Name() string { return l.claim.Name }

// WithLock runs fn while holding name. The lock is released when fn
// returns, fails or panics. fn's context is cancelled with ErrLockLost if
// the lease cannot be renewed.
func (m *Manager) WithLock(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	return m.WithLocks(ctx, []string{name}, timeout, fn)
}

// WithLocks acquires every name in sorted order, runs fn, then releases in
// reverse order. Sorting keeps two tasks needing overlapping sets from
// deadlocking.
func (m *Manager) WithLocks(ctx context.Context, names []string, timeout time.Duration, fn func(ctx context.Context) error) (err error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	lockCtx, lost := context.WithCancelCause(ctx)
	defer lost(nil)

	held := make([]*Lock, 0, len(sorted))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			if rerr := held[i].Release(); rerr != nil {
				m.logger.Warn("failed to release lock", zap.String("lock", held[i].Name()), zap.Error(rerr))
				if err == nil {
					err = rerr
				}
			}
		}
	}()

	for _, name := range sorted {
		l, aerr := m.Acquire(ctx, name, timeout)
		if aerr != nil {
			return aerr
		}
		l.keepAlive(lost)
		held = append(held, l)
	}

	err = fn(lockCtx)
	if err == nil {
		if cause := context.Cause(lockCtx); errors.Is(cause, ErrLockLost) {
			err = cause
		}
	}
	return err
}

func lockKind(name string) string {
	if i := strings.IndexByte(name, ':'); i > 0 {
		return name[:i]
	}
	return name
}
