package fleeterr

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesKind(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"not found", NotFound(CodeInstanceNotFound, "Instance 'web/0' not found"), ErrNotFound},
		{"invalid state", InvalidState(CodeTaskInvalidState, "bad"), ErrInvalidState},
		{"lock timeout", LockTimeout("deployment:foo", ""), ErrLockTimeout},
		{"cancelled", Cancelled(42), ErrCancelled},
		{"validation", Validation(CodeBadManifest, "bad manifest"), ErrValidation},
		{"transient", New(CodeRPCTimeout, KindTransient, "timeout"), ErrTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.NotErrorIs(t, wrapped, errors.New("other"))
		})
	}
}

func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("attach: %w", NotFound(CodeAttachDiskErrorUnknownInstance, "missing"))
	assert.Equal(t, CodeAttachDiskErrorUnknownInstance, CodeOf(err))
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, CodeSystemError, CodeOf(errors.New("plain")))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestCancelledMessage(t *testing.T) {
	err := Cancelled(7)
	assert.Equal(t, "Task 7 cancelled", err.Error())
	assert.True(t, IsCancelled(err))
}

func TestLockTimeoutMessage(t *testing.T) {
	assert.Equal(t, "Failed to acquire lock for deployment:foo", LockTimeout("deployment:foo", "").Error())
	assert.Equal(t, "Failed to acquire lock for deployment:foo. Locking task id is 3",
		LockTimeout("deployment:foo", "3").Error())
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(CodeSystemError, KindTransient, cause, "db write failed")
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, "db write failed", err.Error())
}

func TestMulti(t *testing.T) {
	t.Run("empty is nil", func(t *testing.T) {
		m := &Multi{Op: "delete orphan disks"}
		assert.NoError(t, m.ErrorOrNil())
	})

	t.Run("single error message passes through", func(t *testing.T) {
		m := &Multi{Op: "delete orphan disks"}
		m.Append(errors.New("Bad stuff happened!"))
		require.Error(t, m.ErrorOrNil())
		assert.Equal(t, "Bad stuff happened!", m.ErrorOrNil().Error())
	})

	t.Run("concurrent appends", func(t *testing.T) {
		m := &Multi{Op: "delete orphan disks"}
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				m.Append(NotFound(CodeResourceNotFound, "disk-%d", i))
			}(i)
		}
		wg.Wait()
		err := m.ErrorOrNil()
		require.Error(t, err)
		assert.Len(t, m.Errors, 20)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Contains(t, err.Error(), "delete orphan disks: 20 error(s)")
	})
}
