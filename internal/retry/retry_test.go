package retry

import (
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsTransientNilError(t *testing.T) {
	assert.False(t, IsTransient(nil))
}

func TestIsTransientConnectionRefused(t *testing.T) {
	err := &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
	assert.True(t, IsTransient(err))
}

func TestIsTransientUnknownErrorIsNotRetried(t *testing.T) {
	assert.False(t, IsTransient(errors.New("malformed handshake")))
}

func TestBudgetNotExpiredBeforeDeadline(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBudget(now, 3*time.Second)
	assert.False(t, b.Expired(now.Add(2*time.Second)))
}

func TestBudgetExpiredAtOrAfterDeadline(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBudget(now, 3*time.Second)
	assert.True(t, b.Expired(now.Add(3*time.Second)))
	assert.True(t, b.Expired(now.Add(4*time.Second)))
}
