package locks

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHolderIDFormat(t *testing.T) {
	id := NewHolderID("worker")

	parts := strings.Split(id, ":")
	require.Len(t, parts, 4)
	assert.Equal(t, "worker", parts[0])
	assert.NotEmpty(t, parts[1])
	assert.Equal(t, fmt.Sprintf("%d", os.Getpid()), parts[2])
	assert.Len(t, parts[3], 8)
}

func TestNewHolderIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewHolderID("worker")
		assert.False(t, seen[id], "holder id repeated: %s", id)
		seen[id] = true
	}
}

func TestAcquireQueryShape(t *testing.T) {
	// The CAS condition is the load-bearing part: takeover only on expiry or
	// same-holder re-acquire.
	assert.Contains(t, acquireQuery, "ON CONFLICT (lock_name) DO UPDATE")
	assert.Contains(t, acquireQuery, "distributed_locks.expires_at < $3")
	assert.Contains(t, acquireQuery, "distributed_locks.holder_id = EXCLUDED.holder_id")
}
