package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLock(t *testing.T) {
	l := NewMemoryLock()
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, "case_1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "case_1")
	require.NoError(t, err)
	assert.False(t, ok, "second run on the same case must wait")

	_, ok, err = l.Acquire(ctx, "case_2")
	require.NoError(t, err)
	assert.True(t, ok, "other cases are independent")

	release()
	release()
	_, ok, err = l.Acquire(ctx, "case_1")
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestRedisLock_Integration requires a running Redis on localhost.
func TestRedisLock_Integration(t *testing.T) {
	l := NewRedisLock("localhost:6379", "", 0, 2*time.Second)
	defer l.Close()
	ctx := context.Background()
	if err := l.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	caseID := "case_lock_test_" + time.Now().Format("150405.000000")
	release, ok, err := l.Acquire(ctx, caseID)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, caseID)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	release2, ok, err := l.Acquire(ctx, caseID)
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}
