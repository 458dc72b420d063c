//go:build integration

package tokens

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/altscore/internal/testutil"
)

func TestRedisNonceStore(t *testing.T) {
	client, cleanup := testutil.RedisTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewRedisNonceStore(client)
	nonce := uuid.NewString()
	exp := time.Now().Add(TTL)

	first, err := store.Consume(ctx, nonce, exp)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := store.Consume(ctx, nonce, exp)
	require.NoError(t, err)
	assert.False(t, again)

	ttl, err := client.TTL(ctx, store.prefix+nonce).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, TTL)
}
