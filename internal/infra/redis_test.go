package infra

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gunshikin/kanri/internal/config"
)

func TestRedisPubSub_ChannelNames(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})

	p := NewRedisPubSub(rdb, "")
	assert.Equal(t, "kanri:events:record.changed", p.Channel("record.changed"))

	p = NewRedisPubSub(rdb, "staging:")
	assert.Equal(t, "staging:operation.failed", p.Channel("operation.failed"))
	assert.Zero(t, p.Subscriptions())
	assert.NoError(t, p.Close())
}

func TestOpenRedis_Errors(t *testing.T) {
	_, err := OpenRedis(context.Background(), config.RedisConfig{})
	assert.ErrorIs(t, err, errNoAddr)

	// Nothing listens on port 1.
	_, err = OpenRedis(context.Background(), config.RedisConfig{Addr: "127.0.0.1:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}
