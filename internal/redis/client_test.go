package redis

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowgate/knowgate/internal/config"
)

func singleConfig(addr string) config.RedisConfig {
	return config.RedisConfig{
		Endpoints: []string{addr},
		Mode:      config.RedisModeSingle,
	}
}

func TestNewClientSingle(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := NewClient(singleConfig(mr.Addr()))
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()

	t.Run("set get del", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "k", "v", time.Minute).Err())
		v, err := c.Get(ctx, "k").Result()
		require.NoError(t, err)
		assert.Equal(t, "v", v)

		require.NoError(t, c.Del(ctx, "k").Err())
		assert.Error(t, c.Get(ctx, "k").Err())
	})

	t.Run("set operations", func(t *testing.T) {
		require.NoError(t, c.SAdd(ctx, "idx", "a", "b").Err())
		members, err := c.SMembers(ctx, "idx").Result()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, members)

		require.NoError(t, c.SRem(ctx, "idx", "a").Err())
		members, err = c.SMembers(ctx, "idx").Result()
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, members)
	})

	t.Run("expire refreshes ttl", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "hb", "1", time.Second).Err())
		ok, err := c.Expire(ctx, "hb", time.Minute).Result()
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("eval", func(t *testing.T) {
		n, err := c.Eval(ctx, "return 1 + 1", nil).Int64()
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})
}

func TestNewClientConnectFailure(t *testing.T) {
	cfg := singleConfig("127.0.0.1:1")
	cfg.DialTimeout = "100ms"

	_, err := NewClient(cfg)
	require.Error(t, err)
}

func TestNewClientWithoutPing(t *testing.T) {
	// No server listening, but construction must succeed.
	c, err := NewClientWithoutPing(singleConfig("127.0.0.1:1"))
	require.NoError(t, err)
	defer c.Close()
}

func TestIsNoScriptErr(t *testing.T) {
	assert.True(t, IsNoScriptErr(errors.New("NOSCRIPT No matching script")))
	assert.False(t, IsNoScriptErr(errors.New("READONLY")))
	assert.False(t, IsNoScriptErr(nil))
}

func TestIsConnectivityErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"refused", errors.New("dial tcp 127.0.0.1:6379: connection refused"), true},
		{"eof", errors.New("EOF"), true},
		{"loading", errors.New("LOADING Redis is loading the dataset"), true},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("boom")}, true},
		{"readonly", errors.New("READONLY You can't write against a read only replica"), false},
		{"app error", errors.New("wrong number of arguments"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsConnectivityErr(tc.err))
		})
	}
}

func TestParseOptionsDefaults(t *testing.T) {
	opts, err := parseOptions(config.RedisConfig{Endpoints: []string{"h:6379"}})
	require.NoError(t, err)
	assert.Equal(t, config.RedisModeSingle, opts.mode)
	assert.Equal(t, 10, opts.poolSize)
	assert.Equal(t, 5*time.Second, opts.dialTimeout)
}
