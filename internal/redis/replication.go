package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const masterCacheTTL = 30 * time.Second

// ReplicationClient discovers the primary among configured endpoints by
// issuing ROLE to each and selecting the one that reports "master". The
// master address is cached for 30 seconds. On READONLY (stale cache after
// a failover), the cache is invalidated and the command retried once.
type ReplicationClient struct {
	opts       *options
	mu         sync.RWMutex
	masterAddr string
	master     *goredis.Client
	lastCheck  time.Time
}

func newReplication(opts *options) (*ReplicationClient, error) {
	rc := &ReplicationClient{opts: opts}
	if err := rc.refreshMaster(); err != nil {
		return nil, fmt.Errorf("replication: initial master discovery: %w", err)
	}
	return rc, nil
}

func (r *ReplicationClient) discoverMaster() (string, error) {
	discoveryTimeout := r.opts.dialTimeout * 2
	if discoveryTimeout <= 0 {
		discoveryTimeout = 2 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), discoveryTimeout)
	defer cancel()

	for _, addr := range r.opts.endpoints {
		discoveryOpts := r.opts.singleOptionsForAddr(addr)
		discoveryOpts.PoolSize = 1
		discoveryOpts.MaxRetries = 0

		c := goredis.NewClient(discoveryOpts)
		result, err := c.Do(ctx, "ROLE").Slice()
		_ = c.Close()

		if err != nil || len(result) < 1 {
			continue
		}

		role := strings.ToLower(fmt.Sprint(result[0]))
		if role == "master" {
			return addr, nil
		}
	}

	return "", fmt.Errorf("no master found among endpoints %v", r.opts.endpoints)
}

func (r *ReplicationClient) getMaster() (*goredis.Client, error) {
	r.mu.RLock()
	if r.master != nil && time.Since(r.lastCheck) < masterCacheTTL {
		c := r.master
		r.mu.RUnlock()
		return c, nil
	}
	r.mu.RUnlock()

	if err := r.refreshMaster(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	c := r.master
	r.mu.RUnlock()
	return c, nil
}

func (r *ReplicationClient) refreshMaster() error {
	addr, err := r.discoverMaster()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if addr != r.masterAddr {
		if r.master != nil {
			_ = r.master.Close()
		}
		r.master = goredis.NewClient(r.opts.singleOptionsForAddr(addr))
		r.masterAddr = addr
	}

	r.lastCheck = time.Now()
	return nil
}

func (r *ReplicationClient) invalidateMaster() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastCheck = time.Time{}
}

// withReadOnlyRetry executes fn up to twice, invalidating the master cache
// and retrying once if the first attempt returns a READONLY error.
func (r *ReplicationClient) withReadOnlyRetry(fn func(*goredis.Client) error) error {
	for attempt := 0; attempt < 2; attempt++ {
		master, err := r.getMaster()
		if err != nil {
			return err
		}
		if err = fn(master); err != nil && IsReadOnlyErr(err) && attempt == 0 {
			r.invalidateMaster()
			continue
		}
		return err
	}
	return fmt.Errorf("replication: READONLY retry exhausted")
}

// Eval implements Client; retries once on READONLY after re-discovery.
func (r *ReplicationClient) Eval(ctx context.Context, script string, keys []string, args ...any) *goredis.Cmd {
	var result *goredis.Cmd
	err := r.withReadOnlyRetry(func(master *goredis.Client) error {
		result = master.Eval(ctx, script, keys, args...)
		return result.Err()
	})
	if result == nil {
		result = goredis.NewCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// EvalSha implements Client; retries once on READONLY after re-discovery.
func (r *ReplicationClient) EvalSha(ctx context.Context, sha1 string, keys []string, args ...any) *goredis.Cmd {
	var result *goredis.Cmd
	err := r.withReadOnlyRetry(func(master *goredis.Client) error {
		result = master.EvalSha(ctx, sha1, keys, args...)
		return result.Err()
	})
	if result == nil {
		result = goredis.NewCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Get implements Client.
func (r *ReplicationClient) Get(ctx context.Context, key string) *goredis.StringCmd {
	master, err := r.getMaster()
	if err != nil {
		cmd := goredis.NewStringCmd(ctx)
		cmd.SetErr(err)
		return cmd
	}
	return master.Get(ctx, key)
}

// Set implements Client.
func (r *ReplicationClient) Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd {
	var result *goredis.StatusCmd
	err := r.withReadOnlyRetry(func(master *goredis.Client) error {
		result = master.Set(ctx, key, value, expiration)
		return result.Err()
	})
	if result == nil {
		result = goredis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Del implements Client.
func (r *ReplicationClient) Del(ctx context.Context, keys ...string) *goredis.IntCmd {
	var result *goredis.IntCmd
	err := r.withReadOnlyRetry(func(master *goredis.Client) error {
		result = master.Del(ctx, keys...)
		return result.Err()
	})
	if result == nil {
		result = goredis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Expire implements Client.
func (r *ReplicationClient) Expire(ctx context.Context, key string, expiration time.Duration) *goredis.BoolCmd {
	var result *goredis.BoolCmd
	err := r.withReadOnlyRetry(func(master *goredis.Client) error {
		result = master.Expire(ctx, key, expiration)
		return result.Err()
	})
	if result == nil {
		result = goredis.NewBoolCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// SAdd implements Client.
func (r *ReplicationClient) SAdd(ctx context.Context, key string, members ...any) *goredis.IntCmd {
	var result *goredis.IntCmd
	err := r.withReadOnlyRetry(func(master *goredis.Client) error {
		result = master.SAdd(ctx, key, members...)
		return result.Err()
	})
	if result == nil {
		result = goredis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// SRem implements Client.
func (r *ReplicationClient) SRem(ctx context.Context, key string, members ...any) *goredis.IntCmd {
	var result *goredis.IntCmd
	err := r.withReadOnlyRetry(func(master *goredis.Client) error {
		result = master.SRem(ctx, key, members...)
		return result.Err()
	})
	if result == nil {
		result = goredis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// SMembers implements Client.
func (r *ReplicationClient) SMembers(ctx context.Context, key string) *goredis.StringSliceCmd {
	master, err := r.getMaster()
	if err != nil {
		cmd := goredis.NewStringSliceCmd(ctx)
		cmd.SetErr(err)
		return cmd
	}
	return master.SMembers(ctx, key)
}

// Scan implements Client.
func (r *ReplicationClient) Scan(ctx context.Context, cursor uint64, match string, count int64) *goredis.ScanCmd {
	master, err := r.getMaster()
	if err != nil {
		cmd := goredis.NewScanCmd(ctx, nil)
		cmd.SetErr(err)
		return cmd
	}
	return master.Scan(ctx, cursor, match, count)
}

// Publish implements Client.
func (r *ReplicationClient) Publish(ctx context.Context, channel string, message any) *goredis.IntCmd {
	var result *goredis.IntCmd
	err := r.withReadOnlyRetry(func(master *goredis.Client) error {
		result = master.Publish(ctx, channel, message)
		return result.Err()
	})
	if result == nil {
		result = goredis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Subscribe implements Client. The subscription is bound to the master
// connection current at call time; after a failover callers must
// re-subscribe.
func (r *ReplicationClient) Subscribe(ctx context.Context, channels ...string) *goredis.PubSub {
	master, err := r.getMaster()
	if err != nil {
		// Return a PubSub on a dead client so the caller's receive loop
		// fails fast and re-subscribes.
		dead := goredis.NewClient(r.opts.singleOptionsForAddr("127.0.0.1:0"))
		return dead.Subscribe(ctx, channels...)
	}
	return master.Subscribe(ctx, channels...)
}

// Ping implements Client.
func (r *ReplicationClient) Ping(ctx context.Context) *goredis.StatusCmd {
	master, err := r.getMaster()
	if err != nil {
		cmd := goredis.NewStatusCmd(ctx)
		cmd.SetErr(err)
		return cmd
	}
	return master.Ping(ctx)
}

// Close implements Client.
func (r *ReplicationClient) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.master != nil {
		return r.master.Close()
	}
	return nil
}
