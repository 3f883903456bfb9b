package health

import (
	"context"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// RedisChecker probes a Redis Cluster node with PING and, optionally, a
// CLUSTER NODES sanity check — matching the teacher's own
// checkNodeHealth, which pings each node through a go-redis client.
type RedisChecker struct {
	EnableClusterCheck bool
	DialTimeout        time.Duration
}

func (c *RedisChecker) Check(ctx context.Context, addr string) Result {
	client := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: c.DialTimeout,
	})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		if ctx.Err() != nil {
			return timedOut(err.Error())
		}
		return unhealthy(err.Error())
	}

	if c.EnableClusterCheck {
		if err := client.ClusterNodes(ctx).Err(); err != nil {
			return unhealthy("CLUSTER NODES: " + err.Error())
		}
	}
	return ok()
}
