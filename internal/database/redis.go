package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 5 * time.Second

// ConnectRedis opens the client shared by the definition cache and the change feed.
// The connection is verified with a bounded ping.
func ConnectRedis(url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url must not be empty")
	}

	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if options.ClientName == "" {
		options.ClientName = "gema-assessment-api"
	}

	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("unable to connect to redis: %w", err)
	}

	return client, nil
}
