package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-redis/redis/v8"

	"thirdcoast.systems/clipscan/internal/config"
	"thirdcoast.systems/clipscan/internal/queue"
)

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(ctx context.Context, conf config.QueueConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         conf.RedisAddr,
		Password:     conf.RedisPassword,
		DB:           conf.RedisDB,
		ReadTimeout:  conf.Block + 5*time.Second,
		WriteTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", conf.RedisAddr, err)
	}
	slog.Info("connected to redis", "addr", conf.RedisAddr, "db", conf.RedisDB)
	return client, nil
}

// OpenQueue builds the configured queue backend. The returned closer releases
// the backend and any client it owns.
func OpenQueue(ctx context.Context, conf config.QueueConfig) (queue.Queue, func() error, error) {
	switch conf.Backend {
	case "redis":
		client, err := OpenRedis(ctx, conf)
		if err != nil {
			return nil, nil, err
		}
		q := queue.NewRedisQueue(client, queue.RedisOptions{VisibilityTimeout: conf.VisibilityTimeout})
		return q, func() error { return errors.Join(q.Close(), client.Close()) }, nil
	case "kafka":
		q := queue.NewKafkaQueue(conf.KafkaBrokerList())
		slog.Info("using kafka queue", "brokers", conf.KafkaBrokerList())
		return q, q.Close, nil
	case "memory":
		slog.Warn("using in-memory queue; jobs are lost on exit")
		q := queue.NewMemoryQueue(queue.WithVisibilityTimeout(conf.VisibilityTimeout))
		return q, q.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", conf.Backend)
	}
}

// OpenDiscord creates a REST-only Discord session. Rate limits are surfaced to
// callers instead of being slept through inside discordgo.
func OpenDiscord(conf config.SourceConfig) (*discordgo.Session, error) {
	if conf.DiscordToken == "" {
		return nil, errors.New("DISCORD_TOKEN is not set")
	}
	s, err := discordgo.New("Bot " + conf.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.ShouldRetryOnRateLimit = false
	s.MaxRestRetries = 0
	return s, nil
}
