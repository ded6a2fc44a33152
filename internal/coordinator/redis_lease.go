package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"herald/internal/config"
	"herald/internal/metrics"
)

const (
	// leaseKey is the Redis key holding the current master's name.
	leaseKey = "herald:sender:master"

	// leaseTTL is how long a lease lasts without renewal. The renewal
	// interval is a third of it, so two missed renewals still keep the
	// lease alive.
	leaseTTL = 30 * time.Second
)

// RedisLease elects a master through an expiring Redis lease. Every sender
// tries to acquire the key; the holder renews it, everyone else retries and
// takes over when the holder stops renewing.
type RedisLease struct {
	client *redis.Client
	name   string
	peers  []string
	logger *slog.Logger

	mu     sync.RWMutex
	master bool

	stop chan struct{}
	done chan struct{}
}

// NewRedisLease connects to Redis and returns a lease coordinator for the
// sender with the given peer name.
func NewRedisLease(cfg *config.RedisConfig, name string, peers []string, logger *slog.Logger) (*RedisLease, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisLease{
		client: client,
		name:   name,
		peers:  peers,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start begins the acquire/renew loop.
func (l *RedisLease) Start(ctx context.Context) {
	go l.run(ctx)
}

func (l *RedisLease) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(leaseTTL / 3)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.release()
			return
		case <-l.stop:
			l.release()
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick acquires or renews the lease.
func (l *RedisLease) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	was := l.IsMaster(ctx)
	var holding bool

	if was {
		// Renew only while we still hold the key.
		renewed, err := renewScript.Run(ctx, l.client, []string{leaseKey}, l.name, leaseTTL.Milliseconds()).Bool()
		if err != nil {
			l.logger.Error("failed to renew master lease", "error", err)
		}
		holding = err == nil && renewed
	} else {
		acquired, err := l.client.SetNX(ctx, leaseKey, l.name, leaseTTL).Result()
		if err != nil {
			l.logger.Error("failed to acquire master lease", "error", err)
		}
		holding = err == nil && acquired
	}

	l.mu.Lock()
	l.master = holding
	l.mu.Unlock()

	if holding != was {
		if holding {
			l.logger.Info("acquired sender mastership", "peer", l.name)
			metrics.IsMaster.Set(1)
		} else {
			l.logger.Warn("lost sender mastership", "peer", l.name)
			metrics.IsMaster.Set(0)
		}
	}
}

// renewScript extends the lease only when this sender still holds it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only when this sender holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// release gives up the lease so a peer can take over immediately.
func (l *RedisLease) release() {
	l.mu.Lock()
	was := l.master
	l.master = false
	l.mu.Unlock()
	if !was {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{leaseKey}, l.name).Err(); err != nil {
		l.logger.Error("failed to release master lease", "error", err)
	}
	metrics.IsMaster.Set(0)
}

// IsMaster reports whether this sender currently holds the lease.
func (l *RedisLease) IsMaster(ctx context.Context) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.master
}

// Peers lists the other senders in the cluster.
func (l *RedisLease) Peers() []string {
	return l.peers
}

// Stop ends the lease loop and releases the lease.
func (l *RedisLease) Stop() {
	close(l.stop)
	<-l.done
	l.client.Close()
}
