// Package comparator cross-checks a value written through rdxcluster's
// own routing core against a value read back via a plain go-redis
// client dialed straight at the seed node — an independent read path
// that never goes through this module's slot table or redirection
// handling, so a clean match is real end-to-end evidence.
package comparator

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config addresses the node to verify against.
type Config struct {
	SeedAddr string
	Password string
	Timeout  time.Duration
}

// Result reports the outcome of a single-key verification.
type Result struct {
	Key      string
	Expected string
	Got      string
	Match    bool
}

// VerifyKey reads key directly from the seed node via go-redis and
// compares it against expected.
func VerifyKey(cfg Config, key, expected string) (Result, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.SeedAddr,
		Password:    cfg.Password,
		DialTimeout: timeout,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return Result{}, fmt.Errorf("comparator: ping %s: %w", cfg.SeedAddr, err)
	}

	got, err := client.Get(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return Result{}, fmt.Errorf("comparator: get %q: %w", key, err)
	}

	return Result{Key: key, Expected: expected, Got: got, Match: got == expected}, nil
}
