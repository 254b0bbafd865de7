/*
Copyright 2025 The Djl Serving Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const rateLimitBins = 64

// RateLimiter tracks per-key request counts over a window.
type RateLimiter interface {
	// Incr adds val to the key's counter and returns the updated value.
	Incr(ctx context.Context, key string, val int64) (int64, error)
}

// redisRateLimiter is a fixed-window rate limiter on redis. Windows are
// bucketed into a rotating ring of bins so stale keys expire on their own.
type redisRateLimiter struct {
	client     *redis.Client
	name       string
	windowSize time.Duration
}

// NewRedisRateLimiter creates a fixed-window limiter named name, counting
// per key over windowSize (at least one second).
func NewRedisRateLimiter(name string, client *redis.Client, windowSize time.Duration) RateLimiter {
	if windowSize < time.Second {
		windowSize = time.Second
	}
	return &redisRateLimiter{
		name:       name,
		client:     client,
		windowSize: windowSize,
	}
}

func (rl *redisRateLimiter) genKey(key string) string {
	bin := time.Now().Unix() / int64(rl.windowSize.Seconds()) % rateLimitBins
	return fmt.Sprintf("%s:%s:%d", rl.name, key, bin)
}

func (rl *redisRateLimiter) Incr(ctx context.Context, key string, val int64) (int64, error) {
	pipe := rl.client.Pipeline()
	incr := pipe.IncrBy(ctx, rl.genKey(key), val)
	pipe.Expire(ctx, rl.genKey(key), rl.windowSize)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
