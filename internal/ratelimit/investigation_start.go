package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"github.com/casefile-ai/casefile/internal/config"
)

const keyInvestigationStart = "ratelimit:investigation:start:%s"

// InvestigationStartLimiter throttles how fast one user can launch
// investigations. Disabled limiters allow everything.
type InvestigationStartLimiter struct {
	enabled bool
	bucket  *TokenBucket
	rate    float64
	burst   int
}

func NewInvestigationStartLimiter(cfg config.Config) (*InvestigationStartLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.StartRate <= 0 || limitCfg.StartBurst <= 0 {
		return nil, errors.New("investigation start rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &InvestigationStartLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    limitCfg.StartRate,
		burst:   limitCfg.StartBurst,
	}, nil
}

func (l *InvestigationStartLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *InvestigationStartLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyInvestigationStart, strings.TrimSpace(userID)), l.rate, l.burst)
}
