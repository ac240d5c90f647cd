package sweeper

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/casefile-ai/casefile/internal/clock"
	retrydomain "github.com/casefile-ai/casefile/internal/paymentretry/domain"
)

var ErrInvalidConfig = errors.New("sweeper: invalid configuration")

const (
	defaultRunInterval = 5 * time.Minute
	defaultRunTimeout  = 30 * time.Second
)

type Config struct {
	RunInterval time.Duration
	RunTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.RunInterval <= 0 {
		c.RunInterval = defaultRunInterval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaultRunTimeout
	}
	return c
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	RetrySvc retrydomain.Service
	Config   Config `optional:"true"`
}

// Sweeper periodically drives the payment retry queue so that due
// retries are processed even when no sweep endpoint is called.
type Sweeper struct {
	log      *zap.Logger
	clock    clock.Clock
	retrySvc retrydomain.Service
	cfg      Config
}

func New(p Params) (*Sweeper, error) {
	if p.Log == nil || p.Clock == nil || p.RetrySvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Sweeper{
		log:      p.Log.Named("sweeper").With(zap.String("component", "sweeper")),
		clock:    p.Clock,
		retrySvc: p.RetrySvc,
		cfg:      p.Config.withDefaults(),
	}, nil
}

func (s *Sweeper) RunOnce(parent context.Context) (retrydomain.SweepResult, error) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.RunTimeout)
	defer cancel()

	start := s.clock.Now()
	result, err := s.retrySvc.ProcessAllPendingRetries(ctx)
	if err != nil {
		s.log.Warn("retry sweep failed",
			zap.Int("processed", result.Processed),
			zap.Error(err),
		)
		return result, err
	}

	s.log.Info("retry sweep completed",
		zap.Int("processed", result.Processed),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("pending", result.Pending),
		zap.Duration("duration", s.clock.Now().Sub(start)),
	)
	return result, nil
}

func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("sweeper run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
