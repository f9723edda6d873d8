package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Expirer moves open requests past their expiry to expired.
type Expirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// ExpireRequestsJob runs one expiry pass.
type ExpireRequestsJob struct {
	expirer Expirer
	now     func() time.Time
	logger  *slog.Logger
}

func NewExpireRequestsJob(expirer Expirer, logger *slog.Logger) *ExpireRequestsJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpireRequestsJob{expirer: expirer, now: time.Now, logger: logger}
}

func (j *ExpireRequestsJob) Execute(ctx context.Context) error {
	n, err := j.expirer.ExpireStale(ctx, j.now())
	if err != nil {
		return fmt.Errorf("failed to expire requests: %w", err)
	}
	if n > 0 {
		j.logger.Info("expired quote requests", "count", n)
	}
	return nil
}

func (j *ExpireRequestsJob) UserID() string {
	return "system"
}

func (j *ExpireRequestsJob) Description() string {
	return "expire quote requests"
}

// Sweeper submits an ExpireRequestsJob on a fixed interval.
type Sweeper struct {
	pool     Submitter
	expirer  Expirer
	interval time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(pool Submitter, expirer Expirer, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		pool:     pool,
		expirer:  expirer,
		interval: interval,
		logger:   logger.With("component", "sweeper"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start runs one sweep immediately and then one per interval. A
// non-positive interval disables the sweeper.
func (s *Sweeper) Start() {
	if s.interval <= 0 {
		s.logger.Info("request expiry sweeper disabled")
		return
	}

	s.wg.Add(1)
	go s.loop()
	s.logger.Info("request expiry sweeper started", "interval", s.interval)
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.submit()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.submit()
		}
	}
}

func (s *Sweeper) submit() {
	if err := s.pool.Submit(NewExpireRequestsJob(s.expirer, s.logger)); err != nil {
		s.logger.Warn("failed to submit expiry job", "error", err)
	}
}

// Stop halts the ticker and waits for the loop to exit.
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
}
