package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"msgsched/internal/dispatch"
	"msgsched/internal/metrics"
	"msgsched/internal/store"
)

type Ticker interface {
	Tick(ctx context.Context) dispatch.TickReport
}

type Pruner interface {
	Prune(maxAge time.Duration) (int, error)
}

type StatsSource interface {
	Stats(ctx context.Context) (store.Stats, error)
}

type Options struct {
	// Interval between coordinator ticks.
	Interval time.Duration
	// PruneSpec is a cron spec for the staging prune; empty disables it.
	PruneSpec   string
	PruneMaxAge time.Duration
	// StatsSpec is a cron spec for refreshing the stored-items gauge; empty disables it.
	StatsSpec string
}

// Service drives the dispatch coordinator from cron jobs.
type Service struct {
	ticker Ticker
	pruner Pruner
	stats  StatsSource
	cron   *cron.Cron
	opts   Options
}

func NewService(ticker Ticker, pruner Pruner, stats StatsSource, opts Options) (*Service, error) {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.PruneMaxAge <= 0 {
		opts.PruneMaxAge = 24 * time.Hour
	}
	logger := cron.PrintfLogger(&log.Logger)
	s := &Service{
		ticker: ticker,
		pruner: pruner,
		stats:  stats,
		opts:   opts,
		// A slow tick delays the next one instead of overlapping it.
		cron: cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
	}

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", opts.Interval), s.tick); err != nil {
		return nil, fmt.Errorf("tick job: %w", err)
	}
	if pruner != nil && opts.PruneSpec != "" {
		if _, err := s.cron.AddFunc(opts.PruneSpec, s.prune); err != nil {
			return nil, fmt.Errorf("prune job: %w", err)
		}
	}
	if stats != nil && opts.StatsSpec != "" {
		if _, err := s.cron.AddFunc(opts.StatsSpec, s.refreshStats); err != nil {
			return nil, fmt.Errorf("stats job: %w", err)
		}
	}
	return s, nil
}

// Start runs the jobs until ctx ends, then waits for running jobs to finish.
// The first tick runs immediately so items that came due while the process
// was down are not held back a whole interval.
func (s *Service) Start(ctx context.Context) {
	log.Info().Dur("interval", s.opts.Interval).Msg("schedule service started")

	s.tick()
	s.refreshStats()
	s.cron.Start()

	<-ctx.Done()
	<-s.cron.Stop().Done()
	log.Info().Msg("schedule service stopped")
}

func (s *Service) tick() {
	s.ticker.Tick(context.Background())
}

func (s *Service) prune() {
	n, err := s.pruner.Prune(s.opts.PruneMaxAge)
	if err != nil {
		log.Error().Err(err).Msg("failed to prune staged attachments")
		return
	}
	if n > 0 {
		log.Info().Int("removed", n).Msg("pruned staged attachments")
	}
}

func (s *Service) refreshStats() {
	if s.stats == nil {
		return
	}
	st, err := s.stats.Stats(context.Background())
	if err != nil {
		log.Error().Err(err).Msg("failed to read store stats")
		return
	}
	metrics.StoredItems.WithLabelValues("total").Set(float64(st.Total))
	metrics.StoredItems.WithLabelValues("active").Set(float64(st.Active))
	metrics.StoredItems.WithLabelValues("sent_once").Set(float64(st.SentOnce))
}

// ValidateCronExpression validates a job spec, including descriptors like @hourly.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}
