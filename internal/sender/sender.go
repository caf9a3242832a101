// Package sender is the delivery half of the dispatch protocol. It has no
// scheduling state: it turns delivery events into send calls and reports each
// outcome as a result event.
package sender

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"msgsched/internal/domain"
	"msgsched/internal/eventbus"
	"msgsched/internal/metrics"
	"msgsched/internal/worker"
)

// Capability is the host messaging application's send machinery.
type Capability interface {
	SendText(ctx context.Context, variant domain.ChannelVariant, recipients []domain.Recipient, text string) error
	SendMedia(ctx context.Context, variant domain.ChannelVariant, recipients []domain.Recipient, caption, fileRef string) error
}

type Config struct {
	Concurrency int
	// RatePerSec limits send calls; 0 disables limiting.
	RatePerSec float64
	Burst      int
	// Timeout bounds one send attempt, rate limiting included; 0 means no timeout.
	Timeout time.Duration
	Buffer  int
}

type Service struct {
	bus     eventbus.Transport
	send    Capability
	limiter *rate.Limiter
	pool    *worker.Pool
	timeout time.Duration
	buffer  int
}

func New(bus eventbus.Transport, send Capability, cfg Config) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	s := &Service{
		bus:     bus,
		send:    send,
		pool:    worker.NewPool(cfg.Concurrency),
		timeout: cfg.Timeout,
		buffer:  cfg.Buffer,
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return s
}

// Run consumes delivery events until ctx ends, then waits for in-progress sends.
func (s *Service) Run(ctx context.Context) {
	ch, unsub := s.bus.Deliveries(s.buffer)
	defer unsub()
	defer s.pool.Wait()

	log.Info().Int("concurrency", s.pool.Size()).Msg("sender started")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := s.pool.Submit(ctx, func(ctx context.Context) { s.Deliver(ctx, ev) }); err != nil {
				return
			}
		}
	}
}

// Deliver performs one send and publishes its result.
func (s *Service) Deliver(ctx context.Context, ev domain.DeliveryEvent) bool {
	ok := s.sendOnce(ctx, ev)
	if !s.bus.PublishResult(domain.ResultEvent{ID: ev.ID, Success: ok}) {
		log.Warn().Int64("msg_id", ev.ID).Bool("success", ok).Msg("result event dropped")
	}
	return ok
}

func (s *Service) sendOnce(ctx context.Context, ev domain.DeliveryEvent) bool {
	// The timeout covers the rate limiter wait so a result always follows
	// within Timeout of the delivery.
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			log.Warn().Err(err).Int64("msg_id", ev.ID).Msg("rate limit wait aborted")
			return false
		}
	}

	kind := domain.SendKindText
	start := time.Now()
	var err error
	if ev.MediaPath != "" {
		kind = domain.SendKindMedia
		err = s.send.SendMedia(ctx, ev.ChannelVariant, ev.Recipients, ev.Message, ev.MediaPath)
	} else {
		err = s.send.SendText(ctx, ev.ChannelVariant, ev.Recipients, ev.Message)
	}
	metrics.Sends.WithLabelValues(kind, metrics.Outcome(err == nil)).Inc()

	if err != nil {
		log.Warn().Err(err).Int64("msg_id", ev.ID).Str("kind", kind).Msg("send failed")
		return false
	}
	log.Info().
		Int64("msg_id", ev.ID).
		Str("kind", kind).
		Int("recipients", len(ev.Recipients)).
		Dur("took", time.Since(start)).
		Msg("sent")
	return true
}
