// Package dispatch turns due schedule records into delivery events and applies
// result events back to the store.
//
// The coordinator is driven from outside: Tick runs one poll/emit cycle and
// Listen consumes results. Store updates and event emission are not atomic with
// each other, so a delivery whose result event is lost is dispatched again once
// its in-flight entry expires. There is no backoff and no retry cap.
package dispatch

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"msgsched/internal/domain"
	"msgsched/internal/eventbus"
	"msgsched/internal/metrics"
	"msgsched/internal/store"
	"msgsched/internal/worker"
)

// cron fires on whole seconds while the startup tick does not, so consecutive
// ticks can be up to a second closer than the interval.
const tickSlack = time.Second

type Config struct {
	Workers int
	// ResultTimeout is how long a dispatched id is skipped while awaiting its
	// result. It must exceed the sender's timeout or a slow send is dispatched twice.
	ResultTimeout time.Duration
	// ResultBuffer sizes the result subscription.
	ResultBuffer int
	Now          func() time.Time
}

type Coordinator struct {
	repo    store.Repository
	bus     eventbus.Transport
	stager  *Stager
	pool    *worker.Pool
	timeout time.Duration
	buffer  int
	now     func() time.Time

	mu       sync.Mutex
	inflight map[int64]time.Time
	// settled holds when a success result was committed, so a tick whose due
	// snapshot predates the commit does not dispatch the item again.
	settled map[int64]time.Time
}

func NewCoordinator(repo store.Repository, bus eventbus.Transport, stager *Stager, cfg Config) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = 30 * time.Second
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = 256
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if stager == nil {
		stager = NewStager(nil, "")
	}
	return &Coordinator{
		repo:     repo,
		bus:      bus,
		stager:   stager,
		pool:     worker.NewPool(cfg.Workers),
		timeout:  cfg.ResultTimeout,
		buffer:   cfg.ResultBuffer,
		now:      cfg.Now,
		inflight: map[int64]time.Time{},
		settled:  map[int64]time.Time{},
	}
}

// TickReport summarizes one tick.
type TickReport struct {
	Due       int
	Published int
	Dropped   int
	Skipped   int
	Expired   int
}

const (
	outcomePublished = "published"
	outcomeDropped   = "dropped"
	outcomeInFlight  = "skipped_inflight"
	outcomeNoContent = "skipped_no_content"
)

// Tick selects the due items, then dispatches each one that is not already in
// flight. Selection finishes before any dispatch starts.
func (c *Coordinator) Tick(ctx context.Context) TickReport {
	began := time.Now()
	start := c.now()
	l := log.With().Str("tick", uuid.NewString()[:8]).Logger()
	metrics.Ticks.Inc()
	defer func() { metrics.TickSeconds.Observe(time.Since(began).Seconds()) }()

	var rep TickReport
	due, err := c.repo.GetPendingMessages(ctx, start)
	if err != nil {
		metrics.TickErrors.Inc()
		l.Error().Err(err).Msg("load due messages; nothing dispatched this tick")
		return rep
	}
	rep.Due = len(due)
	rep.Expired = c.expire(start, l)
	metrics.DueItems.Set(float64(len(due)))

	var repMu sync.Mutex
	record := func(outcome string) {
		metrics.Dispatches.WithLabelValues(outcome).Inc()
		repMu.Lock()
		defer repMu.Unlock()
		switch outcome {
		case outcomePublished:
			rep.Published++
		case outcomeDropped:
			rep.Dropped++
		default:
			rep.Skipped++
		}
	}

	for _, it := range due {
		if !c.claim(it.ID, start) {
			record(outcomeInFlight)
			l.Debug().Int64("msg_id", it.ID).Msg("awaiting result or just delivered; skipped")
			continue
		}
		it := it
		err := c.pool.Submit(ctx, func(ctx context.Context) {
			record(c.dispatch(it, l))
		})
		if err != nil {
			c.release(it.ID)
			l.Warn().Err(err).Msg("tick cancelled during dispatch")
			break
		}
	}
	c.pool.Wait()
	metrics.InFlight.Set(float64(c.inflightLen()))

	if rep.Due > 0 {
		l.Info().
			Int("due", rep.Due).
			Int("published", rep.Published).
			Int("dropped", rep.Dropped).
			Int("skipped", rep.Skipped).
			Msg("tick dispatched")
	}
	return rep
}

func (c *Coordinator) dispatch(it domain.ScheduledItem, l zerolog.Logger) string {
	ev := domain.DeliveryEvent{
		ID:             it.ID,
		Recipients:     it.Recipients,
		Message:        it.Message,
		ChannelVariant: it.ChannelVariant,
	}

	if it.HasMedia() {
		path, staged, err := c.stager.Resolve(it.MediaPath)
		switch {
		case err == nil && staged:
			metrics.Staging.WithLabelValues("staged").Inc()
			ev.MediaPath = path
		case err == nil:
			metrics.Staging.WithLabelValues("original").Inc()
			ev.MediaPath = path
		case strings.TrimSpace(it.Message) != "":
			metrics.Staging.WithLabelValues("text_only").Inc()
			l.Warn().Err(err).Int64("msg_id", it.ID).Msg("attachment unavailable; sending text only")
		default:
			metrics.Staging.WithLabelValues("failed").Inc()
			l.Warn().Err(err).Int64("msg_id", it.ID).Msg("attachment unavailable and no text; retry next tick")
			c.release(it.ID)
			return outcomeNoContent
		}
	}

	if !c.bus.PublishDelivery(ev) {
		c.release(it.ID)
		l.Warn().Int64("msg_id", it.ID).Msg("delivery event dropped; retry next tick")
		return outcomeDropped
	}
	l.Debug().
		Int64("msg_id", it.ID).
		Str("recipients", domain.DisplayRecipients(it)).
		Bool("media", ev.MediaPath != "").
		Msg("delivery event published")
	return outcomePublished
}

// HandleResult applies a result event. Only success touches the store. The
// claim is held until the store write is done.
func (c *Coordinator) HandleResult(ctx context.Context, ev domain.ResultEvent) {
	metrics.Results.WithLabelValues(metrics.Outcome(ev.Success)).Inc()
	defer func() { metrics.InFlight.Set(float64(c.inflightLen())) }()

	if !ev.Success {
		c.release(ev.ID)
		log.Warn().Int64("msg_id", ev.ID).Msg("delivery failed; item stays due")
		return
	}
	err := c.repo.MarkAsSent(ctx, ev.ID, c.now())
	if err == nil {
		c.settle(ev.ID, c.now())
	} else {
		c.release(ev.ID)
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Info().Int64("msg_id", ev.ID).Msg("delivered item no longer exists")
	case err != nil:
		log.Error().Err(err).Int64("msg_id", ev.ID).Msg("mark as sent failed; item may be sent again")
	default:
		log.Info().Int64("msg_id", ev.ID).Msg("delivered")
	}
}

// Listen consumes result events until ctx ends or the transport closes.
func (c *Coordinator) Listen(ctx context.Context) {
	ch, unsub := c.bus.Results(c.buffer)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.HandleResult(ctx, ev)
		}
	}
}

// InFlight lists the ids currently awaiting a result.
func (c *Coordinator) InFlight() []int64 {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.inflight))
	for id := range c.inflight {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// claim marks id in flight for a tick that started at at. It fails while id
// awaits a result or when its success was committed at or after at.
func (c *Coordinator) claim(id int64, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[id]; busy {
		return false
	}
	if done, ok := c.settled[id]; ok && !done.Before(at) {
		return false
	}
	c.inflight[id] = at
	return true
}

func (c *Coordinator) settle(id int64, at time.Time) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.settled[id] = at
	c.mu.Unlock()
}

func (c *Coordinator) release(id int64) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

func (c *Coordinator) expire(now time.Time, l zerolog.Logger) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Snapshots taken from now on already see these commits.
	for id, at := range c.settled {
		if at.Before(now) {
			delete(c.settled, id)
		}
	}
	n := 0
	for id, at := range c.inflight {
		if now.Sub(at)+tickSlack >= c.timeout {
			delete(c.inflight, id)
			n++
			l.Warn().Int64("msg_id", id).Time("dispatched_at", at).Msg("no result before timeout; will redispatch")
		}
	}
	return n
}

func (c *Coordinator) inflightLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
