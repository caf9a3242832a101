package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"msgsched/internal/domain"
)

const publishTimeout = 5 * time.Second

type outMsg struct {
	channel string
	payload []byte
}

// Redis carries events over Redis PUBLISH/SUBSCRIBE so the poller and the sender
// can live in separate processes. Pub/sub has no persistence: a message published
// while nobody is subscribed is lost, which is the protocol's at-most-once contract.
type Redis struct {
	client *redis.Client
	prefix string

	outbox chan outMsg
	done   chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	unsubs []func()
	once   sync.Once
}

// NewRedis starts the outbox drainer. outbox bounds how many events may wait for
// the network before publishes start dropping.
func NewRedis(client *redis.Client, prefix string, outbox int) *Redis {
	if prefix == "" {
		prefix = "msgsched"
	}
	if outbox <= 0 {
		outbox = 256
	}
	r := &Redis{
		client: client,
		prefix: prefix,
		outbox: make(chan outMsg, outbox),
		done:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.drain()
	return r
}

func (r *Redis) DeliveryChannel() string { return r.prefix + ":delivery" }
func (r *Redis) ResultChannel() string   { return r.prefix + ":result" }

func (r *Redis) PublishDelivery(e domain.DeliveryEvent) bool {
	return r.enqueue(r.DeliveryChannel(), e)
}

func (r *Redis) PublishResult(e domain.ResultEvent) bool {
	return r.enqueue(r.ResultChannel(), e)
}

func (r *Redis) Deliveries(buffer int) (<-chan domain.DeliveryEvent, func()) {
	return subscribe[domain.DeliveryEvent](r, r.DeliveryChannel(), buffer)
}

func (r *Redis) Results(buffer int) (<-chan domain.ResultEvent, func()) {
	return subscribe[domain.ResultEvent](r, r.ResultChannel(), buffer)
}

// Close stops the drainer and all subscriptions. The client is owned by the caller.
func (r *Redis) Close() error {
	r.once.Do(func() {
		close(r.done)
		r.wg.Wait()
		r.mu.Lock()
		unsubs := r.unsubs
		r.unsubs = nil
		r.mu.Unlock()
		for _, u := range unsubs {
			u()
		}
	})
	return nil
}

func (r *Redis) enqueue(channel string, v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("channel", channel).Msg("encode event")
		return false
	}
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.outbox <- outMsg{channel: channel, payload: b}:
		return true
	default:
		log.Warn().Str("channel", channel).Msg("event outbox full; dropping")
		return false
	}
}

func (r *Redis) drain() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case m := <-r.outbox:
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			err := r.client.Publish(ctx, m.channel, m.payload).Err()
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("channel", m.channel).Msg("redis publish failed; event lost")
			}
		}
	}
}

func subscribe[T any](r *Redis, channel string, buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	ps := r.client.Subscribe(ctx, channel)
	out := make(chan T, buffer)

	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				v, err := decodeEvent[T](msg.Payload)
				if err != nil {
					log.Warn().Err(err).Str("channel", channel).Msg("dropping undecodable event")
					continue
				}
				select {
				case out <- v:
				default:
					log.Warn().Str("channel", channel).Msg("subscriber slow; dropping event")
				}
			}
		}
	}()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			cancel()
			_ = ps.Close()
		})
	}
	r.mu.Lock()
	r.unsubs = append(r.unsubs, unsub)
	r.mu.Unlock()
	return out, unsub
}

func decodeEvent[T any](payload string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(payload), &v)
	return v, err
}
