// Package eventbus is a process-local, in-memory publish/subscribe bus:
// one bounded channel per subscriber, publish always happens after the
// producing transaction commits, and a slow subscriber is backpressured
// with a timeout rather than blocking the publisher forever.
package eventbus

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/oxzoid/flowpay/pkg/domain"
)

// Kind names the domain event types the engine publishes.
type Kind string

const (
	OrderReceived    Kind = "OrderReceived"
	OrderPaid        Kind = "OrderPaid"
	OrderCancelled   Kind = "OrderCancelled"
	PaymentReceived  Kind = "PaymentReceived"
	PaymentConfirmed Kind = "PaymentConfirmed"
)

// Event is one published domain occurrence.
type Event struct {
	Kind      Kind
	Order     *domain.Order
	Payment   *domain.Payment
	AccountID int64
	At        time.Time
}

// Handler processes one delivered event. It runs on its subscriber's own
// goroutine, so a slow handler only backs up that subscriber's queue, never
// the publisher or other subscribers.
type Handler func(Event)

type subscriber struct {
	name string
	ch   chan Event
}

// Bus fans events out to any number of named subscribers, each with its own
// bounded queue and dispatch goroutine.
type Bus struct {
	mu              sync.Mutex
	subs            []*subscriber
	timeout         time.Duration
	defaultCapacity int
	wg              sync.WaitGroup
}

// New creates a Bus. queueCapacity bounds each subscriber's default queue;
// publishTimeout bounds how long Publish blocks on a full queue before
// dropping the event for that subscriber.
func New(queueCapacity int, publishTimeout time.Duration) *Bus {
	if queueCapacity <= 0 {
		queueCapacity = 256
	}
	if publishTimeout <= 0 {
		publishTimeout = 5 * time.Second
	}
	return &Bus{timeout: publishTimeout, defaultCapacity: queueCapacity}
}

// Subscribe registers handler under name with its own bounded queue and
// starts a goroutine that calls handler for every event delivered to it.
// Must be called before Publish starts producing; subscribing concurrently
// with Publish is not supported.
func (b *Bus) Subscribe(name string, queueCapacity int, handler Handler) {
	if queueCapacity <= 0 {
		queueCapacity = b.defaultCapacity
	}
	s := &subscriber{name: name, ch: make(chan Event, queueCapacity)}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range s.ch {
			handler(ev)
		}
	}()
}

// Publish delivers ev to every subscriber's queue. Each subscriber is
// attempted independently: a full queue blocks up to the bus's publish
// timeout, after which the event is dropped for that subscriber only and a
// warning is logged. Publish must only ever be called after the transaction
// that produced ev has committed.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			timer := time.NewTimer(b.timeout)
			select {
			case s.ch <- ev:
				timer.Stop()
			case <-timer.C:
				log.Warn().Str("subscriber", s.name).Str("event", string(ev.Kind)).
					Msg("eventbus: subscriber queue full, dropping event")
			}
		}
	}
}

// Close closes every subscriber's queue and waits for their dispatch
// goroutines to drain. Call once, after nothing can call Publish anymore.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()
	for _, s := range subs {
		close(s.ch)
	}
	b.wg.Wait()
}
