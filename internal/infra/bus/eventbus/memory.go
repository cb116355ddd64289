package eventbus

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/sessionrouter/errs"
	"github.com/coachpo/sessionrouter/internal/infra/telemetry"
)

// MemoryBus is an in-memory implementation of the notice bus.
type MemoryBus struct {
	cfg    MemoryConfig
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	noticesPublishedCounter metric.Int64Counter
	subscriberGauge         metric.Int64UpDownCounter
	fanoutHistogram         metric.Int64Histogram
	deliveryBlockedCounter  metric.Int64Counter
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	types  map[NoticeType]struct{}
	ch     chan Notice
	mu     sync.Mutex
	closed bool
}

// MemoryOption configures a MemoryBus.
type MemoryOption func(*MemoryBus)

// WithLogger overrides the logger used for dropped notices.
func WithLogger(logger *log.Logger) MemoryOption {
	return func(b *MemoryBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewMemoryBus constructs a memory-backed notice bus.
func NewMemoryBus(cfg MemoryConfig, opts ...MemoryOption) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := &MemoryBus{
		cfg:         cfg,
		logger:      log.New(io.Discard, "", 0),
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[SubscriptionID]*subscriber),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(bus)
		}
	}

	meter := otel.Meter("eventbus")
	bus.noticesPublishedCounter, _ = meter.Int64Counter("eventbus.notices.published",
		metric.WithDescription("Number of notices published to the bus"),
		metric.WithUnit("{notice}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	bus.deliveryBlockedCounter, _ = meter.Int64Counter("eventbus.delivery.blocked",
		metric.WithDescription("Number of notices dropped due to subscriber backpressure"),
		metric.WithUnit("{notice}"))

	return bus
}

// Publish fan-outs the notice to every subscriber interested in its type.
func (b *MemoryBus) Publish(ctx context.Context, notice Notice) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if notice.Type == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("notice type required"))
	}
	if err := b.ctx.Err(); err != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if notice.ID == "" {
		notice.ID = uuid.NewString()
	}
	if notice.At.IsZero() {
		notice.At = time.Now().UTC()
	}

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.wants(notice.Type) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	attrs := metric.WithAttributes(telemetry.NoticeAttributes(telemetry.Environment(), string(notice.Type))...)
	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(targets)), attrs)
	}
	if len(targets) == 0 {
		return nil
	}

	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range targets {
		sub := sub
		p.Go(func() {
			b.deliver(ctx, sub, notice)
		})
	}
	p.Wait()

	if b.noticesPublishedCounter != nil {
		b.noticesPublishedCounter.Add(ctx, 1, attrs)
	}
	return nil
}

// Subscribe registers for notices of the given types, or every type when none is given.
func (b *MemoryBus) Subscribe(ctx context.Context, types ...NoticeType) (SubscriptionID, <-chan Notice, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := b.ctx.Err(); err != nil {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := &subscriber{
		ctx:    ctx,
		cancel: cancel,
		ch:     make(chan Notice, b.cfg.BufferSize),
	}
	if len(types) > 0 {
		sub.types = make(map[NoticeType]struct{}, len(types))
		for _, typ := range types {
			if typ == "" {
				cancel()
				return "", nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("notice type required"))
			}
			sub.types[typ] = struct{}{}
		}
	}

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}

	go b.observe(id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes the channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
	sub.close()
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		subs := b.subscribers
		b.subscribers = make(map[SubscriptionID]*subscriber)
		b.mu.Unlock()
		for _, sub := range subs {
			sub.close()
		}
	})
}

func (b *MemoryBus) observe(id SubscriptionID, sub *subscriber) {
	select {
	case <-sub.ctx.Done():
	case <-b.ctx.Done():
	}
	b.mu.Lock()
	if stored, ok := b.subscribers[id]; ok && stored == sub {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	sub.close()
}

// deliver never blocks: a full subscriber buffer drops its oldest notice.
func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, notice Notice) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- notice:
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	b.logger.Printf("eventbus: subscriber buffer full; dropped oldest notice type=%s channel=%s", notice.Type, notice.Channel)
	if b.deliveryBlockedCounter != nil {
		b.deliveryBlockedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.NoticeAttributes(telemetry.Environment(), string(notice.Type))...))
	}
	select {
	case sub.ch <- notice:
	default:
	}
}

func (s *subscriber) wants(typ NoticeType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[typ]
	return ok
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	close(s.ch)
}
