package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
)

// MemoryEventBus is the in-process EventBus used when no NATS URL is
// configured. Handlers run synchronously on the publishing goroutine, so a
// subscriber observes events in exactly the order they were published.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription // keyed by subject pattern
	queues map[string]*queueGroup           // keyed by queue + ":" + pattern
	closed bool
	logger *logger.Logger
}

// memorySubscription is one registered handler. queue is empty for plain
// subscriptions; pattern is nil when the subject carries no wildcards.
type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp
	handler EventHandler
	queue   string

	mu     sync.Mutex
	active bool
}

// queueGroup hands each event to one member, round-robin.
type queueGroup struct {
	mu      sync.Mutex
	members []*memorySubscription
	next    int
}

// NewMemoryEventBus creates an empty in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[string][]*memorySubscription),
		queues: make(map[string]*queueGroup),
		logger: log,
	}
}

// Publish invokes every matching handler before returning. The subscriber
// snapshot is taken under the read lock and handlers run after it is
// released, so a handler may publish or subscribe without deadlocking.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	targets, err := b.collectTargets(subject)
	if err != nil {
		return err
	}

	for _, sub := range targets {
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("Event handler error",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))

	return nil
}

// collectTargets gathers the handlers for one publish. Plain subscribers all
// receive the event; each matching queue group contributes its next member.
func (b *MemoryEventBus) collectTargets(subject string) ([]*memorySubscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	var targets []*memorySubscription
	seenQueues := make(map[string]bool)
	for pattern, subs := range b.subs {
		for _, sub := range subs {
			if !sub.IsValid() || !sub.matches(subject) {
				continue
			}
			if sub.queue == "" {
				targets = append(targets, sub)
				continue
			}
			key := queueKey(sub.queue, pattern)
			if seenQueues[key] {
				continue
			}
			seenQueues[key] = true
			if qg := b.queues[key]; qg != nil {
				if member := qg.nextMember(); member != nil {
					targets = append(targets, member)
				}
			}
		}
	}
	return targets, nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := b.subscribe(subject, "", handler)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// QueueSubscribe registers a handler in a queue group; each published event
// reaches one member of the group.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	sub, err := b.subscribe(subject, queue, handler)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (b *MemoryEventBus) subscribe(subject, queue string, handler EventHandler) (*memorySubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   queue,
		active:  true,
	}
	b.subs[subject] = append(b.subs[subject], sub)

	if queue != "" {
		key := queueKey(queue, subject)
		qg := b.queues[key]
		if qg == nil {
			qg = &queueGroup{}
			b.queues[key] = qg
		}
		qg.members = append(qg.members, sub)
		b.logger.Debug("Queue subscribed to subject",
			zap.String("subject", subject),
			zap.String("queue", queue))
	} else {
		b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	}
	return sub, nil
}

// Request publishes the event tagged with a per-request reply subject in
// Data["_reply"] and waits for the first event published back on it.
func (b *MemoryEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	replySubject := "_INBOX." + event.ID
	replies := make(chan *Event, 1)

	sub, err := b.Subscribe(replySubject, func(ctx context.Context, e *Event) error {
		select {
		case replies <- e:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reply subscription: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if event.Data == nil {
		event.Data = make(map[string]interface{})
	}
	event.Data["_reply"] = replySubject

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replies:
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("request timeout after %v", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close deactivates every subscription and rejects further use.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subs = make(map[string][]*memorySubscription)
	b.queues = make(map[string]*queueGroup)

	b.logger.Info("Memory event bus closed")
}

// IsConnected reports whether the bus is still open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matches reports whether a published subject reaches this subscription.
func (s *memorySubscription) matches(subject string) bool {
	if s.pattern != nil {
		return s.pattern.MatchString(subject)
	}
	return s.subject == subject
}

// Unsubscribe deactivates the handler and removes it from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	s.bus.subs[s.subject] = removeSub(s.bus.subs[s.subject], s)
	if s.queue != "" {
		if qg := s.bus.queues[queueKey(s.queue, s.subject)]; qg != nil {
			qg.mu.Lock()
			qg.members = removeSub(qg.members, s)
			qg.mu.Unlock()
		}
	}
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// nextMember returns the next active member, skipping unsubscribed ones.
func (g *queueGroup) nextMember() *memorySubscription {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.members) == 0 {
		return nil
	}
	for i := 0; i < len(g.members); i++ {
		idx := (g.next + i) % len(g.members)
		if g.members[idx].IsValid() {
			g.next = (idx + 1) % len(g.members)
			return g.members[idx]
		}
	}
	return nil
}

func queueKey(queue, subject string) string {
	return queue + ":" + subject
}

func removeSub(subs []*memorySubscription, target *memorySubscription) []*memorySubscription {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// compilePattern turns a NATS-style subject pattern into an anchored regexp.
// Plain subjects return nil and match by string equality. A * token matches
// exactly one dot-separated token; > matches one or more remaining tokens.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*>") {
		return nil
	}

	tokens := strings.Split(pattern, ".")
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		switch tok {
		case "*":
			parts[i] = `[^.]+`
		case ">":
			parts[i] = `.+`
		default:
			parts[i] = regexp.QuoteMeta(tok)
		}
	}

	re, err := regexp.Compile("^" + strings.Join(parts, `\.`) + "$")
	if err != nil {
		return nil
	}
	return re
}
