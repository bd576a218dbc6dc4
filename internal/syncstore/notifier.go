package syncstore

import (
	"context"
	"log/slog"
	"sync"
)

// CollectionChanged tells presentation code a collection's local cache
// was refreshed and should be re-rendered.
type CollectionChanged struct {
	Table string
}

// Bus is a typed pub/sub fan-out for CollectionChanged events.
// Subscriber channels hold one pending event; publishing to a full
// channel is a no-op, so a burst of changes coalesces into a single
// pending refresh per subscriber.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]chan CollectionChanged
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan CollectionChanged)}
}

// Subscribe returns a channel receiving changes for one table. An empty
// table subscribes to every collection.
func (b *Bus) Subscribe(table string) <-chan CollectionChanged {
	ch := make(chan CollectionChanged, 1)
	b.mu.Lock()
	b.subs[table] = append(b.subs[table], ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) Publish(event CollectionChanged) {
	b.mu.Lock()
	targets := make([]chan CollectionChanged, 0, len(b.subs[event.Table])+len(b.subs[""]))
	targets = append(targets, b.subs[event.Table]...)
	targets = append(targets, b.subs[""]...)
	b.mu.Unlock()
	for _, ch := range targets {
		select {
		case ch <- event:
		default:
		}
	}
}

// ReloadFunc refetches one collection from the remote into the local
// cache.
type ReloadFunc func(ctx context.Context) error

// Notifier ties a change feed to the stores: every event on a watched
// table triggers one full-collection reload and one bus publication.
// There is no de-duplication or debouncing; a burst of remote changes
// causes one refetch per event.
type Notifier struct {
	source FeedSource
	bus    *Bus
	logger *slog.Logger

	mu       sync.Mutex
	reloads  map[string]ReloadFunc
	degraded bool
}

func NewNotifier(source FeedSource, bus *Bus, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		source:  source,
		bus:     bus,
		logger:  logger,
		reloads: make(map[string]ReloadFunc),
	}
}

// Watch registers the reload hook for one table. Events for tables
// without a hook are ignored.
func (n *Notifier) Watch(table string, reload ReloadFunc) {
	n.mu.Lock()
	n.reloads[table] = reload
	n.mu.Unlock()
}

// Start opens the subscription and begins dispatching in the
// background. A subscription setup failure is never fatal: it logs a
// warning, marks the notifier degraded, and leaves the system on
// manual refresh.
func (n *Notifier) Start(ctx context.Context) {
	if n.source == nil {
		n.setDegraded(true)
		return
	}
	events, err := n.source.Subscribe(ctx)
	if err != nil {
		n.logger.Warn("change feed unavailable, falling back to manual refresh", "error", err)
		n.setDegraded(true)
		return
	}
	n.setDegraded(false)
	go func() {
		for event := range events {
			n.handle(ctx, event)
		}
		if ctx.Err() == nil {
			n.logger.Warn("change feed closed, falling back to manual refresh")
		}
		n.setDegraded(true)
	}()
}

// Degraded reports whether realtime propagation is currently off and
// callers should refresh manually.
func (n *Notifier) Degraded() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.degraded
}

func (n *Notifier) setDegraded(v bool) {
	n.mu.Lock()
	n.degraded = v
	n.mu.Unlock()
}

func (n *Notifier) handle(ctx context.Context, event FeedEvent) {
	n.mu.Lock()
	reload := n.reloads[event.Table]
	n.mu.Unlock()
	if reload == nil {
		return
	}
	if err := reload(ctx); err != nil {
		n.logger.Warn("collection reload failed after change event",
			"table", event.Table, "op", event.Op, "error", err)
	}
	if n.bus != nil {
		n.bus.Publish(CollectionChanged{Table: event.Table})
	}
}
