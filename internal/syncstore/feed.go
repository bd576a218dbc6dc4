package syncstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"nhooyr.io/websocket"
)

// FeedEvent is one row-level change reported by the remote store.
type FeedEvent struct {
	Table string `json:"table"`
	Op    string `json:"op"`
	ID    string `json:"id"`
}

const feedEventSchemaJSON = `{
	"type": "object",
	"required": ["table", "op", "id"],
	"properties": {
		"table": {"type": "string", "minLength": 1},
		"op": {"enum": ["insert", "update", "delete"]},
		"id": {"type": "string"}
	}
}`

var feedEventSchema = mustCompileFeedEventSchema()

func mustCompileFeedEventSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(feedEventSchemaJSON))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("feed_event.json", doc); err != nil {
		panic(err)
	}
	return compiler.MustCompile("feed_event.json")
}

// ParseFeedEvent validates a raw feed payload against the event schema
// before decoding it. Payloads from the wire are untrusted; anything
// malformed is rejected here so the notifier can drop it quietly.
func ParseFeedEvent(payload []byte) (FeedEvent, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return FeedEvent{}, fmt.Errorf("feed payload: %w", err)
	}
	if err := feedEventSchema.Validate(doc); err != nil {
		return FeedEvent{}, fmt.Errorf("feed payload: %w", err)
	}
	var event FeedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return FeedEvent{}, fmt.Errorf("feed payload: %w", err)
	}
	return event, nil
}

// FeedSource is a push subscription to the remote change feed. A setup
// failure is returned from Subscribe; afterwards the source keeps the
// channel alive (reconnecting as needed) until ctx is done, then closes
// it.
type FeedSource interface {
	Subscribe(ctx context.Context) (<-chan FeedEvent, error)
}

// PostgresFeed subscribes over LISTEN/NOTIFY using the triggers the
// remote store installs.
type PostgresFeed struct {
	dsn          string
	channel      string
	logger       *slog.Logger
	minReconnect time.Duration
	maxReconnect time.Duration
}

func NewPostgresFeed(dsn string, logger *slog.Logger) (*PostgresFeed, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresFeed{
		dsn:          dsn,
		channel:      ChangeChannel,
		logger:       logger,
		minReconnect: time.Second,
		maxReconnect: 30 * time.Second,
	}, nil
}

func (f *PostgresFeed) Subscribe(ctx context.Context) (<-chan FeedEvent, error) {
	listener := pq.NewListener(f.dsn, f.minReconnect, f.maxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			f.logger.Warn("postgres feed listener event", "event", int(ev), "error", err)
		}
	})
	if err := listener.Listen(f.channel); err != nil {
		_ = listener.Close()
		return nil, err
	}
	events := make(chan FeedEvent, 16)
	go func() {
		defer close(events)
		defer func() { _ = listener.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case notification := <-listener.Notify:
				if notification == nil {
					// Connection re-established; events in between may
					// have been lost, which the full-reload model absorbs.
					continue
				}
				event, err := ParseFeedEvent([]byte(notification.Extra))
				if err != nil {
					f.logger.Debug("dropping malformed feed payload", "error", err)
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, nil
}

// WebsocketFeed subscribes to a hosted realtime endpoint that streams
// the same JSON events over a websocket. The initial dial must succeed;
// later drops reconnect with capped backoff.
type WebsocketFeed struct {
	url         string
	logger      *slog.Logger
	dialTimeout time.Duration
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func NewWebsocketFeed(url string, logger *slog.Logger) (*WebsocketFeed, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebsocketFeed{
		url:         url,
		logger:      logger,
		dialTimeout: 10 * time.Second,
		baseDelay:   time.Second,
		maxDelay:    30 * time.Second,
	}, nil
}

func (f *WebsocketFeed) Subscribe(ctx context.Context) (<-chan FeedEvent, error) {
	conn, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}
	events := make(chan FeedEvent, 16)
	go f.run(ctx, conn, events)
	return events, nil
}

func (f *WebsocketFeed) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, f.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, f.url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (f *WebsocketFeed) run(ctx context.Context, conn *websocket.Conn, events chan<- FeedEvent) {
	defer close(events)
	delay := f.baseDelay
	for {
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > f.maxDelay {
				delay = f.maxDelay
			}
			next, err := f.dial(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				f.logger.Warn("realtime reconnect failed", "url", f.url, "error", err)
				continue
			}
			f.logger.Info("realtime channel reconnected", "url", f.url)
			conn = next
			delay = f.baseDelay
		}

		_, payload, err := conn.Read(ctx)
		if err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			conn = nil
			if ctx.Err() != nil {
				return
			}
			f.logger.Warn("realtime channel dropped", "url", f.url, "error", err)
			continue
		}
		event, err := ParseFeedEvent(payload)
		if err != nil {
			f.logger.Debug("dropping malformed feed payload", "error", err)
			continue
		}
		select {
		case events <- event:
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}
