// Package notify publishes working-memory change events over Postgres
// LISTEN/NOTIFY so every process sharing a robot group sees additions,
// evictions, and clears as they happen.
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"engram/internal/logging"
	"engram/internal/types"
)

// Event names carried in the payload.
const (
	EventAdded   = "added"
	EventEvicted = "evicted"
	EventCleared = "cleared"
)

// channelPrefix namespaces our channels away from anything else using the
// same database.
const channelPrefix = "engram_group_"

// reconnectDelay paces listener re-acquisition after a dropped connection.
const reconnectDelay = time.Second

// Event is one working-memory change. NodeID is nil for whole-set events
// like cleared.
type Event struct {
	Event   string `json:"event"`
	NodeID  *int64 `json:"node_id,omitempty"`
	RobotID int64  `json:"robot_id"`
}

// ChannelName maps a group name onto a valid Postgres channel identifier:
// lowercased, non-identifier runes replaced with '_', prefixed, and clipped
// to the 63-byte identifier limit.
func ChannelName(group string) string {
	var b strings.Builder
	b.WriteString(channelPrefix)
	for _, r := range strings.ToLower(group) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

// parsePayload decodes and validates one notification payload.
func parsePayload(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, types.Wrap(types.KindValidation, err, "malformed change event")
	}
	switch ev.Event {
	case EventAdded, EventEvicted, EventCleared:
	default:
		return Event{}, types.Validationf("unknown change event %q", ev.Event)
	}
	return ev, nil
}

// Notifier publishes and subscribes to group change channels on one pool.
type Notifier struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// New builds a notifier on the store's pool.
func New(pool *pgxpool.Pool) *Notifier {
	return &Notifier{pool: pool, log: logging.Named(logging.ComponentNotify)}
}

// Publish sends one event to the group's channel. Payloads are tiny JSON,
// well under the notify size limit.
func (n *Notifier) Publish(ctx context.Context, group string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return types.Wrap(types.KindValidation, err, "encode change event")
	}
	if _, err := n.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelName(group), string(payload)); err != nil {
		return types.Wrap(types.KindDatabase, err, "publish change event")
	}
	return nil
}

// Listener is one subscription to a group's change channel. It holds a
// dedicated connection; Close releases it.
type Listener struct {
	channel string
	cancel  context.CancelFunc
	done    chan struct{}
	log     *zap.Logger
}

// Listen subscribes fn to the group's channel. The callback runs
// sequentially on the listener goroutine and must not block; malformed
// payloads are dropped with a warning. The listener survives dropped
// connections by re-acquiring and re-subscribing until Close or ctx end.
func (n *Notifier) Listen(ctx context.Context, group string, fn func(Event)) (*Listener, error) {
	channel := ChannelName(group)
	lctx, cancel := context.WithCancel(ctx)

	conn, err := n.acquireAndListen(lctx, channel)
	if err != nil {
		cancel()
		return nil, err
	}

	l := &Listener{
		channel: channel,
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     n.log.With(zap.String("channel", channel)),
	}
	go n.run(lctx, l, conn, fn)
	return l, nil
}

func (n *Notifier) acquireAndListen(ctx context.Context, channel string) (*pgxpool.Conn, error) {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "acquire listener connection")
	}
	// Channel names cannot be bind parameters; ChannelName output is
	// identifier-safe and quoted besides.
	if _, err := conn.Exec(ctx, `LISTEN "`+channel+`"`); err != nil {
		conn.Release()
		return nil, types.Wrap(types.KindDatabase, err, "listen on channel")
	}
	return conn, nil
}

func (n *Notifier) run(ctx context.Context, l *Listener, conn *pgxpool.Conn, fn func(Event)) {
	defer close(l.done)
	defer func() {
		if conn != nil {
			conn.Release()
		}
	}()

	for {
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			fresh, err := n.acquireAndListen(ctx, l.channel)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.log.Warn("listener reconnect failed", zap.Error(err))
				continue
			}
			conn = fresh
			l.log.Info("listener reconnected")
		}

		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Warn("listener connection lost", zap.Error(err))
			conn.Release()
			conn = nil
			continue
		}

		ev, err := parsePayload(notification.Payload)
		if err != nil {
			l.log.Warn("change event dropped",
				zap.String("payload", notification.Payload),
				zap.Error(err))
			continue
		}
		fn(ev)
	}
}

// Channel returns the sanitized channel this listener is subscribed to.
func (l *Listener) Channel() string { return l.channel }

// Close stops the listener and waits for its goroutine to exit.
func (l *Listener) Close() {
	l.cancel()
	<-l.done
}

// CloseAll is a convenience for shutting down several listeners at once.
func CloseAll(listeners ...*Listener) {
	var wg sync.WaitGroup
	for _, l := range listeners {
		if l == nil {
			continue
		}
		wg.Add(1)
		go func(l *Listener) {
			defer wg.Done()
			l.Close()
		}(l)
	}
	wg.Wait()
}
