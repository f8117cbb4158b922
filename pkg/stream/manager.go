// Package stream serves live timeline subscriptions over WebSocket:
// replay from a cursor, then push as events arrive, in strictly ascending
// seq order per session.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/uniassist/gateway/pkg/metrics"
	"github.com/uniassist/gateway/pkg/models"
	"github.com/uniassist/gateway/pkg/store"
)

const (
	// writeTimeout bounds one frame write; a consumer that cannot take a
	// frame within it is treated as gone.
	writeTimeout = 10 * time.Second
	// subscriberBuffer is the per-connection outbound buffer. When it
	// overflows the connection is dropped; the client reconnects with its
	// last-seen cursor.
	subscriberBuffer = 128
)

type subscriber struct {
	sessionID string
	ch        chan *models.TimelineEvent
	closeOnce sync.Once
	dropped   chan struct{}
}

func (s *subscriber) drop() {
	s.closeOnce.Do(func() { close(s.dropped) })
}

// Manager tracks WebSocket subscribers per session and fans live events out
// to them. Events reach the manager from the broker consumer loop; ordering
// per connection is enforced here by seq, with gap-fill reads against the
// store when the broker delivers out of order.
type Manager struct {
	store   store.Store
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

// NewManager creates an empty subscription manager.
func NewManager(st store.Store, m *metrics.Metrics, logger *slog.Logger) *Manager {
	return &Manager{
		store:   st,
		metrics: m,
		logger:  logger.With("component", "stream"),
		subs:    make(map[string]map[*subscriber]struct{}),
	}
}

// Broadcast hands a live event to every subscriber of its session. Never
// blocks: a subscriber whose buffer is full is dropped rather than allowed
// to stall the consumer loop.
func (m *Manager) Broadcast(ev *models.TimelineEvent) {
	m.mu.RLock()
	set := m.subs[ev.SessionID]
	targets := make([]*subscriber, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	m.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- ev:
		default:
			m.logger.Warn("dropping slow stream subscriber",
				"session_id", ev.SessionID)
			m.metrics.StreamDropped.Inc()
			sub.drop()
		}
	}
}

// SubscriberCount returns the number of live subscribers for a session.
func (m *Manager) SubscriberCount(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[sessionID])
}

func (m *Manager) register(sub *subscriber) {
	m.mu.Lock()
	set, ok := m.subs[sub.sessionID]
	if !ok {
		set = make(map[*subscriber]struct{})
		m.subs[sub.sessionID] = set
	}
	set[sub] = struct{}{}
	m.mu.Unlock()
	m.metrics.StreamConnections.Inc()
}

func (m *Manager) unregister(sub *subscriber) {
	m.mu.Lock()
	if set, ok := m.subs[sub.sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(m.subs, sub.sessionID)
		}
	}
	m.mu.Unlock()
	m.metrics.StreamConnections.Dec()
}

// Serve upgrades the request and runs the subscription until the client
// disconnects or falls behind: replay everything past the cursor from the
// store, then stream live events, deduplicating and gap-filling by seq.
func (m *Manager) Serve(w http.ResponseWriter, r *http.Request, sessionID string, cursor int64) error {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := &subscriber{
		sessionID: sessionID,
		ch:        make(chan *models.TimelineEvent, subscriberBuffer),
		dropped:   make(chan struct{}),
	}
	m.register(sub)
	defer m.unregister(sub)

	// The read loop exists to notice client-side close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	lastSeq, err := m.replay(ctx, conn, sessionID, cursor)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return nil
		case <-sub.dropped:
			conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
			return nil
		case ev := <-sub.ch:
			if ev.Seq <= lastSeq {
				continue
			}
			// A gap means the broker delivered out of order; fill it from
			// the store so the client still sees ascending seq.
			if ev.Seq > lastSeq+1 {
				filled, err := m.replay(ctx, conn, sessionID, lastSeq)
				if err != nil {
					return err
				}
				if filled > lastSeq {
					lastSeq = filled
				}
				if ev.Seq <= lastSeq {
					continue
				}
			}
			if err := m.write(ctx, conn, ev); err != nil {
				return err
			}
			lastSeq = ev.Seq
		}
	}
}

// replay writes every stored event with seq > after, returning the last
// seq written (or after when nothing qualified).
func (m *Manager) replay(ctx context.Context, conn *websocket.Conn, sessionID string, after int64) (int64, error) {
	last := after
	for {
		events, err := m.store.ListEvents(ctx, sessionID, last, store.DefaultPageSize)
		if err != nil {
			return last, err
		}
		for _, ev := range events {
			if ev.Seq <= last {
				continue
			}
			if err := m.write(ctx, conn, ev); err != nil {
				return last, err
			}
			last = ev.Seq
		}
		if len(events) < store.DefaultPageSize {
			return last, nil
		}
	}
}

func (m *Manager) write(ctx context.Context, conn *websocket.Conn, ev *models.TimelineEvent) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, ev)
}
