// Package watch implements the read-only websocket view onto the book of
// record: every reconciliation outcome the poller (or an operator-driven
// sync) produces is pushed to connected subscribers as a msgpack frame.
// It never calls a mutating facade method and holds no lock the mutation
// serial queue depends on, so a slow or disconnected subscriber can never
// suspend a trade sync (spec §5).
//
// Grounded on the teacher's nhooyr.io/websocket usage in
// internal/clients/tradernet/websocket_client.go, inverted from a client
// dialing out to a server accepting connections — no server-side
// websocket example exists in the retrieval pack, so the Accept/fan-out
// hub shape here is authored from nhooyr.io/websocket's own accept-side
// API rather than copied from a teacher file.
package watch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"

	"github.com/matiasvillaverde/trust/internal/reconciler"
)

// subscriberBuffer bounds how far a subscriber may lag before it is
// disconnected rather than allowed to block the broadcaster.
const subscriberBuffer = 32

// Frame is one pushed event, msgpack-encoded on the wire.
type Frame struct {
	Kind      string    `msgpack:"kind"`
	TradeID   string    `msgpack:"trade_id"`
	Before    string    `msgpack:"before"`
	After     string    `msgpack:"after"`
	Posted    []string  `msgpack:"posted"`
	NoChange  bool      `msgpack:"no_change"`
	Timestamp time.Time `msgpack:"timestamp"`
}

func frameFromOutcome(o *reconciler.Outcome) Frame {
	posted := make([]string, len(o.Posted))
	for i, p := range o.Posted {
		posted[i] = string(p)
	}
	return Frame{
		Kind:      "reconciled",
		TradeID:   o.TradeID,
		Before:    string(o.Before),
		After:     string(o.After),
		Posted:    posted,
		NoChange:  o.NoChange,
		Timestamp: time.Now().UTC(),
	}
}

type subscriber struct {
	send chan []byte
}

// Hub fans reconciliation outcomes out to every connected subscriber.
type Hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
	log  zerolog.Logger
}

// NewHub builds an empty Hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subs: make(map[*subscriber]struct{}),
		log:  log.With().Str("component", "watch_hub").Logger(),
	}
}

// Publish encodes outcome as a Frame and fans it out to every subscriber.
// A subscriber whose buffer is already full is dropped rather than
// allowed to backpressure the caller — the caller here is the poller's
// mutation-serial sweep, which must never block on a reporting surface.
func (h *Hub) Publish(ctx context.Context, outcome *reconciler.Outcome) {
	frame := frameFromOutcome(outcome)
	data, err := msgpack.Marshal(frame)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to encode watch frame")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.send <- data:
		default:
			h.log.Warn().Msg("dropping slow watch subscriber")
			delete(h.subs, s)
			close(s.send)
		}
	}
}

// Accept upgrades r into a websocket connection and drives it until the
// client disconnects or ctx is cancelled. It never reads application data
// from the client — the view is push-only — but still runs a read loop so
// control frames (ping/pong/close) are serviced, which nhooyr.io/websocket
// requires even of a write-only consumer.
func (h *Hub) Accept(ctx context.Context, conn *websocket.Conn) {
	sub := &subscriber{send: make(chan []byte, subscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if _, ok := h.subs[sub]; ok {
			delete(h.subs, sub)
			close(sub.send)
		}
		h.mu.Unlock()
	}()

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "server shutting down")
			return
		case err := <-readErr:
			h.log.Debug().Err(err).Msg("watch subscriber disconnected")
			return
		case data, ok := <-sub.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageBinary, data)
			cancel()
			if err != nil {
				h.log.Debug().Err(err).Msg("watch subscriber write failed")
				return
			}
		}
	}
}

// SubscriberCount reports how many clients are currently connected. The
// watch server's /health route does not include it.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
