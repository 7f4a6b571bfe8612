package watch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"

	"github.com/matiasvillaverde/trust/internal/domain"
	"github.com/matiasvillaverde/trust/internal/reconciler"
	"github.com/matiasvillaverde/trust/internal/watch"
)

func TestPublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	hub := watch.NewHub(zerolog.Nop())
	hub.Publish(context.Background(), &reconciler.Outcome{TradeID: "t1", Before: domain.TradeSubmitted, After: domain.TradeFilled})
	require.Equal(t, 0, hub.SubscriberCount())
}

func TestFrameRoundTripsThroughMsgpack(t *testing.T) {
	frame := watch.Frame{Kind: "reconciled", TradeID: "t1", Before: "submitted", After: "filled", Posted: []string{"open_trade"}}
	data, err := msgpack.Marshal(frame)
	require.NoError(t, err)

	var decoded watch.Frame
	require.NoError(t, msgpack.Unmarshal(data, &decoded))
	require.Equal(t, frame.TradeID, decoded.TradeID)
	require.Equal(t, frame.After, decoded.After)
}

func TestSubscriberReceivesPublishedOutcome(t *testing.T) {
	hub := watch.NewHub(zerolog.Nop())
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		require.NoError(t, err)
		defer conn.CloseNow()
		hub.Accept(r.Context(), conn)
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + ts.URL[len("http"):]
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && hub.SubscriberCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, hub.SubscriberCount())

	hub.Publish(ctx, &reconciler.Outcome{TradeID: "t1", Before: domain.TradeSubmitted, After: domain.TradeFilled})

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var frame watch.Frame
	require.NoError(t, msgpack.Unmarshal(data, &frame))
	require.Equal(t, "t1", frame.TradeID)
	require.Equal(t, "filled", frame.After)
}
