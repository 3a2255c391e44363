package kis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketflow/internal/model"
)

var upgrader = websocket.Upgrader{}

// newStreamFixture wires a Stream against a fake exchange: an HTTP server for
// the approval key and a WebSocket handler for the feed.
func newStreamFixture(t *testing.T, handler func(conn *websocket.Conn)) (*Stream, chan model.RealtimeTick, *atomic.Int64) {
	t.Helper()

	var approvals atomic.Int64
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		approvals.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"approval_key": "key-1"})
	}))
	t.Cleanup(rest.Close)

	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn)
	}))
	t.Cleanup(ws.Close)

	cfg := testKisConfig(rest.URL)
	cfg.Kis.WsURL = "ws" + strings.TrimPrefix(ws.URL, "http")
	cfg.Kis.MaxSubscriptions = 5
	cfg.Kis.ReconnectInitialDelay = 10 * time.Millisecond
	cfg.Kis.ReconnectMaxDelay = 50 * time.Millisecond
	cfg.Kis.HeartbeatTimeout = 2 * time.Second
	cfg.Kis.SubscribeDelay = time.Millisecond

	ticks := make(chan model.RealtimeTick, 16)
	stream := NewStream(cfg, NewApprovalKeyManager(cfg), ticks)
	return stream, ticks, &approvals
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStreamDeliversTicks(t *testing.T) {
	tradeFrame := "0|H0STCNT0|001|" + buildTradeFields("005930", "100530", "72000", "1.50", "500", "1000", "2000")

	stream, ticks, _ := newStreamFixture(t, func(conn *websocket.Conn) {
		defer conn.Close()
		// Wait for the subscribe request, then push one trade.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(tradeFrame))
		time.Sleep(time.Second)
	})

	if err := stream.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer stream.Stop()

	waitFor(t, 2*time.Second, func() bool { return stream.State() == StateConnected })
	if ok, err := stream.Subscribe(context.Background(), "005930"); err != nil || !ok {
		t.Fatalf("subscribe failed: ok=%v err=%v", ok, err)
	}

	select {
	case tick := <-ticks:
		if tick.StockCode != "005930" || tick.CurrentPrice != 72000 {
			t.Errorf("unexpected tick: %+v", tick)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick received")
	}
}

func TestStreamEchoesHeartbeat(t *testing.T) {
	heartbeat := `{"header":{"tr_id":"PINGPONG","datetime":"20240101120000"}}`
	echoed := make(chan string, 1)

	stream, _, _ := newStreamFixture(t, func(conn *websocket.Conn) {
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(heartbeat))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		echoed <- string(data)
	})

	if err := stream.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer stream.Stop()

	select {
	case got := <-echoed:
		if got != heartbeat {
			t.Errorf("heartbeat not echoed verbatim: %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat echo")
	}
}

func TestSubscribeLimitAndIdempotency(t *testing.T) {
	stream, _, _ := newStreamFixture(t, func(conn *websocket.Conn) {
		defer conn.Close()
		time.Sleep(time.Second)
	})
	stream.cfg.MaxSubscriptions = 2

	ctx := context.Background()
	if ok, _ := stream.Subscribe(ctx, "000001"); !ok {
		t.Fatal("first subscribe should be accepted")
	}
	if ok, _ := stream.Subscribe(ctx, "000001"); !ok {
		t.Fatal("duplicate subscribe should report true")
	}
	if stream.SubscriptionCount() != 1 {
		t.Fatalf("duplicate subscribe changed the set: %d", stream.SubscriptionCount())
	}
	if ok, _ := stream.Subscribe(ctx, "000002"); !ok {
		t.Fatal("second subscribe should be accepted")
	}
	if ok, _ := stream.Subscribe(ctx, "000003"); ok {
		t.Fatal("subscribe beyond the limit should report false")
	}
	if stream.SubscriptionCount() != 2 {
		t.Fatalf("unexpected subscription count: %d", stream.SubscriptionCount())
	}
}

func TestRejectedSubscriptionRemoved(t *testing.T) {
	failure := `{"header":{"tr_id":"H0STCNT0","tr_key":"999999"},"body":{"rt_cd":"1","msg_cd":"OPSP0002","msg1":"FAIL"}}`

	stream, _, _ := newStreamFixture(t, func(conn *websocket.Conn) {
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(failure))
		time.Sleep(time.Second)
	})

	if err := stream.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer stream.Stop()

	waitFor(t, 2*time.Second, func() bool { return stream.State() == StateConnected })
	if ok, err := stream.Subscribe(context.Background(), "999999"); err != nil || !ok {
		t.Fatalf("subscribe failed: ok=%v err=%v", ok, err)
	}

	waitFor(t, 2*time.Second, func() bool { return stream.SubscriptionCount() == 0 })
}

func TestReconnectBackoffSequence(t *testing.T) {
	maxDelay := 10 * time.Second

	delay := time.Second
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, expected := range want {
		delay = nextDelay(delay, maxDelay)
		if delay != expected {
			t.Fatalf("failure %d: expected delay %v, got %v", i+1, expected, delay)
		}
	}
}

func TestStopClearsSubscriptions(t *testing.T) {
	stream, _, _ := newStreamFixture(t, func(conn *websocket.Conn) {
		defer conn.Close()
		time.Sleep(time.Second)
	})

	if err := stream.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if ok, _ := stream.Subscribe(context.Background(), "005930"); !ok {
		t.Fatal("subscribe failed")
	}

	stream.Stop()

	if stream.SubscriptionCount() != 0 {
		t.Errorf("explicit stop should clear subscriptions, got %d", stream.SubscriptionCount())
	}
	if stream.State() != StateDisconnected {
		t.Errorf("expected disconnected state, got %s", stream.State())
	}
}

func TestStreamReconnectsAndResubscribes(t *testing.T) {
	var connections atomic.Int64
	resubscribed := make(chan subscriptionRequest, 1)

	stream, _, approvals := newStreamFixture(t, func(conn *websocket.Conn) {
		defer conn.Close()
		n := connections.Add(1)
		if n == 1 {
			// Accept the subscribe, then drop the connection.
			conn.ReadMessage()
			return
		}
		var req subscriptionRequest
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := json.Unmarshal(data, &req); err == nil {
			resubscribed <- req
		}
		time.Sleep(time.Second)
	})

	if err := stream.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer stream.Stop()

	waitFor(t, 2*time.Second, func() bool { return stream.State() == StateConnected })
	if ok, err := stream.Subscribe(context.Background(), "005930"); err != nil || !ok {
		t.Fatalf("subscribe failed: ok=%v err=%v", ok, err)
	}

	select {
	case req := <-resubscribed:
		if req.Body.Input.TrKey != "005930" || req.Header.TrType != trTypeSubscribe {
			t.Errorf("unexpected replayed subscription: %+v", req)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription was not replayed after reconnect")
	}

	if got := approvals.Load(); got < 2 {
		t.Errorf("expected fresh approval key after reconnect, got %d fetches", got)
	}
}
