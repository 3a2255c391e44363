package kis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketflow/config"
	"marketflow/internal/model"
	"marketflow/logger"
)

// ConnectionState tracks where the stream is in its connect lifecycle.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

const (
	trTypeSubscribe   = "1"
	trTypeUnsubscribe = "2"
)

// subscriptionRequest is the outbound (un)subscribe frame.
type subscriptionRequest struct {
	Header struct {
		ApprovalKey string `json:"approval_key"`
		CustType    string `json:"custtype"`
		TrType      string `json:"tr_type"`
		ContentType string `json:"content-type"`
	} `json:"header"`
	Body struct {
		Input struct {
			TrID  string `json:"tr_id"`
			TrKey string `json:"tr_key"`
		} `json:"input"`
	} `json:"body"`
}

// Stream maintains the KIS WebSocket connection: it subscribes to trade
// feeds, decodes inbound frames into ticks and reconnects with exponential
// backoff when the socket drops. Subscriptions survive reconnects.
type Stream struct {
	cfg      config.KisConfig
	approval *ApprovalKeyManager
	ticks    chan<- model.RealtimeTick
	log      *logger.Log

	mu    sync.RWMutex
	state ConnectionState
	subs  map[string]struct{}
	conn  *websocket.Conn

	writeMu sync.Mutex

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewStream(cfg *config.Config, approval *ApprovalKeyManager, ticks chan<- model.RealtimeTick) *Stream {
	return &Stream{
		cfg:      cfg.Kis,
		approval: approval,
		ticks:    ticks,
		subs:     make(map[string]struct{}),
		log:      logger.GetLogger(),
	}
}

// Start launches the connection loop. It returns immediately; the stream
// connects and reconnects in the background until Stop or context
// cancellation.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("stream already running")
	}
	s.running = true
	s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return nil
}

// Stop tears the connection down, clears the subscription set and waits for
// the loop to exit.
func (s *Stream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	conn := s.conn
	s.subs = make(map[string]struct{})
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
	s.setState(StateDisconnected)
	s.log.WithComponent("kis_stream").Info("stream stopped")
}

// State returns the current connection state.
func (s *Stream) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SubscriptionCount returns the number of tracked subscriptions.
func (s *Stream) SubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Subscribe registers a stock code for the trade feed. It reports false when
// the exchange's per-connection subscription limit is already reached.
// Subscribing a code twice is a no-op that reports true.
func (s *Stream) Subscribe(ctx context.Context, stockCode string) (bool, error) {
	s.mu.Lock()
	if _, ok := s.subs[stockCode]; ok {
		s.mu.Unlock()
		return true, nil
	}
	if len(s.subs) >= s.cfg.MaxSubscriptions {
		s.mu.Unlock()
		s.log.WithComponent("kis_stream").WithFields(logger.Fields{
			"stock_code": stockCode,
			"limit":      s.cfg.MaxSubscriptions,
		}).Warn("subscription limit reached")
		return false, nil
	}
	s.subs[stockCode] = struct{}{}
	connected := s.state == StateConnected
	s.mu.Unlock()

	if connected {
		if err := s.sendSubscription(ctx, stockCode, trTypeSubscribe); err != nil {
			return true, fmt.Errorf("send subscribe for %s: %w", stockCode, err)
		}
	}
	return true, nil
}

// Unsubscribe removes a stock code from the feed. Unknown codes are ignored.
func (s *Stream) Unsubscribe(ctx context.Context, stockCode string) error {
	s.mu.Lock()
	if _, ok := s.subs[stockCode]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.subs, stockCode)
	connected := s.state == StateConnected
	s.mu.Unlock()

	if connected {
		if err := s.sendSubscription(ctx, stockCode, trTypeUnsubscribe); err != nil {
			return fmt.Errorf("send unsubscribe for %s: %w", stockCode, err)
		}
	}
	return nil
}

func (s *Stream) setState(state ConnectionState) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()
	if prev != state {
		s.log.WithComponent("kis_stream").WithFields(logger.Fields{
			"from": prev.String(),
			"to":   state.String(),
		}).Info("connection state changed")
	}
}

// run is the connect-read-reconnect loop. The backoff delay doubles up to
// the configured cap and resets after every successful connection.
func (s *Stream) run(ctx context.Context) {
	log := s.log.WithComponent("kis_stream")
	delay := s.cfg.ReconnectInitialDelay
	first := true

	for {
		if ctx.Err() != nil {
			return
		}

		if first {
			s.setState(StateConnecting)
		} else {
			s.setState(StateReconnecting)
		}

		conn, err := s.connect(ctx)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"delay_ms": delay.Milliseconds(),
			}).Warn("connection attempt failed")
			first = false
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = nextDelay(delay, s.cfg.ReconnectMaxDelay)
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.setState(StateConnected)
		delay = s.cfg.ReconnectInitialDelay
		first = false

		if err := s.resubscribeAll(ctx); err != nil {
			log.WithError(err).Warn("resubscription failed")
		}

		err = s.readLoop(ctx, conn)
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("connection lost")
		// The exchange invalidates the approval key when the socket dies.
		s.approval.Invalidate()
	}
}

func (s *Stream) connect(ctx context.Context) (*websocket.Conn, error) {
	if _, err := s.approval.ApprovalKey(ctx); err != nil {
		return nil, fmt.Errorf("obtain approval key: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.WsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.cfg.WsURL, err)
	}
	return conn, nil
}

// resubscribeAll replays the tracked subscriptions on a fresh connection,
// pacing the requests because the exchange rejects bursts.
func (s *Stream) resubscribeAll(ctx context.Context) error {
	s.mu.RLock()
	codes := make([]string, 0, len(s.subs))
	for code := range s.subs {
		codes = append(codes, code)
	}
	s.mu.RUnlock()

	for i, code := range codes {
		if i > 0 && !sleepCtx(ctx, s.cfg.SubscribeDelay) {
			return ctx.Err()
		}
		if err := s.sendSubscription(ctx, code, trTypeSubscribe); err != nil {
			return err
		}
	}
	if len(codes) > 0 {
		s.log.WithComponent("kis_stream").WithFields(logger.Fields{
			"count": len(codes),
		}).Info("subscriptions replayed")
	}
	return nil
}

func (s *Stream) sendSubscription(ctx context.Context, stockCode, trType string) error {
	key, err := s.approval.ApprovalKey(ctx)
	if err != nil {
		return err
	}

	var req subscriptionRequest
	req.Header.ApprovalKey = key
	req.Header.CustType = "P"
	req.Header.TrType = trType
	req.Header.ContentType = "utf-8"
	req.Body.Input.TrID = TrIDTrade
	req.Body.Input.TrKey = stockCode

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return s.writeMessage(payload)
}

func (s *Stream) writeMessage(payload []byte) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// readLoop consumes frames until the socket errors. The read deadline doubles
// as the heartbeat watchdog: a silent connection is treated as dead.
func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	log := s.log.WithComponent("kis_stream")

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		switch msg := Parse(string(data), time.Now()).(type) {
		case Trade:
			logger.IncrementTickReceived()
			select {
			case s.ticks <- msg.Tick:
			default:
				log.WithFields(logger.Fields{
					"stock_code": msg.Tick.StockCode,
				}).Warn("tick channel full, dropping tick")
			}
		case Heartbeat:
			if err := s.writeMessage([]byte(msg.Raw)); err != nil {
				return fmt.Errorf("echo heartbeat: %w", err)
			}
		case SubscriptionResponse:
			s.handleSubscriptionResponse(msg)
		case Unknown:
			log.WithFields(logger.Fields{
				"raw": truncate(msg.Raw, 200),
			}).Warn("undecodable frame")
		}
	}
}

// handleSubscriptionResponse drops rejected codes from the tracked set so
// they are not replayed on the next reconnect.
func (s *Stream) handleSubscriptionResponse(resp SubscriptionResponse) {
	log := s.log.WithComponent("kis_stream").WithFields(logger.Fields{
		"tr_id":      resp.TrID,
		"stock_code": resp.StockCode,
	})
	if resp.Success {
		log.Info("subscription acknowledged")
		return
	}

	s.mu.Lock()
	delete(s.subs, resp.StockCode)
	s.mu.Unlock()
	log.Warn("subscription rejected by exchange")
}

func nextDelay(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// sleepCtx waits for d, returning false when the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
