package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/meridianhq/advisor/internal/events"
)

const (
	streamDialTimeout    = 30 * time.Second
	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10

	paperStreamURL = "wss://paper-api.alpaca.markets/stream"
	liveStreamURL  = "wss://api.alpaca.markets/stream"
)

// TradeUpdate is one trade_updates stream message: a broker-side order
// state change.
type TradeUpdate struct {
	Event string `json:"event"`
	Order struct {
		ID             string  `json:"id"`
		Symbol         string  `json:"symbol"`
		Status         string  `json:"status"`
		FilledQty      string  `json:"filled_qty"`
		FilledAvgPrice *string `json:"filled_avg_price"`
	} `json:"order"`
}

// TradeUpdateHandler receives stream messages. Handlers must not block.
type TradeUpdateHandler func(update TradeUpdate)

// TradeStream maintains a websocket subscription to the trade_updates
// channel and feeds order state changes to the handler, with exponential
// backoff reconnects.
type TradeStream struct {
	url       string
	apiKey    string
	apiSecret string

	handler  TradeUpdateHandler
	eventBus *events.Bus
	log      zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	stopChan chan struct{}
	stopped  bool
}

// NewTradeStream creates a trade-updates stream client. eventBus may be
// nil; when set, stream errors are emitted as events.
func NewTradeStream(apiKey, apiSecret string, paper bool, handler TradeUpdateHandler, eventBus *events.Bus, log zerolog.Logger) *TradeStream {
	url := liveStreamURL
	if paper {
		url = paperStreamURL
	}
	return &TradeStream{
		url:       url,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		handler:   handler,
		eventBus:  eventBus,
		log:       log.With().Str("component", "trade_stream").Logger(),
		stopChan:  make(chan struct{}),
	}
}

// Start connects and begins the read loop in the background. A failed
// initial connection falls back to the reconnect loop.
func (s *TradeStream) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop closes the stream and prevents reconnects.
func (s *TradeStream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	conn := s.conn
	s.mu.Unlock()

	close(s.stopChan)
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
}

func (s *TradeStream) run(ctx context.Context) {
	attempts := 0
	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := s.connectAndRead(ctx); err != nil {
			attempts++
			if attempts > maxReconnectAttempts {
				s.log.Error().Err(err).Msg("trade stream gave up reconnecting")
				if s.eventBus != nil {
					s.eventBus.Emit(events.ErrorOccurred, "alpaca", map[string]interface{}{
						"component": "trade_stream",
						"error":     err.Error(),
					})
				}
				return
			}
			delay := reconnectDelay(attempts)
			s.log.Warn().Err(err).Dur("retry_in", delay).Int("attempt", attempts).Msg("trade stream disconnected")
			select {
			case <-time.After(delay):
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		// Clean read-loop exit means we were stopped.
		return
	}
}

func (s *TradeStream) connectAndRead(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, streamDialTimeout)
	conn, _, err := websocket.Dial(dialCtx, s.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	// Authenticate, then subscribe to trade updates.
	auth := map[string]interface{}{
		"action": "authenticate",
		"data":   map[string]string{"key_id": s.apiKey, "secret_key": s.apiSecret},
	}
	if err := wsjson.Write(ctx, conn, auth); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "auth write failed")
		return fmt.Errorf("auth failed: %w", err)
	}
	listen := map[string]interface{}{
		"action": "listen",
		"data":   map[string][]string{"streams": {"trade_updates"}},
	}
	if err := wsjson.Write(ctx, conn, listen); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "listen write failed")
		return fmt.Errorf("subscribe failed: %w", err)
	}

	s.log.Info().Str("url", s.url).Msg("trade stream connected")
	return s.readLoop(ctx, conn)
}

func (s *TradeStream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-s.stopChan:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		var envelope struct {
			Stream string          `json:"stream"`
			Data   json.RawMessage `json:"data"`
		}
		if err := wsjson.Read(ctx, conn, &envelope); err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}
		if envelope.Stream != "trade_updates" {
			continue
		}

		var update TradeUpdate
		if err := json.Unmarshal(envelope.Data, &update); err != nil {
			s.log.Warn().Err(err).Msg("unparseable trade update")
			continue
		}
		if s.handler != nil {
			s.handler(update)
		}
	}
}

func reconnectDelay(attempt int) time.Duration {
	delay := time.Duration(float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1)))
	if delay > maxReconnectDelay {
		return maxReconnectDelay
	}
	return delay
}
