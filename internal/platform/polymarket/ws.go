package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pmquant/polyrev/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second

	tradesTopic = "activity"
	tradesType  = "trades"
)

// TradeHandler is called for every trade event received on the stream.
type TradeHandler func(domain.Trade)

// TradeStream is a WebSocket client for the Polymarket live-data feed. It
// manages the connection lifecycle, resubscribes after reconnects, and
// dispatches trade events to registered handlers.
type TradeStream struct {
	wsURL string
	conn  *websocket.Conn

	mu         sync.RWMutex
	closed     bool
	subscribed bool

	handlerMu sync.RWMutex
	handlers  []TradeHandler

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewTradeStream creates a trade stream client for the given WebSocket URL,
// e.g. "wss://ws-live-data.polymarket.com".
func NewTradeStream(wsURL string) *TradeStream {
	return &TradeStream{
		wsURL: wsURL,
		done:  make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and starts the read and ping
// loops. A previous subscription is restored after a reconnect.
func (s *TradeStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("polymarket/ws: stream closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}

	s.conn = conn

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go s.readLoop()
	go s.pingLoop()

	if s.subscribed {
		if err := s.sendSubscribe("subscribe"); err != nil {
			return fmt.Errorf("polymarket/ws: restore subscription: %w", err)
		}
	}

	return nil
}

// Subscribe starts the firehose of all trade events.
func (s *TradeStream) Subscribe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("polymarket/ws: not connected")
	}
	if err := s.sendSubscribe("subscribe"); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}
	s.subscribed = true
	return nil
}

// OnTrade registers a handler invoked for every trade event.
func (s *TradeStream) OnTrade(handler func(domain.Trade)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Close shuts down the WebSocket connection and stops the read loop.
func (s *TradeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	close(s.done)

	if s.conn != nil {
		_ = s.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return s.conn.Close()
	}

	return nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// sendSubscribe sends a subscribe/unsubscribe frame. Caller must hold s.mu.
func (s *TradeStream) sendSubscribe(action string) error {
	cmd := wsCommand{
		Action: action,
		Subscriptions: []wsSubscription{
			{Topic: tradesTopic, Type: tradesType},
		},
	}

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop continuously reads messages from the WebSocket and dispatches
// trade events. On disconnect it reconnects with exponential backoff.
func (s *TradeStream) readLoop() {
	defer func() {
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}

			s.reconnect()
			return // readLoop is restarted by reconnect -> Connect
		}

		s.dispatch(message)
	}
}

// dispatch decodes one frame and fans the trade out to handlers. Frames that
// are not trade events (confirmations, heartbeats) are ignored.
func (s *TradeStream) dispatch(message []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		return
	}
	if env.Topic != tradesTopic || env.Type != tradesType || len(env.Payload) == 0 {
		return
	}

	var t wsTrade
	if err := json.Unmarshal(env.Payload, &t); err != nil {
		return
	}
	if t.ConditionID == "" || float64(t.Price) <= 0 {
		return
	}

	trade := t.ToDomainTrade()

	s.handlerMu.RLock()
	handlers := s.handlers
	s.handlerMu.RUnlock()
	for _, h := range handlers {
		h(trade)
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func (s *TradeStream) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reconnect attempts to re-establish the connection with exponential backoff.
func (s *TradeStream) reconnect() {
	delay := reconnectDelay
	for {
		select {
		case <-s.done:
			return
		case <-time.After(delay):
		}

		s.mu.RLock()
		closed := s.closed
		s.mu.RUnlock()
		if closed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := s.Connect(ctx)
		cancel()
		if err == nil {
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
