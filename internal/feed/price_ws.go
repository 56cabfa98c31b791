// Package feed streams live token prices over WebSocket into the price cache.
// The monitor and executor never talk to the feed directly; they read the
// cache and judge freshness by the stored observation time.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/solbot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message.
	pongWait = 30 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff.
	maxReconnectDelay = 60 * time.Second
)

// PriceHandler is called for every price update received on the stream.
type PriceHandler func(mint string, price float64, ts time.Time)

// subscribeCmd asks the stream for price updates on a set of token mints.
type subscribeCmd struct {
	Method string   `json:"method"`
	Keys   []string `json:"keys"`
}

// priceMsg is the wire format of one price update.
type priceMsg struct {
	Type  string  `json:"type"`
	Mint  string  `json:"mint"`
	Price float64 `json:"price"`
	TsMs  int64   `json:"ts"`
}

// WSClient is a WebSocket client for a real-time token price stream. Every
// update is written to the price cache; additional handlers can be attached
// for bookkeeping such as position mark-to-market.
type WSClient struct {
	wsURL  string
	cache  domain.PriceCache
	logger *slog.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool

	// Tracked subscriptions for reconnection.
	subscribedMints []string

	handlerMu sync.RWMutex
	handlers  []PriceHandler

	done chan struct{}
}

// NewWSClient creates a price feed client. wsURL is the stream endpoint,
// e.g. "wss://feed.example.com/prices".
func NewWSClient(wsURL string, cache domain.PriceCache, logger *slog.Logger) *WSClient {
	return &WSClient{
		wsURL:  wsURL,
		cache:  cache,
		logger: logger.With(slog.String("component", "price_feed")),
		done:   make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and starts the read and ping
// loops.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("feed: client is closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	w.conn = conn

	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go w.readLoop()
	go w.pingLoop()

	if len(w.subscribedMints) > 0 {
		if err := w.sendSubscribe(w.subscribedMints); err != nil {
			return fmt.Errorf("feed: restore subscriptions: %w", err)
		}
	}
	return nil
}

// Subscribe requests price updates for the given token mints.
func (w *WSClient) Subscribe(mints []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("feed: not connected")
	}
	if err := w.sendSubscribe(mints); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}

	existing := make(map[string]struct{}, len(w.subscribedMints))
	for _, m := range w.subscribedMints {
		existing[m] = struct{}{}
	}
	for _, m := range mints {
		if _, ok := existing[m]; !ok {
			w.subscribedMints = append(w.subscribedMints, m)
		}
	}
	return nil
}

// OnPrice registers a handler invoked for every received price update, after
// the cache write.
func (w *WSClient) OnPrice(handler PriceHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.handlers = append(w.handlers, handler)
}

// Close shuts down the connection and stops the background loops.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}
	return nil
}

// sendSubscribe sends a subscribe command. Caller must hold w.mu.
func (w *WSClient) sendSubscribe(mints []string) error {
	cmd := subscribeCmd{Method: "subscribeTokenPrice", Keys: mints}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads messages until disconnect, then reconnects with backoff.
func (w *WSClient) readLoop() {
	for {
		select {
		case <-w.done:
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			w.reconnect()
			return
		}

		w.handleMessage(message)
	}
}

// pingLoop keeps the connection alive.
func (w *WSClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()
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

// handleMessage parses a raw message and updates the cache.
func (w *WSClient) handleMessage(raw []byte) {
	var msg priceMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		w.logger.Warn("malformed feed message", slog.String("error", err.Error()))
		return
	}
	if msg.Type != "price" || msg.Mint == "" || msg.Price <= 0 {
		return
	}

	ts := time.Now()
	if msg.TsMs > 0 {
		ts = time.UnixMilli(msg.TsMs)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.cache.SetPrice(ctx, msg.Mint, msg.Price, ts); err != nil {
		w.logger.Warn("price cache write failed",
			slog.String("mint", msg.Mint),
			slog.String("error", err.Error()),
		)
	}

	w.handlerMu.RLock()
	handlers := w.handlers
	w.handlerMu.RUnlock()
	for _, h := range handlers {
		h(msg.Mint, msg.Price, ts)
	}
}

// reconnect re-establishes the connection with exponential backoff.
func (w *WSClient) reconnect() {
	delay := reconnectDelay
	for {
		select {
		case <-w.done:
			return
		case <-time.After(delay):
		}

		w.logger.Info("reconnecting price feed", slog.Duration("after", delay))

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()
		if err == nil {
			return
		}

		w.logger.Warn("reconnect failed", slog.String("error", err.Error()))
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
