// Package marketdata maintains a best bid/offer cache fed by the venue's
// websocket order book stream.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"capital-gate/trading"
)

var (
	ErrNoQuote    = errors.New("no quote")
	ErrStaleQuote = errors.New("stale quote")
)

// FeedConfig holds the stream settings.
type FeedConfig struct {
	URL               string
	Symbols           []string
	MaxAge            time.Duration // quotes older than this are refused
	ReconnectInterval time.Duration
	HeartbeatInterval time.Duration
	MaxReconnects     int // zero: unlimited
}

// DefaultFeedConfig returns the stream settings used by the gate.
func DefaultFeedConfig(url string, symbols []string) FeedConfig {
	return FeedConfig{
		URL:               url,
		Symbols:           symbols,
		MaxAge:            30 * time.Second,
		ReconnectInterval: 5 * time.Second,
		HeartbeatInterval: 20 * time.Second,
	}
}

// Status describes the stream connection.
type Status struct {
	Connected      bool      `json:"connected"`
	ReconnectCount int       `json:"reconnect_count"`
	MessageCount   int64     `json:"message_count"`
	ErrorCount     int64     `json:"error_count"`
	LastMessage    time.Time `json:"last_message"`
}

type subscriptionMessage struct {
	Method       string            `json:"method"`
	Subscription map[string]string `json:"subscription"`
}

type bookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

type bookMessage struct {
	Channel string `json:"channel"`
	Data    struct {
		Coin   string        `json:"coin"`
		Levels [][]bookLevel `json:"levels"` // [bids, asks], best first
		Time   int64         `json:"time"`
	} `json:"data"`
}

// quoteCache stores the latest quote per symbol.
type quoteCache struct {
	mu     sync.RWMutex
	quotes map[string]trading.Quote
	maxAge time.Duration
}

func (c *quoteCache) put(q trading.Quote) {
	c.mu.Lock()
	c.quotes[q.Symbol] = q
	c.mu.Unlock()
}

func (c *quoteCache) get(symbol string, now time.Time) (trading.Quote, error) {
	c.mu.RLock()
	q, ok := c.quotes[symbol]
	c.mu.RUnlock()

	if !ok {
		return trading.Quote{}, fmt.Errorf("%s: %w", symbol, ErrNoQuote)
	}
	if c.maxAge > 0 && now.Sub(q.Time) > c.maxAge {
		return trading.Quote{}, fmt.Errorf("%s: %w (age %s)", symbol, ErrStaleQuote, now.Sub(q.Time).Round(time.Millisecond))
	}
	return q, nil
}

// Feed streams order book tops from the venue. The cache is the only state
// shared with the caller and is safe for concurrent use.
type Feed struct {
	config FeedConfig
	dialer *websocket.Dialer
	cache  *quoteCache
	logger *zap.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	statusMu sync.RWMutex
	status   Status

	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewFeed(config FeedConfig, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		cache: &quoteCache{
			quotes: make(map[string]trading.Quote),
			maxAge: config.MaxAge,
		},
		logger: logger.With(zap.String("component", "marketdata")),
		now:    time.Now,
	}
}

// Start dials the stream, subscribes to every configured symbol and starts the
// reader and heartbeat goroutines. It fails only if the first dial fails;
// later disconnects are retried in the background.
func (f *Feed) Start(ctx context.Context) error {
	if err := f.connect(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	f.wg.Add(2)
	go f.readLoop(ctx)
	go f.heartbeat(ctx)

	f.logger.Info("Market data feed started", zap.String("url", f.config.URL), zap.Strings("symbols", f.config.Symbols))
	return nil
}

// Stop closes the connection and waits for the goroutines to exit.
func (f *Feed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.closeConn()
	f.wg.Wait()
	f.logger.Info("Market data feed stopped")
}

// Quote returns the latest fresh quote for symbol.
func (f *Feed) Quote(symbol string) (trading.Quote, error) {
	return f.cache.get(symbol, f.now())
}

func (f *Feed) Status() Status {
	f.statusMu.RLock()
	defer f.statusMu.RUnlock()
	return f.status
}

func (f *Feed) updateStatus(update func(*Status)) {
	f.statusMu.Lock()
	update(&f.status)
	f.statusMu.Unlock()
}

func (f *Feed) connect(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.config.URL, err)
	}

	for _, symbol := range f.config.Symbols {
		msg := subscriptionMessage{
			Method:       "subscribe",
			Subscription: map[string]string{"type": "l2Book", "coin": symbol},
		}
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			return fmt.Errorf("subscribe %s: %w", symbol, err)
		}
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	f.updateStatus(func(s *Status) { s.Connected = true })
	return nil
}

func (f *Feed) closeConn() {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.updateStatus(func(s *Status) { s.Connected = false })
}

func (f *Feed) currentConn() *websocket.Conn {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	return f.conn
}

func (f *Feed) readLoop(ctx context.Context) {
	defer f.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		conn := f.currentConn()
		if conn == nil {
			if err := f.reconnect(ctx); err != nil {
				f.logger.Error("Market data feed giving up", zap.Error(err))
				return
			}
			continue
		}

		conn.SetReadDeadline(time.Now().Add(3 * f.config.HeartbeatInterval))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Warn("Market data read failed", zap.Error(err))
			f.updateStatus(func(s *Status) { s.ErrorCount++ })
			f.closeConn()
			continue
		}

		if messageType == websocket.TextMessage {
			f.processMessage(data)
		}
	}
}

func (f *Feed) reconnect(ctx context.Context) error {
	for attempt := 1; f.config.MaxReconnects == 0 || attempt <= f.config.MaxReconnects; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.config.ReconnectInterval):
		}

		if err := f.connect(ctx); err != nil {
			f.logger.Warn("Market data reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			f.updateStatus(func(s *Status) { s.ErrorCount++ })
			continue
		}

		f.updateStatus(func(s *Status) { s.ReconnectCount++ })
		f.logger.Info("Market data feed reconnected", zap.Int("attempt", attempt))
		return nil
	}
	return fmt.Errorf("maximum reconnection attempts reached (%d)", f.config.MaxReconnects)
}

func (f *Feed) heartbeat(ctx context.Context) {
	defer f.wg.Done()
	if f.config.HeartbeatInterval <= 0 {
		return
	}

	ticker := time.NewTicker(f.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			conn := f.conn
			var err error
			if conn != nil {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			f.connMu.Unlock()
			if err != nil {
				f.logger.Warn("Market data ping failed", zap.Error(err))
			}
		}
	}
}

// processMessage updates the cache from one l2Book message. Other channels are
// ignored.
func (f *Feed) processMessage(data []byte) {
	var msg bookMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Channel != "l2Book" {
		return
	}

	quote, err := topOfBook(msg, f.now())
	if err != nil {
		f.logger.Debug("Discarding book update", zap.String("symbol", msg.Data.Coin), zap.Error(err))
		return
	}

	f.cache.put(quote)
	f.updateStatus(func(s *Status) {
		s.MessageCount++
		s.LastMessage = quote.Time
	})
}

func topOfBook(msg bookMessage, received time.Time) (trading.Quote, error) {
	if msg.Data.Coin == "" {
		return trading.Quote{}, errors.New("missing coin")
	}
	if len(msg.Data.Levels) != 2 || len(msg.Data.Levels[0]) == 0 || len(msg.Data.Levels[1]) == 0 {
		return trading.Quote{}, errors.New("empty book side")
	}

	bid, err := decimal.NewFromString(msg.Data.Levels[0][0].Px)
	if err != nil {
		return trading.Quote{}, fmt.Errorf("bid: %w", err)
	}
	ask, err := decimal.NewFromString(msg.Data.Levels[1][0].Px)
	if err != nil {
		return trading.Quote{}, fmt.Errorf("ask: %w", err)
	}

	q := trading.Quote{
		Symbol: msg.Data.Coin,
		Bid:    bid,
		Ask:    ask,
		Time:   received,
	}
	if msg.Data.Time > 0 {
		q.Time = time.UnixMilli(msg.Data.Time)
	}
	if !q.Valid() {
		return trading.Quote{}, fmt.Errorf("invalid book top bid=%s ask=%s", bid, ask)
	}
	return q, nil
}
