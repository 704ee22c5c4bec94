package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"symmetry-trader/internal/logger"
	"symmetry-trader/internal/types"
)

const tickBuffer = 4096

// KiteSource streams live ticks over the Zerodha websocket. Ticks are
// normalized and pushed to a buffered channel; the consumer owns all
// sequencing, the source only translates.
type KiteSource struct {
	apiKey      string
	accessToken string
	ticker      *kiteticker.Ticker
	out         chan types.Tick

	mu            sync.RWMutex
	keyByToken    map[uint32]string
	tokenByKey    map[string]uint32
	subscribedSet map[uint32]bool
}

func NewKiteSource(apiKey, accessToken string) *KiteSource {
	return &KiteSource{
		apiKey:        apiKey,
		accessToken:   accessToken,
		out:           make(chan types.Tick, tickBuffer),
		keyByToken:    make(map[uint32]string),
		tokenByKey:    make(map[string]uint32),
		subscribedSet: make(map[uint32]bool),
	}
}

// Start connects the websocket and begins streaming. Serve reconnects on its
// own; subscriptions are replayed from OnConnect after every reconnect.
func (s *KiteSource) Start(ctx context.Context) error {
	if s.apiKey == "" || s.accessToken == "" {
		return fmt.Errorf("kite feed requires api key and access token")
	}
	s.ticker = kiteticker.New(s.apiKey, s.accessToken)
	s.ticker.OnConnect(s.onConnect)
	s.ticker.OnError(s.onError)
	s.ticker.OnClose(s.onClose)
	s.ticker.OnReconnect(s.onReconnect)
	s.ticker.OnNoReconnect(s.onNoReconnect)
	s.ticker.OnTick(s.onTick)

	go func() {
		logger.Info(ctx, "Starting Kite websocket ticker")
		s.ticker.Serve()
	}()
	return nil
}

// Ticks returns the normalized tick stream.
func (s *KiteSource) Ticks() <-chan types.Tick {
	return s.out
}

// Subscribe adds instruments by key and token and switches them to full mode
// so open interest arrives with each tick.
func (s *KiteSource) Subscribe(ctx context.Context, keys map[string]uint32) error {
	tokens := make([]uint32, 0, len(keys))
	s.mu.Lock()
	for key, token := range keys {
		s.keyByToken[token] = key
		s.tokenByKey[key] = token
		s.subscribedSet[token] = true
		tokens = append(tokens, token)
	}
	s.mu.Unlock()

	if err := s.ticker.Subscribe(tokens); err != nil {
		return fmt.Errorf("subscribing %d instruments: %w", len(tokens), err)
	}
	if err := s.ticker.SetMode(kiteticker.ModeFull, tokens); err != nil {
		return fmt.Errorf("setting full mode: %w", err)
	}
	logger.Info(ctx, "Subscribed instruments", "count", len(tokens))
	return nil
}

// Unsubscribe drops instruments by key, used when a rollover abandons the old
// option pair.
func (s *KiteSource) Unsubscribe(ctx context.Context, keys []string) error {
	var tokens []uint32
	s.mu.Lock()
	for _, key := range keys {
		if token, ok := s.tokenByKey[key]; ok {
			tokens = append(tokens, token)
			delete(s.tokenByKey, key)
			delete(s.keyByToken, token)
			delete(s.subscribedSet, token)
		}
	}
	s.mu.Unlock()
	if len(tokens) == 0 {
		return nil
	}
	if err := s.ticker.Unsubscribe(tokens); err != nil {
		return fmt.Errorf("unsubscribing %d instruments: %w", len(tokens), err)
	}
	logger.Info(ctx, "Unsubscribed instruments", "count", len(tokens))
	return nil
}

// Stop closes the websocket and the tick channel.
func (s *KiteSource) Stop(ctx context.Context) {
	if s.ticker != nil {
		logger.Info(ctx, "Stopping Kite websocket ticker")
		s.ticker.Stop()
	}
	close(s.out)
}

func (s *KiteSource) onConnect() {
	logger.Info(context.Background(), "Websocket connected")
	s.mu.RLock()
	tokens := make([]uint32, 0, len(s.subscribedSet))
	for token := range s.subscribedSet {
		tokens = append(tokens, token)
	}
	s.mu.RUnlock()
	if len(tokens) == 0 {
		return
	}
	if err := s.ticker.Subscribe(tokens); err != nil {
		logger.ErrorWithErr(context.Background(), "Resubscribe after connect failed", err)
		return
	}
	if err := s.ticker.SetMode(kiteticker.ModeFull, tokens); err != nil {
		logger.ErrorWithErr(context.Background(), "Setting full mode after connect failed", err)
	}
}

func (s *KiteSource) onError(err error) {
	logger.ErrorWithErr(context.Background(), "Websocket error", err)
}

func (s *KiteSource) onClose(code int, reason string) {
	logger.Warn(context.Background(), "Websocket closed", "code", code, "reason", reason)
}

func (s *KiteSource) onReconnect(attempt int, delay time.Duration) {
	logger.Info(context.Background(), "Websocket reconnecting", "attempt", attempt, "delay", delay)
}

func (s *KiteSource) onNoReconnect(attempt int) {
	logger.Error(context.Background(), "Websocket gave up reconnecting", "attempt", attempt)
}

func (s *KiteSource) onTick(tick models.Tick) {
	s.mu.RLock()
	key := s.keyByToken[tick.InstrumentToken]
	s.mu.RUnlock()
	if key == "" {
		return
	}
	t := types.Tick{
		Instrument: key,
		Timestamp:  tick.Timestamp.Time,
		LastPrice:  tick.LastPrice,
		Quantity:   float64(tick.LastTradedQuantity),
		OI:         float64(tick.OI),
	}
	select {
	case s.out <- t:
	default:
		// Consumer fell behind; dropping is safer than blocking the
		// websocket read loop.
		logger.Warn(context.Background(), "Tick buffer full, dropping tick", "instrument", key)
	}
}
