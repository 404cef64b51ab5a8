package exchange

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aegis-trade/execution-core/internal/logx"
)

// WSConfig tunes the shared reconnect helper used by the Kraken and
// Bybit market-data streams.
type WSConfig struct {
	URL            string
	Headers        http.Header
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	HandshakeTimeout time.Duration
}

func (c WSConfig) withDefaults() WSConfig {
	if c.MinBackoff == 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

// RunWSWithReconnect dials cfg.URL and invokes onMessage for every
// binary/text frame received, reconnecting with exponential backoff and
// full jitter whenever the connection drops, until ctx is cancelled.
// The Kraken and Bybit market-data subscriptions are thin wrappers
// around this, so neither reimplements reconnect policy; the Binance,
// Hyperliquid and Lighter adapters use their SDKs' streams instead.
func RunWSWithReconnect(ctx context.Context, cfg WSConfig, onConnect func(*websocket.Conn) error, onMessage func([]byte)) {
	cfg = cfg.withDefaults()
	log := logx.New().With("component", "exchange.ws")
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Headers)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := backoff(cfg, attempt)
			log.Warnf("websocket dial to %s failed, retrying in %s: %v", cfg.URL, wait, err)
			attempt++
			sleepOrDone(ctx, wait)
			continue
		}
		attempt = 0

		if onConnect != nil {
			if err := onConnect(conn); err != nil {
				log.Warnf("websocket onConnect hook failed: %v", err)
				conn.Close()
				sleepOrDone(ctx, backoff(cfg, attempt))
				attempt++
				continue
			}
		}

		readLoop(ctx, conn, onMessage, log)
		conn.Close()
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, onMessage func([]byte), log *logx.Logger) {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()
	defer func() {
		select {
		case <-done:
		default:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warnf("websocket read error, reconnecting: %v", err)
			}
			return
		}
		onMessage(data)
	}
}

func backoff(cfg WSConfig, attempt int) time.Duration {
	exp := float64(cfg.MinBackoff) * math.Pow(2, float64(attempt))
	if exp > float64(cfg.MaxBackoff) {
		exp = float64(cfg.MaxBackoff)
	}
	jittered := exp * (0.5 + rand.Float64()*0.5)
	return time.Duration(jittered)
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
