package exchange

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	wsWriteWait          = 10 * time.Second
	wsDialTimeout        = 30 * time.Second
	wsBaseReconnectDelay = 5 * time.Second
	wsMaxReconnectDelay  = 5 * time.Minute
	wsMaxReconnectTries  = 10
	wsCacheStaleAfter    = 5 * time.Minute
)

// tickerMessage is the exchange's public-channel push frame:
// {"arg":{"channel":"tickers","instId":"BTC-USDT-SWAP"},"data":[{"last":"..."}]}
type tickerMessage struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []struct {
		Last string `json:"last"`
	} `json:"data"`
}

// TickerStream maintains a live, thread-safe price cache fed by the
// exchange's public WebSocket ticker channel. Grounded on
// internal/clients/tradernet/websocket_client.go's MarketStatusWebSocket:
// same forced-HTTP/1.1 dial client, same exponential-backoff reconnect loop,
// adapted from the "markets" channel to per-instrument ticker pushes.
type TickerStream struct {
	url        string
	instIDs    []string
	httpClient *http.Client
	conn       *websocket.Conn
	mu         sync.RWMutex

	log zerolog.Logger

	connected    bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool

	cacheMu sync.RWMutex
	prices  domain.PriceSnapshot
	lastUpd time.Time
}

// NewTickerStream creates a stream that, once Start is called, subscribes to
// ticker updates for instIDs.
func NewTickerStream(url string, instIDs []string, log zerolog.Logger) *TickerStream {
	return &TickerStream{
		url:        url,
		instIDs:    instIDs,
		httpClient: http1Client(),
		log:        log.With().Str("component", "exchange-ticker-stream").Logger(),
		stopChan:   make(chan struct{}),
		prices:     domain.PriceSnapshot{},
	}
}

// http1Client forces HTTP/1.1 so Cloudflare-fronted exchanges don't
// negotiate HTTP/2 via ALPN, which breaks the WebSocket upgrade handshake.
func http1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig:   &tls.Config{NextProtos: []string{"http/1.1"}},
			ForceAttemptHTTP2: false,
		},
	}
}

// Start dials the stream and, on failure, begins the background reconnect
// loop rather than returning a fatal error — a ticker outage degrades the
// pipeline to its last-known prices, it does not stop it.
func (ts *TickerStream) Start() {
	if err := ts.connect(); err != nil {
		ts.log.Warn().Err(err).Msg("initial ticker stream connection failed, retrying in background")
		go ts.reconnectLoop()
		return
	}
	go ts.readLoop()
}

// Stop closes the connection and halts reconnection.
func (ts *TickerStream) Stop() error {
	ts.mu.Lock()
	if ts.stopped {
		ts.mu.Unlock()
		return nil
	}
	ts.stopped = true
	conn := ts.conn
	ts.mu.Unlock()

	close(ts.stopChan)
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "")
}

func (ts *TickerStream) connect() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(context.Background(), wsDialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, ts.url, &websocket.DialOptions{HTTPClient: ts.httpClient})
	if err != nil {
		return fmt.Errorf("dial ticker stream: %w", err)
	}
	ts.conn = conn
	ts.connected = true

	for _, instID := range ts.instIDs {
		sub := map[string]interface{}{
			"op": "subscribe",
			"args": []map[string]string{
				{"channel": "tickers", "instId": instID},
			},
		}
		data, _ := json.Marshal(sub)
		writeCtx, writeCancel := context.WithTimeout(context.Background(), wsWriteWait)
		err := conn.Write(writeCtx, websocket.MessageText, data)
		writeCancel()
		if err != nil {
			conn.Close(websocket.StatusNormalClosure, "subscribe failed")
			ts.conn = nil
			ts.connected = false
			return fmt.Errorf("subscribe %s: %w", instID, err)
		}
	}
	return nil
}

func (ts *TickerStream) readLoop() {
	defer func() {
		ts.mu.RLock()
		stopped := ts.stopped
		ts.mu.RUnlock()
		if !stopped {
			go ts.reconnectLoop()
		}
	}()

	for {
		select {
		case <-ts.stopChan:
			return
		default:
		}

		ts.mu.RLock()
		conn := ts.conn
		ts.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, data, err := conn.Read(context.Background())
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus != websocket.StatusNormalClosure && closeStatus != websocket.StatusGoingAway {
				ts.log.Error().Err(err).Msg("ticker stream read error")
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		ts.handleMessage(data)
	}
}

func (ts *TickerStream) handleMessage(raw []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Arg.Channel != "tickers" || len(msg.Data) == 0 {
		return
	}

	var last float64
	if _, err := fmt.Sscanf(msg.Data[0].Last, "%f", &last); err != nil {
		return
	}

	ts.cacheMu.Lock()
	ts.prices[msg.Arg.InstID] = last
	ts.lastUpd = time.Now()
	ts.cacheMu.Unlock()
}

func (ts *TickerStream) reconnectLoop() {
	ts.mu.Lock()
	if ts.reconnecting || ts.stopped {
		ts.mu.Unlock()
		return
	}
	ts.reconnecting = true
	ts.mu.Unlock()
	defer func() {
		ts.mu.Lock()
		ts.reconnecting = false
		ts.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-ts.stopChan:
			return
		default:
		}
		attempt++
		delay := backoff(attempt)

		select {
		case <-time.After(delay):
		case <-ts.stopChan:
			return
		}

		if err := ts.connect(); err != nil {
			ts.log.Error().Err(err).Int("attempt", attempt).Msg("ticker stream reconnect failed")
			continue
		}
		ts.log.Info().Int("attempt", attempt).Msg("ticker stream reconnected")
		go ts.readLoop()
		return
	}
}

func backoff(attempt int) time.Duration {
	delay := float64(wsBaseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(wsMaxReconnectDelay) {
		delay = float64(wsMaxReconnectDelay)
	}
	return time.Duration(delay)
}

// Snapshot returns a copy of the current price cache.
func (ts *TickerStream) Snapshot() domain.PriceSnapshot {
	ts.cacheMu.RLock()
	defer ts.cacheMu.RUnlock()
	out := make(domain.PriceSnapshot, len(ts.prices))
	for k, v := range ts.prices {
		out[k] = v
	}
	return out
}

// IsStale reports whether the cache hasn't received an update recently.
func (ts *TickerStream) IsStale() bool {
	ts.cacheMu.RLock()
	defer ts.cacheMu.RUnlock()
	if ts.lastUpd.IsZero() {
		return true
	}
	return time.Since(ts.lastUpd) > wsCacheStaleAfter
}
