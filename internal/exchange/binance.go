package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cyclearb/internal/metrics"
	"cyclearb/internal/model"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	defaultBinanceURL   = "https://api.binance.com"
	defaultBinanceWSURL = "wss://stream.binance.com:9443"
	binanceRecvWindow   = 5000
	maxStreamBackoff    = 16 * time.Second
	defaultSilentStream = 30 * time.Second
)

// BinanceClient implements the ExchangeClient interface for Binance spot.
type BinanceClient struct {
	logger    *slog.Logger
	baseURL   string
	wsURL     string
	apiKey    string
	apiSecret string
	http      *http.Client
	book      *PriceBook
	now       func() time.Time

	// silentAfter is how long a connected stream may deliver nothing before a warning.
	silentAfter  time.Duration
	silentWarned sync.Once
}

// Option configures a BinanceClient.
type Option func(*BinanceClient)

func WithCredentials(key, secret string) Option {
	return func(b *BinanceClient) { b.apiKey, b.apiSecret = key, secret }
}
func WithBaseURL(u string) Option          { return func(b *BinanceClient) { b.baseURL = strings.TrimRight(u, "/") } }
func WithWSURL(u string) Option            { return func(b *BinanceClient) { b.wsURL = strings.TrimRight(u, "/") } }
func WithHTTPClient(h *http.Client) Option { return func(b *BinanceClient) { b.http = h } }
func WithPriceBook(book *PriceBook) Option { return func(b *BinanceClient) { b.book = book } }
func WithSilentStreamWarning(d time.Duration) Option {
	return func(b *BinanceClient) { b.silentAfter = d }
}

// NewBinanceClient creates a new BinanceClient.
func NewBinanceClient(logger *slog.Logger, opts ...Option) *BinanceClient {
	b := &BinanceClient{
		logger:  logger,
		baseURL: defaultBinanceURL,
		wsURL:   defaultBinanceWSURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,

		silentAfter: defaultSilentStream,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *BinanceClient) GetName() string {
	return "binance"
}

type binanceFilter struct {
	FilterType  string `json:"filterType"`
	MinQty      string `json:"minQty"`
	StepSize    string `json:"stepSize"`
	MinNotional string `json:"minNotional"`
}

type binanceSymbol struct {
	Symbol     string          `json:"symbol"`
	Status     string          `json:"status"`
	BaseAsset  string          `json:"baseAsset"`
	QuoteAsset string          `json:"quoteAsset"`
	Filters    []binanceFilter `json:"filters"`
}

// LoadMarkets reads exchangeInfo and maps LOT_SIZE and NOTIONAL filters onto markets.
func (b *BinanceClient) LoadMarkets(ctx context.Context) (map[string]model.Market, error) {
	var info struct {
		Symbols []binanceSymbol `json:"symbols"`
	}
	if err := b.doJSON(ctx, http.MethodGet, "/api/v3/exchangeInfo", nil, false, &info); err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}

	markets := make(map[string]model.Market, len(info.Symbols))
	for _, s := range info.Symbols {
		m := model.Market{
			Exchange:        b.GetName(),
			Symbol:          s.Symbol,
			Base:            s.BaseAsset,
			Quote:           s.QuoteAsset,
			Active:          s.Status == "TRADING",
			AmountPrecision: 8,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				m.MinAmount = parseFloat(f.MinQty)
				m.AmountPrecision = precisionFromStep(f.StepSize)
			case "NOTIONAL", "MIN_NOTIONAL":
				m.MinNotional = parseFloat(f.MinNotional)
			}
		}
		markets[s.Symbol] = m
	}
	return markets, nil
}

type binanceBookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
}

func (t binanceBookTicker) toTicker(exchange string, at time.Time) model.Ticker {
	return model.Ticker{Exchange: exchange, Symbol: t.Symbol, Bid: parseFloat(t.BidPrice), Ask: parseFloat(t.AskPrice), UpdatedAt: at}
}

// Tickers returns the streamed book when it has fresh data, otherwise one REST snapshot.
func (b *BinanceClient) Tickers(ctx context.Context) (map[string]model.Ticker, error) {
	if b.book != nil {
		if snap := b.book.Snapshot(); len(snap) > 0 {
			return snap, nil
		}
	}

	var raw []binanceBookTicker
	if err := b.doJSON(ctx, http.MethodGet, "/api/v3/ticker/bookTicker", nil, false, &raw); err != nil {
		return nil, fmt.Errorf("load tickers: %w", err)
	}
	now := b.now()
	out := make(map[string]model.Ticker, len(raw))
	for _, t := range raw {
		out[t.Symbol] = t.toTicker(b.GetName(), now)
	}
	return out, nil
}

// Price quotes one symbol, preferring a fresh streamed ticker.
func (b *BinanceClient) Price(ctx context.Context, symbol string, side model.Side) (float64, error) {
	if b.book != nil {
		if t, ok := b.book.Get(symbol); ok && t.PriceFor(side) > 0 {
			return t.PriceFor(side), nil
		}
	}

	var raw binanceBookTicker
	q := url.Values{"symbol": {symbol}}
	if err := b.doJSON(ctx, http.MethodGet, "/api/v3/ticker/bookTicker", q, false, &raw); err != nil {
		return 0, fmt.Errorf("price %s: %w", symbol, err)
	}
	p := raw.toTicker(b.GetName(), b.now()).PriceFor(side)
	if p <= 0 {
		return 0, fmt.Errorf("price %s: %w", symbol, ErrNoPrice)
	}
	return p, nil
}

// Balance returns the free balance of an asset.
func (b *BinanceClient) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var acct struct {
		Balances []struct {
			Asset string          `json:"asset"`
			Free  decimal.Decimal `json:"free"`
		} `json:"balances"`
	}
	if err := b.doJSON(ctx, http.MethodGet, "/api/v3/account", nil, true, &acct); err != nil {
		return decimal.Zero, fmt.Errorf("balance %s: %w", asset, err)
	}
	for _, bal := range acct.Balances {
		if bal.Asset == asset {
			return bal.Free, nil
		}
	}
	return decimal.Zero, nil
}

// SubmitMarketOrder places a MARKET order for amount units of the base asset.
func (b *BinanceClient) SubmitMarketOrder(ctx context.Context, symbol string, side model.Side, amount decimal.Decimal) (model.OrderResult, error) {
	q := url.Values{
		"symbol":           {symbol},
		"side":             {strings.ToUpper(string(side))},
		"type":             {"MARKET"},
		"quantity":         {amount.String()},
		"newOrderRespType": {"RESULT"},
	}
	var resp struct {
		OrderID             int64           `json:"orderId"`
		Status              string          `json:"status"`
		ExecutedQty         decimal.Decimal `json:"executedQty"`
		CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	}
	if err := b.doJSON(ctx, http.MethodPost, "/api/v3/order", q, true, &resp); err != nil {
		return model.OrderResult{}, fmt.Errorf("order %s %s %s: %w", side, amount, symbol, err)
	}

	res := model.OrderResult{
		OrderID:      strconv.FormatInt(resp.OrderID, 10),
		Status:       resp.Status,
		FilledAmount: resp.ExecutedQty,
	}
	if resp.ExecutedQty.IsPositive() {
		res.AvgPrice = resp.CummulativeQuoteQty.Div(resp.ExecutedQty)
	}
	return res, nil
}

// Transfer withdraws an asset to an external address and returns the withdrawal id.
func (b *BinanceClient) Transfer(ctx context.Context, asset string, amount decimal.Decimal, destination string) (string, error) {
	q := url.Values{
		"coin":    {asset},
		"address": {destination},
		"amount":  {amount.String()},
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := b.doJSON(ctx, http.MethodPost, "/sapi/v1/capital/withdraw/apply", q, true, &resp); err != nil {
		return "", fmt.Errorf("withdraw %s %s: %w", amount, asset, err)
	}
	return resp.ID, nil
}

// CheckCredentials performs one signed request.
func (b *BinanceClient) CheckCredentials(ctx context.Context) error {
	if b.apiKey == "" || b.apiSecret == "" {
		return &APIError{Status: http.StatusUnauthorized, Message: "missing api credentials"}
	}
	var acct struct {
		CanTrade bool `json:"canTrade"`
	}
	if err := b.doJSON(ctx, http.MethodGet, "/api/v3/account", nil, true, &acct); err != nil {
		return err
	}
	if !acct.CanTrade {
		return &APIError{Status: http.StatusForbidden, Message: "account cannot trade"}
	}
	return nil
}

func (b *BinanceClient) doJSON(ctx context.Context, method, path string, q url.Values, signed bool, out any) error {
	if q == nil {
		q = url.Values{}
	}
	if signed {
		q.Set("recvWindow", strconv.Itoa(binanceRecvWindow))
		q.Set("timestamp", strconv.FormatInt(b.now().UnixMilli(), 10))
	}
	query := q.Encode()
	if signed {
		// The signature covers the exact query string and must come last.
		query += "&signature=" + b.sign(query)
	}

	u := b.baseURL + path
	if query != "" {
		u += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if signed {
		req.Header.Set("X-MBX-APIKEY", b.apiKey)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (b *BinanceClient) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(b.apiSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

type binanceStreamTicker struct {
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	Ask    string `json:"a"`
}

// StartStream connects to the all-market book ticker stream and keeps book current.
// It reconnects with capped exponential backoff until ctx is cancelled.
func (b *BinanceClient) StartStream(ctx context.Context, book *PriceBook) error {
	wsURL := b.wsURL + "/ws/!bookTicker"
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			b.logger.Info("BinanceClient: context cancelled, shutting down")
			return nil
		}

		b.logger.Info("BinanceClient: connecting to WebSocket", "url", wsURL, "backoff", backoff)
		c, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			b.logger.Error("BinanceClient: WebSocket connection failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
				backoff = min(backoff*2, maxStreamBackoff)
			}
			continue
		}

		// Reset backoff on successful connection
		backoff = time.Second
		b.logger.Info("BinanceClient: connected successfully")

		if err := b.readStream(ctx, c, book); err != nil {
			b.logger.Error("BinanceClient: failed to read message", "error", err)
		}
	}
}

func (b *BinanceClient) readStream(ctx context.Context, c *websocket.Conn, book *PriceBook) error {
	defer c.Close()
	metrics.StreamConnections.Inc()
	defer metrics.StreamConnections.Dec()

	// Unblock ReadMessage on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			b.logger.Info("BinanceClient: context cancelled, closing connection")
			c.Close()
		case <-done:
		}
	}()

	// The all-market stream can be retired by the venue without closing the socket.
	var received atomic.Bool
	silent := time.AfterFunc(b.silentAfter, func() {
		if !received.Load() {
			b.silentWarned.Do(func() {
				b.logger.Warn("BinanceClient: stream connected but no tickers received, prices fall back to REST",
					"after", b.silentAfter)
			})
		}
	})
	defer silent.Stop()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		received.Store(true)

		tick, err := b.parseStreamTicker(message)
		if err != nil {
			b.logger.Warn("BinanceClient: failed to parse message", "error", err)
			continue
		}
		book.Update(tick)
	}
}

func (b *BinanceClient) parseStreamTicker(message []byte) (model.Ticker, error) {
	var raw binanceStreamTicker
	if err := json.Unmarshal(message, &raw); err != nil {
		return model.Ticker{}, err
	}
	if raw.Symbol == "" {
		return model.Ticker{}, errors.New("missing symbol")
	}
	bid, err := strconv.ParseFloat(raw.Bid, 64)
	if err != nil {
		return model.Ticker{}, fmt.Errorf("bid price: %w", err)
	}
	ask, err := strconv.ParseFloat(raw.Ask, 64)
	if err != nil {
		return model.Ticker{}, fmt.Errorf("ask price: %w", err)
	}
	return model.Ticker{Exchange: b.GetName(), Symbol: raw.Symbol, Bid: bid, Ask: ask, UpdatedAt: b.now()}, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// precisionFromStep turns a LOT_SIZE step such as "0.00100000" into 3 decimal places.
func precisionFromStep(step string) int32 {
	d, err := decimal.NewFromString(step)
	if err != nil || !d.IsPositive() {
		return 8
	}
	s := d.String()
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return int32(len(s) - i - 1)
	}
	return 0
}
