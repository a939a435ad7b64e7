package exchange

import (
	"context"
	"errors"
	"fmt"

	"cyclearb/internal/model"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoPrice is returned when a venue has no usable quote for a symbol.
	ErrNoPrice = errors.New("no_price")
	// ErrRejected wraps refusals decided before anything was executed.
	ErrRejected = errors.New("request rejected")
)

// ExchangeClient defines the standard interface for all exchange clients.
type ExchangeClient interface {
	GetName() string
	LoadMarkets(ctx context.Context) (map[string]model.Market, error)
	Tickers(ctx context.Context) (map[string]model.Ticker, error)
	Price(ctx context.Context, symbol string, side model.Side) (float64, error)
	Balance(ctx context.Context, asset string) (decimal.Decimal, error)
	SubmitMarketOrder(ctx context.Context, symbol string, side model.Side, amount decimal.Decimal) (model.OrderResult, error)
	Transfer(ctx context.Context, asset string, amount decimal.Decimal, destination string) (string, error)
	CheckCredentials(ctx context.Context) error
}

// Streamer is implemented by clients that can keep a PriceBook current over a websocket.
type Streamer interface {
	StartStream(ctx context.Context, book *PriceBook) error
}

// APIError is a non-2xx response from a venue.
type APIError struct {
	Status  int
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange api error: status=%d code=%d msg=%s", e.Status, e.Code, e.Message)
}

// IsAuthError reports whether the venue rejected the request credentials.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == 401 || apiErr.Status == 403 || apiErr.Code == -2014 || apiErr.Code == -2015 || apiErr.Code == -1022
}

// IsRejection reports whether the venue definitely refused a request. Transport errors,
// timeouts and 5xx responses are not rejections: the request may still have been executed.
func IsRejection(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status < 500
	}
	return errors.Is(err, ErrRejected)
}
