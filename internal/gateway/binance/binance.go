// Package binance implements the exchange gateway against the Binance
// spot REST API.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/tathienbao/algobot/internal/gateway"
	"github.com/tathienbao/algobot/internal/types"
)

const defaultBaseURL = "https://api.binance.com"

// Binance error codes that mean the order already reached a terminal
// state before the cancel arrived.
const (
	codeUnknownOrderSent  = -2011
	codeOrderDoesNotExist = -2013
)

// Config holds Binance client configuration.
type Config struct {
	// BaseURL overrides the production endpoint, for testnet use and
	// tests.
	BaseURL   string
	APIKey    string
	SecretKey string
	// RecvWindow is the request validity window sent to the venue.
	RecvWindow time.Duration
	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration
	// RequestsPerSecond throttles outbound calls below the venue's
	// request weight limits.
	RequestsPerSecond float64
}

// DefaultConfig returns default Binance client config.
func DefaultConfig() Config {
	return Config{
		BaseURL:           defaultBaseURL,
		RecvWindow:        5 * time.Second,
		RequestTimeout:    10 * time.Second,
		RequestsPerSecond: 10,
	}
}

// Validate checks that credentials are present.
func (c Config) Validate() error {
	var errs []string
	if c.APIKey == "" {
		errs = append(errs, "api_key is required")
	}
	if c.SecretKey == "" {
		errs = append(errs, "secret_key is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: binance: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// Exchange is the Binance spot REST client.
type Exchange struct {
	cfg     Config
	signer  *signer
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Binance exchange client.
func New(cfg Config, logger *slog.Logger) (*Exchange, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = def.RecvWindow
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Exchange{
		cfg:     cfg,
		signer:  newSigner(cfg.APIKey, cfg.SecretKey),
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger,
	}, nil
}

type orderResponse struct {
	OrderID             int64  `json:"orderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
}

// PlaceOrder submits an order. Place is never retried here; a timeout
// is surfaced as GatewayTimeout so the tracker records the order
// Unknown instead of double-submitting.
func (e *Exchange) PlaceOrder(ctx context.Context, req gateway.PlaceRequest) (*gateway.PlaceResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side.String())
	params.Set("quantity", req.Quantity.String())

	switch req.Kind {
	case types.OrderKindMarket:
		params.Set("type", "MARKET")
	case types.OrderKindLimit:
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", req.Price.String())
	case types.OrderKindStop:
		params.Set("type", "STOP_LOSS")
		params.Set("stopPrice", req.StopPrice.String())
	default:
		return nil, types.GatewayErrorf(types.GatewayVenueRejected, "place",
			"unsupported order kind %s", req.Kind)
	}

	var resp orderResponse
	if err := e.signedCall(ctx, http.MethodPost, "/api/v3/order", params, "place", &resp); err != nil {
		return nil, err
	}

	result := &gateway.PlaceResult{
		VenueOrderID:   strconv.FormatInt(resp.OrderID, 10),
		Status:         mapStatus(resp.Status),
		FilledQuantity: parseQty(resp.ExecutedQty),
	}
	result.AvgFillPrice = avgPrice(resp.CummulativeQuoteQty, resp.ExecutedQty)
	return result, nil
}

// CancelOrder cancels an open order. The venue's unknown-order codes
// map to GatewayAlreadyTerminal: the order finished before the cancel
// arrived.
func (e *Exchange) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", venueOrderID)

	var resp orderResponse
	return e.signedCall(ctx, http.MethodDelete, "/api/v3/order", params, "cancel", &resp)
}

// GetOrderStatus queries the venue's current view of an order.
func (e *Exchange) GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (*gateway.OrderState, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", venueOrderID)

	var resp orderResponse
	if err := e.signedCall(ctx, http.MethodGet, "/api/v3/order", params, "status", &resp); err != nil {
		return nil, err
	}

	state := &gateway.OrderState{
		Status:         mapStatus(resp.Status),
		FilledQuantity: parseQty(resp.ExecutedQty),
	}
	state.AvgFillPrice = avgPrice(resp.CummulativeQuoteQty, resp.ExecutedQty)
	return state, nil
}

// GetPrice returns the last traded price for a symbol.
func (e *Exchange) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp struct {
		Price string `json:"price"`
	}
	if err := e.publicCall(ctx, "/api/v3/ticker/price", params, "price", &resp); err != nil {
		return decimal.Zero, err
	}

	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, types.GatewayErrorf(types.GatewayNetwork, "price",
			"malformed price %q", resp.Price)
	}
	return price, nil
}

// GetBalance returns the free balance of an asset.
func (e *Exchange) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var resp struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := e.signedCall(ctx, http.MethodGet, "/api/v3/account", url.Values{}, "balance", &resp); err != nil {
		return decimal.Zero, err
	}

	for _, b := range resp.Balances {
		if b.Asset == asset {
			free, err := decimal.NewFromString(b.Free)
			if err != nil {
				return decimal.Zero, types.GatewayErrorf(types.GatewayNetwork, "balance",
					"malformed balance %q", b.Free)
			}
			return free, nil
		}
	}
	return decimal.Zero, nil
}

func (e *Exchange) signedCall(ctx context.Context, method, path string, params url.Values, op string, out any) error {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(e.cfg.RecvWindow.Milliseconds(), 10))
	query := e.signer.sign(params)

	req, err := http.NewRequestWithContext(ctx, method, e.cfg.BaseURL+path+"?"+query, nil)
	if err != nil {
		return types.NewGatewayError(types.GatewayNetwork, op, err)
	}
	req.Header.Set("X-MBX-APIKEY", e.signer.apiKey)

	return e.do(req, op, out)
}

func (e *Exchange) publicCall(ctx context.Context, path string, params url.Values, op string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return types.NewGatewayError(types.GatewayNetwork, op, err)
	}
	return e.do(req, op, out)
}

func (e *Exchange) do(req *http.Request, op string, out any) error {
	if err := e.limiter.Wait(req.Context()); err != nil {
		return types.NewGatewayError(types.GatewayTimeout, op, err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		kind := types.GatewayNetwork
		if errors.Is(err, context.DeadlineExceeded) {
			kind = types.GatewayTimeout
		}
		return types.NewGatewayError(kind, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return types.NewGatewayError(types.GatewayNetwork, op, err)
	}

	if resp.StatusCode >= 300 {
		return e.mapVenueError(op, resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return types.GatewayErrorf(types.GatewayNetwork, op, "malformed response: %v", err)
	}
	return nil
}

// mapVenueError classifies a non-2xx response into the gateway error
// taxonomy.
func (e *Exchange) mapVenueError(op string, status int, body []byte) error {
	var venue struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &venue)

	e.logger.Debug("venue error",
		"op", op,
		"http_status", status,
		"code", venue.Code,
		"msg", venue.Msg,
	)

	switch {
	case venue.Code == codeUnknownOrderSent || venue.Code == codeOrderDoesNotExist:
		return types.GatewayErrorf(types.GatewayAlreadyTerminal, op, "%s (code %d)", venue.Msg, venue.Code)
	case status >= 500 || status == http.StatusTooManyRequests:
		return types.GatewayErrorf(types.GatewayNetwork, op, "venue unavailable: http %d %s", status, venue.Msg)
	default:
		return types.GatewayErrorf(types.GatewayVenueRejected, op, "%s (code %d)", venue.Msg, venue.Code)
	}
}

func mapStatus(s string) types.OrderStatus {
	switch s {
	case "NEW":
		return types.OrderStatusOpen
	case "PARTIALLY_FILLED":
		return types.OrderStatusPartiallyFilled
	case "FILLED":
		return types.OrderStatusFilled
	case "CANCELED", "EXPIRED":
		return types.OrderStatusCancelled
	case "REJECTED":
		return types.OrderStatusRejected
	default:
		return types.OrderStatusUnknown
	}
}

func parseQty(s string) decimal.Decimal {
	qty, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return qty
}

// avgPrice derives the average fill price from the cumulative quote
// quantity, which is what the venue reports.
func avgPrice(quoteQty, executedQty string) decimal.Decimal {
	quote := parseQty(quoteQty)
	executed := parseQty(executedQty)
	if !executed.IsPositive() {
		return decimal.Zero
	}
	return quote.Div(executed)
}
