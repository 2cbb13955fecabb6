package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// AlpacaBroker implements Broker against an Alpaca-shaped trading REST
// API: APCA-API-KEY-ID/APCA-API-SECRET-KEY header auth, /v2/orders and
// /v2/positions endpoints, and bracket children read from the parent
// order's legs by order type. Idempotent submission is layered on top via a
// client-order-id, and every call passes through a shared token-bucket
// rate limiter (default 200 req/min).
type AlpacaBroker struct {
	httpClient *http.Client
	baseURL    string
	keyID      string
	secretKey  string
	limiter    *rate.Limiter
}

// NewAlpacaBroker constructs an adapter against baseURL, rate limited to
// ratePerMin requests/minute across all calls.
func NewAlpacaBroker(baseURL, keyID, secretKey string, ratePerMin int) *AlpacaBroker {
	return &AlpacaBroker{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		keyID:      keyID,
		secretKey:  secretKey,
		limiter:    rate.NewLimiter(rate.Limit(float64(ratePerMin)/60.0), ratePerMin),
	}
}

func (b *AlpacaBroker) do(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("rate limiter: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", b.keyID)
	req.Header.Set("APCA-API-SECRET-KEY", b.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, 0, &Error{Kind: KindTransient, Message: err.Error(), Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &Error{Kind: KindTransient, Message: "read response: " + err.Error(), Cause: err}
	}
	return respBody, resp.StatusCode, nil
}

// classify maps an HTTP status and Alpaca error body onto the closed
// ErrorKind taxonomy.
func classify(status int, body []byte) error {
	msg := string(body)
	switch status {
	case http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Message: msg, RetryAfter: 5 * time.Second}
	case http.StatusForbidden:
		return &Error{Kind: KindInsufficientBuyingPower, Message: msg}
	case http.StatusUnprocessableEntity:
		return &Error{Kind: KindRejected, Message: msg}
	case http.StatusNotFound:
		return &Error{Kind: KindUnknownSymbol, Message: msg}
	case http.StatusConflict:
		return &Error{Kind: KindDuplicateClientOrderID, Message: msg}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return &Error{Kind: KindTransient, Message: msg}
	default:
		return &Error{Kind: KindRejected, Message: fmt.Sprintf("status %d: %s", status, msg)}
	}
}

type alpacaOrderRequest struct {
	Symbol        string            `json:"symbol"`
	Qty           string            `json:"qty"`
	Side          string            `json:"side"`
	Type          string            `json:"type"`
	TimeInForce   string            `json:"time_in_force"`
	LimitPrice    string            `json:"limit_price,omitempty"`
	ClientOrderID string            `json:"client_order_id"`
	OrderClass    string            `json:"order_class,omitempty"`
	TakeProfit    *alpacaOrderPrice `json:"take_profit,omitempty"`
	StopLoss      *alpacaOrderPrice `json:"stop_loss,omitempty"`
	TrailPrice    string            `json:"trail_price,omitempty"`
	TrailPercent  string            `json:"trail_percent,omitempty"`
}

type alpacaOrderPrice struct {
	LimitPrice string `json:"limit_price,omitempty"`
	StopPrice  string `json:"stop_price,omitempty"`
}

type alpacaOrderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func fmtPrice(p float64) string { return strconv.FormatFloat(p, 'f', 2, 64) }
func fmtQty(q float64) string   { return strconv.FormatFloat(q, 'f', -1, 64) }

// SubmitBracket submits an entry order with attached stop and target legs
// as a single Alpaca "bracket" order class.
func (b *AlpacaBroker) SubmitBracket(ctx context.Context, symbol string, side Side, qty float64, entry EntryType, stopPrice, targetPrice float64) (string, error) {
	order := alpacaOrderRequest{
		Symbol:        symbol,
		Qty:           fmtQty(qty),
		Side:          string(side.EntrySide()),
		Type:          entry.Kind,
		TimeInForce:   "day",
		ClientOrderID: uuid.NewString(),
		OrderClass:    "bracket",
		TakeProfit:    &alpacaOrderPrice{LimitPrice: fmtPrice(targetPrice)},
		StopLoss:      &alpacaOrderPrice{StopPrice: fmtPrice(stopPrice)},
	}
	if entry.Kind == "limit" {
		order.LimitPrice = fmtPrice(entry.Limit)
	}

	body, status, err := b.do(ctx, http.MethodPost, "/v2/orders", order)
	if err != nil {
		return "", err
	}
	if status >= 400 {
		return "", classify(status, body)
	}

	var resp alpacaOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse order response: %w", err)
	}
	log.Info().Str("symbol", symbol).Str("side", string(side)).Float64("qty", qty).
		Str("parent_id", resp.ID).Msg("submitted bracket order")
	return resp.ID, nil
}

// SubmitTrailingStop submits a brokerage-native trailing stop order.
func (b *AlpacaBroker) SubmitTrailingStop(ctx context.Context, symbol string, exitSide OrderSide, qty float64, trail TrailSpec) (string, error) {
	order := alpacaOrderRequest{
		Symbol:        symbol,
		Qty:           fmtQty(qty),
		Side:          string(exitSide),
		Type:          "trailing_stop",
		TimeInForce:   "gtc",
		ClientOrderID: uuid.NewString(),
	}
	if trail.IsAbsolute {
		order.TrailPrice = fmtPrice(trail.Absolute)
	} else {
		order.TrailPercent = fmtPrice(trail.Percent)
	}

	body, status, err := b.do(ctx, http.MethodPost, "/v2/orders", order)
	if err != nil {
		return "", err
	}
	if status >= 400 {
		return "", classify(status, body)
	}
	var resp alpacaOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse order response: %w", err)
	}
	return resp.ID, nil
}

// SubmitMarket submits a plain market order.
func (b *AlpacaBroker) SubmitMarket(ctx context.Context, symbol string, side OrderSide, qty float64) (string, error) {
	order := alpacaOrderRequest{
		Symbol:        symbol,
		Qty:           fmtQty(qty),
		Side:          string(side),
		Type:          "market",
		TimeInForce:   "day",
		ClientOrderID: uuid.NewString(),
	}
	body, status, err := b.do(ctx, http.MethodPost, "/v2/orders", order)
	if err != nil {
		return "", err
	}
	if status >= 400 {
		return "", classify(status, body)
	}
	var resp alpacaOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse order response: %w", err)
	}
	log.Info().Str("symbol", symbol).Str("side", string(side)).Float64("qty", qty).
		Str("order_id", resp.ID).Msg("submitted market order")
	return resp.ID, nil
}

// Cancel cancels an order by ID. Cancelling an already-terminal order is
// not a failure — it is reported as KindAlreadyTerminal, not a bare error.
func (b *AlpacaBroker) Cancel(ctx context.Context, orderID string) error {
	body, status, err := b.do(ctx, http.MethodDelete, "/v2/orders/"+orderID, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound || status == http.StatusUnprocessableEntity {
		return &Error{Kind: KindAlreadyTerminal, Message: string(body)}
	}
	if status >= 400 {
		return classify(status, body)
	}
	return nil
}

// ReplaceStop moves a live stop order to newStop with a single PATCH
// (Alpaca's atomic replace); it has no cancel-then-resubmit fallback. The
// method signature still models the cancel-then-resubmit contract other
// brokerages need, returning the (possibly new) order id.
func (b *AlpacaBroker) ReplaceStop(ctx context.Context, orderID string, newStop float64) (string, error) {
	patch := struct {
		StopPrice string `json:"stop_price"`
	}{StopPrice: fmtPrice(newStop)}

	body, status, err := b.do(ctx, http.MethodPatch, "/v2/orders/"+orderID, patch)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound || status == http.StatusUnprocessableEntity {
		return "", &Error{Kind: KindAlreadyTerminal, Message: string(body)}
	}
	if status >= 400 {
		return "", classify(status, body)
	}
	var resp alpacaOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse replace response: %w", err)
	}
	return resp.ID, nil
}

type alpacaOrderDetail struct {
	ID     string              `json:"id"`
	Legs   []alpacaOrderDetail `json:"legs"`
	Type   string              `json:"type"`
	Status string              `json:"status"`
}

// ChildrenOf fetches the bracket parent and returns its stop/target leg ids.
func (b *AlpacaBroker) ChildrenOf(ctx context.Context, parentID string) (Children, error) {
	body, status, err := b.do(ctx, http.MethodGet, "/v2/orders/"+parentID, nil)
	if err != nil {
		return Children{}, err
	}
	if status >= 400 {
		return Children{}, classify(status, body)
	}
	var detail alpacaOrderDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		return Children{}, fmt.Errorf("parse order detail: %w", err)
	}
	var kids Children
	for _, leg := range detail.Legs {
		switch leg.Type {
		case "stop", "trailing_stop":
			kids.StopLegID = leg.ID
		case "limit":
			kids.TargetLegID = leg.ID
		}
	}
	return kids, nil
}

type alpacaPosition struct {
	Symbol       string `json:"symbol"`
	Qty          string `json:"qty"`
	Side         string `json:"side"`
	AvgEntry     string `json:"avg_entry_price"`
	MarketValue  string `json:"current_price"`
	UnrealizedPL string `json:"unrealized_pl"`
}

// Positions returns the brokerage's own view of open positions.
func (b *AlpacaBroker) Positions(ctx context.Context) ([]Position, error) {
	body, status, err := b.do(ctx, http.MethodGet, "/v2/positions", nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, classify(status, body)
	}
	var raw []alpacaPosition
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse positions: %w", err)
	}
	out := make([]Position, 0, len(raw))
	for _, p := range raw {
		side := SideLong
		if p.Side == "short" {
			side = SideShort
		}
		out = append(out, Position{
			Symbol:       p.Symbol,
			Side:         side,
			Qty:          parseFloatOr0(p.Qty),
			AvgEntry:     parseFloatOr0(p.AvgEntry),
			MarketPrice:  parseFloatOr0(p.MarketValue),
			UnrealizedPL: parseFloatOr0(p.UnrealizedPL),
		})
	}
	return out, nil
}

type alpacaAccount struct {
	Equity      string `json:"equity"`
	BuyingPower string `json:"buying_power"`
	Cash        string `json:"cash"`
}

// Account returns the brokerage account snapshot.
func (b *AlpacaBroker) Account(ctx context.Context) (Account, error) {
	body, status, err := b.do(ctx, http.MethodGet, "/v2/account", nil)
	if err != nil {
		return Account{}, err
	}
	if status >= 400 {
		return Account{}, classify(status, body)
	}
	var raw alpacaAccount
	if err := json.Unmarshal(body, &raw); err != nil {
		return Account{}, fmt.Errorf("parse account: %w", err)
	}
	return Account{
		Equity:      parseFloatOr0(raw.Equity),
		BuyingPower: parseFloatOr0(raw.BuyingPower),
		Cash:        parseFloatOr0(raw.Cash),
	}, nil
}

func parseFloatOr0(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

var _ Broker = (*AlpacaBroker)(nil)
