// Package broker defines the typed, normalized facade the rest of the
// engine uses to talk to a brokerage: bracket/trailing-stop/market
// submission, cancellation, stop replacement, and account/position
// queries. Concrete implementations live in separate files; this package
// ships alpaca.go (REST adapter) next to this interface-and-types file.
package broker

import (
	"context"
	"errors"
	"time"
)

// Side is a closed order-side enumeration.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ExitSide returns the order side that closes a position opened with s.
func (s Side) ExitSide() OrderSide {
	if s == SideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// EntrySide returns the order side that opens a position with s.
func (s Side) EntrySide() OrderSide {
	if s == SideLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// OrderSide is the literal buy/sell direction of a single order leg,
// distinct from the position Side it may open or close.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// EntryType selects a market or limit entry leg for submit_bracket.
type EntryType struct {
	Kind  string // "market" or "limit"
	Limit float64
}

// MarketEntry is the zero-configuration market entry type.
func MarketEntry() EntryType { return EntryType{Kind: "market"} }

// LimitEntry constructs a limit entry type at the given price.
func LimitEntry(price float64) EntryType { return EntryType{Kind: "limit", Limit: price} }

// TrailSpec selects a percent- or absolute-dollar trailing-stop distance.
type TrailSpec struct {
	Percent    float64
	Absolute   float64
	IsAbsolute bool
}

// TrailPercent builds a percentage-based trail spec.
func TrailPercent(pct float64) TrailSpec { return TrailSpec{Percent: pct} }

// TrailAbsolute builds a dollar-distance trail spec.
func TrailAbsolute(dollars float64) TrailSpec { return TrailSpec{Absolute: dollars, IsAbsolute: true} }

// ErrorKind is the closed error taxonomy surfaced to callers.
type ErrorKind string

const (
	KindInsufficientBuyingPower ErrorKind = "insufficient_buying_power"
	KindMarketClosed            ErrorKind = "market_closed"
	KindUnknownSymbol           ErrorKind = "unknown_symbol"
	KindDuplicateClientOrderID  ErrorKind = "duplicate_client_order_id"
	KindRateLimited             ErrorKind = "rate_limited"
	KindTransient               ErrorKind = "transient"
	KindRejected                ErrorKind = "rejected"
	KindAlreadyTerminal         ErrorKind = "already_terminal"
)

// Error is a typed broker error carrying a closed Kind, errors.As-compatible.
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration // populated for KindRateLimited
	Cause      error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsKind reports whether err is (or wraps) a *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == kind
}

// Children is the result of children_of: the stop and target legs of a
// bracket parent, either of which may be absent (e.g. already filled).
type Children struct {
	StopLegID   string
	TargetLegID string
}

// Account is a normalized account snapshot.
type Account struct {
	Equity      float64
	BuyingPower float64
	Cash        float64
}

// Position is a normalized open-position snapshot as reported by the
// brokerage itself (not the engine's ManagedPosition bookkeeping).
type Position struct {
	Symbol       string
	Side         Side
	Qty          float64
	AvgEntry     float64
	MarketPrice  float64
	UnrealizedPL float64
}

// Broker is the minimal, typed surface the rest of the engine depends on.
// Every call may block on network I/O and must respect the adapter's own
// rate limiting; callers pass a context for per-call deadlines.
type Broker interface {
	SubmitBracket(ctx context.Context, symbol string, side Side, qty float64, entry EntryType, stopPrice, targetPrice float64) (parentID string, err error)
	SubmitTrailingStop(ctx context.Context, symbol string, exitSide OrderSide, qty float64, trail TrailSpec) (orderID string, err error)
	SubmitMarket(ctx context.Context, symbol string, side OrderSide, qty float64) (orderID string, err error)
	Cancel(ctx context.Context, orderID string) error
	ReplaceStop(ctx context.Context, orderID string, newStop float64) (newOrderID string, err error)
	ChildrenOf(ctx context.Context, parentID string) (Children, error)
	Positions(ctx context.Context) ([]Position, error)
	Account(ctx context.Context) (Account, error)
}
