// Package model holds the leaf data types shared across the replication
// core: accounts, positions, orders and leader commands. Nothing in this
// package imports any other package under internal/, so it can be safely
// referenced by the adapter contract, the calculator and the dispatcher
// without creating a cycle.
package model

// Side is a position or order direction.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
	SideBuy   Side = "buy"
	SideSell  Side = "sell"
)

// Opposite returns the reduce-only counterpart of a position side.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return s
	}
}

// OrderType enumerates the order types the dispatcher can issue.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopLimit  OrderType = "stop_limit"
	OrderTypePostOnly   OrderType = "post_only"
)

// OrderStatus is the canonical status an adapter must map exchange-specific
// statuses into.
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusClosed   OrderStatus = "closed"
	OrderStatusFailed   OrderStatus = "failed"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusUnknown  OrderStatus = "unknown"
)

// MarginMode is the margin mode requested for a symbol.
type MarginMode string

const (
	MarginIsolated MarginMode = "isolated"
	MarginCross    MarginMode = "cross"
)

// Account is a single exchange account descriptor: who it belongs to,
// which exchange it trades on, its decrypted credentials and whether it
// currently participates in copy trading. The leader descriptor is held
// process-wide; follower descriptors are loaded on demand from the
// credential store and filtered by CopyEnabled.
type Account struct {
	UserID        string
	ExchangeID    string
	APIKey        string
	APISecret     string
	APIPassphrase string
	CopyEnabled   bool
}

// LeaderUserID is the reserved user id that resolves against the
// process-wide leader descriptor slot in the connection registry.
const LeaderUserID = "leader"

// IsLeader reports whether this descriptor is the distinguished leader
// account.
func (a Account) IsLeader() bool {
	return a.UserID == LeaderUserID
}

// Position is an exchange position snapshot in canonical form.
//
// Invariant: Contracts == 0 iff there is no position; such a snapshot is
// only ever constructed as a placeholder signaling a full close (Raw then
// carries "is_placeholder_for_close" and "closed_amount").
type Position struct {
	Symbol          string // canonical BASE/QUOTE
	Side            Side
	Contracts       float64
	EntryPrice      float64
	MarkPrice       float64
	Leverage        int
	UnrealizedPnL   float64
	LiquidationPx   float64
	TimestampMs     int64
	ExchangeID      string
	Raw             map[string]any
}

// IsPlaceholderForClose reports whether this snapshot was synthesized to
// signal a full close rather than read live from the exchange.
func (p Position) IsPlaceholderForClose() bool {
	if p.Raw == nil {
		return false
	}
	v, _ := p.Raw["is_placeholder_for_close"].(bool)
	return v
}

// ClosedAmount returns the amount that was closed when this snapshot is a
// close placeholder.
func (p Position) ClosedAmount() float64 {
	if p.Raw == nil {
		return 0
	}
	v, _ := p.Raw["closed_amount"].(float64)
	return v
}

// NewClosePlaceholder builds the synthetic position the replication engine
// hands downstream when a leader position has fully closed: zero contracts,
// side opposite of the closing order, and the filled amount recorded for
// per-follower percentage math.
func NewClosePlaceholder(symbol string, exchangeID string, closingOrderSide Side, closedAmount float64) Position {
	return Position{
		Symbol:     symbol,
		Side:       closingOrderSide.Opposite(),
		Contracts:  0,
		ExchangeID: exchangeID,
		Raw: map[string]any{
			"is_placeholder_for_close": true,
			"closed_amount":            closedAmount,
		},
	}
}

// CommandDetails is the leader's intended open/increase parameters,
// annotated onto an Order by the dispatcher so that downstream consumers
// (replication engine, calculator) can recover leader intent even when the
// on-exchange position reports a different effective leverage.
type CommandDetails struct {
	Action   string
	Leverage int
	Amount   float64
}

// Order is an exchange order in canonical form.
//
// Invariant: Status == OrderStatusFailed implies ID == "" and ErrorMessage
// set. OrderTypePostOnly is rewritten internally to OrderTypeLimit with
// PostOnly == true, which requires Price to be set.
type Order struct {
	ID             string
	Symbol         string
	Side           Side
	Type           OrderType
	PostOnly       bool
	Amount         float64
	Price          float64
	Filled         float64
	AveragePrice   float64
	Status         OrderStatus
	TimestampMs    int64
	ExchangeID     string
	ErrorMessage   string
	ReduceOnly     bool
	Raw            map[string]any
	CommandDetails *CommandDetails
}

// Failed builds a synthetic failed order, the uniform representation for
// any business-level rejection (bad amount, insufficient budget, violated
// limits, unsupported action, connectivity failure surfaced to a caller
// that must keep returning an Order).
func Failed(symbol string, side Side, message string) Order {
	return Order{
		Symbol:       symbol,
		Side:         side,
		Status:       OrderStatusFailed,
		ErrorMessage: message,
	}
}

// MarketInfoLimits mirrors an exchange's tradability constraints for a
// symbol: the minimum notional cost and the minimum order amount.
type MarketInfoLimits struct {
	CostMin   float64 // 0 means "not defined"
	AmountMin float64
}

// MarketInfo is the subset of exchange market metadata the sizing and
// normalization logic needs.
type MarketInfo struct {
	Symbol string
	Limits MarketInfoLimits
}

// Command is a leader action to execute, as produced by an upstream
// decision system or the CLI's command reader. It is deliberately a flat
// struct rather than an interface hierarchy: Action is the tag, and the
// dispatcher's handler switch is the matching function referenced in the
// design notes on tagged-variant dispatch.
type Command struct {
	Action     Action
	Symbol     string
	Amount     float64 // 0 means "not supplied"
	Percentage float64 // 0-100, 0 means "not supplied"
	Leverage   int
	MarginMode MarginMode
	OrderType  OrderType
	Price      float64
	PostOnly   bool
	OrderID    string
	Params     map[string]any
}

// Action is the tag of a Command.
type Action string

const (
	ActionBuy          Action = "buy"
	ActionSell         Action = "sell"
	ActionClosePos     Action = "close_position"
	ActionScaleOut     Action = "scale_out"
	ActionScaleIn      Action = "scale_in"
	ActionSetLeverage  Action = "set_leverage"
	ActionCancel       Action = "cancel"
)

// LeaderEvent is the sum type the dispatcher hands to the replication
// engine describing what just happened on the leader account: an
// open/increase, a full close, or a partial close. Modeling this as a
// tagged union (rather than widening Position with an is_close_event
// flag) keeps Position itself free of replication-specific concerns.
type LeaderEvent struct {
	Kind    LeaderEventKind
	Open    *Position // set when Kind == LeaderEventOpen
	Closed  *ClosedEvent
	Partial *PartialEvent
}

// LeaderEventKind tags a LeaderEvent.
type LeaderEventKind string

const (
	LeaderEventOpen    LeaderEventKind = "open"
	LeaderEventClose   LeaderEventKind = "close"
	LeaderEventPartial LeaderEventKind = "partial"
)

// ClosedEvent describes a full close: the symbol, the side that was
// closed and how much was closed.
type ClosedEvent struct {
	Symbol         string
	ClosedSide     Side
	ClosedAmount   float64
}

// PartialEvent describes a partial close/scale-out still leaving a live
// leader position, carrying the post-trade position plus the amount that
// was just filled so percentage math can be reconstructed downstream.
type PartialEvent struct {
	Position Position
	Filled   float64
}
