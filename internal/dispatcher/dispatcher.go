// Package dispatcher is the command dispatcher (spec §4.5): it resolves
// the leader adapter, dispatches a Command to the matching handler by its
// Action tag, and — for successful market orders only — hands off to the
// replication engine.
//
// Grounded on the six handler methods of
// _examples/original_source/services/command_executor.py and on the
// type-tagged dispatch style in
// _examples/monjeychiang-DES-V2/.../internal/engine/impl.go.
package dispatcher

import (
	"context"
	"fmt"
	"log"

	"copycore/internal/adapter"
	"copycore/internal/connregistry"
	"copycore/internal/model"
	"copycore/internal/symbol"
)

// Replicator is the narrow capability the dispatcher needs from the
// replication engine — kept as an interface so the two packages don't
// import each other's concrete types, resolving the cyclic reference the
// design notes call out.
type Replicator interface {
	ReplicateAction(ctx context.Context, leader model.Account, leaderOrder model.Order) Summary
}

// Summary is the aggregate result of one replication fan-out.
type Summary struct {
	Total      int
	Successful int
	Failed     int
	Skipped    int
	Details    []string
}

// unsupportedCommandMessage is returned verbatim for an unrecognized
// Command.Action, carried over from the original's Turkish message so the
// external contract in spec §6 stays byte-for-byte stable.
const unsupportedCommandMessage = "Desteklenmeyen komut"

// Result is the dispatcher's composite return value.
type Result struct {
	LeaderOrder *model.Order
	Replication *Summary
	Status      string // "success" or "failed"
	Message     string
}

// Dispatcher executes leader commands.
type Dispatcher struct {
	registry   *connregistry.Registry
	replicator Replicator
}

// New builds a Dispatcher.
func New(registry *connregistry.Registry, replicator Replicator) *Dispatcher {
	return &Dispatcher{registry: registry, replicator: replicator}
}

// Execute resolves the leader adapter and runs cmd through the matching
// handler. Any uncaught failure inside a handler is converted to a
// {status: failed, message} result rather than propagated.
func (d *Dispatcher) Execute(ctx context.Context, cmd model.Command) Result {
	leaderAdapter, err := d.registry.GetAdapter(ctx, model.Account{UserID: model.LeaderUserID})
	if err != nil {
		return failedResult(fmt.Sprintf("resolve leader adapter: %v", err))
	}

	cmd.Symbol = symbol.Canonical(cmd.Symbol)
	if cmd.Params == nil {
		cmd.Params = map[string]any{}
	}

	switch cmd.Action {
	case model.ActionBuy, model.ActionSell:
		return d.handleOpen(ctx, leaderAdapter, cmd)
	case model.ActionClosePos:
		return d.handleClose(ctx, leaderAdapter, cmd)
	case model.ActionScaleOut:
		return d.handleScaleOut(ctx, leaderAdapter, cmd)
	case model.ActionScaleIn:
		return d.handleScaleIn(ctx, leaderAdapter, cmd)
	case model.ActionSetLeverage:
		return d.handleSetLeverage(ctx, leaderAdapter, cmd)
	case model.ActionCancel:
		return d.handleCancel(ctx, leaderAdapter, cmd)
	default:
		log.Printf("❌ dispatcher: %s action=%q", unsupportedCommandMessage, cmd.Action)
		return Result{Status: "failed", Message: unsupportedCommandMessage}
	}
}

func failedResult(msg string) Result {
	log.Printf("❌ dispatcher: %s", msg)
	return Result{Status: "failed", Message: msg}
}

// annotateCommandDetails builds the command_details (action, leverage,
// amount) that the open/increase handlers attach to the placed leader
// order, so the replication engine and calculator can recover leader
// intent regardless of what the on-exchange position later reports.
func annotateCommandDetails(cmd model.Command) *model.CommandDetails {
	return &model.CommandDetails{
		Action:   string(cmd.Action),
		Leverage: cmd.Leverage,
		Amount:   cmd.Amount,
	}
}

func (d *Dispatcher) handleOpen(ctx context.Context, leader adapter.Adapter, cmd model.Command) Result {
	side := model.Side(cmd.Action) // buy/sell

	// Leverage is set before the order every time, never skipped and never
	// left at whatever the exchange last had for this symbol.
	leverageOK, err := leader.SetLeverage(ctx, cmd.Symbol, cmd.Leverage, cmd.MarginMode)
	if err != nil {
		order := model.Failed(cmd.Symbol, side, fmt.Sprintf("set leverage (%dx): %v", cmd.Leverage, err))
		return Result{LeaderOrder: &order, Status: "failed", Message: order.ErrorMessage}
	}
	if !leverageOK {
		order := model.Failed(cmd.Symbol, side, fmt.Sprintf("set leverage (%dx) failed, order canceled", cmd.Leverage))
		return Result{LeaderOrder: &order, Status: "failed", Message: order.ErrorMessage}
	}

	reader := adapter.AmountReaderFor{Ctx: ctx, A: leader}
	adjusted, ok := symbol.AdjustForLimits(reader, cmd.Symbol, cmd.Amount)
	if !ok {
		order := model.Failed(cmd.Symbol, side, "failed to adjust amount for exchange limits")
		return Result{LeaderOrder: &order, Status: "failed", Message: order.ErrorMessage}
	}

	orderType := cmd.OrderType
	if orderType == "" {
		orderType = model.OrderTypeMarket
	}
	if cmd.PostOnly {
		orderType = model.OrderTypePostOnly
	}

	order, err := leader.PlaceOrder(ctx, adapter.PlaceOrderRequest{
		Symbol: cmd.Symbol,
		Type:   orderType,
		Side:   side,
		Amount: adjusted,
		Price:  cmd.Price,
		Params: cmd.Params,
	})
	if err != nil {
		failed := model.Failed(cmd.Symbol, side, err.Error())
		return Result{LeaderOrder: &failed, Status: "failed", Message: failed.ErrorMessage}
	}
	order.CommandDetails = annotateCommandDetails(cmd)

	return d.maybeReplicate(ctx, order)
}

func (d *Dispatcher) handleClose(ctx context.Context, leader adapter.Adapter, cmd model.Command) Result {
	positions, err := leader.GetPositions(ctx, cmd.Symbol)
	if err != nil || len(positions) == 0 {
		order := model.Failed(cmd.Symbol, "", "no live position to close")
		return Result{LeaderOrder: &order, Status: "failed", Message: order.ErrorMessage}
	}
	pos := positions[0]

	order, err := leader.PlaceOrder(ctx, adapter.PlaceOrderRequest{
		Symbol:     cmd.Symbol,
		Type:       model.OrderTypeMarket,
		Side:       pos.Side.Opposite(),
		Amount:     pos.Contracts,
		ReduceOnly: true,
		Params:     map[string]any{"reduceOnly": true},
	})
	if err != nil {
		failed := model.Failed(cmd.Symbol, pos.Side.Opposite(), err.Error())
		return Result{LeaderOrder: &failed, Status: "failed", Message: failed.ErrorMessage}
	}
	return d.maybeReplicate(ctx, order)
}

func (d *Dispatcher) handleScaleOut(ctx context.Context, leader adapter.Adapter, cmd model.Command) Result {
	positions, err := leader.GetPositions(ctx, cmd.Symbol)
	if err != nil || len(positions) == 0 {
		order := model.Failed(cmd.Symbol, "", "no live position to scale out")
		return Result{LeaderOrder: &order, Status: "failed", Message: order.ErrorMessage}
	}
	pos := positions[0]

	closeAmount := cmd.Amount
	if closeAmount <= 0 && cmd.Percentage > 0 {
		closeAmount = pos.Contracts * cmd.Percentage / 100
	}
	if closeAmount <= 0 {
		order := model.Failed(cmd.Symbol, pos.Side.Opposite(), "invalid scale_out amount")
		return Result{LeaderOrder: &order, Status: "failed", Message: order.ErrorMessage}
	}

	reader := adapter.AmountReaderFor{Ctx: ctx, A: leader}
	adjusted, ok := symbol.AdjustForLimits(reader, cmd.Symbol, closeAmount)
	if !ok || adjusted > pos.Contracts {
		order := model.Failed(cmd.Symbol, pos.Side.Opposite(), "scale_out amount could not be adjusted or exceeds current position")
		return Result{LeaderOrder: &order, Status: "failed", Message: order.ErrorMessage}
	}

	order, err := leader.PlaceOrder(ctx, adapter.PlaceOrderRequest{
		Symbol:     cmd.Symbol,
		Type:       model.OrderTypeMarket,
		Side:       pos.Side.Opposite(),
		Amount:     adjusted,
		ReduceOnly: true,
		Params:     map[string]any{"reduceOnly": true},
	})
	if err != nil {
		failed := model.Failed(cmd.Symbol, pos.Side.Opposite(), err.Error())
		return Result{LeaderOrder: &failed, Status: "failed", Message: failed.ErrorMessage}
	}
	return d.maybeReplicate(ctx, order)
}

func (d *Dispatcher) handleScaleIn(ctx context.Context, leader adapter.Adapter, cmd model.Command) Result {
	positions, err := leader.GetPositions(ctx, cmd.Symbol)
	if err != nil || len(positions) == 0 {
		order := model.Failed(cmd.Symbol, model.Side(cmd.Action), "no live position to scale into")
		return Result{LeaderOrder: &order, Status: "failed", Message: order.ErrorMessage}
	}
	pos := positions[0]

	wantBuy := pos.Side == model.SideLong
	gotBuy := cmd.Action == model.ActionBuy
	if wantBuy != gotBuy {
		order := model.Failed(cmd.Symbol, model.Side(cmd.Action), "scale_in side does not match existing position side")
		return Result{LeaderOrder: &order, Status: "failed", Message: order.ErrorMessage}
	}

	reader := adapter.AmountReaderFor{Ctx: ctx, A: leader}
	adjusted, ok := symbol.AdjustForLimits(reader, cmd.Symbol, cmd.Amount)
	if !ok {
		order := model.Failed(cmd.Symbol, model.Side(cmd.Action), "failed to adjust amount for exchange limits")
		return Result{LeaderOrder: &order, Status: "failed", Message: order.ErrorMessage}
	}

	order, err := leader.PlaceOrder(ctx, adapter.PlaceOrderRequest{
		Symbol: cmd.Symbol,
		Type:   model.OrderTypeMarket,
		Side:   model.Side(cmd.Action),
		Amount: adjusted,
		Params: cmd.Params,
	})
	if err != nil {
		failed := model.Failed(cmd.Symbol, model.Side(cmd.Action), err.Error())
		return Result{LeaderOrder: &failed, Status: "failed", Message: failed.ErrorMessage}
	}
	order.CommandDetails = annotateCommandDetails(cmd)
	return d.maybeReplicate(ctx, order)
}

func (d *Dispatcher) handleSetLeverage(ctx context.Context, leader adapter.Adapter, cmd model.Command) Result {
	ok, err := leader.SetLeverage(ctx, cmd.Symbol, cmd.Leverage, cmd.MarginMode)
	if err != nil {
		return failedResult(fmt.Sprintf("set_leverage: %v", err))
	}
	status := "failed"
	if ok {
		status = "success"
	}
	return Result{Status: status}
}

func (d *Dispatcher) handleCancel(ctx context.Context, leader adapter.Adapter, cmd model.Command) Result {
	if cmd.OrderID == "" || cmd.Symbol == "" {
		return failedResult("cancel requires order_id and symbol")
	}
	if err := leader.CancelOrder(ctx, cmd.Symbol, cmd.OrderID); err != nil {
		return failedResult(fmt.Sprintf("cancel: %v", err))
	}
	return Result{Status: "success"}
}

// maybeReplicate hands a successful market order to the replication
// engine. Limit/stop orders are not replicated at creation time — their
// future fills would require a fill-stream, out of scope.
func (d *Dispatcher) maybeReplicate(ctx context.Context, order model.Order) Result {
	if order.Status == model.OrderStatusFailed {
		return Result{LeaderOrder: &order, Status: "failed", Message: order.ErrorMessage}
	}
	if order.Type != model.OrderTypeMarket || d.replicator == nil {
		return Result{LeaderOrder: &order, Status: "success"}
	}

	summary := d.replicator.ReplicateAction(ctx, model.Account{UserID: model.LeaderUserID}, order)
	return Result{LeaderOrder: &order, Replication: &summary, Status: "success"}
}
