// Package replication is the replication engine (spec §4.6): fans a
// leader order out to every active, copy-enabled follower concurrently.
//
// Grounded on _examples/original_source/services/replication_service.py's
// replicate_action/_replicate_for_single_follower, with the concurrent
// fan-out implemented as one goroutine per follower joined on a
// sync.WaitGroup, per the design notes ("spawning one task per follower,
// then joining all with a results collector — not a serial loop"),
// grounded in style on
// _examples/monjeychiang-DES-V2/.../internal/reconciliation/service.go.
package replication

import (
	"context"
	"fmt"
	"log"
	"sync"

	"copycore/internal/adapter"
	"copycore/internal/calculator"
	"copycore/internal/connregistry"
	"copycore/internal/credstore"
	"copycore/internal/dispatcher"
	"copycore/internal/model"
)

const minEquityUSDT = 1.0

// Engine implements dispatcher.Replicator.
type Engine struct {
	registry *connregistry.Registry
	store    *credstore.Store
}

// New builds a replication Engine.
func New(registry *connregistry.Registry, store *credstore.Store) *Engine {
	return &Engine{registry: registry, store: store}
}

// ReplicateAction fans leaderOrder out to the follower set.
func (e *Engine) ReplicateAction(ctx context.Context, leader model.Account, leaderOrder model.Order) dispatcher.Summary {
	followers, err := e.store.LoadCopyEnabled()
	if err != nil {
		log.Printf("❌ replication: load follower set: %v", err)
		return dispatcher.Summary{}
	}
	filtered := followers[:0:0]
	for _, f := range followers {
		if f.UserID != model.LeaderUserID {
			filtered = append(filtered, f)
		}
	}
	followers = filtered

	leaderAdapter, err := e.registry.GetAdapter(ctx, model.Account{UserID: model.LeaderUserID})
	if err != nil {
		log.Printf("❌ replication: resolve leader adapter: %v", err)
		return dispatcher.Summary{}
	}
	leaderEquity, err := leaderAdapter.GetTotalAccountValueUSDT(ctx)
	if err != nil || leaderEquity <= minEquityUSDT {
		log.Printf("⚠️  replication: leader equity unavailable or too small, aborting fan-out")
		return dispatcher.Summary{}
	}

	leaderPositions, err := leaderAdapter.GetPositions(ctx, leaderOrder.Symbol)
	if err != nil {
		log.Printf("❌ replication: fetch leader positions: %v", err)
		return dispatcher.Summary{}
	}

	isReduceOnly := orderIsReduceOnly(leaderOrder)
	event, ok := buildLeaderEvent(leaderOrder, leaderPositions, isReduceOnly)
	if !ok {
		log.Printf("🔄 replication: no leader position and order not reduce-only, deferring to reconciliation")
		return dispatcher.Summary{}
	}

	var (
		mu      sync.WaitGroup
		resMu   sync.Mutex
		summary = dispatcher.Summary{Total: len(followers)}
	)

	for _, follower := range followers {
		follower := follower
		mu.Add(1)
		go func() {
			defer mu.Done()
			result := e.replicateForFollower(ctx, follower, leaderOrder, event, leaderEquity, isReduceOnly)
			resMu.Lock()
			defer resMu.Unlock()
			switch result {
			case outcomeSuccess:
				summary.Successful++
			case outcomeFailed:
				summary.Failed++
			case outcomeSkipped:
				summary.Skipped++
			}
			summary.Details = append(summary.Details, fmt.Sprintf("%s: %s", follower.UserID, result))
		}()
	}
	mu.Wait()

	return summary
}

type outcome string

const (
	outcomeSuccess outcome = "success"
	outcomeFailed  outcome = "failed"
	outcomeSkipped outcome = "skipped"
)

func orderIsReduceOnly(order model.Order) bool {
	if order.ReduceOnly {
		return true
	}
	if info, ok := order.Raw["info"].(map[string]any); ok {
		if v, ok := info["reduceOnly"].(bool); ok && v {
			return true
		}
	}
	if params, ok := order.Raw["params"].(map[string]any); ok {
		if v, ok := params["reduceOnly"].(bool); ok && v {
			return true
		}
	}
	return false
}

// buildLeaderEvent determines what happened on the leader account for the
// order's symbol: a full close (no live position left, reduce-only order),
// an open/increase (a live position remains and is not reduce-only), or a
// partial close (a live reduced position remains, reduce-only order). ok
// is false when there is no leader position and the order was not
// reduce-only — a likely race against a prior close, left for the next
// reconciliation pass.
func buildLeaderEvent(order model.Order, leaderPositions []model.Position, isReduceOnly bool) (model.LeaderEvent, bool) {
	var pos *model.Position
	for i := range leaderPositions {
		if leaderPositions[i].Symbol == order.Symbol {
			pos = &leaderPositions[i]
			break
		}
	}

	if pos == nil {
		if !isReduceOnly {
			return model.LeaderEvent{}, false
		}
		placeholder := model.NewClosePlaceholder(order.Symbol, order.ExchangeID, order.Side, order.Filled)
		return model.LeaderEvent{
			Kind: model.LeaderEventClose,
			Closed: &model.ClosedEvent{
				Symbol:       order.Symbol,
				ClosedSide:   placeholder.Side,
				ClosedAmount: order.Filled,
			},
		}, true
	}

	if isReduceOnly {
		return model.LeaderEvent{
			Kind:    model.LeaderEventPartial,
			Partial: &model.PartialEvent{Position: *pos, Filled: order.Filled},
		}, true
	}

	return model.LeaderEvent{Kind: model.LeaderEventOpen, Open: pos}, true
}

func (e *Engine) replicateForFollower(
	ctx context.Context,
	follower model.Account,
	leaderOrder model.Order,
	event model.LeaderEvent,
	leaderEquity float64,
	isReduceOnly bool,
) outcome {
	followerAdapter, err := e.registry.GetAdapter(ctx, follower)
	if err != nil {
		log.Printf("❌ replication: resolve adapter for %s: %v", follower.UserID, err)
		return outcomeFailed
	}

	followerEquity, err := followerAdapter.GetTotalAccountValueUSDT(ctx)
	if err != nil || followerEquity <= minEquityUSDT {
		return outcomeSkipped
	}

	if isReduceOnly {
		return e.replicateReduceOnly(ctx, followerAdapter, leaderOrder, event)
	}
	return e.replicateOpen(ctx, followerAdapter, leaderOrder, event, followerEquity, leaderEquity)
}

func (e *Engine) replicateReduceOnly(ctx context.Context, followerAdapter adapter.Adapter, leaderOrder model.Order, event model.LeaderEvent) outcome {
	followerPositions, err := followerAdapter.GetPositions(ctx, leaderOrder.Symbol)
	if err != nil || len(followerPositions) == 0 {
		return outcomeSkipped
	}
	followerPos := followerPositions[0]

	var closeAmount float64
	switch event.Kind {
	case model.LeaderEventClose:
		closeAmount = followerPos.Contracts
	case model.LeaderEventPartial:
		originalLeaderContracts := event.Partial.Position.Contracts + event.Partial.Filled
		if originalLeaderContracts <= 0 {
			return outcomeSkipped
		}
		percentage := event.Partial.Filled / originalLeaderContracts
		closeAmount = followerPos.Contracts * percentage
	default:
		return outcomeSkipped
	}
	if closeAmount <= 0 {
		return outcomeSkipped
	}

	normalized, err := followerAdapter.NormalizeAmount(leaderOrder.Symbol, closeAmount)
	if err != nil || normalized <= 0 {
		return outcomeSkipped
	}

	order, err := followerAdapter.PlaceOrder(ctx, adapter.PlaceOrderRequest{
		Symbol:     leaderOrder.Symbol,
		Type:       model.OrderTypeMarket,
		Side:       followerPos.Side.Opposite(),
		Amount:     normalized,
		ReduceOnly: true,
		Params:     map[string]any{"reduceOnly": true},
	})
	if err != nil || order.Status == model.OrderStatusFailed {
		return outcomeFailed
	}
	return outcomeSuccess
}

func (e *Engine) replicateOpen(
	ctx context.Context,
	followerAdapter adapter.Adapter,
	leaderOrder model.Order,
	event model.LeaderEvent,
	followerEquity, leaderEquity float64,
) outcome {
	leaderLeverage := 0
	if leaderOrder.CommandDetails != nil {
		leaderLeverage = leaderOrder.CommandDetails.Leverage
	}
	if leaderLeverage <= 0 && event.Open != nil {
		leaderLeverage = event.Open.Leverage
	}
	if event.Open == nil {
		return outcomeSkipped
	}

	result, ok := calculator.Calculate(ctx, followerAdapter, *event.Open, followerEquity, leaderEquity, leaderLeverage)
	if !ok {
		return outcomeSkipped
	}

	if _, err := followerAdapter.SetLeverage(ctx, leaderOrder.Symbol, result.Leverage, model.MarginCross); err != nil {
		return outcomeFailed
	}

	normalized, err := followerAdapter.NormalizeAmount(leaderOrder.Symbol, result.Amount)
	if err != nil || normalized <= 0 {
		return outcomeSkipped
	}

	order, err := followerAdapter.PlaceOrder(ctx, adapter.PlaceOrderRequest{
		Symbol: leaderOrder.Symbol,
		Type:   model.OrderTypeMarket,
		Side:   leaderOrder.Side,
		Amount: normalized,
	})
	if err != nil || order.Status == model.OrderStatusFailed {
		return outcomeFailed
	}
	return outcomeSuccess
}
