// Package reconciliation runs the periodic backstop loop (spec §4.7): for
// every copy-enabled follower, close positions the leader no longer holds
// (orphans) and open positions the leader holds that the follower is
// missing (late join), subject to admission gates on price drift and
// position age.
//
// Grounded on _examples/original_source/services/sync_service.py's
// SyncService (_run_sync_cycle/_synchronize_follower/_should_late_join),
// with the ticker/select/goroutine loop skeleton carried over from the
// repo's earlier internal/reconciliation/service.go, which this file
// replaces (Start/the ticker-driven goroutine and its ctx.Done() exit).
package reconciliation

import (
	"context"
	"log"
	"sync"
	"time"

	"copycore/internal/adapter"
	"copycore/internal/calculator"
	"copycore/internal/connregistry"
	"copycore/internal/credstore"
	"copycore/internal/model"
)

// DefaultInterval is the default period between reconciliation cycles.
const DefaultInterval = 20 * time.Second

const (
	lateJoinMaxPriceChangePercent = 0.75
	lateJoinMaxAgeMinutes         = 30
	minEquityUSDT                 = 1.0
)

// Service runs the periodic reconciliation loop.
type Service struct {
	registry *connregistry.Registry
	store    *credstore.Store
	interval time.Duration

	mu      sync.Mutex
	running bool
}

// New builds a reconciliation Service.
func New(registry *connregistry.Registry, store *credstore.Store, interval time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{registry: registry, store: store, interval: interval}
}

// Start runs the reconciliation loop in a background goroutine until ctx is
// canceled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Printf("⚠️  reconciliation: already running")
		return
	}
	s.running = true
	s.mu.Unlock()

	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.RunCycle(ctx); err != nil {
					log.Printf("❌ reconciliation: cycle failed: %v", err)
				}
			case <-ctx.Done():
				log.Printf("🔄 reconciliation: loop stopped")
				return
			}
		}
	}()

	log.Printf("✅ reconciliation: started (interval=%v)", s.interval)
}

// RunCycle executes a single reconciliation pass across every copy-enabled
// follower. Grounded on SyncService._run_sync_cycle.
func (s *Service) RunCycle(ctx context.Context) error {
	leaderAdapter, err := s.registry.GetAdapter(ctx, model.Account{UserID: model.LeaderUserID})
	if err != nil {
		log.Printf("❌ reconciliation: resolve leader adapter: %v", err)
		return err
	}

	leaderEquity, err := leaderAdapter.GetTotalAccountValueUSDT(ctx)
	if err != nil || leaderEquity <= minEquityUSDT {
		log.Printf("❌ reconciliation: leader equity unavailable, skipping cycle")
		return nil
	}

	leaderPositionsList, err := leaderAdapter.GetPositions(ctx)
	if err != nil {
		return err
	}
	leaderPositions := make(map[string]model.Position, len(leaderPositionsList))
	for _, p := range leaderPositionsList {
		leaderPositions[p.Symbol] = p
	}

	followers, err := s.store.LoadCopyEnabled()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, follower := range followers {
		if follower.UserID == model.LeaderUserID {
			continue
		}
		follower := follower
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.synchronizeFollower(ctx, follower, leaderPositions, leaderEquity)
		}()
	}
	wg.Wait()
	return nil
}

func (s *Service) synchronizeFollower(ctx context.Context, follower model.Account, leaderPositions map[string]model.Position, leaderEquity float64) {
	logPrefix := "reconciliation[" + follower.UserID + "]"

	followerAdapter, err := s.registry.GetAdapter(ctx, follower)
	if err != nil {
		log.Printf("❌ %s: resolve adapter: %v", logPrefix, err)
		return
	}

	followerPositionsList, err := followerAdapter.GetPositions(ctx)
	if err != nil {
		log.Printf("❌ %s: fetch positions: %v", logPrefix, err)
		return
	}
	followerEquity, err := followerAdapter.GetTotalAccountValueUSDT(ctx)
	if err != nil || followerEquity <= minEquityUSDT {
		log.Printf("⚠️  %s: equity too small, skipping", logPrefix)
		return
	}

	followerPositions := make(map[string]model.Position, len(followerPositionsList))
	for _, p := range followerPositionsList {
		followerPositions[p.Symbol] = p
	}

	// A. Close orphans: the follower holds a position the leader no longer has.
	for sym, pos := range followerPositions {
		if _, ok := leaderPositions[sym]; ok {
			continue
		}
		log.Printf("🔄 %s: closing orphan position %s", logPrefix, sym)
		_, err := followerAdapter.PlaceOrder(ctx, adapter.PlaceOrderRequest{
			Symbol:     sym,
			Type:       model.OrderTypeMarket,
			Side:       pos.Side.Opposite(),
			Amount:     pos.Contracts,
			ReduceOnly: true,
			Params:     map[string]any{"reduceOnly": true},
		})
		if err != nil {
			log.Printf("❌ %s: close orphan %s failed: %v", logPrefix, sym, err)
		}
	}

	// B. Late join: the leader holds a position the follower is missing.
	for sym, leaderPos := range leaderPositions {
		if _, ok := followerPositions[sym]; ok {
			continue
		}
		if !s.shouldLateJoin(ctx, followerAdapter, leaderPos) {
			continue
		}
		log.Printf("🔄 %s: late join %s", logPrefix, sym)
		s.lateJoin(ctx, followerAdapter, leaderPos, followerEquity, leaderEquity, logPrefix)
	}
}

func (s *Service) lateJoin(ctx context.Context, followerAdapter adapter.Adapter, leaderPos model.Position, followerEquity, leaderEquity float64, logPrefix string) {
	if _, err := followerAdapter.SetLeverage(ctx, leaderPos.Symbol, leaderPos.Leverage, model.MarginCross); err != nil {
		log.Printf("❌ %s: set_leverage for late join %s failed: %v", logPrefix, leaderPos.Symbol, err)
		return
	}

	result, ok := calculator.Calculate(ctx, followerAdapter, leaderPos, followerEquity, leaderEquity, leaderPos.Leverage)
	if !ok || result.Amount <= 0 {
		log.Printf("⚠️  %s: late join %s sizing rejected", logPrefix, leaderPos.Symbol)
		return
	}

	if _, err := followerAdapter.SetLeverage(ctx, leaderPos.Symbol, result.Leverage, model.MarginCross); err != nil {
		log.Printf("❌ %s: set elevated leverage for late join %s failed: %v", logPrefix, leaderPos.Symbol, err)
		return
	}

	order, err := followerAdapter.PlaceOrder(ctx, adapter.PlaceOrderRequest{
		Symbol: leaderPos.Symbol,
		Type:   model.OrderTypeMarket,
		Side:   leaderPos.Side,
		Amount: result.Amount,
	})
	if err != nil || order.Status == model.OrderStatusFailed {
		log.Printf("❌ %s: late join order %s failed", logPrefix, leaderPos.Symbol)
		return
	}
	log.Printf("✅ %s: late join placed %s amount=%.6f leverage=%dx", logPrefix, leaderPos.Symbol, result.Amount, result.Leverage)
}

// shouldLateJoin applies the §4.7.1 admission gates: price drift from the
// leader's entry must be within 0.75%, and the position must be younger
// than 30 minutes. Grounded on SyncService._should_late_join.
func (s *Service) shouldLateJoin(ctx context.Context, followerAdapter adapter.Adapter, leaderPos model.Position) bool {
	if leaderPos.EntryPrice <= 0 {
		return false
	}

	ticker, err := followerAdapter.GetTicker(ctx, leaderPos.Symbol)
	if err != nil {
		log.Printf("❌ reconciliation: late-join ticker check failed for %s: %v", leaderPos.Symbol, err)
		return false
	}
	currentPrice := ticker.LastOrMark()
	if currentPrice <= 0 {
		return false
	}

	priceChange := abs((currentPrice - leaderPos.EntryPrice) / leaderPos.EntryPrice)
	if priceChange > lateJoinMaxPriceChangePercent/100.0 {
		log.Printf("🔄 reconciliation: late join rejected for %s, price drift %.2f%% exceeds %.2f%%", leaderPos.Symbol, priceChange*100, lateJoinMaxPriceChangePercent)
		return false
	}

	if leaderPos.TimestampMs > 0 {
		ageSeconds := float64(nowMs()-leaderPos.TimestampMs) / 1000
		if ageSeconds > lateJoinMaxAgeMinutes*60 {
			log.Printf("🔄 reconciliation: late join rejected for %s, position age %.1f minutes", leaderPos.Symbol, ageSeconds/60)
			return false
		}
	}

	return true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
