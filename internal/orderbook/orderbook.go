package orderbook

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"depthfeed/internal/types"

	"github.com/shopspring/decimal"
)

// ErrLevelCount is returned when a side replacement does not carry exactly types.DepthLevels levels
var ErrLevelCount = errors.New("orderbook: wrong number of depth levels")

// OrderBook holds the last received 20-level bid and offer arrays.
// The feed session is the only writer; any number of readers may call Current and Stats.
type OrderBook struct {
	mu     sync.RWMutex
	bids   []types.DepthLevel
	offers []types.DepthLevel
	stats  types.Stats
}

// New creates an empty OrderBook
func New() *OrderBook {
	ob := &OrderBook{
		bids:   []types.DepthLevel{},
		offers: []types.DepthLevel{},
	}
	ob.updateStats()
	return ob
}

// ReplaceBids swaps the bid side; offers are untouched
func (ob *OrderBook) ReplaceBids(levels []types.DepthLevel) error {
	return ob.Replace(types.Bid, levels)
}

// ReplaceOffers swaps the offer side; bids are untouched
func (ob *OrderBook) ReplaceOffers(levels []types.DepthLevel) error {
	return ob.Replace(types.Ask, levels)
}

// Replace swaps one side as a single unit. A call with the wrong number of levels is
// rejected and leaves the book unchanged.
func (ob *OrderBook) Replace(side types.Side, levels []types.DepthLevel) error {
	if len(levels) != types.DepthLevels {
		return fmt.Errorf("%w: %s side got %d, want %d", ErrLevelCount, side, len(levels), types.DepthLevels)
	}

	next := make([]types.DepthLevel, types.DepthLevels)
	copy(next, levels)

	ob.mu.Lock()
	defer ob.mu.Unlock()

	switch side {
	case types.Bid:
		ob.bids = next
		ob.stats.BidUpdates++
	case types.Ask:
		ob.offers = next
		ob.stats.AskUpdates++
	default:
		return fmt.Errorf("orderbook: unknown side %d", side)
	}

	ob.stats.LastUpdateTime = time.Now()
	ob.updateStats()
	return nil
}

// Current returns a copy of both sides. Before the first update both sides are empty, non-nil slices.
func (ob *OrderBook) Current() types.Snapshot {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	snap := types.Snapshot{
		Bids:   make([]types.DepthLevel, len(ob.bids)),
		Offers: make([]types.DepthLevel, len(ob.offers)),
	}
	copy(snap.Bids, ob.bids)
	copy(snap.Offers, ob.offers)
	return snap
}

// GetCurrentDepth is an alias of Current
func (ob *OrderBook) GetCurrentDepth() types.Snapshot {
	return ob.Current()
}

// Stats returns a copy of the current statistics
func (ob *OrderBook) Stats() types.Stats {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.stats
}

// LastUpdate returns when either side was last replaced; zero before the first update
func (ob *OrderBook) LastUpdate() time.Time {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.stats.LastUpdateTime
}

// IsInitialized reports whether both sides have been received at least once
func (ob *OrderBook) IsInitialized() bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.bids) > 0 && len(ob.offers) > 0
}

// updateStats recalculates derived figures (must be called with mutex locked)
func (ob *OrderBook) updateStats() {
	ob.stats.BestBid = bestPrice(ob.bids, true)
	ob.stats.BestAsk = bestPrice(ob.offers, false)

	ob.stats.TotalBidQty, ob.stats.BidNotional, ob.stats.TotalBidOrders = totals(ob.bids)
	ob.stats.TotalAskQty, ob.stats.AskNotional, ob.stats.TotalAskOrders = totals(ob.offers)
	ob.stats.TotalDelta = ob.stats.TotalBidQty.Sub(ob.stats.TotalAskQty)

	if !ob.stats.BestBid.IsZero() && !ob.stats.BestAsk.IsZero() && ob.stats.BestAsk.GreaterThan(ob.stats.BestBid) {
		ob.stats.Spread = ob.stats.BestAsk.Sub(ob.stats.BestBid)
		ob.stats.MidPrice = ob.stats.BestBid.Add(ob.stats.BestAsk).Div(decimal.NewFromInt(2))
	} else {
		ob.stats.Spread = decimal.Zero
		ob.stats.MidPrice = decimal.Zero
	}
}

// bestPrice scans rather than trusting index 0; empty rows (price 0) are skipped
func bestPrice(levels []types.DepthLevel, highest bool) decimal.Decimal {
	best := decimal.Zero
	for _, level := range levels {
		price, ok := priceOf(level.Price)
		if !ok || !price.IsPositive() {
			continue
		}
		if best.IsZero() || (highest && price.GreaterThan(best)) || (!highest && price.LessThan(best)) {
			best = price
		}
	}
	return best
}

func totals(levels []types.DepthLevel) (qty, notional decimal.Decimal, orders uint64) {
	qty = decimal.Zero
	notional = decimal.Zero
	for _, level := range levels {
		q := decimal.NewFromInt(int64(level.Quantity))
		qty = qty.Add(q)
		if price, ok := priceOf(level.Price); ok {
			notional = notional.Add(price.Mul(q))
		}
		orders += uint64(level.Orders)
	}
	return qty, notional, orders
}

// priceOf converts a wire price; NaN and infinities have no decimal form
func priceOf(p float64) (decimal.Decimal, bool) {
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(p), true
}
