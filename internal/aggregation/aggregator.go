package aggregation

import (
	"math"
	"sort"

	"depthfeed/internal/types"

	"github.com/shopspring/decimal"
)

var _ types.PriceAggregator = (*Aggregator)(nil)

// Aggregator groups depth levels into tick-sized price buckets
type Aggregator struct {
	currentTick types.TickLevel
}

// New creates a new Aggregator instance
func New(tick types.TickLevel) *Aggregator {
	return &Aggregator{
		currentTick: tick,
	}
}

// SetTickLevel updates the tick level for aggregation
func (a *Aggregator) SetTickLevel(tick types.TickLevel) {
	a.currentTick = tick
}

// GetTickLevel returns the current tick level
func (a *Aggregator) GetTickLevel() types.TickLevel {
	return a.currentTick
}

// AggregateBids floors bid prices to the tick and sums quantity and orders per bucket.
// The result is sorted best (highest) first.
func (a *Aggregator) AggregateBids(levels []types.DepthLevel) []types.DepthLevel {
	out := a.aggregate(levels, a.roundToTickBid)
	SortBids(out)
	return out
}

// AggregateAsks ceils offer prices to the tick and sums quantity and orders per bucket.
// The result is sorted best (lowest) first.
func (a *Aggregator) AggregateAsks(levels []types.DepthLevel) []types.DepthLevel {
	out := a.aggregate(levels, a.roundToTickAsk)
	SortAsks(out)
	return out
}

func (a *Aggregator) aggregate(levels []types.DepthLevel, round func(decimal.Decimal) decimal.Decimal) []types.DepthLevel {
	if len(levels) == 0 {
		return []types.DepthLevel{}
	}

	tickMap := make(map[string]types.DepthLevel)

	for _, level := range levels {
		if math.IsNaN(level.Price) || math.IsInf(level.Price, 0) {
			continue
		}
		roundedPrice := round(decimal.NewFromFloat(level.Price))
		key := roundedPrice.String()

		if existing, exists := tickMap[key]; exists {
			existing.Quantity = addSaturating(existing.Quantity, level.Quantity)
			existing.Orders = addSaturating(existing.Orders, level.Orders)
			tickMap[key] = existing
		} else {
			tickMap[key] = types.DepthLevel{
				Price:    roundedPrice.InexactFloat64(),
				Quantity: level.Quantity,
				Orders:   level.Orders,
			}
		}
	}

	// Convert map back to slice
	aggregated := make([]types.DepthLevel, 0, len(tickMap))
	for _, level := range tickMap {
		aggregated = append(aggregated, level)
	}

	return aggregated
}

// addSaturating sums wire counters, pinning at math.MaxUint32 instead of wrapping
func addSaturating(a, b uint32) uint32 {
	if a > math.MaxUint32-b {
		return math.MaxUint32
	}
	return a + b
}

// roundToTickBid rounds a bid price DOWN to maintain proper spread
func (a *Aggregator) roundToTickBid(price decimal.Decimal) decimal.Decimal {
	tickSize := decimal.NewFromFloat(float64(a.currentTick))
	if !tickSize.IsPositive() {
		return price
	}

	// Floor bids: floor(price / tickSize) * tickSize
	return price.Div(tickSize).Floor().Mul(tickSize)
}

// roundToTickAsk rounds an offer price UP to maintain proper spread
func (a *Aggregator) roundToTickAsk(price decimal.Decimal) decimal.Decimal {
	tickSize := decimal.NewFromFloat(float64(a.currentTick))
	if !tickSize.IsPositive() {
		return price
	}

	// Ceiling asks: ceil(price / tickSize) * tickSize
	return price.Div(tickSize).Ceil().Mul(tickSize)
}

// SortBids orders levels by price, highest first
func SortBids(levels []types.DepthLevel) {
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].Price > levels[j].Price
	})
}

// SortAsks orders levels by price, lowest first
func SortAsks(levels []types.DepthLevel) {
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].Price < levels[j].Price
	})
}

// FilterEmpty drops rows the feed sends as padding (no price and no quantity)
func FilterEmpty(levels []types.DepthLevel) []types.DepthLevel {
	filtered := make([]types.DepthLevel, 0, len(levels))
	for _, level := range levels {
		if level.Price > 0 || level.Quantity > 0 {
			filtered = append(filtered, level)
		}
	}
	return filtered
}
