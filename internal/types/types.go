package types

import (
	"encoding/json"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// DepthLevels is the number of price levels carried per side in a depth packet
const DepthLevels = 20

// Side identifies one half of the book
type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// TickLevel represents available tick size options for price aggregation
type TickLevel float64

const (
	Tick005 TickLevel = 0.05
	Tick01  TickLevel = 0.1
	Tick1   TickLevel = 1.0
	Tick5   TickLevel = 5.0
	Tick10  TickLevel = 10.0
)

// AvailableTickLevels defines the available tick levels in order of precision
var AvailableTickLevels = []TickLevel{
	Tick005,
	Tick01,
	Tick1,
	Tick5,
	Tick10,
}

// IsValidTickLevel reports whether tick is one of AvailableTickLevels
func IsValidTickLevel(tick TickLevel) bool {
	for _, available := range AvailableTickLevels {
		if available == tick {
			return true
		}
	}
	return false
}

// DepthLevel is one row of the book at a given rank
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity uint32  `json:"quantity"`
	Orders   uint32  `json:"orders"`
}

// MarshalJSON writes a NaN or infinite price as null; JSON has no form for them
func (l DepthLevel) MarshalJSON() ([]byte, error) {
	type plain DepthLevel
	if !math.IsNaN(l.Price) && !math.IsInf(l.Price, 0) {
		return json.Marshal(plain(l))
	}
	return json.Marshal(struct {
		Price    *float64 `json:"price"`
		Quantity uint32   `json:"quantity"`
		Orders   uint32   `json:"orders"`
	}{
		Quantity: l.Quantity,
		Orders:   l.Orders,
	})
}

// Snapshot is the most recently received set of levels for both sides.
// A side is either empty (nothing received yet) or holds exactly DepthLevels entries,
// index 0 being the best level as ranked by the feed.
type Snapshot struct {
	Bids   []DepthLevel `json:"bids"`
	Offers []DepthLevel `json:"offers"`
}

// EmptySnapshot returns the state before any frame has been applied
func EmptySnapshot() Snapshot {
	return Snapshot{
		Bids:   []DepthLevel{},
		Offers: []DepthLevel{},
	}
}

// Stats holds derived figures for the current snapshot
type Stats struct {
	BestBid  decimal.Decimal
	BestAsk  decimal.Decimal
	Spread   decimal.Decimal
	MidPrice decimal.Decimal

	TotalBidQty    decimal.Decimal // Sum of bid quantities
	TotalAskQty    decimal.Decimal // Sum of offer quantities
	TotalBidOrders uint64
	TotalAskOrders uint64
	BidNotional    decimal.Decimal // Sum of price*quantity over bids
	AskNotional    decimal.Decimal // Sum of price*quantity over offers

	// Imbalance (positive = more bids)
	TotalDelta decimal.Decimal

	BidUpdates     int64
	AskUpdates     int64
	LastUpdateTime time.Time
}
