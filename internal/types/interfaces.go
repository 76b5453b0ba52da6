package types

// PriceAggregator defines the interface for price aggregation
type PriceAggregator interface {
	// SetTickLevel updates the tick level for aggregation
	SetTickLevel(tick TickLevel)

	// GetTickLevel returns the current tick level
	GetTickLevel() TickLevel

	// AggregateBids aggregates bid levels
	AggregateBids(levels []DepthLevel) []DepthLevel

	// AggregateAsks aggregates offer levels
	AggregateAsks(levels []DepthLevel) []DepthLevel
}

// DepthReader is the read side of the depth store. Implementations never block on network activity.
type DepthReader interface {
	// Current returns a point-in-time copy of both sides
	Current() Snapshot

	// Stats returns figures derived from Current
	Stats() Stats
}

// DepthWriter is the write side of the depth store, owned by the feed session
type DepthWriter interface {
	// Replace swaps the whole level array of one side
	Replace(side Side, levels []DepthLevel) error
}
