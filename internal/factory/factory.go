package factory

import (
	"fmt"

	"depthfeed/internal/config"
	"depthfeed/internal/exchange"
	"depthfeed/internal/exchange/dhan"
	"depthfeed/internal/metrics"
	"depthfeed/internal/types"

	"github.com/rs/zerolog"
)

// FeedDeps carries what every feed session needs besides its own settings
type FeedDeps struct {
	Store   types.DepthWriter
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// NewFeed creates a feed session based on the name
func NewFeed(name exchange.FeedName, cfg config.FeedConfig, deps FeedDeps) (exchange.Feed, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("feed %s: no depth store", name)
	}

	switch name {
	case exchange.DhanTwentyDepth:
		return dhan.NewSession(cfg, deps.Store, deps.Logger, deps.Metrics), nil

	default:
		return nil, fmt.Errorf("unknown feed: %s", name)
	}
}

// ValidateFeedName checks if the feed name is supported
func ValidateFeedName(name string) bool {
	switch exchange.FeedName(name) {
	case exchange.DhanTwentyDepth:
		return true
	default:
		return false
	}
}

// GetSupportedFeeds returns a list of all supported feeds
func GetSupportedFeeds() []exchange.FeedName {
	return []exchange.FeedName{exchange.DhanTwentyDepth}
}
