package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"depthfeed/internal/config"
	"depthfeed/internal/exchange"
	"depthfeed/internal/factory"
	"depthfeed/internal/logging"
	"depthfeed/internal/metrics"
	"depthfeed/internal/orderbook"
	"depthfeed/internal/server"
	"depthfeed/internal/types"
)

func main() {
	cfg := config.Load()

	// Command line flags override file and environment
	var feedName = flag.String("feed", string(exchange.DhanTwentyDepth), "Depth feed to connect to")
	var instruments = flag.String("instruments", "", "Comma separated SEGMENT:SECURITY_ID list, e.g. NSE_EQ:2885")
	var token = flag.String("token", "", "Feed access token (overrides DHAN_TOKEN)")
	var clientID = flag.String("client-id", "", "Feed client id (overrides DHAN_CLIENT_ID)")
	var addr = flag.String("addr", cfg.Server.Addr, "HTTP listen address")
	var logInterval = flag.Duration("log-interval", 30*time.Second, "Interval for logging depth stats")
	flag.Parse()

	cfg.Server.Addr = *addr
	cfg.SetCredentials(*token, *clientID)
	logger := logging.New(cfg)

	if !factory.ValidateFeedName(*feedName) {
		logger.Fatal().Str("feed", *feedName).Interface("supported", factory.GetSupportedFeeds()).Msg("unsupported feed")
	}

	if *instruments != "" {
		parsed, err := config.ParseInstruments(*instruments)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid -instruments")
		}
		cfg.SetInstruments(parsed)
	}

	if cfg.Feed.Token == "" || cfg.Feed.ClientID == "" {
		logger.Warn().Msg("feed credentials are empty; the endpoint will likely reject the connection")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := metrics.NewRegistry(logger)
	feedMetrics := metrics.New(registry)

	book := orderbook.New()
	session, err := factory.NewFeed(exchange.FeedName(*feedName), cfg.Feed, factory.FeedDeps{
		Store:   book,
		Logger:  logger,
		Metrics: feedMetrics,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create feed")
	}
	srv := server.New(cfg.Server, book, session, registry, logger)

	logger.Info().
		Str("feed", string(session.GetName())).
		Interface("instruments", cfg.Feed.Instruments).
		Str("addr", cfg.Server.Addr).
		Msg("starting depth feed")

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("feed session exited")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logStats(ctx, logger, book, *logInterval)
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	wg.Wait()
	logger.Info().Msg("shutdown complete")
}

func logStats(ctx context.Context, logger logging.Logger, depth types.DepthReader, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := depth.Stats()
			if stats.LastUpdateTime.IsZero() {
				logger.Info().Msg("no depth received yet")
				continue
			}
			logger.Info().
				Str("best_bid", stats.BestBid.StringFixed(2)).
				Str("best_ask", stats.BestAsk.StringFixed(2)).
				Str("spread", stats.Spread.StringFixed(2)).
				Str("bid_qty", stats.TotalBidQty.String()).
				Str("ask_qty", stats.TotalAskQty.String()).
				Time("last_update", stats.LastUpdateTime).
				Msg("depth stats")
		}
	}
}
