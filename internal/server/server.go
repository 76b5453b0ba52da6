package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"depthfeed/internal/aggregation"
	"depthfeed/internal/config"
	"depthfeed/internal/exchange"
	"depthfeed/internal/metrics"
	"depthfeed/internal/types"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type MessageType string

const (
	MessageTypeDepth MessageType = "depth"
)

// ClientMessage represents messages sent from client to server
type ClientMessage struct {
	Type string  `json:"type"`
	Tick float64 `json:"tick,omitempty"`
}

// DepthMessage is the sorted, optionally aggregated view of the book
type DepthMessage struct {
	Type      MessageType        `json:"type"`
	Feed      string             `json:"feed"`
	Tick      float64            `json:"tick"`
	Bids      []types.DepthLevel `json:"bids"`
	Offers    []types.DepthLevel `json:"offers"`
	Stats     StatsMessage       `json:"stats"`
	Timestamp int64              `json:"timestamp"`
}

type StatsMessage struct {
	BestBid        string `json:"bestBid"`
	BestAsk        string `json:"bestAsk"`
	MidPrice       string `json:"midPrice"`
	Spread         string `json:"spread"`
	TotalBidQty    string `json:"totalBidQty"`
	TotalAskQty    string `json:"totalAskQty"`
	TotalBidOrders uint64 `json:"totalBidOrders"`
	TotalAskOrders uint64 `json:"totalAskOrders"`
	BidNotional    string `json:"bidNotional"`
	AskNotional    string `json:"askNotional"`
	TotalDelta     string `json:"totalDelta"`
	LastUpdate     int64  `json:"lastUpdate"`
}

// HealthReporter is implemented by the feed session
type HealthReporter interface {
	GetName() exchange.FeedName
	State() exchange.SessionState
	Health() exchange.HealthStatus
}

// Server is the read-only query surface over the depth store
type Server struct {
	cfg        config.ServerConfig
	depth      types.DepthReader
	feed       HealthReporter
	registry   *prometheus.Registry
	logger     zerolog.Logger
	router     *mux.Router
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	clientsMux sync.RWMutex
	aggregator *aggregation.Aggregator
	tickMux    sync.RWMutex
}

// New creates a server. registry may be nil, in which case /metrics is not routed.
func New(cfg config.ServerConfig, depth types.DepthReader, feed HealthReporter, registry *prometheus.Registry, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		depth:      depth,
		feed:       feed,
		registry:   registry,
		logger:     logger.With().Str("component", "server").Logger(),
		clients:    make(map[*websocket.Conn]bool),
		aggregator: aggregation.New(0),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/get_market_depth", s.handleMarketDepth).Methods(http.MethodGet)
	r.HandleFunc("/depth", s.handleDepth).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	if s.registry != nil {
		r.Handle("/metrics", metrics.Handler(s.registry)).Methods(http.MethodGet)
	}
	return r
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is done, then shuts down within the configured timeout
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	go s.startDataPush(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.closeClients()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// handleMarketDepth returns the store contents as received: {"bids": [...], "offers": [...]}
func (s *Server) handleMarketDepth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.depth.Current())
}

func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	tick := s.currentTick()
	if raw := r.URL.Query().Get("tick"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || (v != 0 && !types.IsValidTickLevel(types.TickLevel(v))) {
			http.Error(w, "invalid tick", http.StatusBadRequest)
			return
		}
		tick = types.TickLevel(v)
	}

	s.writeJSON(w, http.StatusOK, s.buildDepthMessage(tick, time.Now().UnixMilli()))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		http.Error(w, "no feed", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, s.feed.Health())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz is ready while the feed is streaming
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.feed != nil && s.feed.State() == exchange.StateStreaming {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	http.Error(w, "not ready", http.StatusServiceUnavailable)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade error")
		return
	}

	s.clientsMux.Lock()
	s.clients[conn] = true
	s.clientsMux.Unlock()

	s.logger.Info().Str("remote", r.RemoteAddr).Msg("websocket client connected")

	defer func() {
		s.removeClient(conn)
		s.logger.Info().Str("remote", r.RemoteAddr).Msg("websocket client disconnected")
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var clientMsg ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			s.logger.Debug().Err(err).Msg("error parsing client message")
			continue
		}

		s.handleClientMessage(clientMsg)
	}
}

func (s *Server) handleClientMessage(msg ClientMessage) {
	switch msg.Type {
	case "set_tick":
		s.setTickLevel(msg.Tick)
	default:
		s.logger.Debug().Str("type", msg.Type).Msg("unknown client message type")
	}
}

func (s *Server) setTickLevel(tick float64) {
	tickLevel := types.TickLevel(tick)

	if tick != 0 && !types.IsValidTickLevel(tickLevel) {
		s.logger.Debug().Float64("tick", tick).Msg("invalid tick level, keeping current")
		return
	}

	s.tickMux.Lock()
	s.aggregator.SetTickLevel(tickLevel)
	s.tickMux.Unlock()

	s.logger.Info().Float64("tick", tick).Msg("tick level changed")
}

func (s *Server) currentTick() types.TickLevel {
	s.tickMux.RLock()
	defer s.tickMux.RUnlock()
	return s.aggregator.GetTickLevel()
}

// startDataPush writes the current depth to every websocket client on each tick.
// All client writes happen on this goroutine.
func (s *Server) startDataPush(ctx context.Context) {
	interval := s.cfg.PushInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.clientsMux.RLock()
		hasClients := len(s.clients) > 0
		s.clientsMux.RUnlock()

		if !hasClients {
			continue
		}

		s.broadcast(s.buildDepthMessage(s.currentTick(), time.Now().UnixMilli()))
	}
}

func (s *Server) broadcast(msg interface{}) {
	var failed []*websocket.Conn

	s.clientsMux.RLock()
	for client := range s.clients {
		if err := client.WriteJSON(msg); err != nil {
			s.logger.Debug().Err(err).Msg("error writing to client")
			failed = append(failed, client)
		}
	}
	s.clientsMux.RUnlock()

	for _, client := range failed {
		s.removeClient(client)
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMux.Lock()
	delete(s.clients, conn)
	s.clientsMux.Unlock()
	conn.Close()
}

func (s *Server) closeClients() {
	s.clientsMux.Lock()
	defer s.clientsMux.Unlock()
	for client := range s.clients {
		client.Close()
		delete(s.clients, client)
	}
}

func (s *Server) buildDepthMessage(tick types.TickLevel, timestamp int64) DepthMessage {
	snap := s.depth.Current()
	stats := s.depth.Stats()

	agg := aggregation.New(tick)
	bids := agg.AggregateBids(aggregation.FilterEmpty(snap.Bids))
	offers := agg.AggregateAsks(aggregation.FilterEmpty(snap.Offers))

	feed := ""
	if s.feed != nil {
		feed = string(s.feed.GetName())
	}

	var lastUpdate int64
	if !stats.LastUpdateTime.IsZero() {
		lastUpdate = stats.LastUpdateTime.UnixMilli()
	}

	return DepthMessage{
		Type:   MessageTypeDepth,
		Feed:   feed,
		Tick:   float64(tick),
		Bids:   bids,
		Offers: offers,
		Stats: StatsMessage{
			BestBid:        stats.BestBid.String(),
			BestAsk:        stats.BestAsk.String(),
			MidPrice:       stats.MidPrice.String(),
			Spread:         stats.Spread.String(),
			TotalBidQty:    stats.TotalBidQty.String(),
			TotalAskQty:    stats.TotalAskQty.String(),
			TotalBidOrders: stats.TotalBidOrders,
			TotalAskOrders: stats.TotalAskOrders,
			BidNotional:    stats.BidNotional.String(),
			AskNotional:    stats.AskNotional.String(),
			TotalDelta:     stats.TotalDelta.String(),
			LastUpdate:     lastUpdate,
		},
		Timestamp: timestamp,
	}
}

// writeJSON encodes before writing the status so an encode failure becomes a 500
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("error encoding response")
		http.Error(w, "encoding error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debug().Err(err).Msg("error writing response")
	}
}
