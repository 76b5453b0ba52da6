package dhan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"depthfeed/internal/config"
	"depthfeed/internal/exchange"
	"depthfeed/internal/metrics"
	"depthfeed/internal/types"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
)

const maxTransitions = 32

var (
	ErrDial             = errors.New("dhan: dial failed")
	ErrSubscribe        = errors.New("dhan: subscription send failed")
	ErrTransport        = errors.New("dhan: transport error")
	ErrVendorDisconnect = errors.New("dhan: disconnected by feed")
)

// Option customises a Session
type Option func(*Session)

// WithDialer replaces the websocket dialer
func WithDialer(d exchange.Dialer) Option {
	return func(s *Session) {
		s.dialer = d
	}
}

// Session owns the feed connection and is the only writer into the depth store.
// Run keeps it connected for the life of ctx.
type Session struct {
	cfg     config.FeedConfig
	store   types.DepthWriter
	logger  zerolog.Logger
	metrics *metrics.Metrics
	dialer  exchange.Dialer
	backoff *backoff.Backoff

	writeMu sync.Mutex
	state   atomic.Int32
	health  atomic.Value // stores exchange.HealthStatus
	history deque.Deque[exchange.StateTransition]
}

// NewSession creates a session writing into store
func NewSession(cfg config.FeedConfig, store types.DepthWriter, logger zerolog.Logger, m *metrics.Metrics, opts ...Option) *Session {
	if m == nil {
		m = metrics.New(nil)
	}

	s := &Session{
		cfg:     cfg,
		store:   store,
		logger:  logger.With().Str("component", "feed").Str("feed", string(exchange.DhanTwentyDepth)).Logger(),
		metrics: m,
		dialer:  exchange.NewWebsocketDialer(cfg.HandshakeTimeout),
		backoff: &backoff.Backoff{
			Min:    cfg.Backoff.Min,
			Max:    cfg.Backoff.Max,
			Factor: cfg.Backoff.Factor,
			Jitter: cfg.Backoff.Jitter,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.health.Store(exchange.HealthStatus{
		State:     exchange.StateDisconnected,
		StateName: exchange.StateDisconnected.String(),
	})

	return s
}

// GetName returns the feed name
func (s *Session) GetName() exchange.FeedName {
	return exchange.DhanTwentyDepth
}

// State returns the current lifecycle state
func (s *Session) State() exchange.SessionState {
	return exchange.SessionState(s.state.Load())
}

// Health returns connection health information
func (s *Session) Health() exchange.HealthStatus {
	if status, ok := s.health.Load().(exchange.HealthStatus); ok {
		return status
	}
	return exchange.HealthStatus{}
}

// Run connects, subscribes and streams until ctx is done. Any connection failure
// leads back to Connecting after a bounded backoff delay. It returns ctx.Err().
func (s *Session) Run(ctx context.Context) error {
	for {
		err := s.runOnce(ctx)
		s.setState(exchange.StateDisconnected, errReason(err))

		if ctx.Err() != nil {
			s.logger.Info().Msg("feed session stopped")
			return ctx.Err()
		}

		reason := reconnectReason(err)
		delay := s.backoff.Duration()
		s.recordReconnect(err)
		s.metrics.Reconnects.WithLabelValues(reason).Inc()
		s.metrics.ReconnectDelayMs.Observe(float64(delay.Milliseconds()))
		s.logger.Warn().Err(err).Str("reason", reason).Dur("delay", delay).Msg("feed connection lost, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("feed session stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// runOnce drives a single connection from dial to failure. The connection is
// closed on every return path.
func (s *Session) runOnce(ctx context.Context) error {
	connID := uuid.NewString()
	log := s.logger.With().Str("conn_id", connID).Logger()

	s.setState(exchange.StateConnecting, "dial")

	base, authType := s.cfg.URL, s.cfg.AuthType
	if base == "" {
		base = DefaultFeedURL
	}
	if authType == "" {
		authType = DefaultAuthType
	}

	feedURL, err := FeedURL(base, s.cfg.Token, s.cfg.ClientID, authType)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDial, err)
	}

	conn, resp, err := s.dialer.DialContext(ctx, feedURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: status %d: %w", ErrDial, resp.StatusCode, err)
		}
		return fmt.Errorf("%w: %w", ErrDial, err)
	}
	defer conn.Close()

	s.updateConnection(connID, true)
	defer s.updateConnection("", false)
	log.Info().Msg("feed connected")

	// Closing the connection is what unblocks ReadMessage on shutdown
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.closeGracefully(conn, log)
		case <-stop:
		}
	}()

	conn.SetPingHandler(func(appData string) error {
		s.extendDeadline(conn)
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.writeTimeout()))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})

	req := NewSubscribeRequest(s.cfg.Instruments)
	if err := s.writeJSON(conn, req); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribe, err)
	}
	s.setState(exchange.StateSubscribed, "subscription sent")
	log.Info().Int("instruments", req.InstrumentCount).Msg("depth subscription sent")

	s.setState(exchange.StateStreaming, "receive loop")

	first := true
	for {
		// frame boundary: never stop halfway through a message
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.extendDeadline(conn)
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}

		if first {
			s.backoff.Reset()
			first = false
		}
		s.recordMessage()

		if msgType != websocket.BinaryMessage {
			log.Debug().Str("payload", string(msg)).Msg("text message from feed")
			continue
		}

		if err := s.handleMessage(msg, log); err != nil {
			return err
		}
	}
}

// handleMessage applies every packet in msg. Only a vendor disconnect is returned as an error.
func (s *Session) handleMessage(msg []byte, log zerolog.Logger) error {
	for _, packet := range Split(msg) {
		if err := s.handlePacket(packet, log); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) handlePacket(packet []byte, log zerolog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.dropFrame("panic", fmt.Errorf("panic: %v", r), log)
			err = nil
		}
	}()

	frame, err := Decode(packet)
	if err != nil {
		s.dropFrame(dropReason(err), err, log)
		return nil
	}

	s.metrics.FramesReceived.WithLabelValues(frame.Kind.String()).Inc()

	switch frame.Kind {
	case KindDepth:
		if err := s.store.Replace(frame.Side, frame.Levels); err != nil {
			s.dropFrame("rejected", err, log)
			return nil
		}
		s.metrics.DepthUpdates.WithLabelValues(frame.Side.String()).Inc()

	case KindDisconnect:
		s.metrics.DisconnectPackets.WithLabelValues(strconv.Itoa(int(frame.DisconnectCode))).Inc()
		log.Warn().
			Int16("code", frame.DisconnectCode).
			Str("segment", SegmentName(frame.Header.ExchangeSegment)).
			Msg("feed sent disconnect packet")
		return fmt.Errorf("%w: code %d", ErrVendorDisconnect, frame.DisconnectCode)

	default:
		log.Debug().Int8("feed_code", frame.Header.FeedCode).Msg("ignoring packet")
	}

	return nil
}

func (s *Session) closeGracefully(conn exchange.Conn, log zerolog.Logger) {
	if err := s.writeJSON(conn, DisconnectRequest{RequestCode: RequestCodeDisconnect}); err != nil {
		log.Debug().Err(err).Msg("error sending disconnect request")
	}

	deadline := time.Now().Add(s.writeTimeout())
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	if err != nil {
		log.Debug().Err(err).Msg("error sending close message")
	}

	_ = conn.Close()
}

func (s *Session) writeJSON(conn exchange.Conn, v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (s *Session) extendDeadline(conn exchange.Conn) {
	if s.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
}

func (s *Session) writeTimeout() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout
	}
	return 5 * time.Second
}

func (s *Session) dropFrame(reason string, err error, log zerolog.Logger) {
	s.metrics.FramesDropped.WithLabelValues(reason).Inc()
	log.Debug().Err(err).Str("reason", reason).Msg("dropping packet")

	status := s.Health()
	status.DroppedFrames++
	status.LastError = err.Error()
	s.health.Store(status)
}

// setState records a transition (called from the Run goroutine only)
func (s *Session) setState(to exchange.SessionState, reason string) {
	from := exchange.SessionState(s.state.Swap(int32(to)))
	s.metrics.SessionState.Set(float64(to))

	s.history.PushBack(exchange.StateTransition{From: from, To: to, At: time.Now(), Reason: reason})
	for s.history.Len() > maxTransitions {
		s.history.PopFront()
	}

	transitions := make([]exchange.StateTransition, s.history.Len())
	for i := range transitions {
		transitions[i] = s.history.At(i)
	}

	status := s.Health()
	status.State = to
	status.StateName = to.String()
	status.Transitions = transitions
	s.health.Store(status)
}

func (s *Session) updateConnection(connID string, connected bool) {
	status := s.Health()
	status.Connected = connected
	status.ConnID = connID
	s.health.Store(status)
}

func (s *Session) recordMessage() {
	now := time.Now()
	s.metrics.LastFrameUnixMs.Set(float64(now.UnixMilli()))

	status := s.Health()
	status.MessageCount++
	status.LastMessage = now
	s.health.Store(status)
}

func (s *Session) recordReconnect(err error) {
	now := time.Now()
	status := s.Health()
	status.Reconnects++
	status.ErrorCount++
	status.ReconnectTime = &now
	if err != nil {
		status.LastError = err.Error()
	}
	s.health.Store(status)
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedHeader):
		return "malformed_header"
	case errors.Is(err, ErrTruncatedFrame):
		return "truncated"
	default:
		return "decode"
	}
}

func reconnectReason(err error) string {
	switch {
	case errors.Is(err, ErrDial):
		return "dial"
	case errors.Is(err, ErrSubscribe):
		return "subscribe"
	case errors.Is(err, ErrVendorDisconnect):
		return "vendor_disconnect"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "unknown"
	}
}

func errReason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
