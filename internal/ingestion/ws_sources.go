package ingestion

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/observability"
)

// WSConfig configures a WSTickSource.
type WSConfig struct {
	URL              string // live stream endpoint
	BackfillURL      string // HTTP range endpoint; empty disables backfill
	APIKey           string
	Underlying       string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     15 * time.Second,
	}
}

type subscribeRequest struct {
	Action     string `json:"action"`
	Underlying string `json:"underlying"`
}

type frameResult struct {
	tick *domain.RawTick
	err  error
}

// WSTickSource streams MBO frames over a WebSocket and serves backfill
// over HTTP.
type WSTickSource struct {
	cfg     WSConfig
	client  *fasthttp.Client
	log     zerolog.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	conn   *websocket.Conn
	frames chan frameResult
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ TickSource = (*WSTickSource)(nil)

// NewWSTickSource creates a source. Nothing is dialled until Connect.
func NewWSTickSource(cfg WSConfig, log zerolog.Logger, metrics *observability.Metrics) *WSTickSource {
	def := DefaultWSConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &WSTickSource{
		cfg:     cfg,
		client:  &fasthttp.Client{},
		log:     log.With().Str("component", "ws_source").Logger(),
		metrics: metrics,
	}
}

// Connect dials the stream and subscribes to the configured underlying.
func (s *WSTickSource) Connect(ctx context.Context) error {
	s.Close()

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	header := http.Header{}
	if s.cfg.APIKey != "" {
		header.Set("X-API-Key", s.cfg.APIKey)
	}

	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteJSON(subscribeRequest{Action: "subscribe", Underlying: s.cfg.Underlying}); err != nil {
		conn.Close()
		return fmt.Errorf("write subscribe: %w", err)
	}

	frames := make(chan frameResult, 1024)
	done := make(chan struct{})

	s.mu.Lock()
	s.conn = conn
	s.frames = frames
	s.done = done
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(conn, frames, done)

	if s.cfg.PingInterval > 0 {
		s.wg.Add(1)
		go s.pingLoop(conn, done)
	}

	s.log.Info().Str("url", s.cfg.URL).Str("underlying", s.cfg.Underlying).Msg("subscribed")
	return nil
}

// readLoop decodes frames until the connection fails.
func (s *WSTickSource) readLoop(conn *websocket.Conn, frames chan<- frameResult, done <-chan struct{}) {
	defer s.wg.Done()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case frames <- frameResult{err: fmt.Errorf("websocket read: %w", err)}:
			case <-done:
			}
			return
		}

		tick, err := ParseFrame(message)
		if err != nil {
			s.metrics.RecordDrop(observability.DropMalformed)
			continue
		}

		select {
		case frames <- frameResult{tick: tick}:
		case <-done:
			return
		}
	}
}

// pingLoop keeps intermediaries from idling the connection out.
func (s *WSTickSource) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// Next returns the next decoded frame.
func (s *WSTickSource) Next(ctx context.Context) (*domain.RawTick, error) {
	s.mu.Lock()
	frames := s.frames
	s.mu.Unlock()

	if frames == nil {
		return nil, ErrNotConnected
	}

	select {
	case f := <-frames:
		if f.err != nil {
			return nil, f.err
		}
		return f.tick, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the WebSocket connection. Safe to call when not connected.
func (s *WSTickSource) Close() error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil
	}
	close(s.done)
	s.conn = nil
	s.frames = nil
	s.mu.Unlock()

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := conn.Close()
	s.wg.Wait()
	return err
}

// Backfill fetches [start, end] from the HTTP range endpoint.
func (s *WSTickSource) Backfill(ctx context.Context, start, end int64) ([]*domain.RawTick, error) {
	if s.cfg.BackfillURL == "" {
		return nil, ErrBackfillUnavailable
	}

	q := url.Values{}
	q.Set("underlying", s.cfg.Underlying)
	q.Set("start", strconv.FormatInt(start, 10))
	q.Set("end", strconv.FormatInt(end, 10))

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.cfg.BackfillURL + "?" + q.Encode())
	req.Header.SetMethod(fasthttp.MethodGet)
	if s.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", s.cfg.APIKey)
	}

	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = s.client.DoDeadline(req, resp, deadline)
	} else {
		err = s.client.Do(req, resp)
	}
	if err != nil {
		return nil, fmt.Errorf("backfill request: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	switch code := resp.StatusCode(); code {
	case fasthttp.StatusOK:
	case fasthttp.StatusNotFound, fasthttp.StatusNotImplemented:
		return nil, ErrBackfillUnavailable
	default:
		return nil, fmt.Errorf("backfill: unexpected status %d: %s", code, resp.Body())
	}

	ticks, malformed, err := ParseBatch(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("decode backfill: %w", err)
	}
	for i := 0; i < malformed; i++ {
		s.metrics.RecordDrop(observability.DropMalformed)
	}
	return ticks, nil
}
