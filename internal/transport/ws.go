package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrConnectionLost is returned for calls whose reply never arrived because
// the gateway connection dropped. It is a transport failure, so it is retried.
var ErrConnectionLost = errors.New("WebSocket connection lost")

// ErrNotConnected is returned when no gateway connection is established
var ErrNotConnected = errors.New("WebSocket not connected")

// WSEnvelope is the frame exchanged with the gateway. Calls and replies share
// the shape and are correlated by ID.
type WSEnvelope struct {
	ID     int64               `json:"id"`
	URL    string              `json:"url,omitempty"`
	Method string              `json:"method,omitempty"`
	Header map[string][]string `json:"headers,omitempty"`
	Body   []byte              `json:"body,omitempty"`
	Status int                 `json:"status,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// WSConfig for creating a WSSender
type WSConfig struct {
	GatewayURL        string
	MessageTimeout    time.Duration
	ReconnectInterval time.Duration
	PingInterval      time.Duration
	Logger            zerolog.Logger
}

// WSSender multiplexes calls over one WebSocket connection to a gateway
// that performs them and writes the replies back.
type WSSender struct {
	cfg    WSConfig
	logger zerolog.Logger

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	pending   map[int64]chan *WSEnvelope
	pendingMu sync.Mutex
	reqID     atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWSSender creates a sender; call Connect before Send
func NewWSSender(cfg WSConfig) *WSSender {
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = 60 * time.Second
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSSender{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "ws_sender").Logger(),
		pending: make(map[int64]chan *WSEnvelope),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect establishes the WebSocket connection and starts the reader goroutine
func (s *WSSender) Connect(ctx context.Context) error {
	s.connMu.Lock()
	if s.conn != nil {
		s.connMu.Unlock()
		return nil
	}
	s.connMu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	s.logger.Info().Str("gateway", s.cfg.GatewayURL).Msg("WebSocket connected")
	s.wg.Add(1)
	go s.readLoop()
	if s.cfg.PingInterval > 0 {
		s.wg.Add(1)
		go s.pingLoop()
	}
	return nil
}

func (s *WSSender) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.cfg.GatewayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect WebSocket: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.MessageTimeout))
	})
	return conn, nil
}

// Connected returns true if the WebSocket connection is established
func (s *WSSender) Connected() bool {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn != nil
}

// Send writes the call to the gateway and waits for the correlated reply
func (s *WSSender) Send(ctx context.Context, call *Call) (*Response, error) {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	id := s.reqID.Add(1)
	respChan := make(chan *WSEnvelope, 1)

	s.pendingMu.Lock()
	s.pending[id] = respChan
	s.pendingMu.Unlock()

	frame, err := json.Marshal(&WSEnvelope{
		ID:     id,
		URL:    call.URL,
		Method: call.Method,
		Header: call.Header,
		Body:   call.Body,
	})
	if err != nil {
		s.forget(id)
		return nil, fmt.Errorf("failed to marshal call: %w", err)
	}

	s.writeMu.Lock()
	writeErr := conn.WriteMessage(websocket.TextMessage, frame)
	s.writeMu.Unlock()
	if writeErr != nil {
		s.forget(id)
		return nil, fmt.Errorf("failed to send call: %w", writeErr)
	}

	select {
	case reply, ok := <-respChan:
		if !ok || reply == nil {
			return nil, ErrConnectionLost
		}
		if reply.Error != "" {
			return nil, fmt.Errorf("gateway error: %s", reply.Error)
		}
		header := http.Header(reply.Header)
		return &Response{
			StatusCode:  reply.Status,
			ContentType: header.Get("Content-Type"),
			Header:      header,
			Body:        reply.Body,
		}, nil
	case <-ctx.Done():
		s.forget(id)
		return nil, fmt.Errorf("WebSocket call aborted: %w", ctx.Err())
	}
}

func (s *WSSender) forget(id int64) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// failPending closes every waiting reply channel so their calls fail fast
func (s *WSSender) failPending() {
	s.pendingMu.Lock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
}

func (s *WSSender) readLoop() {
	defer s.wg.Done()

	for {
		s.connMu.RLock()
		conn := s.conn
		s.connMu.RUnlock()
		if conn == nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.MessageTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Warn().Err(err).Msg("WebSocket connection lost, reconnecting")
			if s.reconnect() {
				continue
			}
			return
		}

		var reply WSEnvelope
		if err := json.Unmarshal(data, &reply); err != nil {
			s.logger.Warn().Err(err).Int("len", len(data)).Msg("ws message parse error")
			continue
		}

		s.pendingMu.Lock()
		ch, ok := s.pending[reply.ID]
		if ok {
			delete(s.pending, reply.ID)
		}
		s.pendingMu.Unlock()

		if !ok {
			s.logger.Debug().Int64("id", reply.ID).Msg("reply for unknown call")
			continue
		}
		ch <- &reply
	}
}

// reconnect replaces the connection, failing calls that were waiting on the
// old one. Returns false once the sender is closed.
func (s *WSSender) reconnect() bool {
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()
	s.failPending()

	for {
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(s.cfg.ReconnectInterval):
		}

		conn, err := s.dial(s.ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("WebSocket reconnect failed")
			continue
		}

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		s.logger.Info().Str("gateway", s.cfg.GatewayURL).Msg("WebSocket reconnected")
		return true
	}
}

func (s *WSSender) pingLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.connMu.RLock()
			conn := s.conn
			s.connMu.RUnlock()
			if conn == nil {
				continue
			}
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debug().Err(err).Msg("ping write failed")
			}
		}
	}
}

// Close closes the connection and stops the reader
func (s *WSSender) Close() {
	s.cancel()
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()
	s.failPending()
	s.wg.Wait()
	s.logger.Info().Msg("WebSocket disconnected")
}
