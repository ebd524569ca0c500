package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCall_DefaultContentType(t *testing.T) {
	call, err := NewCall("/x", "post", nil, map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, "POST", call.Method)
	assert.Equal(t, ContentTypeJSON, call.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"a":1}`, string(call.Body))

	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	call, err = NewCall("/x", "PUT", h, "raw")
	require.NoError(t, err)
	assert.Equal(t, "text/plain", call.Header.Get("Content-Type"))
	assert.Equal(t, "raw", string(call.Body))
}

func TestResponse_Decode(t *testing.T) {
	r := &Response{StatusCode: 200, ContentType: "application/json; charset=utf-8", Body: []byte(`{"ok":true}`)}
	v, err := r.Decode()
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"ok": true}, v)

	r = &Response{StatusCode: 200, ContentType: "text/plain", Body: []byte("hello")}
	v, err = r.Decode()
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	r = &Response{StatusCode: 200, ContentType: "application/problem+json", Body: []byte(`[1]`)}
	assert.True(t, r.IsJSON())
	assert.False(t, (&Response{StatusCode: 404}).IsSuccess())
}

func TestHTTPSender_Send(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "/items", r.URL.Path)
		assert.Equal(t, ContentTypeJSON, r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	s, err := NewHTTPSender(HTTPConfig{BaseURL: srv.URL, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer s.Close()

	call, err := NewCall("/items", "POST", nil, map[string]string{"name": "x"})
	require.NoError(t, err)

	resp, err := s.Send(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, resp.IsSuccess())
	assert.JSONEq(t, `{"name":"x"}`, string(resp.Body))
}

func TestHTTPSender_AbortIsDistinguishable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s, err := NewHTTPSender(HTTPConfig{Logger: zerolog.Nop()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err = s.Send(ctx, &Call{URL: srv.URL, Method: "GET"})
	require.Error(t, err)
	assert.True(t, IsAbort(err))
}

func TestHTTPSender_NetworkErrorIsNotAbort(t *testing.T) {
	s, err := NewHTTPSender(HTTPConfig{Logger: zerolog.Nop()})
	require.NoError(t, err)

	_, err = s.Send(context.Background(), &Call{URL: "http://127.0.0.1:1/unreachable", Method: "GET"})
	require.Error(t, err)
	assert.False(t, IsAbort(err))
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	failing := SenderFunc(func(ctx context.Context, call *Call) (*Response, error) {
		calls.Add(1)
		return nil, errors.New("down")
	})
	cb := NewCircuitBreaker(failing, CircuitBreakerConfig{FailureThreshold: 2, RecoveryTimeout: 30 * time.Millisecond, HalfOpenMaxRequests: 1})

	for i := 0; i < 2; i++ {
		_, err := cb.Send(context.Background(), &Call{})
		require.Error(t, err)
	}
	assert.True(t, cb.Open())

	_, err := cb.Send(context.Background(), &Call{})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())

	time.Sleep(40 * time.Millisecond)
	assert.True(t, cb.AllowRequest())
	cb.RecordSuccess()
	assert.False(t, cb.Open())
}

func TestCircuitBreaker_IgnoresAborts(t *testing.T) {
	aborting := SenderFunc(func(ctx context.Context, call *Call) (*Response, error) {
		return nil, context.Canceled
	})
	cb := NewCircuitBreaker(aborting, CircuitBreakerConfig{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = cb.Send(ctx, &Call{})
	assert.False(t, cb.Open())
}

func TestCircuitBreaker_CountsClientDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	s, err := NewHTTPSender(HTTPConfig{RequestTimeout: 20 * time.Millisecond, Logger: zerolog.Nop()})
	require.NoError(t, err)
	cb := NewCircuitBreaker(s, CircuitBreakerConfig{FailureThreshold: 1})

	ctx := context.Background()
	_, err = cb.Send(ctx, &Call{URL: srv.URL, Method: "GET"})
	require.Error(t, err)
	assert.False(t, Aborted(ctx, err))
	assert.True(t, cb.Open())
}

func TestLimiter_Paces(t *testing.T) {
	ok := SenderFunc(func(ctx context.Context, call *Call) (*Response, error) {
		return &Response{StatusCode: 200}, nil
	})
	l := NewLimiter(ok, 20, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := l.Send(context.Background(), &Call{})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Send(ctx, &Call{})
	assert.True(t, IsAbort(err))
}

func newGateway(t *testing.T, handle func(env WSEnvelope) *WSEnvelope) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env WSEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				return
			}
			reply := handle(env)
			if reply == nil {
				continue
			}
			reply.ID = env.ID
			out, _ := json.Marshal(reply)
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSSender_RoundTrip(t *testing.T) {
	srv := newGateway(t, func(env WSEnvelope) *WSEnvelope {
		return &WSEnvelope{
			Status: 200,
			Header: map[string][]string{"Content-Type": {"application/json"}},
			Body:   []byte(`{"echo":"` + env.URL + `"}`),
		}
	})
	defer srv.Close()

	s := NewWSSender(WSConfig{GatewayURL: wsURL(srv), Logger: zerolog.Nop()})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()
	assert.True(t, s.Connected())

	resp, err := s.Send(context.Background(), &Call{URL: "/a", Method: "GET"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.True(t, resp.IsJSON())
	assert.JSONEq(t, `{"echo":"/a"}`, string(resp.Body))
}

func TestWSSender_AbortWhileWaiting(t *testing.T) {
	srv := newGateway(t, func(env WSEnvelope) *WSEnvelope { return nil })
	defer srv.Close()

	s := NewWSSender(WSConfig{GatewayURL: wsURL(srv), Logger: zerolog.Nop()})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.Send(ctx, &Call{URL: "/slow"})
	assert.True(t, IsAbort(err))
}

func TestWSSender_NotConnected(t *testing.T) {
	s := NewWSSender(WSConfig{GatewayURL: "ws://127.0.0.1:1", Logger: zerolog.Nop()})
	_, err := s.Send(context.Background(), &Call{})
	assert.ErrorIs(t, err, ErrNotConnected)
}
