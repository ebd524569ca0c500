package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reqcoord/internal/config"
)

func newTestServer(t *testing.T, upstream *httptest.Server, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Transport.BaseURL = upstream.URL
	cfg.Coordinator.MinDelay = 5
	cfg.Coordinator.MaxRetries = 0
	cfg.Coordinator.RetryDelay = 1
	cfg.Metrics = &config.MetricsConfig{Enabled: true, Namespace: "test"}
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	front := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		front.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv, front
}

func post(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestServer_SingleRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"ada"}`))
	}))
	defer upstream.Close()
	_, front := newTestServer(t, upstream, nil)

	resp, data := post(t, front.URL+"/v1/requests", `{"url":"/users/1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res ResultPayload
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, map[string]interface{}{"name": "ada"}, res.Data)
	assert.Nil(t, res.Error)
}

func TestServer_ArrayIsDeduplicated(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()
	_, front := newTestServer(t, upstream, nil)

	resp, data := post(t, front.URL+"/v1/requests", `[{"url":"/a"},{"url":"/a"},{"url":"/b"}]`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var results []ResultPayload
	require.NoError(t, json.Unmarshal(data, &results))
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Nil(t, r.Error)
	}
	assert.Equal(t, int32(2), hits.Load())
}

func TestServer_TransportError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()
	_, front := newTestServer(t, upstream, nil)

	resp, data := post(t, front.URL+"/v1/requests", `{"url":"/down"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var res ResultPayload
	require.NoError(t, json.Unmarshal(data, &res))
	require.NotNil(t, res.Error)
	assert.Equal(t, "transport", res.Error.Kind)
	assert.Equal(t, 503, res.Error.Status)
	assert.Equal(t, 1, res.Error.Attempts)
}

func TestServer_Timeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)
	_, front := newTestServer(t, upstream, nil)

	resp, data := post(t, front.URL+"/v1/requests", `{"url":"/slow","timeoutMs":30}`)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	var res ResultPayload
	require.NoError(t, json.Unmarshal(data, &res))
	require.NotNil(t, res.Error)
	assert.Equal(t, "timeout", res.Error.Kind)
	assert.GreaterOrEqual(t, res.Error.ElapsedMs, int64(30))
}

func TestServer_GraphQLBatch(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/graphql", r.URL.Path)
		var body struct {
			Operations []map[string]interface{} `json:"operations"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		results := make([]map[string]interface{}, len(body.Operations))
		for i, op := range body.Operations {
			results[i] = map[string]interface{}{"echo": op["query"]}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": results})
	}))
	defer upstream.Close()
	_, front := newTestServer(t, upstream, func(cfg *config.Config) {
		cfg.Batches = []config.BatchConfig{{Key: "gql", Kind: "graphql", URL: "/graphql"}}
	})

	resp, data := post(t, front.URL+"/v1/requests", `[
		{"url":"/graphql","method":"POST","batchKey":"gql","body":{"query":"{a}"}},
		{"url":"/graphql","method":"POST","batchKey":"gql","body":{"query":"{b}"}}
	]`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var results []ResultPayload
	require.NoError(t, json.Unmarshal(data, &results))
	require.Len(t, results, 2)
	assert.Equal(t, map[string]interface{}{"echo": "{a}"}, results[0].Data)
	assert.Equal(t, map[string]interface{}{"echo": "{b}"}, results[1].Data)
	assert.Equal(t, int32(1), hits.Load())
}

func TestServer_BadRequests(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()
	_, front := newTestServer(t, upstream, func(cfg *config.Config) {
		cfg.MaxBodySize = 64
	})

	for _, body := range []string{``, `{`, `[]`, `{"method":"GET"}`, `{"url":"/` + strings.Repeat("x", 100) + `"}`} {
		resp, _ := post(t, front.URL+"/v1/requests", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestServer_PendingAndCancelAll(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()
	srv, front := newTestServer(t, upstream, func(cfg *config.Config) {
		cfg.Coordinator.MinDelay = 10000
	})

	f := srv.Coordinator().Request(context.Background(), toOptions(RequestPayload{URL: "/queued"}))

	resp, err := http.Get(front.URL + "/v1/pending")
	require.NoError(t, err)
	var stats map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, float64(1), stats["queued"])

	req, err := http.NewRequest(http.MethodDelete, front.URL+"/v1/requests", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, ferr := f.Result()
	assert.Error(t, ferr)
	assert.Equal(t, 0, srv.Coordinator().PendingCount())
}

func TestServer_HealthAndMetrics(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()
	_, front := newTestServer(t, upstream, nil)

	resp, err := http.Get(front.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(front.URL + "/metrics")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, bytes.Contains(data, []byte("test_pending")))
}

func TestNewTransformer(t *testing.T) {
	_, err := NewTransformer(config.BatchConfig{Key: "a", Kind: "graphql", URL: "/g"})
	assert.NoError(t, err)
	_, err = NewTransformer(config.BatchConfig{Key: "b", Kind: "rest", URL: "/r", IDField: "id"})
	assert.NoError(t, err)
	_, err = NewTransformer(config.BatchConfig{Key: "c", Kind: "soap", URL: "/s"})
	assert.Error(t, err)
}

func TestServer_HealthReportsOpenCircuit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()
	_, front := newTestServer(t, upstream, func(cfg *config.Config) {
		cfg.Transport.CircuitBreaker = &config.CircuitBreakerConfig{Enabled: true, FailureThreshold: 1, RecoveryTimeout: 60000}
	})

	resp, _ := post(t, front.URL+"/v1/requests", `{"url":"/fail"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, err := http.Get(front.URL + "/healthz")
	require.NoError(t, err)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "circuit open", body["reason"])
}
