package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"reqcoord/internal/coordinator"
	"reqcoord/internal/pending"
	"reqcoord/internal/retry"
)

// RequestPayload is one request submitted to POST /v1/requests
type RequestPayload struct {
	URL        string              `json:"url"`
	Method     string              `json:"method,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       json.RawMessage     `json:"body,omitempty"`
	Priority   int                 `json:"priority,omitempty"`
	BatchKey   string              `json:"batchKey,omitempty"`
	TimeoutMs  int                 `json:"timeoutMs,omitempty"`
	MaxRetries *int                `json:"maxRetries,omitempty"`
}

// ResultPayload is the outcome of one request
type ResultPayload struct {
	Status      int           `json:"status,omitempty"`
	ContentType string        `json:"contentType,omitempty"`
	Data        interface{}   `json:"data,omitempty"`
	Error       *ErrorPayload `json:"error,omitempty"`
}

// ErrorPayload describes a failed request
type ErrorPayload struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Status    int    `json:"status,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	ElapsedMs int64  `json:"elapsedMs,omitempty"`
}

// Handler serves the coordinator API
type Handler struct {
	coordinator *coordinator.Coordinator
	maxBodySize int64
	logger      zerolog.Logger
}

// NewHandler creates a new Handler
func NewHandler(c *coordinator.Coordinator, maxBodySize int64, logger zerolog.Logger) *Handler {
	return &Handler{
		coordinator: c,
		maxBodySize: maxBodySize,
		logger:      logger.With().Str("component", "api").Logger(),
	}
}

// HandleRequest accepts one request object or an array of them. An array is
// filed in order and answered with an array of results in the same order.
func (h *Handler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payloads, isBatch, err := parsePayloads(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, p := range payloads {
		if p.URL == "" {
			writeError(w, http.StatusBadRequest, "url is required")
			return
		}
	}

	ctx := r.Context()
	futures := make([]*pending.Future, len(payloads))
	for i, p := range payloads {
		futures[i] = h.coordinator.Request(ctx, toOptions(p))
	}

	results := make([]ResultPayload, len(futures))
	var wg sync.WaitGroup
	for i, f := range futures {
		wg.Add(1)
		go func(i int, f *pending.Future) {
			defer wg.Done()
			results[i] = h.await(ctx, f)
		}(i, f)
	}
	wg.Wait()

	if isBatch {
		writeJSON(w, http.StatusOK, results)
		return
	}
	writeJSON(w, statusFor(results[0]), results[0])
}

// HandleCancelAll aborts every queued and in-flight request
func (h *Handler) HandleCancelAll(w http.ResponseWriter, r *http.Request) {
	before := h.coordinator.Stats()
	h.coordinator.CancelAll()
	h.logger.Info().
		Int("queued", before.Queued).
		Int("tracked", before.Tracked).
		Msg("cancel all requested")
	writeJSON(w, http.StatusOK, map[string]int{
		"cancelled": before.Tracked,
	})
}

// HandlePending returns the coordinator stats
func (h *Handler) HandlePending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coordinator.Stats())
}

func (h *Handler) await(ctx context.Context, f *pending.Future) ResultPayload {
	res, err := f.Wait(ctx)
	if err != nil {
		return ResultPayload{Error: errorPayload(err)}
	}
	return ResultPayload{
		Status:      res.StatusCode,
		ContentType: res.ContentType,
		Data:        res.Data,
	}
}

func (h *Handler) readBody(r *http.Request) ([]byte, error) {
	if h.maxBodySize <= 0 {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, errors.New("failed to read request body")
		}
		return body, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodySize+1))
	if err != nil {
		return nil, errors.New("failed to read request body")
	}
	if int64(len(body)) > h.maxBodySize {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

func parsePayloads(body []byte) ([]RequestPayload, bool, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, false, errors.New("empty request body")
	}

	if body[0] == '[' {
		var payloads []RequestPayload
		if err := json.Unmarshal(body, &payloads); err != nil {
			return nil, false, errors.New("invalid JSON")
		}
		if len(payloads) == 0 {
			return nil, false, errors.New("empty batch")
		}
		return payloads, true, nil
	}

	var p RequestPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, false, errors.New("invalid JSON")
	}
	return []RequestPayload{p}, false, nil
}

func toOptions(p RequestPayload) coordinator.RequestOptions {
	opts := coordinator.RequestOptions{
		URL:        p.URL,
		Method:     p.Method,
		Priority:   p.Priority,
		BatchKey:   p.BatchKey,
		Timeout:    time.Duration(p.TimeoutMs) * time.Millisecond,
		MaxRetries: p.MaxRetries,
	}
	if len(p.Headers) > 0 {
		opts.Header = http.Header(p.Headers)
	}
	if len(p.Body) > 0 && !bytes.Equal(p.Body, []byte("null")) {
		opts.Body = p.Body
	}
	return opts
}

func errorPayload(err error) *ErrorPayload {
	var (
		te  *pending.TimeoutError
		tre *pending.TransportError
	)
	switch {
	case errors.As(err, &te):
		return &ErrorPayload{Kind: "timeout", Message: err.Error(), ElapsedMs: te.Elapsed.Milliseconds()}
	case errors.Is(err, pending.ErrSuperseded):
		return &ErrorPayload{Kind: "superseded", Message: err.Error()}
	case pending.IsAborted(err), errors.Is(err, context.Canceled):
		return &ErrorPayload{Kind: "cancelled", Message: err.Error()}
	case errors.As(err, &tre):
		return &ErrorPayload{Kind: "transport", Message: err.Error(), Status: tre.StatusCode, Attempts: tre.Attempts}
	case errors.Is(err, coordinator.ErrClosed), errors.Is(err, retry.ErrClosed):
		return &ErrorPayload{Kind: "closed", Message: err.Error()}
	default:
		return &ErrorPayload{Kind: "internal", Message: err.Error()}
	}
}

func statusFor(res ResultPayload) int {
	if res.Error == nil {
		return http.StatusOK
	}
	switch res.Error.Kind {
	case "timeout":
		return http.StatusGatewayTimeout
	case "superseded", "cancelled":
		return http.StatusConflict
	case "transport":
		return http.StatusBadGateway
	case "closed":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
