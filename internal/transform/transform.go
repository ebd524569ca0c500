// Package transform combines a batch of requests into one wire call and
// splits the reply back into one result per request.
//
// Both built-in strategies share the uniform fallback: when the reply does
// not have a recognizable per-request shape, every request receives the
// whole payload.
package transform

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	txmap "github.com/bsv-blockchain/go-tx-map"

	"reqcoord/internal/pending"
	"reqcoord/internal/transport"
)

// Transformer is bound to a batch key
type Transformer interface {
	// Combine builds one outbound call from the active requests of a batch
	Combine(requests []*pending.Request) (*transport.Call, error)
	// Split maps the reply to one result per request, in request order
	Split(resp *transport.Response, requests []*pending.Request) ([]*pending.Result, error)
}

// Registry maps batch keys to transformers
type Registry struct {
	transformers *txmap.SyncedMap[string, Transformer]
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{transformers: txmap.NewSyncedMap[string, Transformer]()}
}

// Register binds t to key, replacing any previous transformer
func (r *Registry) Register(key string, t Transformer) {
	r.transformers.Set(key, t)
}

// Unregister removes the transformer bound to key
func (r *Registry) Unregister(key string) {
	r.transformers.Delete(key)
}

// Get returns the transformer bound to key
func (r *Registry) Get(key string) (Transformer, bool) {
	return r.transformers.Get(key)
}

// Keys returns the batch keys that have a transformer
func (r *Registry) Keys() []string {
	all := r.transformers.Range()
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// splitPositional decodes a reply into per-request results. A bare array or
// an object with a "results" array of matching length maps by position;
// anything else falls back to the whole payload for every request.
func splitPositional(resp *transport.Response, n int) ([]*pending.Result, error) {
	var payload interface{}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse batch reply: %w", err)
	}

	var items []interface{}
	switch v := payload.(type) {
	case []interface{}:
		items = v
	case map[string]interface{}:
		if results, ok := v["results"].([]interface{}); ok {
			items = results
		}
	}

	out := make([]*pending.Result, n)
	if items != nil && len(items) == n {
		for i, item := range items {
			raw, err := json.Marshal(item)
			if err != nil {
				return nil, fmt.Errorf("failed to encode result %d: %w", i, err)
			}
			out[i] = newResult(resp, raw, item)
		}
		return out, nil
	}

	// uniform fallback
	for i := range out {
		out[i] = newResult(resp, resp.Body, payload)
	}
	return out, nil
}

func newResult(resp *transport.Response, raw []byte, data interface{}) *pending.Result {
	return &pending.Result{
		StatusCode:  resp.StatusCode,
		ContentType: transport.ContentTypeJSON,
		Header:      resp.Header,
		Body:        raw,
		Data:        data,
	}
}

// decodeBody converts any request body into v through its JSON form
func decodeBody(body interface{}, v interface{}) error {
	data, err := transport.EncodeBody(body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode request body: %w", err)
	}
	return nil
}

// firstHeader returns the header of the first request, used for the combined call
func firstHeader(requests []*pending.Request) http.Header {
	if len(requests) == 0 {
		return nil
	}
	return requests[0].Header
}
