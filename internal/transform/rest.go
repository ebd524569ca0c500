package transform

import (
	"errors"
	"fmt"
	"net/http"

	"reqcoord/internal/pending"
	"reqcoord/internal/transport"
)

// IDExtractor returns the identifier a REST item is tagged with
type IDExtractor func(r *pending.Request) (interface{}, error)

// REST posts {"items": [...]} where each item is a request body tagged with an id
type REST struct {
	URL       string
	Method    string
	ExtractID IDExtractor
}

// NewREST creates a REST item-array combiner for url
func NewREST(url string, extract IDExtractor) *REST {
	return &REST{URL: url, Method: http.MethodPost, ExtractID: extract}
}

// FieldID extracts the id from a top-level field of the request body
func FieldID(field string) IDExtractor {
	return func(r *pending.Request) (interface{}, error) {
		var body map[string]interface{}
		if err := decodeBody(r.Body, &body); err != nil {
			return nil, err
		}
		id, ok := body[field]
		if !ok {
			return nil, fmt.Errorf("body has no %q field", field)
		}
		return id, nil
	}
}

// Combine implements Transformer
func (t *REST) Combine(requests []*pending.Request) (*transport.Call, error) {
	if len(requests) == 0 {
		return nil, errors.New("no requests to combine")
	}
	if t.ExtractID == nil {
		return nil, errors.New("rest transformer has no id extractor")
	}

	items := make([]map[string]interface{}, 0, len(requests))
	for _, r := range requests {
		item := make(map[string]interface{})
		if r.Body != nil {
			var decoded interface{}
			if err := decodeBody(r.Body, &decoded); err != nil {
				return nil, fmt.Errorf("request %d: %w", r.ID, err)
			}
			if obj, ok := decoded.(map[string]interface{}); ok {
				item = obj
			} else if decoded != nil {
				item["data"] = decoded
			}
		}

		id, err := t.ExtractID(r)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", r.ID, err)
		}
		item["id"] = id
		items = append(items, item)
	}

	url := t.URL
	if url == "" {
		url = requests[0].URL
	}
	method := t.Method
	if method == "" {
		method = http.MethodPost
	}

	return transport.NewCall(url, method, firstHeader(requests), map[string]interface{}{
		"items": items,
	})
}

// Split implements Transformer
func (t *REST) Split(resp *transport.Response, requests []*pending.Request) ([]*pending.Result, error) {
	return splitPositional(resp, len(requests))
}
