package transform

import (
	"errors"
	"fmt"
	"net/http"

	"reqcoord/internal/pending"
	"reqcoord/internal/transport"
)

// GraphQLOperation is the body of one GraphQL request
type GraphQLOperation struct {
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	OperationName string                 `json:"operationName,omitempty"`
}

// GraphQL multiplexes operations into {"operations": [...]} posted to one endpoint
type GraphQL struct {
	// URL of the multiplexing endpoint; empty uses the first request's URL
	URL string
	// Method defaults to POST
	Method string
}

// NewGraphQL creates a GraphQL multiplexer for url
func NewGraphQL(url string) *GraphQL {
	return &GraphQL{URL: url, Method: http.MethodPost}
}

// Combine implements Transformer
func (g *GraphQL) Combine(requests []*pending.Request) (*transport.Call, error) {
	if len(requests) == 0 {
		return nil, errors.New("no requests to combine")
	}

	ops := make([]GraphQLOperation, 0, len(requests))
	for _, r := range requests {
		var op GraphQLOperation
		if err := decodeBody(r.Body, &op); err != nil {
			return nil, fmt.Errorf("request %d: %w", r.ID, err)
		}
		if op.Query == "" {
			return nil, fmt.Errorf("request %d: query is required", r.ID)
		}
		ops = append(ops, op)
	}

	url := g.URL
	if url == "" {
		url = requests[0].URL
	}
	method := g.Method
	if method == "" {
		method = http.MethodPost
	}

	return transport.NewCall(url, method, firstHeader(requests), map[string]interface{}{
		"operations": ops,
	})
}

// Split implements Transformer
func (g *GraphQL) Split(resp *transport.Response, requests []*pending.Request) ([]*pending.Result, error) {
	return splitPositional(resp, len(requests))
}
