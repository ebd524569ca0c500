// Package transport performs the actual network calls for the coordinator.
//
// A Sender is cancellable through its context and reports cancellation as an
// error matching context.Canceled or context.DeadlineExceeded, so callers can
// tell an abort from any other failure. Non-2xx statuses are not errors at
// this level: the Response carries the status for the caller to interpret.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
)

// ContentTypeJSON is attached to outbound calls unless the caller overrides it
const ContentTypeJSON = "application/json"

// Call is one outbound wire call
type Call struct {
	URL    string
	Method string
	Header http.Header
	Body   []byte
}

// Response is the raw reply to a Call
type Response struct {
	StatusCode  int
	ContentType string
	Header      http.Header
	Body        []byte
}

// Sender performs calls
type Sender interface {
	Send(ctx context.Context, call *Call) (*Response, error)
}

// SenderFunc adapts a function to Sender
type SenderFunc func(ctx context.Context, call *Call) (*Response, error)

// Send calls f
func (f SenderFunc) Send(ctx context.Context, call *Call) (*Response, error) {
	return f(ctx, call)
}

// IsSuccess returns true for 2xx statuses
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsJSON returns true if the declared content type is JSON
func (r *Response) IsJSON() bool {
	mediaType, _, err := mime.ParseMediaType(r.ContentType)
	if err != nil {
		return strings.Contains(r.ContentType, "json")
	}
	return mediaType == ContentTypeJSON || strings.HasSuffix(mediaType, "+json")
}

// Decode parses the body by content type: JSON when declared, raw text otherwise
func (r *Response) Decode() (interface{}, error) {
	if !r.IsJSON() {
		return string(r.Body), nil
	}
	if len(r.Body) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return v, nil
}

// IsAbort reports whether err came from cancelling the call's context
func IsAbort(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Aborted reports whether err is the result of ctx itself being cancelled.
// A client-side deadline (http.Client.Timeout) matches IsAbort but leaves
// ctx live, so it stays an ordinary transport failure.
func Aborted(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil && IsAbort(err)
}

// EncodeBody turns a request body into wire bytes.
// Byte slices and strings pass through, everything else is JSON encoded.
func EncodeBody(body interface{}) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		return data, nil
	}
}

// NewCall builds a call with the default JSON content type applied
func NewCall(url, method string, header http.Header, body interface{}) (*Call, error) {
	data, err := EncodeBody(body)
	if err != nil {
		return nil, err
	}

	h := make(http.Header, len(header)+1)
	for k, v := range header {
		h[k] = append([]string(nil), v...)
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", ContentTypeJSON)
	}

	return &Call{
		URL:    url,
		Method: strings.ToUpper(method),
		Header: h,
		Body:   data,
	}, nil
}
