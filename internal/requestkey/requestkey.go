// Package requestkey derives the identity used to match duplicate requests.
//
// A key has the form METHOD:URL[:digest]. The digest is a truncated sha256 of
// the canonical JSON encoding of the body (object keys sorted), so two bodies
// that differ only in key order produce the same key.
package requestkey

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// uniqueSeq feeds the fallback digest for bodies that cannot be serialized
var uniqueSeq atomic.Uint64

// Build returns the request key for method, url and body.
// A nil body produces a key without a digest segment.
func Build(method, url string, body any) string {
	key := strings.ToUpper(method) + ":" + url
	if body == nil {
		return key
	}

	digest, err := Digest(body)
	if err != nil {
		// never merge requests whose bodies we could not inspect
		return fmt.Sprintf("%s:unique-%d", key, uniqueSeq.Add(1))
	}
	return key + ":" + digest
}

// Digest returns the structural hash of body
func Digest(body any) (string, error) {
	canonical, err := Canonicalize(body)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(canonical)
	return hex.EncodeToString(hash[:16]), nil
}

// Canonicalize encodes body as JSON with object keys sorted at every level.
// Raw byte bodies are decoded first; bytes that are not JSON are hashed as-is.
func Canonicalize(body any) ([]byte, error) {
	var raw []byte
	switch b := body.(type) {
	case json.RawMessage:
		raw = b
	case []byte:
		raw = b
	case string:
		raw = []byte(b)
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize body: %w", err)
		}
		raw = encoded
	}

	// numbers stay json.Number so large integers keep every digit
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var data interface{}
	if err := dec.Decode(&data); err != nil || dec.More() {
		return raw, nil
	}

	result, err := json.Marshal(normalizeValue(data))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize body: %w", err)
	}
	return result, nil
}

// normalizeValue recursively normalizes a JSON value
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return normalizeMap(val)
	case []interface{}:
		return normalizeArray(val)
	default:
		return val
	}
}

// normalizeMap normalizes a map by sorting keys
func normalizeMap(m map[string]interface{}) map[string]interface{} {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make(map[string]interface{}, len(m))
	for _, k := range keys {
		result[k] = normalizeValue(m[k])
	}
	return result
}

// normalizeArray normalizes an array
func normalizeArray(arr []interface{}) []interface{} {
	result := make([]interface{}, len(arr))
	for i, v := range arr {
		result[i] = normalizeValue(v)
	}
	return result
}
