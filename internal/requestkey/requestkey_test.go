package requestkey

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_NoBody(t *testing.T) {
	assert.Equal(t, "GET:https://api.test/items", Build("get", "https://api.test/items", nil))
}

func TestBuild_KeyOrderIndependent(t *testing.T) {
	a := Build("POST", "/graphql", map[string]any{"query": "q", "variables": map[string]any{"a": 1, "b": 2}})
	b := Build("POST", "/graphql", json.RawMessage(`{"variables":{"b":2,"a":1},"query":"q"}`))
	assert.Equal(t, a, b)
}

func TestBuild_DifferentBodies(t *testing.T) {
	a := Build("POST", "/items", map[string]any{"id": 1})
	b := Build("POST", "/items", map[string]any{"id": 2})
	assert.NotEqual(t, a, b)
}

func TestBuild_DifferentMethods(t *testing.T) {
	assert.NotEqual(t, Build("GET", "/items", nil), Build("DELETE", "/items", nil))
}

func TestBuild_UnserializableBodyIsUnique(t *testing.T) {
	body := map[string]any{"ch": make(chan int)}
	a := Build("POST", "/items", body)
	b := Build("POST", "/items", body)
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "POST:/items:unique-"))
}

func TestCanonicalize_NonJSONBytes(t *testing.T) {
	out, err := Canonicalize([]byte("plain text"))
	require.NoError(t, err)
	assert.Equal(t, "plain text", string(out))
}

func TestDigest_Stable(t *testing.T) {
	type payload struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	d1, err := Digest(payload{A: 1, B: 2})
	require.NoError(t, err)
	d2, err := Digest(map[string]int{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 32)
}

func TestBuild_LargeIntegersKeepPrecision(t *testing.T) {
	a := Build("POST", "/orders", json.RawMessage(`{"id":9007199254740993}`))
	b := Build("POST", "/orders", json.RawMessage(`{"id":9007199254740992}`))
	assert.NotEqual(t, a, b)

	out, err := Canonicalize(json.RawMessage(`{"z":1,"id":9007199254740993}`))
	require.NoError(t, err)
	assert.Equal(t, `{"id":9007199254740993,"z":1}`, string(out))
}
