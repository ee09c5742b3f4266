package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL, APIKey: "test-key", Dimension: 4})
	require.NoError(t, err)
	return client
}

func TestEmbedBatch(t *testing.T) {
	var captured embeddingRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"embedding": []float32{1, 0, 0, 0}, "index": 0},
				{"embedding": []float32{0, 1, 0, 0}, "index": 1},
			},
		})
	})

	vectors, err := client.Embed(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{1, 0, 0, 0}, vectors[0])
	assert.Equal(t, []string{"alpha", "beta"}, captured.Input)
	assert.Equal(t, "qwen/qwen3-embedding-8b", captured.Model)
}

func TestEmbedSingleEmptyInput(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("empty input must not reach the API")
	})

	vector, err := client.EmbedSingle(context.Background(), "   ")
	require.NoError(t, err)
	assert.Nil(t, vector)
}

func TestEmbedAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	})

	_, err := client.Embed(context.Background(), []string{"x"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.HTTPStatus())
}

func TestMockClientDeterministic(t *testing.T) {
	mock := NewMockClient(8)

	v1, err := mock.EmbedSingle(context.Background(), "hello world")
	require.NoError(t, err)
	v2, err := mock.EmbedSingle(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Len(t, v1, 8)
	assert.Equal(t, 2, mock.Calls())

	// Vectors come back unit length.
	var sum float64
	for _, x := range v1 {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)

	empty, err := mock.EmbedSingle(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, empty)
}
