package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/contextmem-go/pkg/embedder/openai"
)

func TestClient_EmbedBatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input      []string `json:"input"`
			Model      string   `json:"model"`
			Dimensions int      `json:"dimensions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-embed", req.Model)
		assert.Equal(t, 2, req.Dimensions)

		// Reply out of order to check the index-based placement.
		data := make([]map[string]interface{}, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]interface{}{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{float32(i), 1},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"model":  req.Model,
			"data":   data,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := openai.NewClient(&openai.Config{
		APIKey:     "test",
		BaseURL:    srv.URL,
		Model:      "test-embed",
		Dimensions: 2,
	})
	require.NoError(t, err)

	vectors, err := client.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, []float32{0, 1}, vectors[0])
	assert.Equal(t, []float32{2, 1}, vectors[2])
	assert.Equal(t, 2, client.Dimensions())

	single, err := client.Embed(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, single)
}

func TestClient_EmbedBatchEmpty(t *testing.T) {
	client, err := openai.NewClient(&openai.Config{APIKey: "test", BaseURL: "http://unused"})
	require.NoError(t, err)

	vectors, err := client.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
	assert.Equal(t, 1536, client.Dimensions())
}

func TestClient_DefaultDimensionsNotSent(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"data": []map[string]interface{}{
				{"object": "embedding", "index": 0, "embedding": []float32{1}},
			},
		})
	}))
	defer srv.Close()

	client, err := openai.NewClient(&openai.Config{APIKey: "test", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), "a")
	require.NoError(t, err)
	assert.NotContains(t, body, "dimensions")
	assert.Equal(t, 1536, client.Dimensions())
}
