package keepsakesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsCredentialsAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v0/queue/reorder":
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, map[string]string{"positions": "2", "to": "top"}, body)
			json.NewEncoder(w).Encode(map[string]any{"pending": []string{"B", "A"}})
		case "/v0/events":
			assert.Equal(t, "7", r.URL.Query().Get("cursor"))
			assert.Equal(t, "2", r.URL.Query().Get("limit"))
			json.NewEncoder(w).Encode(map[string]any{"items": []map[string]any{{"id": 6, "type": "file.recorded"}}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k"
	pending, err := c.Reorder(context.Background(), "2", "top")
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, pending)

	page, err := c.EventsPage(context.Background(), 2, "7")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "file.recorded", page.Items[0].Type)
}

func TestClientSurfacesBusyQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"queue_busy","message":"queue in use, retry"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).ClearCompleted(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.True(t, apiErr.Busy())
	assert.Equal(t, "queue in use, retry", apiErr.Message)
}
