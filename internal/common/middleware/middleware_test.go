package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryIdempotencyStore struct {
	responses map[string][]byte
}

func newMemoryIdempotencyStore() *memoryIdempotencyStore {
	return &memoryIdempotencyStore{responses: make(map[string][]byte)}
}

func (s *memoryIdempotencyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, ok := s.responses[key]
	return resp, ok, nil
}

func (s *memoryIdempotencyStore) Set(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	s.responses[key] = response
	return nil
}

func TestIdempotency(t *testing.T) {
	newServer := func(store IdempotencyStore, handler http.HandlerFunc) http.Handler {
		return Idempotency(store, time.Minute)(handler)
	}

	post := func(h http.Handler, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/charges", strings.NewReader("{}"))
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	t.Run("should replay the cached response on a repeated key", func(t *testing.T) {
		calls := 0
		h := newServer(newMemoryIdempotencyStore(), func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"ch_1"}`))
		})

		first := post(h, "key-1")
		assert.Equal(t, http.StatusCreated, first.Code)
		assert.Empty(t, first.Header().Get("X-Idempotency-Replayed"))

		second := post(h, "key-1")
		assert.Equal(t, "true", second.Header().Get("X-Idempotency-Replayed"))
		assert.Equal(t, `{"id":"ch_1"}`, second.Body.String())
		assert.Equal(t, 1, calls)
	})

	t.Run("should cache responses with an implicit 200 status", func(t *testing.T) {
		calls := 0
		h := newServer(newMemoryIdempotencyStore(), func(w http.ResponseWriter, r *http.Request) {
			calls++
			// No WriteHeader call; net/http sends 200 on first Write.
			_, _ = w.Write([]byte(`{"id":"ch_2"}`))
		})

		first := post(h, "key-2")
		require.Equal(t, http.StatusOK, first.Code)

		second := post(h, "key-2")
		assert.Equal(t, "true", second.Header().Get("X-Idempotency-Replayed"))
		assert.Equal(t, `{"id":"ch_2"}`, second.Body.String())
		assert.Equal(t, 1, calls)
	})

	t.Run("should not cache error responses", func(t *testing.T) {
		calls := 0
		h := newServer(newMemoryIdempotencyStore(), func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusUnprocessableEntity)
		})

		post(h, "key-3")
		second := post(h, "key-3")
		assert.Empty(t, second.Header().Get("X-Idempotency-Replayed"))
		assert.Equal(t, 2, calls)
	})

	t.Run("should pass through requests without a key", func(t *testing.T) {
		calls := 0
		h := newServer(newMemoryIdempotencyStore(), func(w http.ResponseWriter, r *http.Request) {
			calls++
		})

		post(h, "")
		post(h, "")
		assert.Equal(t, 2, calls)
	})
}
