package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func successResponse(text string) generateResponse {
	return generateResponse{
		Candidates: []struct {
			Content struct {
				Parts []part `json:"parts"`
			} `json:"content"`
		}{
			{Content: struct {
				Parts []part `json:"parts"`
			}{Parts: []part{{Text: text}}}},
		},
	}
}

func TestClient_Call_Success(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(successResponse("hello"))
	})

	client, err := New(srv.URL, []string{"key-a"}, nil)
	require.NoError(t, err)

	text, _, err := client.Call(context.Background(), "gemini-1.5-flash", []Message{{Role: "user", Content: "hi"}}, "", ComplexitySimple, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestClient_Call_KeyFairness(t *testing.T) {
	var counts sync.Map

	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		v, _ := counts.LoadOrStore(key, new(atomic.Int64))
		v.(*atomic.Int64).Add(1)
		_ = json.NewEncoder(w).Encode(successResponse("ok"))
	})

	keys := []string{"k1", "k2", "k3"}
	client, err := New(srv.URL, keys, nil)
	require.NoError(t, err)

	const n = 30
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := client.Call(context.Background(), "m", []Message{{Role: "user", Content: "x"}}, "", ComplexitySimple, 0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, k := range keys {
		v, ok := counts.Load(k)
		require.True(t, ok, "key %s never used", k)
		assert.GreaterOrEqual(t, v.(*atomic.Int64).Load(), int64(n/len(keys)))
	}
}

func TestClient_Call_QuotaFailover(t *testing.T) {
	var calls atomic.Int64
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		key := r.URL.Query().Get("key")
		if (key == "k1" || key == "k2") && n <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"quota exceeded"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(successResponse("third key worked"))
	})

	client, err := New(srv.URL, []string{"k1", "k2", "k3"}, nil)
	require.NoError(t, err)

	text, _, err := client.Call(context.Background(), "m", []Message{{Role: "user", Content: "x"}}, "", ComplexitySimple, 6)
	require.NoError(t, err)
	assert.Equal(t, "third key worked", text)
}

func TestClient_Call_SafetyBlockedNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		resp := generateResponse{PromptFeedback: &struct {
			BlockReason string `json:"blockReason"`
		}{BlockReason: "SAFETY"}}
		_ = json.NewEncoder(w).Encode(resp)
	})

	client, err := New(srv.URL, []string{"k1"}, nil)
	require.NoError(t, err)

	text, usage, err := client.Call(context.Background(), "m", []Message{{Role: "user", Content: "x"}}, "", ComplexitySimple, 5)
	require.NoError(t, err)
	assert.Equal(t, safetyBlockedMarker, text)
	assert.Equal(t, Usage{}, usage)
	assert.Equal(t, int64(1), calls.Load())
}

func TestClient_Call_AllKeysExhausted(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})

	client, err := New(srv.URL, []string{"k1", "k2"}, nil)
	require.NoError(t, err)

	_, _, err = client.Call(context.Background(), "m", []Message{{Role: "user", Content: "x"}}, "", ComplexitySimple, 2)
	require.Error(t, err)
	var exhausted *AllKeysExhaustedError
	require.ErrorAs(t, err, &exhausted)
}

func TestNew_RequiresKeys(t *testing.T) {
	_, err := New("http://example.com", nil, nil)
	assert.Error(t, err)
}
