package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoflow/internal/types"
)

func TestClient_Resolve_ReturnsPayload(t *testing.T) {
	var gotBody resolveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"audience_match":true,"payload":{"url":"https://hook"},"type":"webhook"}`))
	}))
	defer srv.Close()

	tc := &types.TriggerContext{
		Trigger: types.Trigger{ID: "t1", Type: types.TriggerForeground},
	}
	result, err := NewClient(srv.Client()).Resolve(context.Background(), srv.URL, tc)
	require.NoError(t, err)
	require.NotNil(t, result.AudienceMatch)
	assert.True(t, *result.AudienceMatch)
	assert.JSONEq(t, `{"url":"https://hook"}`, string(result.Payload))
	assert.Equal(t, "webhook", result.Type)

	require.NotNil(t, gotBody.TriggerContext)
	assert.Equal(t, "t1", gotBody.TriggerContext.Trigger.ID)
}

func TestClient_Resolve_AudienceMissPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"audience_match":false}`))
	}))
	defer srv.Close()

	result, err := NewClient(srv.Client()).Resolve(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	require.NotNil(t, result.AudienceMatch)
	assert.False(t, *result.AudienceMatch)
	assert.Empty(t, result.Payload)
}

func TestClient_Resolve_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.Client()).Resolve(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestClient_Resolve_ThrottlingIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient(srv.Client()).Resolve(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestClient_Resolve_ClientErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(srv.Client()).Resolve(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestClient_Resolve_TimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	client := NewClient(&http.Client{Timeout: 50 * time.Millisecond})
	_, err := client.Resolve(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestClient_Resolve_MalformedBodyIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.Client()).Resolve(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestClient_Resolve_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.Client())
	for i := 0; i < 6; i++ {
		_, err := client.Resolve(context.Background(), srv.URL, nil)
		require.Error(t, err)
	}

	_, err := client.Resolve(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "circuit open")
}
