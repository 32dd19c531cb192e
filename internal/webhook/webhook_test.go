package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoflow/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func webhookSchedule(id string, data Data) *types.Schedule {
	raw, _ := json.Marshal(data)
	return &types.Schedule{ID: id, Type: ScheduleType, Data: raw}
}

func awaitPrepare(t *testing.T, d *Driver, s *types.Schedule) types.PrepareResult {
	t.Helper()
	results := make(chan types.PrepareResult, 1)
	d.PrepareSchedule(context.Background(), s, nil, func(r types.PrepareResult) {
		results <- r
	})
	select {
	case r := <-results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("prepare never reported a result")
		return ""
	}
}

func awaitExecute(t *testing.T, d *Driver, s *types.Schedule) {
	t.Helper()
	done := make(chan struct{})
	d.ExecuteSchedule(s, func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("execute never reported completion")
	}
}

func TestDriver_PrepareSchedule_AcceptsValidPayload(t *testing.T) {
	d := New(nil, "", testLogger())
	s := webhookSchedule("s1", Data{URL: "https://hooks.example/receiver"})
	assert.Equal(t, types.PrepareContinue, awaitPrepare(t, d, s))
}

func TestDriver_PrepareSchedule_CancelsOnInvalidPayload(t *testing.T) {
	d := New(nil, "", testLogger())

	s := webhookSchedule("s1", Data{})
	assert.Equal(t, types.PrepareCancel, awaitPrepare(t, d, s), "missing url")

	s = &types.Schedule{ID: "s2", Type: ScheduleType, Data: json.RawMessage(`not json`)}
	assert.Equal(t, types.PrepareCancel, awaitPrepare(t, d, s), "unparseable data")
}

func TestDriver_ExecuteSchedule_DeliversSignedRequest(t *testing.T) {
	type capture struct {
		header http.Header
		body   []byte
	}
	got := make(chan capture, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- capture{header: r.Header.Clone(), body: body}
	}))
	defer srv.Close()

	d := New(srv.Client(), "Autoflow-Test/1.0", testLogger())
	body := json.RawMessage(`{"event":"signup"}`)
	s := webhookSchedule("s1", Data{
		URL:     srv.URL,
		Headers: map[string]string{"X-Team": "growth"},
		Body:    body,
		Secret:  "hunter2",
	})

	awaitExecute(t, d, s)

	var c capture
	select {
	case c = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the delivery")
	}

	assert.JSONEq(t, string(body), string(c.body))
	assert.Equal(t, "application/json", c.header.Get("Content-Type"))
	assert.Equal(t, "Autoflow-Test/1.0", c.header.Get("User-Agent"))
	assert.Equal(t, "growth", c.header.Get("X-Team"))
	assert.Equal(t, "s1", c.header.Get("X-Autoflow-Schedule"))

	mac := hmac.New(sha256.New, []byte("hunter2"))
	mac.Write(body)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), c.header.Get("X-Autoflow-Signature"))
}

func TestDriver_ExecuteSchedule_EmptyBodyDefaultsToObject(t *testing.T) {
	got := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- body
	}))
	defer srv.Close()

	d := New(srv.Client(), "", testLogger())
	awaitExecute(t, d, webhookSchedule("s1", Data{URL: srv.URL}))

	select {
	case body := <-got:
		assert.JSONEq(t, `{}`, string(body))
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the delivery")
	}
}

func TestDriver_ExecuteSchedule_CompletesDespiteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New(srv.Client(), "", testLogger())
	// done must fire even when delivery fails; the engine counts the
	// execution either way to avoid duplicate deliveries.
	awaitExecute(t, d, webhookSchedule("s1", Data{URL: srv.URL}))
}

func TestDriver_CheckReadiness_NotReadyWhileBreakerOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := New(srv.Client(), "", testLogger())
	s := webhookSchedule("s1", Data{URL: srv.URL})
	require.Equal(t, types.ReadyContinue, d.CheckReadiness(s))

	for i := 0; i < 6; i++ {
		awaitExecute(t, d, s)
	}

	assert.Equal(t, types.ReadyNotReady, d.CheckReadiness(s))
}
