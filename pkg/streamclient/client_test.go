package streamclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFrame(w http.ResponseWriter, typ string, payload string) {
	fmt.Fprintf(w, "event: %s\ndata: {\"type\":%q,\"sessionId\":\"s1\",\"payload\":%s,\"timestamp\":1}\n\n", typ, typ, payload)
	w.(http.Flusher).Flush()
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
}

func TestStreamCompleted(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotQuery = r.URL.RawQuery
		sseHeaders(w)
		writeFrame(w, "start", `{}`)
		fmt.Fprint(w, ": keep-alive\n\n")
		writeFrame(w, "progress", `{"text":"thinking"}`)
		writeFrame(w, "final", `{"answer":[[1]]}`)
	}))
	defer srv.Close()

	var mu sync.Mutex
	var seen []Status
	client := New(srv.URL+"/api/", WithOnUpdate(func(s State) {
		mu.Lock()
		seen = append(seen, s.Status)
		mu.Unlock()
	}))

	state, err := client.Stream(context.Background(), "poetiq", StartRequest{
		TaskID:   "007bbfb7",
		ModelKey: "openai/gpt-5",
		Options:  map[string]any{"samples": 2},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, "thinking", state.Text)
	assert.Equal(t, "/api/stream/poetiq/007bbfb7/openai%2Fgpt-5", gotPath)
	assert.Contains(t, gotQuery, "options=")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StatusConnecting, seen[0])
	assert.Equal(t, StatusCompleted, seen[len(seen)-1])
}

func TestStreamServerFailureIsReportedInState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		writeFrame(w, "start", `{}`)
		writeFrame(w, "error", `{"message":"solver exited with code 1"}`)
	}))
	defer srv.Close()

	state, err := New(srv.URL).Stream(context.Background(), "poetiq", StartRequest{TaskID: "t", ModelKey: "m"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, "solver exited with code 1", state.Error)
}

func TestDroppedConnectionIsFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		writeFrame(w, "start", `{}`)
		writeFrame(w, "log", `{"message":"working"}`)
	}))
	defer srv.Close()

	state, err := New(srv.URL).Attach(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrStreamDropped)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Len(t, state.Logs, 1)
}

func TestRejectedStartReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"feature not found: nope"}`)
	}))
	defer srv.Close()

	state, err := New(srv.URL).Stream(context.Background(), "nope", StartRequest{TaskID: "t", ModelKey: "m"})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "feature not found: nope", apiErr.Message)
	assert.Equal(t, StatusFailed, state.Status)
}

func TestContextCancelIsCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		writeFrame(w, "start", `{}`)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := New(srv.URL, WithOnUpdate(func(s State) {
		if s.Status == StatusRunning {
			cancel()
		}
	}))

	done := make(chan State, 1)
	go func() {
		state, _ := client.Attach(ctx, "s1")
		done <- state
	}()

	select {
	case state := <-done:
		assert.Equal(t, StatusCancelled, state.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("Attach did not return after cancel")
	}
}

func TestPrepareAndCancel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /stream/grover", func(w http.ResponseWriter, r *http.Request) {
		var req StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID != "007bbfb7" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Pending{SessionID: "abc", Feature: "grover", TaskID: req.TaskID})
	})
	mux.HandleFunc("POST /stream/sessions/abc/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := New(srv.URL)
	pending, err := client.Prepare(context.Background(), "grover", StartRequest{TaskID: "007bbfb7", ModelKey: "gpt-5"})
	require.NoError(t, err)
	assert.Equal(t, "abc", pending.SessionID)

	require.NoError(t, client.Cancel(context.Background(), "abc"))

	var apiErr *APIError
	require.ErrorAs(t, client.Cancel(context.Background(), "missing"), &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
