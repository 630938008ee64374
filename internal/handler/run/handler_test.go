package run

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/arc-relay/backend/internal/model/run"
	"github.com/zhouzirui/arc-relay/backend/internal/model/stream"
	"github.com/zhouzirui/arc-relay/backend/internal/service/history"
	"github.com/zhouzirui/arc-relay/backend/internal/service/session"
)

type fakeSessions []session.Info

func (f fakeSessions) List() []session.Info { return f }

type fakePending int

func (f fakePending) PendingCount() int { return int(f) }

func setupRouter(t *testing.T) *chi.Mux {
	t.Helper()
	store := history.NewMemoryStore(10)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []run.Record{
		{ID: "r1", Feature: "poetiq", TaskID: "007bbfb7", Status: stream.StatusCompleted, StartedAt: base, EndedAt: base.Add(time.Minute)},
		{ID: "r2", Feature: "saturn", TaskID: "007bbfb7", Status: stream.StatusFailed, StartedAt: base.Add(time.Hour), EndedAt: base.Add(2 * time.Hour)},
		{ID: "r3", Feature: "poetiq", TaskID: "00d62c1b", Status: stream.StatusCancelled, StartedAt: base.Add(3 * time.Hour), EndedAt: base.Add(3 * time.Hour)},
	}
	for _, rec := range records {
		if err := store.Save(context.Background(), rec); err != nil {
			t.Fatalf("Save err: %v", err)
		}
	}

	handler := New(store, fakeSessions{{ID: "live", Feature: "grover", Status: stream.StatusRunning}}, fakePending(2))
	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	handler.RegisterAdminRoutes(r)
	return r
}

func decodeRuns(t *testing.T, resp *httptest.ResponseRecorder) []run.Record {
	t.Helper()
	var out []run.Record
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	return out
}

func TestListRunsFilters(t *testing.T) {
	r := setupRouter(t)

	cases := []struct {
		query string
		want  []string
	}{
		{"", []string{"r3", "r2", "r1"}},
		{"?feature=poetiq", []string{"r3", "r1"}},
		{"?taskId=007bbfb7&status=failed", []string{"r2"}},
		{"?limit=1", []string{"r3"}},
	}

	for _, tc := range cases {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/runs"+tc.query, nil))
		if resp.Code != http.StatusOK {
			t.Fatalf("%q: expected 200, got %d", tc.query, resp.Code)
		}

		got := decodeRuns(t, resp)
		if len(got) != len(tc.want) {
			t.Fatalf("%q: expected %v, got %d records", tc.query, tc.want, len(got))
		}
		for i, id := range tc.want {
			if got[i].ID != id {
				t.Fatalf("%q: expected %v at %d, got %s", tc.query, tc.want, i, got[i].ID)
			}
		}
	}
}

func TestListRunsRejectsBadQuery(t *testing.T) {
	r := setupRouter(t)

	for _, query := range []string{"?limit=abc", "?limit=-1", "?status=running"} {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/runs"+query, nil))
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("%q: expected 400, got %d", query, resp.Code)
		}
	}
}

func TestGetRun(t *testing.T) {
	r := setupRouter(t)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/runs/r2", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/runs/missing", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestListSessions(t *testing.T) {
	r := setupRouter(t)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/admin/sessions", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var body struct {
		Active  []session.Info `json:"active"`
		Count   int            `json:"count"`
		Pending int            `json:"pending"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if body.Count != 1 || body.Active[0].ID != "live" || body.Pending != 2 {
		t.Fatalf("unexpected admin body %+v", body)
	}
}
