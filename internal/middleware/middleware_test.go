package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestCORSAllowsListedOrigin(t *testing.T) {
	h := CORS([]string{"http://localhost:5173/"})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/features", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("expected origin to be echoed, got %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	h := CORS([]string{"http://localhost:5173"})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/features", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS header, got %q", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"*"})(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/api/stream/poetiq", nil)
	req.Header.Set("Origin", "http://anything.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://anything.example" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestAdminOnly(t *testing.T) {
	cases := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"disabled", "", "anything", http.StatusNotFound},
		{"missing header", "secret", "", http.StatusUnauthorized},
		{"wrong token", "secret", "nope", http.StatusUnauthorized},
		{"valid", "secret", "secret", http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := AdminOnly(tc.token)(okHandler)
			req := httptest.NewRequest(http.MethodGet, "/api/admin/sessions", nil)
			if tc.header != "" {
				req.Header.Set(AdminTokenHeader, tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestRateLimitRejectsBurstOverflow(t *testing.T) {
	h := RateLimit(0.001, 2)(okHandler)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/stream/poetiq", nil))
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
			t.Fatalf("expected Retry-After header on 429")
		}
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence %v", codes)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	h := RateLimit(0, 0)(okHandler)
	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}
