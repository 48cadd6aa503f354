package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func BenchmarkEnqueue(b *testing.B) {
	router := newTestRouter(testDeps{})
	body := `{"priority":"plan"}`

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodPost, "/feedsync/v1/queue/42/enqueue", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
	}
}

func BenchmarkListQueue(b *testing.B) {
	router := newTestRouter(testDeps{})

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodGet, "/feedsync/v1/queue?status=pending", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
	}
}
