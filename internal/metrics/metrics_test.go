package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard https", "https://Shop.Example.com/path", "shop.example.com"},
		{"no scheme", "shop.example/path", "shop.example"},
		{"host with port", "shop.example:8080", "shop.example"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestObserveAgentAndArtifacts(t *testing.T) {
	Init()
	Init()

	steps := testutil.ToFloat64(crawlerAgentStepsTotal)
	tokens := testutil.ToFloat64(crawlerAgentInputTokensTotal)
	ObserveAgent(12, 4000)
	ObserveAgent(0, 0)
	require.Equal(t, steps+12, testutil.ToFloat64(crawlerAgentStepsTotal))
	require.Equal(t, tokens+4000, testutil.ToFloat64(crawlerAgentInputTokensTotal))

	bytes := testutil.ToFloat64(crawlerArtifactBytesTotal.WithLabelValues("network"))
	ObserveArtifact("network", 2048)
	require.Equal(t, bytes+2048, testutil.ToFloat64(crawlerArtifactBytesTotal.WithLabelValues("network")))

	failures := testutil.ToFloat64(crawlerPostProcessErrors.WithLabelValues("publish"))
	ObservePostProcessError("publish")
	require.Equal(t, failures+1, testutil.ToFloat64(crawlerPostProcessErrors.WithLabelValues("publish")))

	ObserveRateLimitDelay(250 * time.Millisecond)
	require.Equal(t, 1, testutil.CollectAndCount(crawlerRateLimitDelay))
}

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/probe", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/probe", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418")))
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://shop.example", "https://store.example", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
