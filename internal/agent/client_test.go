package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{
		Endpoint: srv.URL + "/",
		APIKey:   "secret",
		Settings: Settings{Model: "m", MaxSteps: 10, ExcludeActions: []string{"search_google"}},
	}, nil)
	require.NoError(t, err)
	return c
}

func TestRunStreamsStepsAndResult(t *testing.T) {
	t.Parallel()

	var got RunRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, RunsPath, r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"type":"step","step":{"number":1,"next_goal":"accept cookies","input_tokens":100}}`)
		fmt.Fprintln(w, `{"type":"heartbeat"}`)
		fmt.Fprintln(w, `{"type":"step","step":{"number":2,"next_goal":"checkout","input_tokens":150}}`)
		fmt.Fprintln(w, `{"type":"done","result":{"success":true,"final_result":"submitted","duration_seconds":12.5}}`)
	})

	var steps []crawler.AgentStep
	trace, err := c.Run(context.Background(), "http://127.0.0.1:9222", "T1", "do it", func(s crawler.AgentStep) {
		steps = append(steps, s)
	})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, "checkout", steps[1].NextGoal)
	require.False(t, steps[0].At.IsZero())
	require.Equal(t, 2, trace.Steps)
	require.Equal(t, int64(250), trace.InputTokens)
	require.True(t, trace.Success)
	require.Equal(t, "submitted", trace.FinalResult)
	require.Equal(t, 12500*time.Millisecond, trace.Duration)

	require.Equal(t, "http://127.0.0.1:9222", got.CDPURL)
	require.Equal(t, "T1", got.TargetID)
	require.Equal(t, "do it", got.Task)
	require.Equal(t, []string{"search_google"}, got.Settings.ExcludeActions)
}

func TestRunMapsRemoteErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]crawler.Status{
		ErrorKindNavigation: crawler.StatusNavigationError,
		ErrorKindAgent:      crawler.StatusAgentError,
	}
	for kind, want := range cases {
		t.Run(kind, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprintf(w, `{"type":"error","error":{"kind":%q,"message":"boom"}}`+"\n", kind)
			})
			_, err := c.Run(context.Background(), "u", "", "t", nil)
			require.Error(t, err)
			require.Equal(t, want, crawler.Classify(err))
		})
	}
}

func TestRunHTTPFailureIsAgentError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	_, err := c.Run(context.Background(), "u", "", "t", nil)
	require.ErrorIs(t, err, crawler.ErrAgent)
	require.Contains(t, err.Error(), "503")
}

func TestRunTruncatedStreamIsAgentError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"type":"step","step":{"number":1}}`)
	})
	trace, err := c.Run(context.Background(), "u", "", "t", nil)
	require.ErrorIs(t, err, crawler.ErrAgent)
	require.Equal(t, 1, trace.Steps)
}

func TestRunDeadlineIsTimeout(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"type":"step","step":{"number":1}}`)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	steps := 0
	_, err := c.Run(ctx, "u", "", "t", func(crawler.AgentStep) { steps++ })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, crawler.StatusTimedOut, crawler.Classify(err))
	require.Equal(t, 1, steps)
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{}, nil)
	require.Error(t, err)
}
