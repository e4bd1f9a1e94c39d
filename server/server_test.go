package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/vizagent/metrics"
	"github.com/martinemde/vizagent/pipeline"
	"github.com/martinemde/vizagent/stream"
)

type runnerFunc func(ctx context.Context, query string, obs pipeline.Observer) (*pipeline.Outcome, error)

func (f runnerFunc) Run(ctx context.Context, query string, obs pipeline.Observer) (*pipeline.Outcome, error) {
	return f(ctx, query, obs)
}

func newPipeline(t *testing.T, analyze pipeline.AnalyzerFunc) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(
		pipeline.ClassifierFunc(func(ctx context.Context, q string) (pipeline.Classification, error) {
			return pipeline.Classification{QueryType: pipeline.QueryGeneral, Reasoning: "no data needed"}, nil
		}),
		pipeline.RetrieverFunc(func(ctx context.Context, q string, qt pipeline.QueryType, e []string) (*pipeline.RetrievedData, error) {
			return nil, nil
		}),
		analyze,
		pipeline.ValidatorFunc(func(ctx context.Context, q, a, d string) (pipeline.Verdict, error) {
			return pipeline.Verdict{Status: pipeline.StatusApproved, Confidence: 0.9}, nil
		}),
	)
	require.NoError(t, err)
	return p
}

func answer(text string) pipeline.AnalyzerFunc {
	return func(ctx context.Context, in pipeline.AnalyzeInput) (pipeline.Analysis, error) {
		for _, word := range strings.SplitAfter(text, " ") {
			in.Tokens(word)
		}
		return pipeline.Analysis{Content: text}, nil
	}
}

func newTestServer(t *testing.T, r Runner, opts ...Option) *httptest.Server {
	t.Helper()
	s := New(r, Info{Environment: "development", Model: "gpt-4o-mini", MaxIterations: 3, MaxCSVRows: 50}, opts...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := srv.Client().Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func eventTypes(events []stream.Event) []stream.Type {
	out := make([]stream.Type, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestChatStreams(t *testing.T) {
	srv := newTestServer(t, newPipeline(t, answer("Hello there")))

	resp := post(t, srv, "/api/chat", `{"message":"say hello"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	events, err := stream.ReadAll(resp.Body)
	require.NoError(t, err)
	types := eventTypes(events)
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, []stream.Type{stream.TypeComplete, stream.TypeDone}, types[len(types)-2:])
	assert.Contains(t, types, stream.TypeToken)

	var last uint64
	for _, ev := range events {
		if ev.Type == stream.TypeHeartbeat {
			continue
		}
		assert.Greater(t, ev.Seq, last, "sequence numbers increase")
		last = ev.Seq
	}
	assert.Equal(t, "Hello there", events[len(events)-2].Payload["content"])
}

func TestChatStreamFailure(t *testing.T) {
	srv := newTestServer(t, newPipeline(t, func(ctx context.Context, in pipeline.AnalyzeInput) (pipeline.Analysis, error) {
		return pipeline.Analysis{}, &pipeline.AnalysisError{Reason: "sandbox timeouts"}
	}))

	events, err := stream.ReadAll(post(t, srv, "/api/chat", `{"message":"compute"}`).Body)
	require.NoError(t, err)
	types := eventTypes(events)
	require.Equal(t, []stream.Type{stream.TypeError, stream.TypeDone}, types[len(types)-2:])

	payload := events[len(events)-2].Payload
	assert.Equal(t, string(pipeline.KindAnalysisFailed), payload["type"])
	assert.Equal(t, pipeline.KindAnalysisFailed.Message(), payload["error"])
	assert.NotEmpty(t, payload["correlation_id"])
	assert.NotContains(t, payload["error"], "sandbox timeouts", "raw errors stay in the logs")
}

func TestChatStreamRunnerErrorEndsWithError(t *testing.T) {
	srv := newTestServer(t, runnerFunc(func(ctx context.Context, q string, obs pipeline.Observer) (*pipeline.Outcome, error) {
		return nil, errors.New("backend exploded")
	}))

	events, err := stream.ReadAll(post(t, srv, "/api/chat", `{"message":"hi"}`).Body)
	require.NoError(t, err)
	require.Equal(t, []stream.Type{stream.TypeError, stream.TypeDone}, eventTypes(events))

	payload := events[0].Payload
	assert.Equal(t, string(pipeline.KindInternal), payload["type"])
	assert.NotEmpty(t, payload["correlation_id"])
	assert.NotContains(t, payload["error"], "exploded")
}

func TestChatStreamHeartbeats(t *testing.T) {
	release := make(chan struct{})
	r := runnerFunc(func(ctx context.Context, q string, obs pipeline.Observer) (*pipeline.Outcome, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, pipeline.ErrCancelled
		}
		obs.Observe(pipeline.Event{Kind: pipeline.EventComplete, Data: map[string]any{"content": "ok"}})
		return &pipeline.Outcome{Content: "ok"}, nil
	})
	srv := newTestServer(t, r, WithHeartbeat(10*time.Millisecond))

	resp := post(t, srv, "/api/chat", `{"message":"slow"}`)
	dec := stream.NewDecoder(resp.Body)
	ev, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, stream.TypeHeartbeat, ev.Type)
	assert.Zero(t, ev.Seq, "heartbeats are outside the ordering")
	close(release)

	var rest []stream.Type
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if ev.Type != stream.TypeHeartbeat {
			rest = append(rest, ev.Type)
		}
	}
	assert.Equal(t, []stream.Type{stream.TypeComplete, stream.TypeDone}, rest)
}

func TestChatClientDisconnectCancelsRun(t *testing.T) {
	cancelled := make(chan struct{})
	r := runnerFunc(func(ctx context.Context, q string, obs pipeline.Observer) (*pipeline.Outcome, error) {
		obs.Observe(pipeline.Event{Kind: pipeline.EventStageStart, Data: map[string]any{"agent": "analyst"}})
		<-ctx.Done()
		close(cancelled)
		return nil, pipeline.ErrCancelled
	})
	srv := newTestServer(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/chat", strings.NewReader(`{"message":"long"}`))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "id: 1\n", line)
	cancel()

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("run was not cancelled after the client went away")
	}
}

func TestChatRejectsInvalidRequests(t *testing.T) {
	srv := newTestServer(t, newPipeline(t, answer("unused")))
	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed", `{"message":`, "invalid request body"},
		{"missing message", `{}`, "must not be empty"},
		{"blank message", `{"message":"   "}`, "must not be empty"},
		{"too long", `{"message":"` + strings.Repeat("é", MaxMessageLength+1) + `"}`, "limit is 10000"},
	}
	for _, tt := range tests {
		for _, path := range []string{"/api/chat", "/api/chat/sync"} {
			t.Run(tt.name+path, func(t *testing.T) {
				resp := post(t, srv, path, tt.body)
				assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
				var body errorResponse
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
				assert.False(t, body.Success)
				assert.Contains(t, body.Error, tt.want)
			})
		}
	}
}

func TestChatAcceptsMaxLengthMessage(t *testing.T) {
	srv := newTestServer(t, newPipeline(t, answer("fine")))
	resp := post(t, srv, "/api/chat/sync", `{"message":"`+strings.Repeat("é", MaxMessageLength)+`"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatSync(t *testing.T) {
	srv := newTestServer(t, newPipeline(t, answer("The answer is 42.")))

	resp := post(t, srv, "/api/chat/sync", `{"message":"what is the answer?","conversation_id":"c-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body SyncResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Success)
	assert.Equal(t, "The answer is 42.", body.Response)
	assert.Equal(t, "general", body.QueryType)
	assert.Equal(t, 1, body.Iterations)
	assert.Equal(t, "approved", body.ValidationStatus)
	assert.False(t, body.Caveat)
	assert.NotEmpty(t, body.RunID)
}

func TestChatSyncFailure(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   pipeline.ErrorKind
	}{
		{"analysis", &pipeline.AnalysisError{Reason: "budget"}, http.StatusInternalServerError, pipeline.KindAnalysisFailed},
		{"retrieval", &pipeline.RetrievalError{Err: pipeline.ErrUnavailable}, http.StatusServiceUnavailable, pipeline.KindRetrievalUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, newPipeline(t, func(ctx context.Context, in pipeline.AnalyzeInput) (pipeline.Analysis, error) {
				return pipeline.Analysis{}, tt.err
			}))
			resp := post(t, srv, "/api/chat/sync", `{"message":"q"}`)
			assert.Equal(t, tt.status, resp.StatusCode)

			var body errorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.False(t, body.Success)
			assert.Equal(t, string(tt.kind), body.Type)
			assert.Equal(t, tt.kind.Message(), body.Error)
			assert.NotEmpty(t, body.CorrelationID)
		})
	}
}

func TestHealthAndConfig(t *testing.T) {
	srv := newTestServer(t, newPipeline(t, answer("x")), WithHeartbeat(20*time.Second))

	resp, err := srv.Client().Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, map[string]any{
		"status":      "healthy",
		"version":     Version,
		"environment": "development",
		"model":       "gpt-4o-mini",
	}, health)

	resp, err = srv.Client().Get(srv.URL + "/api/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	var cfg map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	assert.Equal(t, map[string]any{
		"max_revision_iterations": 3.0,
		"max_csv_rows":            50.0,
		"sse_heartbeat_interval":  20.0,
		"environment":             "development",
	}, cfg)
}

func TestCORS(t *testing.T) {
	srv := newTestServer(t, newPipeline(t, answer("x")), WithCORSOrigins("http://localhost:3000"))

	preflight := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/chat", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", "POST")
		req.Header.Set("Access-Control-Request-Headers", "content-type")
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := preflight("http://localhost:3000")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "content-type", resp.Header.Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))

	resp = preflight("https://evil.example")
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestPanicRecovery(t *testing.T) {
	r := runnerFunc(func(ctx context.Context, q string, obs pipeline.Observer) (*pipeline.Outcome, error) {
		panic("boom")
	})
	srv := newTestServer(t, r)

	resp := post(t, srv, "/api/chat/sync", `{"message":"q"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Success)
	assert.Equal(t, "Internal server error", body.Error)
	assert.Equal(t, "boom", body.Detail, "development exposes the panic value")
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	srv := newTestServer(t, newPipeline(t, answer("x")), WithMetrics(m))

	post(t, srv, "/api/chat/sync", `{"message":"q"}`)

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `vizagent_runs_total{outcome="complete"} 1`)
	assert.Contains(t, string(body), `vizagent_events_total{kind="complete"} 1`)
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv := newTestServer(t, newPipeline(t, answer("x")))
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/health", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "req-123")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-123", resp.Header.Get(RequestIDHeader))
}
