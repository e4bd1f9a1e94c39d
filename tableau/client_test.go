package tableau

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/vizagent/pipeline"
)

// fakeServer is a minimal Tableau REST endpoint.
type fakeServer struct {
	mu       sync.Mutex
	signIns  int
	signOuts int
	filters  []string
	rejectPA bool
	viewCSV  string
	endless  bool
	failData int
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/3.21/auth/signin", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.signIns++
		f.mu.Unlock()
		var req signInRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if f.rejectPA || req.Credentials.Secret != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"401001","summary":"Signin Error","detail":"bad token"}}`))
			return
		}
		assert.Equal(t, "marketing", req.Credentials.Site.ContentURL)
		_, _ = w.Write([]byte(`{"credentials":{"token":"tok","site":{"id":"site-1"}}}`))
	})
	mux.HandleFunc("POST /api/3.21/auth/signout", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.Header.Get(authHeader))
		f.mu.Lock()
		f.signOuts++
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/3.21/sites/site-1/views", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.Header.Get(authHeader))
		f.mu.Lock()
		f.filters = append(f.filters, r.URL.Query().Get("filter"))
		f.mu.Unlock()
		if strings.Contains(r.URL.Query().Get("filter"), "Sales") {
			_, _ = w.Write([]byte(`{"views":{"view":[{"id":"v1","name":"Sales by Region","workbook":{"id":"w1","name":"Superstore"}}]}}`))
			return
		}
		_, _ = w.Write([]byte(`{"views":{}}`))
	})
	mux.HandleFunc("GET /api/3.21/sites/site-1/workbooks", func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Query().Get("filter"), "Sales") {
			_, _ = w.Write([]byte(`{"workbooks":{"workbook":[{"id":"w1","name":"Sales Overview","project":{"name":"Finance"}}]}}`))
			return
		}
		_, _ = w.Write([]byte(`{"workbooks":{}}`))
	})
	mux.HandleFunc("GET /api/3.21/sites/site-1/datasources", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"datasources":{}}`))
	})
	mux.HandleFunc("GET /api/3.21/sites/site-1/views/{id}/data", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "v1" {
			http.NotFound(w, r)
			return
		}
		if f.failData != 0 {
			w.WriteHeader(f.failData)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte(f.viewCSV))
		// An endless view only stops when the client hangs up.
		for f.endless && r.Context().Err() == nil {
			if _, err := w.Write([]byte("South,1\n")); err != nil {
				return
			}
		}
	})
	return mux
}

func (f *fakeServer) counts() (signIns, signOuts int, filters []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signIns, f.signOuts, append([]string(nil), f.filters...)
}

func newTestClient(t *testing.T, f *fakeServer, maxRows int) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{
		ServerURL:  srv.URL + "/",
		Site:       "marketing",
		TokenName:  "vizagent",
		TokenValue: "secret",
		MaxRows:    maxRows,
	}, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func TestClientSearch(t *testing.T) {
	f := &fakeServer{}
	c := newTestClient(t, f, 0)

	assets, err := c.Search(context.Background(), "Sales")
	require.NoError(t, err)
	assert.Equal(t, []pipeline.Asset{
		{ID: "v1", Name: "Sales by Region", Kind: pipeline.AssetView, Workbook: "Superstore"},
		{ID: "w1", Name: "Sales Overview", Kind: pipeline.AssetWorkbook, Project: "Finance"},
	}, assets)
	signIns, signOuts, filters := f.counts()
	assert.Equal(t, []string{"name:has:Sales"}, filters)
	assert.Equal(t, 1, signIns, "one session per operation")
	assert.Equal(t, 1, signOuts)
}

func TestClientSearchNotFound(t *testing.T) {
	f := &fakeServer{}
	c := newTestClient(t, f, 0)

	_, err := c.Search(context.Background(), "weather, today")
	assert.ErrorIs(t, err, pipeline.ErrNotFound)
	_, _, filters := f.counts()
	assert.Equal(t, []string{"name:has:weather  today"}, filters)
}

func TestClientSignInRejected(t *testing.T) {
	f := &fakeServer{rejectPA: true}
	c := newTestClient(t, f, 0)

	_, err := c.Search(context.Background(), "Sales")
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrUnavailable)
	assert.Contains(t, err.Error(), "Signin Error: bad token")
	_, signOuts, _ := f.counts()
	assert.Zero(t, signOuts)
}

func TestClientUnreachable(t *testing.T) {
	c, err := NewClient(Config{ServerURL: "http://127.0.0.1:1", TokenName: "n", TokenValue: "v"})
	require.NoError(t, err)
	_, err = c.Search(context.Background(), "Sales")
	assert.ErrorIs(t, err, pipeline.ErrUnavailable)
}

func TestClientFetch(t *testing.T) {
	f := &fakeServer{viewCSV: "Region,Sales\nEast,100\nWest,250\nNorth,50\n"}
	c := newTestClient(t, f, 2)
	view := pipeline.Asset{ID: "v1", Name: "Sales by Region", Kind: pipeline.AssetView}

	table, err := c.Fetch(context.Background(), view)
	require.NoError(t, err)
	assert.Equal(t, []string{"Region", "Sales"}, table.Columns)
	assert.Equal(t, 2, table.Rows)
	assert.True(t, table.Truncated)
	assert.Equal(t, "Region,Sales\nEast,100\nWest,250\n", table.CSV)
	_, signOuts, _ := f.counts()
	assert.Equal(t, 1, signOuts)
}

func TestClientFetchStopsReadingAtRowCap(t *testing.T) {
	f := &fakeServer{viewCSV: "Region,Sales\n", endless: true}
	c := newTestClient(t, f, 3)
	view := pipeline.Asset{ID: "v1", Name: "Sales by Region", Kind: pipeline.AssetView}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	table, err := c.Fetch(ctx, view)
	require.NoError(t, err)
	assert.Equal(t, 3, table.Rows)
	assert.True(t, table.Truncated)
	assert.Equal(t, "Region,Sales\nSouth,1\nSouth,1\nSouth,1\n", table.CSV)
}

func TestClientFetchErrors(func TestClientFetchErrors(t *testing.T) {
	tests := []struct {
		name   string
		asset  pipeline.Asset
		status int
		want   error
	}{
		{name: "missing view", asset: pipeline.Asset{ID: "nope", Kind: pipeline.AssetView}, want: pipeline.ErrNotFound},
		{name: "workbook", asset: pipeline.Asset{ID: "w1", Kind: pipeline.AssetWorkbook}, want: pipeline.ErrNotFound},
		{name: "server error", asset: pipeline.Asset{ID: "v1", Kind: pipeline.AssetView}, status: http.StatusBadGateway, want: pipeline.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, &fakeServer{failData: tt.status}, 0)
			_, err := c.Fetch(context.Background(), tt.asset)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{TokenName: "n", TokenValue: "v"})
	assert.Error(t, err)
	_, err = NewClient(Config{ServerURL: "https://tableau.example.com"})
	assert.Error(t, err)
}
