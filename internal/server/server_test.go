package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/quotecache/internal/connection"
	"github.com/rickgao/quotecache/internal/metrics"
	"github.com/rickgao/quotecache/internal/query"
	"github.com/rickgao/quotecache/internal/registry"
	"github.com/rickgao/quotecache/internal/router"
)

var t0 = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

type fakeQuerier struct {
	quote query.Quote
	err   error
	got   []string
}

func (f *fakeQuerier) Handle(_ context.Context, symbol string) (query.Quote, error) {
	f.got = append(f.got, symbol)
	if f.err != nil {
		return query.Quote{}, f.err
	}
	return f.quote, nil
}

type fakeSession struct{ info connection.Info }

func (f fakeSession) Info() connection.Info { return f.info }

type fakePush struct{ stats router.RouterStats }

func (f fakePush) Stats() router.RouterStats { return f.stats }

func testConfig() Config {
	return Config{Port: 0, MaxAge: 30 * time.Second}
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAdapter_Success(t *testing.T) {
	q := &fakeQuerier{quote: query.Quote{Symbol: "FTSE", Price: 788, Source: query.SourceStream, UpdatedAt: t0}}
	s := New(testConfig(), Deps{Query: q}, nil)

	rec := do(t, s, http.MethodPost, "/", `{"id":"1","data":{"base":"FTSE"}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	assert.JSONEq(t, `{"jobRunID":"1","result":788,"statusCode":200,"maxAge":30000,"data":{"result":788}}`, rec.Body.String())
	assert.Equal(t, []string{"FTSE"}, q.got)
}

func TestAdapter_SymbolAliases(t *testing.T) {
	for _, key := range []string{"base", "from", "coin", "market"} {
		t.Run(key, func(t *testing.T) {
			q := &fakeQuerier{quote: query.Quote{Symbol: "GOOGL", Price: 2700}}
			s := New(testConfig(), Deps{Query: q}, nil)

			rec := do(t, s, http.MethodPost, "/", fmt.Sprintf(`{"id":"7","data":{%q:"GOOGL"}}`, key))

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, []string{"GOOGL"}, q.got)
		})
	}
}

func TestAdapter_DefaultJobRunID(t *testing.T) {
	q := &fakeQuerier{quote: query.Quote{Price: 1}}
	s := New(testConfig(), Deps{Query: q}, nil)

	rec := do(t, s, http.MethodPost, "/", `{"data":{"base":"FTSE"}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp adapterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "1", resp.JobRunID)
}

func TestAdapter_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantName string
	}{
		{
			name:     "malformed body",
			body:     `{`,
			wantCode: http.StatusBadRequest,
			wantName: "AdapterInputError",
		},
		{
			name:     "invalid symbol",
			body:     `{"id":"2","data":{}}`,
			err:      fmt.Errorf("%w: empty", query.ErrInvalidSymbol),
			wantCode: http.StatusBadRequest,
			wantName: "AdapterInputError",
		},
		{
			name:     "upstream unavailable",
			body:     `{"id":"3","data":{"base":"FTSE"}}`,
			err:      fmt.Errorf("%w: FTSE: 503", query.ErrUpstreamUnavailable),
			wantCode: http.StatusBadGateway,
			wantName: "AdapterConnectionError",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(testConfig(), Deps{Query: &fakeQuerier{err: tt.err}}, nil)

			rec := do(t, s, http.MethodPost, "/", tt.body)

			require.Equal(t, tt.wantCode, rec.Code)
			var resp adapterError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "errored", resp.Status)
			assert.Equal(t, tt.wantCode, resp.StatusCode)
			assert.Equal(t, tt.wantName, resp.Error.Name)
		})
	}
}

func TestQuote(t *testing.T) {
	q := &fakeQuerier{quote: query.Quote{Symbol: "FTSE", Price: 788, Source: query.SourceFetch, UpdatedAt: t0}}
	s := New(testConfig(), Deps{Query: q}, nil)

	rec := do(t, s, http.MethodGet, "/quote/ftse", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "max-age=30", rec.Header().Get("Cache-Control"))
	assert.JSONEq(t, `{"symbol":"FTSE","price":788,"source":"fetch","updatedAt":"2024-01-15T12:00:00Z"}`, rec.Body.String())
	assert.Equal(t, []string{"ftse"}, q.got)
}

func TestQuote_UpstreamUnavailable(t *testing.T) {
	s := New(testConfig(), Deps{Query: &fakeQuerier{err: query.ErrUpstreamUnavailable}}, nil)

	rec := do(t, s, http.MethodGet, "/quote/FTSE", "")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "upstream unavailable")
}

func TestHealth(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	reg := registry.New(clock)
	reg.Ensure("FTSE")
	reg.Ensure("GOOGL")

	t.Run("ready", func(t *testing.T) {
		session := fakeSession{info: connection.Info{Status: connection.Ready, SessionID: "abc", ClientID: "c1"}}
		s := New(testConfig(), Deps{Registry: reg, Session: session}, nil)

		rec := do(t, s, http.MethodGet, "/health", "")

		require.Equal(t, http.StatusOK, rec.Code)
		var resp healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.True(t, resp.Streaming)
		assert.Equal(t, 2, resp.Subscriptions)
		require.NotNil(t, resp.Session)
		assert.Equal(t, "ready", resp.Session.Status)
		assert.Equal(t, "abc", resp.Session.SessionID)
	})

	t.Run("degraded still 200", func(t *testing.T) {
		session := fakeSession{info: connection.Info{Status: connection.Handshaking, Reconnects: 3}}
		s := New(testConfig(), Deps{Registry: reg, Session: session}, nil)

		rec := do(t, s, http.MethodGet, "/health", "")

		require.Equal(t, http.StatusOK, rec.Code)
		var resp healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, int64(3), resp.Session.Reconnects)
	})

	t.Run("streaming disabled", func(t *testing.T) {
		s := New(testConfig(), Deps{Registry: reg}, nil)

		rec := do(t, s, http.MethodGet, "/health", "")

		var resp healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.False(t, resp.Streaming)
		assert.Nil(t, resp.Session)
	})
}

func TestDebugSubscriptions(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	reg := registry.New(clock)
	reg.Ensure("FTSE")
	reg.UpsertFromPush("FTSE", 788, t0)
	reg.Ensure("GOOGL")

	s := New(testConfig(), Deps{Registry: reg}, nil)
	rec := do(t, s, http.MethodGet, "/debug/subscriptions", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var views []subscriptionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)

	bySymbol := map[string]subscriptionView{}
	for _, v := range views {
		bySymbol[v.Symbol] = v
	}
	require.NotNil(t, bySymbol["FTSE"].LastValue)
	assert.Equal(t, 788.0, *bySymbol["FTSE"].LastValue)
	assert.Equal(t, registry.Active.String(), bySymbol["FTSE"].State)
	assert.Nil(t, bySymbol["GOOGL"].LastValue)
	assert.Equal(t, registry.Pending.String(), bySymbol["GOOGL"].State)
}

func TestDebugSubscriptions_Empty(t *testing.T) {
	s := New(testConfig(), Deps{}, nil)

	rec := do(t, s, http.MethodGet, "/debug/subscriptions", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestDebugStats(t *testing.T) {
	rec := metrics.NewRecorder(nil)
	rec.Emit(metrics.Event{Name: metrics.CacheHit, Symbol: "FTSE"})
	rec.Emit(metrics.Event{Name: metrics.CacheHit, Symbol: "FTSE"})
	rec.Emit(metrics.Event{Name: metrics.CacheMiss, Symbol: "GOOGL"})

	push := fakePush{stats: router.RouterStats{UpdatesReceived: 5, UpdatesApplied: 4, UpdatesStale: 1}}
	s := New(testConfig(), Deps{Counters: rec, Push: push}, nil)

	res := do(t, s, http.MethodGet, "/debug/stats", "")

	require.Equal(t, http.StatusOK, res.Code)
	var resp statsResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Events[metrics.CacheHit])
	assert.Equal(t, int64(1), resp.Events[metrics.CacheMiss])
	require.NotNil(t, resp.Push)
	assert.Equal(t, int64(4), resp.Push.UpdatesApplied)
}

func TestRoutesRegistered(t *testing.T) {
	s := New(testConfig(), Deps{Query: &fakeQuerier{}}, nil)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/"},
		{http.MethodGet, "/quote/FTSE"},
		{http.MethodGet, "/health"},
		{http.MethodGet, "/debug/subscriptions"},
		{http.MethodGet, "/debug/stats"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := do(t, s, tt.method, tt.path, `{"data":{"base":"FTSE"}}`)
			assert.NotEqual(t, http.StatusNotFound, rec.Code)
		})
	}

	rec := do(t, s, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecovererCatchesPanics(t *testing.T) {
	s := New(testConfig(), Deps{}, nil) // nil Query panics in handler

	rec := do(t, s, http.MethodGet, "/quote/FTSE", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
