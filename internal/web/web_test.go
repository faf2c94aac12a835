package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"communitybot/internal/catalog"
	"communitybot/internal/config"
	"communitybot/internal/model"
	"communitybot/internal/optin"
	"communitybot/internal/reminder"
)

type nopDispatcher struct{}

func (nopDispatcher) PostChannelMessage(context.Context, string, string) error { return nil }
func (nopDispatcher) SendDirectMessage(context.Context, string, string) error  { return nil }

var testEvents = []model.Event{
	{ID: "later", Title: "Hack night", Start: "2025-02-10T18:00"},
	{ID: "past", Title: "Kickoff", Start: "2025-01-20T18:00"},
	{ID: "soon", Title: "Go Meetup", Start: "2025-02-02T12:00", Location: "Vilnius"},
	{ID: "broken", Title: "TBD", Start: "next week"},
}

type testServer struct {
	srv       *Server
	registry  *optin.FileStore
	evaluator *reminder.Evaluator
}

func newTestServer(t *testing.T, cfg *config.Config, events []model.Event) *testServer {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Vilnius")
	require.NoError(t, err)

	clk := clock.NewMock()
	clk.Set(time.Date(2025, 2, 1, 12, 0, 0, 0, loc))

	registry := optin.NewFileStore(filepath.Join(t.TempDir(), "optin.json"))
	src := catalog.StaticSource(events)
	ev, err := reminder.NewEvaluator(reminder.Options{
		Clock:      clk,
		Location:   loc,
		Catalog:    src,
		Registry:   registry,
		Dispatcher: nopDispatcher{},
		Thresholds: []model.Threshold{{Label: "24h", MinutesBefore: 1440}},
		Tolerance:  1,
	})
	require.NoError(t, err)

	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &testServer{
		srv: NewServer(cfg, Deps{
			Catalog:   src,
			Registry:  registry,
			Evaluator: ev,
			Clock:     clk,
			Location:  loc,
		}),
		registry:  registry,
		evaluator: ev,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	rec := ts.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestNextEvent(t *testing.T) {
	ts := newTestServer(t, nil, testEvents)

	rec := ts.do(t, http.MethodGet, "/api/next-event")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[nextEventResponse](t, rec)
	assert.Equal(t, "soon", resp.Event.ID)
	assert.Equal(t, "Go Meetup", resp.Event.Title)
	assert.Equal(t, "2025-02-02T12:00:00+02:00", resp.Event.Start)
	assert.Equal(t, 1440, resp.MinutesUntil)
}

func TestNextEventNotFound(t *testing.T) {
	ts := newTestServer(t, nil, []model.Event{{ID: "past", Start: "2025-01-01T10:00"}})
	rec := ts.do(t, http.MethodGet, "/api/next-event")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsListsUpcomingInOrder(t *testing.T) {
	ts := newTestServer(t, nil, testEvents)

	resp := decode[eventsResponse](t, ts.do(t, http.MethodGet, "/api/events"))
	require.Len(t, resp.Events, 2)
	assert.Equal(t, "soon", resp.Events[0].ID)
	assert.Equal(t, "later", resp.Events[1].ID)
	assert.Equal(t, "Europe/Vilnius", resp.Timezone)

	resp = decode[eventsResponse](t, ts.do(t, http.MethodGet, "/api/events?limit=1"))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "soon", resp.Events[0].ID)

	resp = decode[eventsResponse](t, ts.do(t, http.MethodGet, "/api/events?limit=junk"))
	assert.Len(t, resp.Events, 2)
}

func TestOptInLifecycle(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ctx := context.Background()

	rec := ts.do(t, http.MethodPut, "/api/optins/u1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[changedResponse](t, rec).Changed)

	rec = ts.do(t, http.MethodPut, "/api/optins/u1")
	assert.False(t, decode[changedResponse](t, rec).Changed)
	assert.Equal(t, []string{"u1"}, ts.registry.List(ctx))

	list := decode[optInsResponse](t, ts.do(t, http.MethodGet, "/api/optins"))
	assert.Equal(t, []string{"u1"}, list.UserIDs)

	rec = ts.do(t, http.MethodDelete, "/api/optins/u1")
	assert.True(t, decode[changedResponse](t, rec).Changed)
	rec = ts.do(t, http.MethodDelete, "/api/optins/u1")
	assert.False(t, decode[changedResponse](t, rec).Changed)

	list = decode[optInsResponse](t, ts.do(t, http.MethodGet, "/api/optins"))
	assert.NotNil(t, list.UserIDs)
	assert.Empty(t, list.UserIDs)
}

func TestOptInRejectsBlankUserID(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	rec := ts.do(t, http.MethodPut, "/api/optins/%20%20")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ts.registry.List(context.Background()))
}

func TestReminders(t *testing.T) {
	ts := newTestServer(t, nil, testEvents)

	resp := decode[remindersResponse](t, ts.do(t, http.MethodGet, "/api/reminders"))
	assert.Equal(t, 0, resp.Fired)
	assert.Equal(t, []model.Threshold{{Label: "24h", MinutesBefore: 1440}}, resp.Thresholds)

	ts.evaluator.Evaluate(context.Background())

	resp = decode[remindersResponse](t, ts.do(t, http.MethodGet, "/api/reminders"))
	assert.Equal(t, 1, resp.Fired)
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "s3cret"}
	ts := newTestServer(t, cfg, testEvents)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health").Code)

	rec := ts.do(t, http.MethodGet, "/api/optins")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	rec = ts.do(t, http.MethodGet, "/api/optins", func(r *http.Request) { r.SetBasicAuth("admin", "wrong") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/optins", func(r *http.Request) { r.SetBasicAuth("admin", "s3cret") })
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBasicAuthDisabledWithEmptyPassword(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin"}
	ts := newTestServer(t, cfg, nil)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/optins").Code)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	ts := newTestServer(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.srv.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
