package reminders_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bissquit/followup/internal/domain"
	"github.com/bissquit/followup/internal/normalize"
	"github.com/bissquit/followup/internal/reminders"
	"github.com/bissquit/followup/internal/sources"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	server   *httptest.Server
	store    reminders.Store
	notifier *mockNotifier
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := newStore(t)
	notifier := &mockNotifier{}

	inbox := sources.NewInbox(sources.DefaultInboxConfig(), store)
	resolver := reminders.NewResolver(reminders.ResolverConfig{SelfAddresses: []string{"me@mycompany.com"}})
	enricher := reminders.NewEnricher(resolver, store, store, inbox)
	dispatcher := reminders.NewDispatcher(dispatcherConfig(), store, notifier)
	normalizer := normalize.New(normalize.Config{
		SelfAddresses:   []string{"me@mycompany.com"},
		InternalDomains: []string{"mycompany.com"},
	})

	service := reminders.NewService(store, store, inbox, normalizer, enricher, dispatcher)
	handler := reminders.NewHandler(service)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		handler.RegisterReadRoutes(r)
		handler.RegisterOperatorRoutes(r)
	})

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &apiFixture{server: server, store: store, notifier: notifier}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, f.server.URL+"/api/v1"+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestHandler_EmailLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	body := map[string]any{
		"emails": []normalize.RawEmail{{
			MessageID: "<m1@client.com>",
			ThreadID:  "t-1",
			From:      "Sarah Client <Sarah@Client.com>",
			To:        []string{"me@mycompany.com"},
			Subject:   "Contract",
			Snippet:   "Please sign",
			Date:      time.Now().Add(-time.Hour).UTC(),
		}},
	}

	status, env := f.do(t, http.MethodPost, "/signals/emails", body)
	require.Equal(t, http.StatusAccepted, status)
	ingest := decodeData[reminders.IngestResult](t, env)
	assert.Equal(t, reminders.IngestResult{Received: 1, Events: 1, Enqueued: 1}, ingest)

	// The same message again is deduplicated by the inbox.
	status, env = f.do(t, http.MethodPost, "/signals/emails", body)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, 0, decodeData[reminders.IngestResult](t, env).Enqueued)

	status, env = f.do(t, http.MethodPost, "/runs/enrich", nil)
	require.Equal(t, http.StatusOK, status)
	enrich := decodeData[reminders.EnrichResult](t, env)
	assert.Equal(t, 1, enrich.Events)
	assert.Equal(t, 1, enrich.Created)

	status, env = f.do(t, http.MethodGet, "/reminders?contact=sarah@client.com", nil)
	require.Equal(t, http.StatusOK, status)
	items := decodeData[[]domain.Reminder](t, env)
	require.Len(t, items, 1)
	assert.Equal(t, "sarah@client.com", items[0].ContactEmail)
	assert.Equal(t, "Sarah Client", items[0].ContactName)
	assert.Equal(t, domain.ReminderStatusQueued, items[0].Status)
	id := items[0].ID

	status, env = f.do(t, http.MethodPost, "/runs/dispatch", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, decodeData[reminders.DispatchResult](t, env).Sent)
	require.Len(t, f.notifier.Sent(), 1)

	status, env = f.do(t, http.MethodGet, "/reminders/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.ReminderStatusSent, decodeData[domain.Reminder](t, env).Status)

	status, env = f.do(t, http.MethodPost, "/reminders/"+id+"/resolve", nil)
	assert.Equal(t, http.StatusConflict, status)
	require.NotNil(t, env.Error)

	status, env = f.do(t, http.MethodGet, "/contacts/SARAH@client.com", nil)
	require.Equal(t, http.StatusOK, status)
	contact := decodeData[domain.Contact](t, env)
	assert.Equal(t, "sarah@client.com", contact.Email)
	assert.NotNil(t, contact.LastInboundAt)

	status, env = f.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(1), decodeData[reminders.QueueStats](t, env).Sent)
}

func TestHandler_MeetingResolve(t *testing.T) {
	f := newAPIFixture(t)

	start := time.Now().Add(-3 * time.Hour).UTC()
	status, env := f.do(t, http.MethodPost, "/signals/meetings", map[string]any{
		"meetings": []normalize.RawMeeting{{
			EventID:   "evt-1",
			Title:     "Kickoff",
			Start:     start,
			End:       start.Add(time.Hour),
			Organizer: "me@mycompany.com",
			Attendees: []string{"me@mycompany.com", "bob@mycompany.com", "mike@partner.org"},
		}},
	})
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, 1, decodeData[reminders.IngestResult](t, env).Events)

	status, _ = f.do(t, http.MethodPost, "/runs/enrich", nil)
	require.Equal(t, http.StatusOK, status)

	status, env = f.do(t, http.MethodGet, "/reminders?status=queued", nil)
	require.Equal(t, http.StatusOK, status)
	items := decodeData[[]domain.Reminder](t, env)
	require.Len(t, items, 1)
	assert.Equal(t, domain.ReminderTypeMeetingFollowup, items[0].Type)

	status, env = f.do(t, http.MethodPost, "/reminders/"+items[0].ID+"/resolve", nil)
	require.Equal(t, http.StatusOK, status)
	resolved := decodeData[domain.Reminder](t, env)
	assert.Equal(t, domain.ReminderStatusResolved, resolved.Status)
	assert.Equal(t, domain.ReasonUserResolved, resolved.LastError)
}

func TestHandler_Errors(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"invalid json", http.MethodPost, "/signals/emails", "{not json", http.StatusBadRequest},
		{"empty batch", http.MethodPost, "/signals/emails", map[string]any{"emails": []any{}}, http.StatusBadRequest},
		{"missing date", http.MethodPost, "/signals/emails", map[string]any{
			"emails": []map[string]any{{"message_id": "m1", "from": "a@b.com"}},
		}, http.StatusBadRequest},
		{"bad sender", http.MethodPost, "/signals/emails", map[string]any{
			"emails": []map[string]any{{"message_id": "m1", "from": "not an address", "date": "2026-03-02T09:00:00Z"}},
		}, http.StatusBadRequest},
		{"meeting ends before start", http.MethodPost, "/signals/meetings", map[string]any{
			"meetings": []map[string]any{{
				"event_id":  "e1",
				"start":     "2026-03-02T10:00:00Z",
				"end":       "2026-03-02T09:00:00Z",
				"attendees": []string{"a@b.com"},
			}},
		}, http.StatusBadRequest},
		{"unknown status", http.MethodGet, "/reminders?status=done", nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/reminders?limit=abc", nil, http.StatusBadRequest},
		{"limit too large", http.MethodGet, "/reminders?limit=1000", nil, http.StatusBadRequest},
		{"reminder not found", http.MethodGet, "/reminders/missing", nil, http.StatusNotFound},
		{"resolve not found", http.MethodPost, "/reminders/missing/resolve", nil, http.StatusNotFound},
		{"contact not found", http.MethodGet, "/contacts/nobody@example.com", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, status)
			assert.NotNil(t, env.Error)
		})
	}
}
