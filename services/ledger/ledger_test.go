package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qtus/services/pipeline"
)

func TestNewOutcomeModel(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := pipeline.Outcome{
		UploadID:     "abc",
		State:        pipeline.StateCleaned,
		Trail:        []pipeline.State{pipeline.StateReceived, pipeline.StateArchived, pipeline.StateCleaned},
		Project:      "P1",
		ArchivePath:  "/srv/qtus/files/P1/completed/abc",
		Size:         42,
		Metadata:     map[string]any{"project": "P1"},
		Notification: pipeline.StateNotifySkip,
		StartedAt:    started,
		FinishedAt:   started.Add(time.Second),
	}

	model, err := newOutcomeModel(out)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, model.ID)
	assert.Equal(t, "abc", model.UploadID)
	assert.Equal(t, "CLEANED", model.State)
	assert.Equal(t, "NOTIFY_SKIPPED", model.Notification)
	assert.EqualValues(t, 42, model.Size)
	assert.JSONEq(t, `["RECEIVED","ARCHIVED","CLEANED"]`, string(model.Trail))
	assert.JSONEq(t, `{"project":"P1"}`, string(model.Metadata))
	assert.Equal(t, "upload_outcomes", model.TableName())
}

func TestNewOutcomeModelEmptyMetadata(t *testing.T) {
	model, err := newOutcomeModel(pipeline.Outcome{UploadID: "abc", State: pipeline.StateNoProject})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(model.Metadata))
	assert.JSONEq(t, `[]`, string(model.Trail))
}

func TestRecentQuery(t *testing.T) {
	query, args := recentQuery(Query{Limit: 10})
	assert.NotContains(t, query, "WHERE")
	assert.Contains(t, query, "ORDER BY finished_at DESC LIMIT $1")
	assert.Equal(t, []any{10}, args)

	query, args = recentQuery(Query{Limit: 10, State: "CLEANED"})
	assert.Contains(t, query, "WHERE state = $2")
	assert.Equal(t, []any{10, "CLEANED"}, args)
}

func TestQueryNormalize(t *testing.T) {
	assert.Equal(t, Query{Limit: DefaultLimit}, Query{}.normalize())
	assert.Equal(t, Query{Limit: MaxLimit}, Query{Limit: 10_000}.normalize())
	assert.Equal(t, Query{Limit: 5, State: "ARCHIVE_FAILED"}, Query{Limit: 5, State: " archive_failed "}.normalize())
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}

type fakeReader struct {
	got     Query
	entries []Entry
	err     error
}

func (f *fakeReader) Recent(_ context.Context, q Query) ([]Entry, error) {
	f.got = q
	return f.entries, f.err
}

func serve(h *Handler, target string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	h.Routes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHandlerList(t *testing.T) {
	reader := &fakeReader{entries: []Entry{{UploadID: "abc", State: "CLEANED", Trail: []string{"RECEIVED", "CLEANED"}}}}
	h := NewHandler(reader, zerolog.Nop())

	rec := serve(h, "/outcomes?limit=5&state=CLEANED")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Query{Limit: 5, State: "CLEANED"}, reader.got)

	var body struct {
		Outcomes []Entry `json:"outcomes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Outcomes, 1)
	assert.Equal(t, "abc", body.Outcomes[0].UploadID)
}

func TestHandlerErrors(t *testing.T) {
	h := NewHandler(&fakeReader{}, zerolog.Nop())
	assert.Equal(t, http.StatusBadRequest, serve(h, "/outcomes?limit=abc").Code)
	assert.Equal(t, http.StatusBadRequest, serve(h, "/outcomes?limit=-3").Code)

	h = NewHandler(&fakeReader{err: errors.New("connection refused")}, zerolog.Nop())
	rec := serve(h, "/outcomes")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}
