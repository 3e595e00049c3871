package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend struct {
	srv          *httptest.Server
	loginStatus  int
	loginBody    string
	notifyStatus int
	logins       atomic.Int32
	notifies     atomic.Int32
	gotAuth      atomic.Value
	gotPayload   atomic.Value
	gotCreds     atomic.Value
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{
		loginStatus:  http.StatusOK,
		loginBody:    `{"access":"tok-123"}`,
		notifyStatus: http.StatusCreated,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		b.logins.Add(1)
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)
		b.gotCreds.Store(creds)
		w.WriteHeader(b.loginStatus)
		_, _ = w.Write([]byte(b.loginBody))
	})
	mux.HandleFunc("POST /notify", func(w http.ResponseWriter, r *http.Request) {
		b.notifies.Add(1)
		b.gotAuth.Store(r.Header.Get("Authorization"))
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		b.gotPayload.Store(payload)
		w.WriteHeader(b.notifyStatus)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) dispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(Config{
		LoginURL:   b.srv.URL + "/login",
		NotifyURL:  b.srv.URL + "/notify",
		Email:      "ops@example.com",
		Password:   "secret",
		Timeout:    2 * time.Second,
		HTTPClient: b.srv.Client(),
	}, zerolog.Nop())
	require.NoError(t, err)
	return d
}

func TestDispatch(t *testing.T) {
	b := newBackend(t)
	d := b.dispatcher(t)

	err := d.Dispatch(context.Background(), Payload{
		Project:  "P1",
		App:      "survey",
		FilePath: "/srv/qtus/files/P1/completed/abc",
		Metadata: map[string]any{"project": "P1", "id": "abc", "size": 42},
	})
	require.NoError(t, err)

	assert.EqualValues(t, 1, b.logins.Load())
	assert.EqualValues(t, 1, b.notifies.Load())
	assert.Equal(t, map[string]string{"email": "ops@example.com", "password": "secret"}, b.gotCreds.Load())
	assert.Equal(t, "Token tok-123", b.gotAuth.Load())

	payload := b.gotPayload.Load().(map[string]any)
	assert.Equal(t, "P1", payload["project"])
	assert.Equal(t, "survey", payload["app"])
	assert.Equal(t, "/srv/qtus/files/P1/completed/abc", payload["filepath"])
	assert.Equal(t, map[string]any{"project": "P1", "id": "abc", "size": float64(42)}, payload["metadata"])
}

func TestDispatchFreshLoginEachTime(t *testing.T) {
	b := newBackend(t)
	d := b.dispatcher(t)

	require.NoError(t, d.Dispatch(context.Background(), Payload{Project: "P1"}))
	require.NoError(t, d.Dispatch(context.Background(), Payload{Project: "P1"}))
	assert.EqualValues(t, 2, b.logins.Load())
}

func TestDispatchAuthFailureSkipsNotify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"detail":"bad credentials"}`},
		{name: "empty token", status: http.StatusOK, body: `{"access":""}`},
		{name: "no token field", status: http.StatusOK, body: `{}`},
		{name: "not json", status: http.StatusOK, body: `<html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			b.loginStatus = tt.status
			b.loginBody = tt.body
			d := b.dispatcher(t)

			err := d.Dispatch(context.Background(), Payload{Project: "P1"})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrAuthFailed)
			assert.EqualValues(t, 0, b.notifies.Load())
		})
	}
}

func TestDispatchNotifyRejected(t *testing.T) {
	b := newBackend(t)
	b.notifyStatus = http.StatusInternalServerError
	d := b.dispatcher(t)

	err := d.Dispatch(context.Background(), Payload{Project: "P1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotificationFailed)
	assert.NotErrorIs(t, err, ErrAuthFailed)
	assert.EqualValues(t, 1, b.notifies.Load())
}

func TestDispatchUnreachable(t *testing.T) {
	b := newBackend(t)
	d := b.dispatcher(t)
	b.srv.Close()

	err := d.Dispatch(context.Background(), Payload{Project: "P1"})
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestDispatchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	d, err := NewDispatcher(Config{
		LoginURL:   srv.URL + "/login",
		NotifyURL:  srv.URL + "/notify",
		Timeout:    50 * time.Millisecond,
		HTTPClient: srv.Client(),
	}, zerolog.Nop())
	require.NoError(t, err)

	start := time.Now()
	err = d.Dispatch(context.Background(), Payload{Project: "P1"})
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNotifyNilMetadataSentAsObject(t *testing.T) {
	b := newBackend(t)
	d := b.dispatcher(t)

	require.NoError(t, d.Notify(context.Background(), "tok", Payload{Project: "P1"}))
	payload := b.gotPayload.Load().(map[string]any)
	assert.Equal(t, map[string]any{}, payload["metadata"])
}

func TestNewDispatcherValidatesURLs(t *testing.T) {
	tests := []struct {
		name   string
		login  string
		notify string
	}{
		{name: "missing login", notify: "http://backend/notify"},
		{name: "missing notify", login: "http://backend/login"},
		{name: "bad scheme", login: "ftp://backend/login", notify: "http://backend/notify"},
		{name: "no host", login: "http:///login", notify: "http://backend/notify"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDispatcher(Config{LoginURL: tt.login, NotifyURL: tt.notify}, zerolog.Nop())
			assert.Error(t, err)
		})
	}
}

func TestCompactJSON(t *testing.T) {
	assert.JSONEq(t, `{"a":1}`, string(compactJSON([]byte("{ \"a\" : 1 }"))))
	assert.Equal(t, `"plain text"`, string(compactJSON([]byte("plain text"))))
	assert.Equal(t, `""`, string(compactJSON(nil)))
}
