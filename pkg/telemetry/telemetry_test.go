package telemetry

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("qtus", "warn", "json", &buf)
	require.NoError(t, err)

	logger.Info().Msg("dropped")
	logger.Warn().Str("upload_id", "abc").Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "qtus", line["service"])
	assert.Equal(t, "abc", line["upload_id"])
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())
}

func TestNewLoggerRejectsBadInput(t *testing.T) {
	_, err := NewLogger("qtus", "loud", "json", nil)
	assert.Error(t, err)

	_, err = NewLogger("qtus", "info", "xml", nil)
	assert.Error(t, err)
}

func TestMiddlewareLogsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	h := Middleware("qtus", logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/downloads?path=x", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "/downloads", line["path"])
	assert.EqualValues(t, http.StatusTeapot, line["status"])
	assert.EqualValues(t, len("short and stout"), line["bytes"])
}

func TestExporterOptions(t *testing.T) {
	opts, err := exporterOptions("http://collector:4318/v1/traces")
	require.NoError(t, err)
	assert.Len(t, opts, 3)

	opts, err = exporterOptions("collector:4318")
	require.NoError(t, err)
	assert.Len(t, opts, 2)

	_, err = exporterOptions("https:///nohost")
	assert.Error(t, err)
}
