package render

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, http.StatusAccepted, map[string]string{"id": "abc"})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"id":"abc"}`, rec.Body.String())
}

func TestError(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, http.StatusBadRequest, errors.New("missing path"))
	assert.JSONEq(t, `{"error":"missing path"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	Error(rec, http.StatusNotFound, nil)
	assert.JSONEq(t, `{"error":"Not Found"}`, rec.Body.String())
}

func TestDecodeJSON(t *testing.T) {
	var dest struct {
		Type string `json:"Type"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"Type":"post-finish","Extra":1}`))
	require.NoError(t, DecodeJSON(req, &dest))
	assert.Equal(t, "post-finish", dest.Type)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	assert.Error(t, DecodeJSON(req, &dest))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	assert.Error(t, DecodeJSON(req, &dest))
}
