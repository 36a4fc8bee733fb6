package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"acme"}`))
	var dest struct {
		Name string `json:"name"`
	}
	require.NoError(t, ParseJSON(req, &dest))
	assert.Equal(t, "acme", dest.Name)
}

func TestParseJSONInvalid(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{not json`))
	var dest map[string]interface{}
	assert.Error(t, ParseJSON(req, &dest))
}

func TestParsePathInt64(t *testing.T) {
	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/tenants/42", nil),
		map[string]string{"id": "42"})

	val, err := ParsePathInt64(req, "id")
	require.NoError(t, err)
	assert.Equal(t, int64(42), val)

	_, err = ParsePathInt64(req, "missing")
	assert.Error(t, err)
}

func TestParsePathInt64Invalid(t *testing.T) {
	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/tenants/abc", nil),
		map[string]string{"id": "abc"})

	_, err := ParsePathInt64(req, "id")
	assert.Error(t, err)
}

func TestParseQueryInt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/invoices?limit=25", nil)

	val, err := ParseQueryInt(req, "limit", 50)
	require.NoError(t, err)
	assert.Equal(t, 25, val)

	val, err = ParseQueryInt(req, "offset", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, val)
}

func TestParseQueryBool(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/run?dry_run=true", nil)

	val, err := ParseQueryBool(req, "dry_run", false)
	require.NoError(t, err)
	assert.True(t, val)

	_, err = ParseQueryBool(httptest.NewRequest(http.MethodGet, "/run?dry_run=banana", nil), "dry_run", false)
	assert.Error(t, err)
}

func TestRequireHelpers(t *testing.T) {
	rec := httptest.NewRecorder()
	assert.True(t, RequireNonEmpty(rec, "x", "field"))

	rec = httptest.NewRecorder()
	assert.False(t, RequireNonEmpty(rec, "", "field"))
	assert.Equal(t, 400, rec.Code)

	rec = httptest.NewRecorder()
	assert.False(t, RequirePositive(rec, 0, "plan_id"))
	assert.Equal(t, 400, rec.Code)
}
