package device

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeRequestWithoutBody(t *testing.T) {
	var gotHeaders http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	resp, err := makeRequest("POST", ts.URL+"/api/devices/d-1/release", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, gotHeaders.Get("Content-Type"))
	assert.Empty(t, gotHeaders.Get("Authorization"))
}

func TestMakeRequestWithBody(t *testing.T) {
	var gotHeaders http.Header
	var payload []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		payload, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	resp, err := makeRequest("POST", ts.URL+"/api/devices/d-1/assign", "secret", strings.NewReader(`{"account_id":"a-1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "Bearer secret", gotHeaders.Get("Authorization"))
	assert.JSONEq(t, `{"account_id":"a-1"}`, string(payload))
}
