package main

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAPIClientSendsTokenAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		require.Equal(t, "/api/v1/inventory/software", r.URL.Path)
		require.Equal(t, "chrome", r.URL.Query().Get("search"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"total":3}`))
	}))
	defer srv.Close()

	var out struct {
		Total int `json:"total"`
	}
	c := newAPIClient(srv.URL+"/", "secret-token")
	require.NoError(t, c.get("/inventory/software", url.Values{"search": {"chrome"}}, &out))
	require.Equal(t, 3, out.Total)
}

func TestAPIClientSurfacesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"detail":"Group name already exists","request_id":"x"}`))
	}))
	defer srv.Close()

	err := newAPIClient(srv.URL, "t").send(http.MethodPost, "/groups", map[string]string{"name": "a"}, nil)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusConflict, apiErr.Status)
	require.Contains(t, err.Error(), "Group name already exists")
}
