package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/senhakan/appcenter-server/pkg/apperr"
)

func TestWithRequestContextSetsID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	baseLogger := zerolog.Nop()
	r := gin.New()
	r.Use(withRequestContext(baseLogger))
	r.GET("/ping", func(c *gin.Context) {
		if requestID(c) == "" {
			t.Error("request ID not set")
		}
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected request ID header")
	}
	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.Code)
	}
}

func TestWithRequestContextKeepsCallerID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(withRequestContext(zerolog.Nop()))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(requestIDHeader, "caller-id")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, "caller-id", resp.Header().Get(requestIDHeader))
}

func TestRespondErrorIncludesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	baseLogger := zerolog.Nop()
	r := gin.New()
	r.Use(withRequestContext(baseLogger))
	r.GET("/fail", func(c *gin.Context) {
		respondError(c, http.StatusBadRequest, "boom", baseLogger)
	})

	req := httptest.NewRequest(http.MethodGet, "/fail", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusBadRequest, resp.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "boom", body["detail"])
	require.Equal(t, resp.Header().Get(requestIDHeader), body["request_id"])
}

func TestFailMapsKindsAndHidesInternalCause(t *testing.T) {
	gin.SetMode(gin.TestMode)
	baseLogger := zerolog.Nop()
	r := gin.New()
	r.Use(withRequestContext(baseLogger))
	r.GET("/missing", func(c *gin.Context) { fail(c, apperr.NotFound("Agent not found"), baseLogger) })
	r.GET("/broken", func(c *gin.Context) {
		fail(c, apperr.Internal("load agent", errors.New("database is locked")), baseLogger)
	})

	for _, tc := range []struct {
		path   string
		status int
		detail string
	}{
		{"/missing", http.StatusNotFound, "Agent not found"},
		{"/broken", http.StatusInternalServerError, "internal server error"},
	} {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, tc.path, nil))
		require.Equal(t, tc.status, resp.Code)
		require.NotContains(t, resp.Body.String(), "locked")
		require.Contains(t, resp.Body.String(), tc.detail)
	}
}

func TestPagingClamps(t *testing.T) {
	gin.SetMode(gin.TestMode)
	for _, tc := range []struct {
		query         string
		limit, offset int
	}{
		{"", 50, 0},
		{"limit=10&offset=20", 10, 20},
		{"limit=0&offset=-5", 1, 0},
		{"limit=100000", 500, 0},
		{"limit=abc", 50, 0},
	} {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/x?"+tc.query, nil)
		limit, offset := paging(c, 50, 500)
		require.Equal(t, tc.limit, limit, tc.query)
		require.Equal(t, tc.offset, offset, tc.query)
	}
}

func TestWithDeadlineBoundsRequestContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/bounded", withDeadline(2*time.Second), func(c *gin.Context) {
		deadline, ok := c.Request.Context().Deadline()
		require.True(t, ok)
		require.WithinDuration(t, time.Now().Add(2*time.Second), deadline, time.Second)
		c.Status(http.StatusOK)
	})
	r.GET("/unbounded", withDeadline(0), func(c *gin.Context) {
		_, ok := c.Request.Context().Deadline()
		require.False(t, ok)
		c.Status(http.StatusOK)
	})

	for _, path := range []string{"/bounded", "/unbounded"} {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, resp.Code, path)
	}
}
