package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mabletask/cdp/config"
	"mabletask/cdp/handlers"
	"mabletask/cdp/models"
	"mabletask/cdp/store"
	"mabletask/cdp/utils"
)

type nopStore struct{}

func (nopStore) InsertEvents(context.Context, []models.EventRow) error {
	return nil
}

func (nopStore) LinkIdentities(context.Context, []models.IdentityLink) error {
	return nil
}

func (nopStore) GetLink(context.Context, string) (*models.IdentityLink, error) {
	return nil, store.ErrIdentityNotFound
}

func (nopStore) AnonymousIDsFor(context.Context, []string) ([]string, error) {
	return nil, nil
}

func (nopStore) GetEventCountsOverTime(context.Context, string, time.Time, time.Time, string) ([]models.CountByTime, error) {
	return nil, nil
}

func (nopStore) GetUniqueUsersOverTime(context.Context, string, time.Time, time.Time) ([]models.CountByTime, error) {
	return nil, nil
}

func (nopStore) GetTopNPagePaths(context.Context, time.Time, time.Time, string, uint64) ([]models.TopPathResult, error) {
	return nil, nil
}

func testRouter(t *testing.T) (*gin.Engine, *config.ServerConfig) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.ServerConfig{
		WriteKey:       "wk-1",
		JWTSecret:      []byte("s3cret"),
		AllowedOrigins: []string{"https://shop.example.com"},
	}
	logger := zap.NewNop()
	r := newRouter(cfg,
		handlers.NewCollectHandlers(nopStore{}, nopStore{}, logger),
		handlers.NewStatsHandlers(nopStore{}, nopStore{}, logger),
		logger,
	)
	return r, cfg
}

func TestRouter_Collect(t *testing.T) {
	r, cfg := testRouter(t)

	body := `{"batch":[{"event":"x","user":{"anonymous_id":"a"}}],"sent_at":"2026-05-01T00:00:00Z"}`

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/collect", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/collect", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", cfg.WriteKey)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_ProtectedRoutes(t *testing.T) {
	r, cfg := testRouter(t)
	token, err := utils.GenerateJWT(cfg.JWTSecret, "dash", time.Hour)
	require.NoError(t, err)

	for _, path := range []string{
		"/api/stats/event-counts?interval=Day",
		"/api/stats/unique-users?interval=Day",
		"/api/stats/top-paths",
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)

		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w = httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/identity/anon-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/users/u-42/identities", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/users/u-42/identities", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_Health(t *testing.T) {
	r, _ := testRouter(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
