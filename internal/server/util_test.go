package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/loykin/gridwarden/internal/fleet"
	"github.com/loykin/gridwarden/internal/manager"
	"github.com/loykin/gridwarden/internal/supervisor"
)

func TestSanitizeBase(t *testing.T) {
	for in, want := range map[string]string{
		"":           "",
		"/":          "",
		"api":        "/api",
		"/grid/api/": "/grid/api",
		"  /grid  ":  "/grid",
		"/api/v1":    "/api/v1",
	} {
		assert.Equal(t, want, sanitizeBase(in), "sanitizeBase(%q)", in)
	}
}

func TestIsSafeName(t *testing.T) {
	for _, s := range []string{"hub", "worker-01", "mac_mini.lab", "10.0.0.5"} {
		assert.True(t, isSafeName(s), s)
	}
	for _, s := range []string{"", "..", "node..1", "lab/hub", `win\host`, "host;rm", "노드"} {
		assert.False(t, isSafeName(s), s)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("lookup: %w", manager.ErrUnknownProcess), http.StatusNotFound},
		{fmt.Errorf("idle: %w", fleet.ErrUnknownHost), http.StatusNotFound},
		{manager.ErrInvalidVersion, http.StatusBadRequest},
		{&supervisor.Error{Kind: supervisor.KindHostUnreachable}, http.StatusServiceUnavailable},
		{&supervisor.Error{Kind: supervisor.KindChannelUnavailable}, http.StatusServiceUnavailable},
		{&supervisor.Error{Kind: supervisor.KindDependencyNotReady}, http.StatusConflict},
		{&supervisor.Error{Kind: supervisor.KindArtifactUnavailable}, http.StatusInternalServerError},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, statusFor(c.err), "%v", c.err)
	}
}

func TestWriteError_Body(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		writeError(c, &supervisor.Error{Op: "start", Host: "n1", Role: supervisor.RoleNode, Kind: supervisor.KindDependencyNotReady})
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"error":"start node on n1: DependencyNotReady`)
}
