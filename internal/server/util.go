package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/gridwarden/internal/fleet"
	"github.com/loykin/gridwarden/internal/manager"
	"github.com/loykin/gridwarden/internal/supervisor"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isSafeName validates host ids taken from the URL.
// Allowed characters: A-Z a-z 0-9 . _ - and no consecutive dots forming "..".
func isSafeName(s string) bool {
	if s == "" {
		return false
	}
	if strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// opContext returns the context for a process operation. A client that
// disconnects or times out does not abort an operation already under way.
func opContext(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

// statusFor maps an operation error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, manager.ErrUnknownProcess), errors.Is(err, fleet.ErrUnknownHost):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrInvalidVersion):
		return http.StatusBadRequest
	}
	switch supervisor.KindOf(err) {
	case supervisor.KindHostUnreachable, supervisor.KindChannelUnavailable:
		return http.StatusServiceUnavailable
	case supervisor.KindDependencyNotReady:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
