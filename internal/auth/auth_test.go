package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func hash(t *testing.T, pw string) string {
	t.Helper()
	// minimum cost keeps the tests fast
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func testService(t *testing.T) *Service {
	t.Helper()
	s, err := New(Config{Enabled: true, Users: []User{
		{Username: "ops", PasswordHash: hash(t, "secret"), Role: RoleAdmin},
		{Username: "dash", PasswordHash: hash(t, "look"), Role: RoleViewer},
	}})
	require.NoError(t, err)
	return s
}

func TestConfigValidate(t *testing.T) {
	good := hash(t, "x")
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"disabled", Config{}, true},
		{"valid", Config{Enabled: true, Users: []User{{Username: "a", PasswordHash: good, Role: RoleAdmin}}}, true},
		{"no users", Config{Enabled: true}, false},
		{"plain password", Config{Enabled: true, Users: []User{{Username: "a", PasswordHash: "x", Role: RoleAdmin}}}, false},
		{"bad role", Config{Enabled: true, Users: []User{{Username: "a", PasswordHash: good, Role: "root"}}}, false},
		{"duplicate", Config{Enabled: true, Users: []User{
			{Username: "a", PasswordHash: good, Role: RoleAdmin},
			{Username: "a", PasswordHash: good, Role: RoleViewer},
		}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.ok {
				assert.NoError(t, tc.cfg.Validate())
			} else {
				assert.Error(t, tc.cfg.Validate())
			}
		})
	}
}

func TestAuthenticate(t *testing.T) {
	s := testService(t)
	u, err := s.Authenticate("ops", "secret")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, u.Role)

	_, err = s.Authenticate("ops", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Authenticate("nobody", "secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestHashPassword(t *testing.T) {
	h, err := HashPassword("pw")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(h), []byte("pw")))
	_, err = HashPassword("")
	assert.Error(t, err)
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g := gin.New()
	g.Use(testService(t).Gin())
	ok := func(c *gin.Context) { c.String(http.StatusOK, c.MustGet(ContextUser).(User).Username) }
	g.GET("/processes", ok)
	g.POST("/reconcile", ok)

	do := func(method, path, user, pass string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if user != "" {
			req.SetBasicAuth(user, pass)
		}
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodGet, "/processes", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/processes", "ops", "nope").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/processes", "dash", "look").Code)
	assert.Equal(t, http.StatusForbidden, do(http.MethodPost, "/reconcile", "dash", "look").Code)

	rec = do(http.MethodPost, "/reconcile", "ops", "secret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops", rec.Body.String())
}
