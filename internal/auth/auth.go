// Package auth guards the HTTP API with basic authentication against
// bcrypt password hashes from the configuration.
package auth

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// Role is the permission level of an API user.
type Role string

const (
	// RoleAdmin may call every endpoint.
	RoleAdmin Role = "admin"
	// RoleViewer may only read.
	RoleViewer Role = "viewer"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// User is one API account.
type User struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         Role   `mapstructure:"role"`
}

type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Users   []User `mapstructure:"users"`
}

// Validate checks usernames, roles and that every hash is a bcrypt hash.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Users) == 0 {
		return errors.New("auth: enabled without users")
	}
	seen := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if u.Username == "" {
			return errors.New("auth: user without username")
		}
		if seen[u.Username] {
			return fmt.Errorf("auth: duplicate user %q", u.Username)
		}
		seen[u.Username] = true
		switch u.Role {
		case RoleAdmin, RoleViewer:
		default:
			return fmt.Errorf("auth: user %q has unknown role %q", u.Username, u.Role)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return fmt.Errorf("auth: user %q: password_hash is not a bcrypt hash: %w", u.Username, err)
		}
	}
	return nil
}

// Service authenticates API requests.
type Service struct {
	users map[string]User
	// dummy is compared against for unknown users so both paths cost the same.
	dummy []byte
}

func New(c Config) (*Service, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("gridwarden"), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	s := &Service{users: make(map[string]User, len(c.Users)), dummy: dummy}
	for _, u := range c.Users {
		s.users[u.Username] = u
	}
	return s, nil
}

// Authenticate returns the user whose password matches.
func (s *Service) Authenticate(username, password string) (User, error) {
	u, ok := s.users[username]
	hash := s.dummy
	if ok {
		hash = []byte(u.PasswordHash)
	}
	err := bcrypt.CompareHashAndPassword(hash, []byte(password))
	if !ok || err != nil {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

// Allowed reports whether role may issue a request with method.
func Allowed(role Role, method string) bool {
	if role == RoleAdmin {
		return true
	}
	return role == RoleViewer && (method == http.MethodGet || method == http.MethodHead)
}

// HashPassword returns a bcrypt hash suitable for password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
