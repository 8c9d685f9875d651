package fhirutil

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Credentials selects how outgoing FHIR requests authenticate.
// A JWT secret wins over basic auth; with neither, requests go out unauthenticated.
type Credentials struct {
	Username    string
	Password    string
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	JWTTTL      time.Duration
}

// AuthTransport decorates requests with the configured credentials
type AuthTransport struct {
	Base        http.RoundTripper
	Credentials Credentials
	now         func() time.Time
}

// NewHTTPClient returns a client with the given timeout that authenticates every request
func NewHTTPClient(creds Credentials, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &AuthTransport{Base: http.DefaultTransport, Credentials: creds, now: time.Now},
	}
}

// RoundTrip implements http.RoundTripper
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	c := t.Credentials
	switch {
	case c.JWTSecret != "":
		token, err := t.signToken()
		if err != nil {
			return nil, err
		}
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+token)
	case c.Username != "":
		req = req.Clone(req.Context())
		req.SetBasicAuth(c.Username, c.Password)
	}
	return base.RoundTrip(req)
}

func (t *AuthTransport) signToken() (string, error) {
	now := time.Now
	if t.now != nil {
		now = t.now
	}
	ttl := t.Credentials.JWTTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	issued := now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		Issuer:    t.Credentials.JWTIssuer,
		Subject:   t.Credentials.Username,
		IssuedAt:  jwt.NewNumericDate(issued),
		NotBefore: jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
	}
	if t.Credentials.JWTAudience != "" {
		claims.Audience = jwt.ClaimStrings{t.Credentials.JWTAudience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(t.Credentials.JWTSecret))
}
