// Package auth verifies bearer JWTs against a JWKS endpoint and resolves
// the organization every API request is scoped to.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const identityKey = "identity"

// Identity is the authenticated caller. Every ticket and channel lookup
// downstream is scoped by OrganizationID.
type Identity struct {
	UserID         string `json:"user_id"`
	Email          string `json:"email"`
	OrganizationID int64  `json:"organization_id"`
}

// Verifier validates JWTs with a cached JWKS.
type Verifier struct {
	jwksURL string
	issuer  string
	cache   *jwk.Cache
}

// NewVerifier creates a verifier and warms the JWKS cache. The cache
// refreshes itself in the background, so verification never blocks on a
// network fetch.
func NewVerifier(jwksURL, issuer string) (*Verifier, error) {
	cache := jwk.NewCache(context.Background())
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &Verifier{jwksURL: jwksURL, issuer: issuer, cache: cache}, nil
}

// VerifyRequest parses and validates the bearer token on a request.
func (v *Verifier) VerifyRequest(r *http.Request) (*Identity, error) {
	keySet, err := v.cache.Get(r.Context(), v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to load JWKS: %w", err)
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(keySet),
		jwt.WithValidate(true),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseRequest(r, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	id := &Identity{UserID: token.Subject()}
	if id.UserID == "" {
		return nil, fmt.Errorf("token missing subject")
	}

	if claim, ok := token.Get("email"); ok {
		id.Email, _ = claim.(string)
	}
	if claim, ok := token.Get("org_id"); ok {
		switch org := claim.(type) {
		case float64:
			id.OrganizationID = int64(org)
		case int64:
			id.OrganizationID = org
		}
	}
	if id.OrganizationID == 0 {
		return nil, fmt.Errorf("token missing org_id claim")
	}

	return id, nil
}

// Middleware rejects unauthenticated requests and stores the caller's
// identity on the gin context.
func (v *Verifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := v.VerifyRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// FromContext returns the identity the middleware stored.
func FromContext(c *gin.Context) (*Identity, bool) {
	val, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	id, ok := val.(*Identity)
	return id, ok
}
