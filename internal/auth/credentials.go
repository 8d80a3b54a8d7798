// Package auth acquires game credentials from the identity provider and
// caches them on disk between runs.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials are what the gateway needs to log a profile in.
type Credentials struct {
	Identity     string    `json:"identity"`
	Username     string    `json:"username"`
	ProfileID    string    `json:"profile_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ValidAt reports whether the access token is still usable at now with at
// least skew to spare. Credentials with an unknown expiry are never valid.
func (c Credentials) ValidAt(now time.Time, skew time.Duration) bool {
	if c.AccessToken == "" || c.ExpiresAt.IsZero() {
		return false
	}
	return c.ExpiresAt.Sub(now) > skew
}

// TokenExpiry reads the exp claim of a JWT access token. The signature is
// not checked; the gateway does that.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parsing access token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("reading exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("access token has no exp claim")
	}
	return exp.Time, nil
}
