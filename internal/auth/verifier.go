// Package auth implements the Token Verifier: a stateless component that
// validates a bearer token and extracts a principal. The signing key and
// algorithm are configured once at startup; the verifier consults no
// external service and never mutates state.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrorKind is the closed set of verification failure reasons.
type ErrorKind int

const (
	// KindNone indicates successful verification.
	KindNone ErrorKind = iota
	KindMissing
	KindMalformed
	KindInvalidSignature
	KindExpired
	KindNotYetValid
)

// VerifyError wraps an ErrorKind so callers can branch on it with errors.As.
type VerifyError struct {
	Kind ErrorKind
	Msg  string
}

func (e *VerifyError) Error() string { return e.Msg }

// Principal is the authenticated identity extracted from a verified token.
type Principal struct {
	ID     string
	Email  string
	Role   string
	Tenant string
}

// Claims is the JWT claim set this verifier expects.
type Claims struct {
	UserID string `json:"sub"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Tenant string `json:"tenant,omitempty"`
	jwt.RegisteredClaims
}

// Config holds the verifier's signing material, configured at startup; a
// Verifier keeps the Config it was built with and has no reload. Exactly one of
// SecretKey (HS256) or RSAPublicKeyPEM (RS256) is expected to be set; if
// both are, RS256 tokens verify against RSAPublicKeyPEM and HS256 tokens
// verify against SecretKey.
type Config struct {
	SecretKey        string
	RSAPublicKeyPEM  string
	Issuer           string
	Audience         string
	ValidateIssuer   bool
	ValidateAudience bool
}

// Verifier validates bearer tokens against a fixed signing configuration.
type Verifier struct {
	cfg       Config
	rsaPublic *rsa.PublicKey
}

// New creates a Verifier from cfg. An invalid RSAPublicKeyPEM is not fatal
// at construction time: it is ignored, so RS256 tokens fail verification
// when a SecretKey is set, and with no SecretKey Enabled reports false.
func New(cfg Config) *Verifier {
	v := &Verifier{cfg: cfg}
	if cfg.RSAPublicKeyPEM != "" {
		if key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.RSAPublicKeyPEM)); err == nil {
			v.rsaPublic = key
		}
	}
	return v
}

// Enabled reports whether verification is configured at all. A verifier
// with neither a secret key nor an RSA public key treats every route as
// unauthenticated.
func (v *Verifier) Enabled() bool {
	return v.cfg.SecretKey != "" || v.rsaPublic != nil
}

// Verify parses and validates a raw "Bearer <token>" header value (or a
// bare token) and returns the principal, or a VerifyError naming one of
// the closed failure kinds.
func (v *Verifier) Verify(authHeader string) (Principal, error) {
	raw := strings.TrimSpace(authHeader)
	if raw == "" {
		return Principal{}, &VerifyError{Kind: KindMissing, Msg: "missing authorization header"}
	}
	raw = strings.TrimPrefix(raw, "Bearer ")
	if raw == "" {
		return Principal{}, &VerifyError{Kind: KindMissing, Msg: "missing bearer token"}
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if v.cfg.SecretKey == "" {
				return nil, errors.New("HS256 not configured")
			}
			return []byte(v.cfg.SecretKey), nil
		case *jwt.SigningMethodRSA:
			if v.rsaPublic == nil {
				return nil, errors.New("RS256 not configured")
			}
			return v.rsaPublic, nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method.Alg())
		}
	})

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Principal{}, &VerifyError{Kind: KindExpired, Msg: "token expired"}
		case errors.Is(err, jwt.ErrTokenNotValidYet):
			return Principal{}, &VerifyError{Kind: KindNotYetValid, Msg: "token not yet valid"}
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Principal{}, &VerifyError{Kind: KindInvalidSignature, Msg: "invalid signature"}
		default:
			return Principal{}, &VerifyError{Kind: KindMalformed, Msg: "malformed token: " + err.Error()}
		}
	}
	if !token.Valid {
		return Principal{}, &VerifyError{Kind: KindMalformed, Msg: "invalid token"}
	}

	if v.cfg.ValidateIssuer && v.cfg.Issuer != "" && claims.Issuer != v.cfg.Issuer {
		return Principal{}, &VerifyError{Kind: KindInvalidSignature, Msg: "unexpected issuer"}
	}
	if v.cfg.ValidateAudience && v.cfg.Audience != "" && !containsAudience(claims.Audience, v.cfg.Audience) {
		return Principal{}, &VerifyError{Kind: KindInvalidSignature, Msg: "unexpected audience"}
	}
	if claims.NotBefore != nil && claims.NotBefore.After(time.Now()) {
		return Principal{}, &VerifyError{Kind: KindNotYetValid, Msg: "token not yet valid"}
	}

	return Principal{ID: claims.UserID, Email: claims.Email, Role: claims.Role, Tenant: claims.Tenant}, nil
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
