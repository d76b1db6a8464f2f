package usertoken

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer   = "photoshare-idp"
	defaultAudience = "photoshare-api"
	defaultLeeway   = 30 * time.Second
)

// Config configures verification of user access tokens.
type Config struct {
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
}

// Verifier checks RS256 access tokens from the identity provider against
// its published JWKS and maps them to user ids. Every authenticated route
// goes through it, so key lookups are cached.
type Verifier struct {
	parser *jwt.Parser
	keys   *keyCache
}

// NewVerifier builds a verifier and fetches the JWKS once up front, so a
// misconfigured identity provider fails the server at startup instead of
// failing every request.
func NewVerifier(cfg Config) (*Verifier, error) {
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}

	keys, err := newKeyCache(jwksURL, httpClient)
	if err != nil {
		return nil, fmt.Errorf("load jwks: %w", err)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(leeway),
	)
	return &Verifier{parser: parser, keys: keys}, nil
}

// VerifySubject validates the token and returns its subject user id.
func (v *Verifier) VerifySubject(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, v.signingKey)
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errors.New("token has no subject")
	}
	return subject, nil
}

func (v *Verifier) signingKey(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, errors.New("token has no key id")
	}
	return v.keys.get(kid)
}
