package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// DefaultClockSkew is the tolerance applied to exp and nbf.
const DefaultClockSkew = 30 * time.Second

// Token validation errors.
var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrInvalidPrefix = errors.New("authorization header is not a bearer token")
	ErrTokenExpired  = errors.New("token has expired")
	ErrTokenInvalid  = errors.New("token is invalid")
	ErrMissingClaim  = errors.New("token has no subject")
	ErrEmptySecret   = errors.New("auth secret is empty")
)

// Claims is the subset of token claims the gateway uses.
type Claims struct {
	Subject   string
	Issuer    string
	ExpiresAt time.Time
}

// Validator checks HS256 tokens.
type Validator struct {
	secret   []byte
	issuer   string
	audience string
	skew     time.Duration
	now      func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithIssuer requires the iss claim to equal issuer.
func WithIssuer(issuer string) Option {
	return func(v *Validator) {
		v.issuer = issuer
	}
}

// WithAudience requires aud to contain audience.
func WithAudience(audience string) Option {
	return func(v *Validator) {
		v.audience = audience
	}
}

// WithClockSkew sets the tolerance applied to time claims.
func WithClockSkew(d time.Duration) Option {
	return func(v *Validator) {
		v.skew = d
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

// NewValidator creates a validator for tokens signed with secret.
func NewValidator(secret string, opts ...Option) (*Validator, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	v := &Validator{
		secret: []byte(secret),
		skew:   DefaultClockSkew,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate verifies the signature and time claims of raw and returns
// its claims. A token without a subject is rejected.
func (v *Validator) Validate(raw string) (*Claims, error) {
	opts := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256, v.secret),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(v.skew),
		jwt.WithClock(jwt.ClockFunc(v.now)),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	tok, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if tok.Subject() == "" {
		return nil, ErrMissingClaim
	}
	return &Claims{
		Subject:   tok.Subject(),
		Issuer:    tok.Issuer(),
		ExpiresAt: tok.Expiration(),
	}, nil
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) (string, error) {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrInvalidPrefix
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
