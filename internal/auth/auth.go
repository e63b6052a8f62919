// Package auth turns bearer tokens into the actors the ride core works with.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrMissingToken       = errors.New("missing or malformed authorization")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidSigningAlgo = errors.New("unexpected signing method")
	ErrEmptySecret        = errors.New("jwt secret is empty")
)

// Claims carries the actor role next to the standard subject and expiry.
type Claims struct {
	Role models.Role `json:"role"`
	jwtlib.RegisteredClaims
}

var _ jwtlib.Claims = (*Claims)(nil)

// Verifier signs and validates HS256 tokens.
type Verifier struct {
	secret []byte
	ttl    time.Duration
}

func NewVerifier(secret string, ttl time.Duration) (*Verifier, error) {
	s := strings.TrimSpace(secret)
	if s == "" {
		return nil, ErrEmptySecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Verifier{secret: []byte(s), ttl: ttl}, nil
}

// Issue returns a signed token for the actor.
func (v *Verifier) Issue(a models.Actor) (string, error) {
	if a.ID == "" || !a.Role.Valid() {
		return "", fmt.Errorf("cannot issue token for actor %q with role %q", a.ID, a.Role)
	}
	now := time.Now().UTC()
	claims := &Claims{
		Role: a.Role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   a.ID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(v.ttl)),
		},
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify checks signature and expiry and returns the actor the token names.
func (v *Verifier) Verify(raw string) (models.Actor, error) {
	parser := jwtlib.NewParser(jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	token, err := parser.ParseWithClaims(raw, claims, func(t *jwtlib.Token) (any, error) {
		if t.Method != jwtlib.SigningMethodHS256 {
			return nil, ErrInvalidSigningAlgo
		}
		return v.secret, nil
	})
	if err != nil {
		return models.Actor{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" || !claims.Role.Valid() {
		return models.Actor{}, ErrInvalidToken
	}
	return models.Actor{ID: claims.Subject, Role: claims.Role}, nil
}

// FromAuthorization reads "Authorization: Bearer <token>", falling back to
// the token query parameter that browser websocket clients use.
func FromAuthorization(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", ErrMissingToken
		}
		return strings.TrimSpace(token), nil
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", ErrMissingToken
}

type ctxKey struct{}

func WithActor(ctx context.Context, a models.Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// ActorFrom returns the authenticated actor, or nil when the request carried none.
func ActorFrom(ctx context.Context) *models.Actor {
	a, ok := ctx.Value(ctxKey{}).(models.Actor)
	if !ok {
		return nil
	}
	return &a
}
