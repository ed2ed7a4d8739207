// Package auth signs relay calls on the client and verifies them on the server.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v4"
	jwtRequest "github.com/golang-jwt/jwt/v4/request"
	"github.com/labstack/echo/v4"

	"chunk-tunnel-go/internal/config"
	"chunk-tunnel-go/internal/model"
)

// ErrUnauthorized is returned when a relay call carries no valid token.
var ErrUnauthorized = errors.New("unauthorized")

// Signer attaches credentials to an outgoing relay call.
type Signer interface {
	Sign(req *http.Request) error
}

// NopSigner leaves requests untouched. It is used when no secret is configured.
type NopSigner struct{}

func (NopSigner) Sign(*http.Request) error { return nil }

// JWTSigner adds a short-lived HS256 bearer token to every call.
type JWTSigner struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner returns a JWTSigner when cfg.Auth.Secret is set, NopSigner otherwise.
func NewSigner(cfg *config.Config) Signer {
	if cfg.Auth.Secret == "" {
		return NopSigner{}
	}
	return &JWTSigner{
		secret: []byte(cfg.Auth.Secret),
		issuer: cfg.Auth.Issuer,
		ttl:    cfg.Auth.TokenTTL(),
		now:    time.Now,
	}
}

// Sign sets Authorization: Bearer <token>. The connection id, when present,
// becomes the token subject.
func (s *JWTSigner) Sign(req *http.Request) error {
	token, err := s.Token(req.Header.Get(model.HeaderConnectionID))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// Token mints a signed token for subject.
func (s *JWTSigner) Token(subject string) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("token id: %w", err)
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		ID:        id.String(),
		Issuer:    s.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verifier checks bearer tokens minted by JWTSigner.
type Verifier struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewVerifier returns nil when cfg.Auth.Secret is empty.
func NewVerifier(cfg *config.Config) *Verifier {
	if cfg.Auth.Secret == "" {
		return nil
	}
	return &Verifier{
		secret: []byte(cfg.Auth.Secret),
		issuer: cfg.Auth.Issuer,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Verify validates the token on r and returns its claims. A call that names a
// connection must carry a token minted for that connection.
func (v *Verifier) Verify(r *http.Request) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwtRequest.ParseFromRequest(r,
		jwtRequest.AuthorizationHeaderExtractor,
		func(*jwt.Token) (interface{}, error) { return v.secret, nil },
		jwtRequest.WithClaims(claims),
		jwtRequest.WithParser(v.parser),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if !claims.VerifyIssuer(v.issuer, true) {
		return nil, fmt.Errorf("%w: issuer %q", ErrUnauthorized, claims.Issuer)
	}
	if id := r.Header.Get(model.HeaderConnectionID); id != "" && claims.Subject != id {
		return nil, fmt.Errorf("%w: token subject %q does not match connection %q", ErrUnauthorized, claims.Subject, id)
	}
	return claims, nil
}

// Middleware returns an Echo middleware that rejects unsigned relay calls
// with 401. A nil Verifier lets every request through.
func Middleware(v *Verifier, logger *slog.Logger) echo.MiddlewareFunc {
	logger = logger.With("component", "auth")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if v == nil {
			return next
		}
		return func(c echo.Context) error {
			if _, err := v.Verify(c.Request()); err != nil {
				logger.Warn("rejected relay call",
					"remote_ip", c.RealIP(),
					"path", c.Request().URL.Path,
					"err", err,
				)
				return c.JSON(http.StatusUnauthorized, model.ErrorReply{Error: "unauthorized"})
			}
			return next(c)
		}
	}
}
