package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/ManuelReschke/HabitLoop/internal/pkg/usercontext"
)

var errUnauthorized = errors.New("unauthorized")

type accessClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 bearer tokens issued by the account service.
type TokenVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(strings.TrimSpace(secret)), now: time.Now}
}

// Parse returns the caller identity carried by a token. The subject is the user id.
func (v *TokenVerifier) Parse(raw string) (usercontext.UserContext, error) {
	if len(v.secret) == 0 || strings.TrimSpace(raw) == "" {
		return usercontext.UserContext{}, errUnauthorized
	}

	claims := &accessClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(_ *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithExpirationRequired(), jwt.WithTimeFunc(v.now))
	if err != nil || token == nil || !token.Valid {
		return usercontext.UserContext{}, errUnauthorized
	}

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return usercontext.UserContext{}, errUnauthorized
	}
	return usercontext.UserContext{
		UserID:     sub,
		Email:      strings.TrimSpace(claims.Email),
		IsLoggedIn: true,
	}, nil
}

// Sign issues a token for userID. Used by tests and local tooling.
func (v *TokenVerifier) Sign(userID, email string, ttl time.Duration) (string, error) {
	now := v.now().UTC()
	claims := accessClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// JWTAuthMiddleware authenticates requests carrying a bearer token.
func JWTAuthMiddleware(v *TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := extractBearerToken(c)
		if raw == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing bearer token"})
		}
		uc, err := v.Parse(raw)
		if err != nil {
			log.Debugf("[Auth] rejected token from %s", c.IP())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid token"})
		}
		usercontext.SetUserContext(c, uc)
		return c.Next()
	}
}

func extractBearerToken(c *fiber.Ctx) string {
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
