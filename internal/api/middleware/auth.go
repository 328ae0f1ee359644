package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"daggle/internal/common"
	"daggle/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const identityKey = "identity"

// Auth verifies HS256 bearer tokens issued by the platform's auth service
type Auth struct {
	secret []byte
}

// NewAuth creates the token verifier
func NewAuth(secret string) *Auth {
	return &Auth{secret: []byte(secret)}
}

// Optional attaches the caller's identity when a valid token is present and
// lets anonymous requests through. A malformed or expired token is rejected
// rather than silently downgraded.
func (a *Auth) Optional() fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			return c.Next()
		}
		identity, err := a.identityFromHeader(header)
		if err != nil {
			return err
		}
		c.Locals(identityKey, identity)
		return c.Next()
	}
}

// Required rejects requests without a valid token
func (a *Auth) Required() fiber.Handler {
	return func(c *fiber.Ctx) error {
		identity, err := a.identityFromHeader(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return err
		}
		c.Locals(identityKey, identity)
		return c.Next()
	}
}

// IdentityFrom returns the authenticated identity, or nil for anonymous requests
func IdentityFrom(c *fiber.Ctx) *models.Identity {
	identity, _ := c.Locals(identityKey).(*models.Identity)
	return identity
}

func (a *Auth) identityFromHeader(header string) (*models.Identity, error) {
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return nil, fmt.Errorf("%w: invalid authorization header format", common.ErrUnauthorized)
	}
	return a.Parse(parts[1])
}

// Parse validates a token and extracts the identity from its claims
func (a *Auth) Parse(tokenString string) (*models.Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: invalid or expired token", common.ErrUnauthorized)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid token claims", common.ErrUnauthorized)
	}

	userID, _ := claims["user_id"].(string)
	if userID == "" {
		userID, _ = claims["sub"].(string)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: token has no subject", common.ErrUnauthorized)
	}

	username, _ := claims["username"].(string)
	isAdmin, _ := claims["is_admin"].(bool)
	return &models.Identity{UserID: userID, Username: username, IsAdmin: isAdmin}, nil
}

// IssueToken signs a token for identity. Used by the seeder and tests; the
// platform's auth service issues production tokens.
func (a *Auth) IssueToken(identity models.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id":  identity.UserID,
		"username": identity.Username,
		"is_admin": identity.IsAdmin,
		"iat":      now.Unix(),
		"exp":      now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
