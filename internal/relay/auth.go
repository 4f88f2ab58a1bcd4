package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	ctxUserID  = "user_id"
	ctxRole    = "role"
	ctxAuthErr = "auth_err"
)

var (
	errMissingToken = errors.New("missing session token")
	errInvalidToken = errors.New("invalid session token")
)

// SessionClaims is the payload of the session cookie.
type SessionClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
	Name string `json:"name,omitempty"`
}

// IssueToken signs a session token for subject. It exists for local relays
// and tests; production tokens come from the auth backend.
func IssueToken(secret, subject, role string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("relay secret is empty")
	}
	now := time.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(secret, raw string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || tok == nil || !tok.Valid {
		return nil, errInvalidToken
	}
	if claims.Subject == "" {
		return nil, errInvalidToken
	}
	return claims, nil
}

// SessionAuth verifies the session cookie. Websocket routes must upgrade
// before they can refuse with a close code, so a failure is recorded on the
// context instead of aborting; see authError. An empty secret disables the
// check.
func SessionAuth(secret, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		raw, err := c.Cookie(cookieName)
		if err != nil || raw == "" {
			c.Set(ctxAuthErr, errMissingToken)
			c.Next()
			return
		}

		claims, err := parseToken(secret, raw)
		if err != nil {
			c.Set(ctxAuthErr, err)
			c.Next()
			return
		}

		c.Set(ctxUserID, claims.Subject)
		c.Set(ctxRole, claims.Role)
		c.Next()
	}
}

func authError(c *gin.Context) error {
	v, ok := c.Get(ctxAuthErr)
	if !ok {
		return nil
	}
	err, _ := v.(error)
	return err
}
