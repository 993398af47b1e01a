package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"lingochat/pkg/logger"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const ContextUserIDKey = "userID"

// Authenticator validates bearer tokens and stores the subject as the caller id
type Authenticator struct {
	keyFunc jwt.Keyfunc
	methods []string
	jwks    *keyfunc.JWKS
}

// NewAuthenticator verifies tokens against a JWKS endpoint when jwksURL is
// set and against the HS256 secret otherwise.
func NewAuthenticator(secret, jwksURL string) (*Authenticator, error) {
	if jwksURL != "" {
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
			RefreshErrorHandler: func(err error) {
				logger.Warn("JWKS refresh failed", zap.Error(err))
			},
			RefreshInterval:   time.Hour,
			RefreshRateLimit:  5 * time.Minute,
			RefreshTimeout:    10 * time.Second,
			RefreshUnknownKID: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load JWKS: %w", err)
		}
		return &Authenticator{
			keyFunc: jwks.Keyfunc,
			methods: []string{"RS256", "ES256"},
			jwks:    jwks,
		}, nil
	}

	if secret == "" {
		return nil, errors.New("either a JWT secret or a JWKS URL is required")
	}
	key := []byte(secret)
	return &Authenticator{
		keyFunc: func(*jwt.Token) (interface{}, error) { return key, nil },
		methods: []string{jwt.SigningMethodHS256.Alg()},
	}, nil
}

func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header is required"})
			return
		}

		var claims jwt.RegisteredClaims
		token, err := jwt.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), &claims, a.keyFunc,
			jwt.WithValidMethods(a.methods))
		if err != nil || !token.Valid || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ContextUserIDKey, claims.Subject)
		c.Next()
	}
}

// Close stops background JWKS refresh
func (a *Authenticator) Close() {
	if a.jwks != nil {
		a.jwks.EndBackground()
	}
}

func callerID(c *gin.Context) string {
	return c.GetString(ContextUserIDKey)
}
