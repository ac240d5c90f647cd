package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const contextUserIDKey = "auth.user_id"

// AuthRequired validates the bearer token and stores the caller's user id
// on the request context.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := s.authenticate(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set(contextUserIDKey, userID)
		c.Next()
	}
}

func (s *Server) authenticate(c *gin.Context) (snowflake.ID, bool) {
	secret := strings.TrimSpace(s.cfg.AuthJWTSecret)
	if secret == "" {
		return 0, false
	}

	header := c.GetHeader("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	if !found || token == "" {
		return 0, false
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return 0, false
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return 0, false
	}
	userID, err := snowflake.ParseString(subject)
	if err != nil || userID == 0 {
		return 0, false
	}
	return userID, true
}

func currentUserID(c *gin.Context) (snowflake.ID, bool) {
	value, exists := c.Get(contextUserIDKey)
	if !exists {
		return 0, false
	}
	userID, ok := value.(snowflake.ID)
	return userID, ok
}
