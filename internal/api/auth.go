package api

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"papertrade/pkg/auth"
	"papertrade/pkg/db"
)

const userContextKey = "UserID"

// AuthMiddleware rejects requests without a valid bearer token and stores
// the caller's user id for CurrentUserID.
func AuthMiddleware(tokens *auth.Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := tokens.VerifyHeader(c.GetHeader("Authorization"))
		if err != nil {
			status, code := authErrorCode(err)
			c.AbortWithStatusJSON(status, gin.H{"code": code, "error": err.Error()})
			return
		}
		c.Set(userContextKey, userID)
		c.Next()
	}
}

func authErrorCode(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return http.StatusUnauthorized, "MISSING_TOKEN"
	case errors.Is(err, auth.ErrMalformedAuth):
		return http.StatusUnauthorized, "INVALID_AUTH_HEADER"
	default:
		return http.StatusUnauthorized, "INVALID_TOKEN"
	}
}

// CurrentUserID returns the user set by AuthMiddleware.
func CurrentUserID(c *gin.Context) string {
	return c.GetString(userContextKey)
}

type credentials struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// bind reads and normalizes credentials, writing the error response itself
// when they are unusable.
func (cr *credentials) bind(c *gin.Context) bool {
	if err := c.ShouldBindJSON(cr); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return false
	}
	cr.Email = strings.ToLower(strings.TrimSpace(cr.Email))
	cr.Username = strings.TrimSpace(cr.Username)
	if cr.Email == "" || cr.Password == "" {
		respondError(c, http.StatusBadRequest, "MISSING_CREDENTIALS", "email and password are required")
		return false
	}
	return true
}

func (s *Server) registerUser(c *gin.Context) {
	var in credentials
	if !in.bind(c) {
		return
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_EMAIL", "invalid email format")
		return
	}
	if len(in.Password) < auth.MinPasswordLength {
		respondError(c, http.StatusBadRequest, "WEAK_PASSWORD", "password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to hash password")
		return
	}
	ctx := c.Request.Context()
	user := db.User{ID: uuid.NewString(), Email: in.Email, PasswordHash: hash, CreatedAt: time.Now()}
	switch err := s.Users.CreateUser(ctx, user); {
	case errors.Is(err, db.ErrEmailTaken):
		respondError(c, http.StatusConflict, "EMAIL_ALREADY_REGISTERED", "email already registered")
		return
	case err != nil:
		s.Log.Errorf("register %s: %v", in.Email, err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create user")
		return
	}

	// Fund the account now so the first order already sees the balance.
	if s.Settlement != nil {
		if _, err := s.Settlement.GetAccount(ctx, user.ID); err != nil {
			s.Log.Warnf("open account for %s: %v", user.ID, err)
		}
	}
	c.JSON(http.StatusCreated, gin.H{"user_id": user.ID, "username": in.Username})
}

func (s *Server) loginUser(c *gin.Context) {
	var in credentials
	if !in.bind(c) {
		return
	}
	user, err := s.Users.GetUserByEmail(c.Request.Context(), in.Email)
	if err != nil {
		s.Log.Errorf("login %s: %v", in.Email, err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load user")
		return
	}
	if user == nil || !auth.PasswordMatches(user.PasswordHash, in.Password) {
		respondError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials")
		return
	}

	token, expiresAt, err := s.Tokens.Issue(user.ID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to generate token")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
		"user_id":    user.ID,
		"user_email": user.Email,
	})
}
