package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/notevault/internal/auth"
	"github.com/MarcoPoloResearchLab/notevault/internal/errs"
	"github.com/MarcoPoloResearchLab/notevault/internal/metrics"
	"github.com/MarcoPoloResearchLab/notevault/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type registerRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type exchangeRequestPayload struct {
	IDToken string `json:"id_token"`
}

type syncRequestPayload struct {
	Name string `json:"name"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBadRequest(c, "invalid_request")
		return
	}

	user, err := h.usersService.Register(c.Request.Context(), users.Registration{
		Email:       request.Email,
		Password:    request.Password,
		DisplayName: request.Name,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respondWithToken(c, http.StatusCreated, user.ID)
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" || request.Password == "" {
		respondBadRequest(c, "invalid_request")
		return
	}

	user, err := h.usersService.Authenticate(c.Request.Context(), request.Email, request.Password, c.ClientIP())
	if err != nil {
		metrics.RecordLogin(loginOutcome(err))
		h.respondError(c, err)
		return
	}
	metrics.RecordLogin("success")
	h.respondWithToken(c, http.StatusOK, user.ID)
}

func (h *httpHandler) handleExchange(c *gin.Context) {
	var request exchangeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		respondBadRequest(c, "invalid_request")
		return
	}

	userID, issued, err := h.tokens.Exchange(c.Request.Context(), request.IDToken)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrExchangeDisabled):
		c.JSON(http.StatusNotFound, gin.H{"error": "exchange_disabled"})
		return
	case isCredentialError(err):
		h.logger.Warn("identity provider token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	default:
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: issued.AccessToken,
		ExpiresIn:   issued.ExpiresIn,
		TokenType:   issued.TokenType,
		UserID:      userID,
	})
}

func (h *httpHandler) handleSync(c *gin.Context) {
	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBadRequest(c, "invalid_request")
		return
	}
	err := h.usersService.Sync(c.Request.Context(), c.GetString(userIDContextKey), users.ProfileUpdate{
		DisplayName: request.Name,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *httpHandler) respondWithToken(c *gin.Context, status int, userID string) {
	issued, err := h.tokens.Issue(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(status, authResponsePayload{
		AccessToken: issued.AccessToken,
		ExpiresIn:   issued.ExpiresIn,
		TokenType:   issued.TokenType,
		UserID:      userID,
	})
}

func loginOutcome(err error) string {
	switch {
	case errors.Is(err, errs.ErrRateLimited):
		return "blocked"
	case errors.Is(err, errs.ErrForbidden):
		return "banned"
	case errors.Is(err, errs.ErrUnauthenticated):
		return "invalid_credentials"
	default:
		return "error"
	}
}
