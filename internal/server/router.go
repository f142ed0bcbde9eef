package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notevault/internal/auth"
	"github.com/MarcoPoloResearchLab/notevault/internal/metrics"
	"github.com/MarcoPoloResearchLab/notevault/internal/notes"
	"github.com/MarcoPoloResearchLab/notevault/internal/uploads"
	"github.com/MarcoPoloResearchLab/notevault/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey      = "notevault_user_id"
	multipartMemoryBytes  = 8 << 20
	multipartOverheadSize = 1 << 20
)

var (
	errMissingIdentityResolver = errors.New("identity resolver dependency required")
	errMissingTokenExchanger   = errors.New("token exchanger dependency required")
	errMissingNotesService     = errors.New("notes service dependency required")
	errMissingUsersService     = errors.New("users service dependency required")
	errMissingUploadGateway    = errors.New("upload gateway dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// IdentityResolver maps a bearer credential onto a canonical user identifier.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, credential string) (string, error)
}

// TokenExchanger issues backend tokens for local accounts and exchanges identity provider tokens.
type TokenExchanger interface {
	Issue(ctx context.Context, userID string) (auth.IssuedToken, error)
	Exchange(ctx context.Context, idToken string) (string, auth.IssuedToken, error)
}

// Dependencies wires the services behind the HTTP surface.
type Dependencies struct {
	Identity       IdentityResolver
	Tokens         TokenExchanger
	NotesService   *notes.Service
	UsersService   *users.Service
	Uploads        *uploads.Gateway
	Logger         *zap.Logger
	AllowedOrigins []string
	MaxUploadBytes int64
	HealthCheck    func(ctx context.Context) error
}

// NewHTTPHandler builds the gin engine serving the API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Identity == nil {
		return nil, errMissingIdentityResolver
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenExchanger
	}
	if deps.NotesService == nil {
		return nil, errMissingNotesService
	}
	if deps.UsersService == nil {
		return nil, errMissingUsersService
	}
	if deps.Uploads == nil {
		return nil, errMissingUploadGateway
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.MaxMultipartMemory = multipartMemoryBytes
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(metrics.GinMiddleware())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		identity:       deps.Identity,
		tokens:         deps.Tokens,
		notesService:   deps.NotesService,
		usersService:   deps.UsersService,
		uploads:        deps.Uploads,
		logger:         logger,
		maxUploadBytes: deps.MaxUploadBytes,
		healthCheck:    deps.HealthCheck,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.POST("/register", handler.handleRegister)
	authRoutes.POST("/login", handler.handleLogin)
	authRoutes.POST("/exchange", handler.handleExchange)
	authRoutes.POST("/sync", handler.authorizeRequest, handler.requireActive, handler.handleSync)

	noteRoutes := api.Group("/notes")
	noteRoutes.GET("", handler.handleListNotes)
	noteRoutes.GET("/download/:filename", handler.handleDownloadNote)
	noteRoutes.GET("/:id", handler.handleGetNote)
	noteRoutes.POST("", handler.authorizeRequest, handler.requireActive, handler.limitBody, handler.handleCreateNote)
	noteRoutes.POST("/:id/vote", handler.authorizeRequest, handler.requireActive, handler.handleVote)

	userRoutes := api.Group("/users")
	userRoutes.GET("/avatars/:filename", handler.handleAvatar)
	userRoutes.GET("/profile", handler.authorizeRequest, handler.handleProfile)
	userRoutes.PUT("/profile", handler.authorizeRequest, handler.requireActive, handler.handleUpdateProfile)
	userRoutes.POST("/profile/picture", handler.authorizeRequest, handler.requireActive, handler.limitBody, handler.handleProfilePicture)
	userRoutes.GET("/notes", handler.authorizeRequest, handler.handleMyNotes)

	adminRoutes := api.Group("/admin")
	adminRoutes.Use(handler.authorizeRequest, handler.requireAdmin)
	adminRoutes.GET("/users", handler.handleAdminListUsers)
	adminRoutes.POST("/users/:id/ban", handler.handleAdminBan)
	adminRoutes.POST("/users/:id/unban", handler.handleAdminUnban)
	adminRoutes.GET("/bans", handler.handleAdminListBans)
	adminRoutes.DELETE("/notes/:id", handler.handleAdminDeleteNote)

	return router, nil
}

// corsMiddleware allows the configured origins. A "*" entry or an empty list allows any origin without credentials.
func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type"},
		ExposeHeaders: []string{"Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	allowAll := len(origins) == 0
	for _, origin := range origins {
		if origin == "*" {
			allowAll = true
			break
		}
	}
	if allowAll {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}

type httpHandler struct {
	identity       IdentityResolver
	tokens         TokenExchanger
	notesService   *notes.Service
	usersService   *users.Service
	uploads        *uploads.Gateway
	logger         *zap.Logger
	maxUploadBytes int64
	healthCheck    func(ctx context.Context) error
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.healthCheck != nil {
		if err := h.healthCheck(c.Request.Context()); err != nil {
			h.logger.Error("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	userID, err := h.identity.ResolveIdentity(c.Request.Context(), token)
	if err != nil {
		if isCredentialError(err) {
			if errors.Is(err, auth.ErrExpiredToken) {
				h.logger.Info("token validation failed", zap.Error(err))
			} else {
				h.logger.Warn("token validation failed", zap.Error(err))
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.respondError(c, err)
		c.Abort()
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// requireActive rejects unknown and banned callers on mutating routes.
func (h *httpHandler) requireActive(c *gin.Context) {
	if _, err := h.usersService.RequireActive(c.Request.Context(), c.GetString(userIDContextKey)); err != nil {
		h.respondError(c, err)
		c.Abort()
		return
	}
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	if _, err := h.usersService.RequireAdmin(c.Request.Context(), c.GetString(userIDContextKey)); err != nil {
		h.respondError(c, err)
		c.Abort()
		return
	}
	c.Next()
}

// limitBody caps multipart bodies slightly above the largest accepted file.
func (h *httpHandler) limitBody(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartOverheadSize)
	}
	c.Next()
}

func isCredentialError(err error) bool {
	return errors.Is(err, auth.ErrMissingToken) ||
		errors.Is(err, auth.ErrInvalidToken) ||
		errors.Is(err, auth.ErrExpiredToken)
}
