package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"user_service/internal/metrics"
	"user_service/internal/service"

	"github.com/gin-gonic/gin"
)

const (
	codeOK                 = "OK"
	codeParameterNotValid  = "ParameterNotValid"
	codeDuplicateUser      = "DuplicateUser"
	codeUserNotFound       = "UserNotFound"
	codeInvalidCredentials = "InvalidCredentials"
	codeInvalidToken       = "InvalidToken"
	codeMissingContext     = "MissingContext"
	codeTooManyRequests    = "TooManyRequests"
	codeNoResource         = "NoResource"
	codeServerError        = "ServerError"
	codeNotReady           = "NotReady"

	messageServerError = "internal server error"

	apiVersion = "user_service v1"
)

// Pinger reports whether a dependency can serve traffic.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	serviceLayer service.Service
	readiness    Pinger
	limiter      *RateLimiter
	log          *slog.Logger
}

type response struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

type registerRequest struct {
	UserID      string `json:"userId" binding:"required"`
	Password    string `json:"password" binding:"required"`
	PhoneNumber string `json:"phoneNumber" binding:"required"`
}

type loginRequest struct {
	UserID   string `json:"userId" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

type tokensResponse struct {
	AccessToken           string    `json:"accessToken"`
	AccessTokenExpiresAt  time.Time `json:"accessTokenExpiresAt"`
	RefreshToken          string    `json:"refreshToken"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt"`
}

type accessTokenResponse struct {
	AccessToken          string    `json:"accessToken"`
	AccessTokenExpiresAt time.Time `json:"accessTokenExpiresAt"`
}

func newErrorResponse(c *gin.Context, statusCode int, code, errMessage string) {
	c.AbortWithStatusJSON(statusCode, response{Code: code, Message: errMessage})
}

func newOKResponse(c *gin.Context, statusCode int, data any) {
	c.JSON(statusCode, response{Code: codeOK, Message: "success", Data: data})
}

func NewHandler(srvc service.Service, readiness Pinger, limiter *RateLimiter, lgr *slog.Logger) *Handler {
	return &Handler{
		serviceLayer: srvc,
		readiness:    readiness,
		limiter:      limiter,
		log:          lgr,
	}
}

func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(Recovery(h.log), RequestLogger(h.log), metrics.Instrument(), GatewayContext())

	router.NoRoute(func(c *gin.Context) {
		newErrorResponse(c, http.StatusNotFound, codeNoResource, "resource not found")
	})

	api := router.Group("/api/user/v1")
	{
		auth := api.Group("/auth")
		auth.POST("/register", h.limiter.Middleware(), h.Register)
		auth.POST("/login", h.limiter.Middleware(), h.Login)
		auth.POST("/refresh", h.Refresh)
		auth.POST("/logout", h.Logout)
		auth.GET("/test", h.Test)

		api.GET("/user/profile", h.GetProfile)
	}

	backend := router.Group("/backend/user/v1/k8s")
	{
		backend.GET("/liveness", h.Liveness)
		backend.GET("/readiness", h.Readiness)
	}

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	return router
}

// POST /api/user/v1/auth/register
func (h *Handler) Register(c *gin.Context) {
	const op = "handler.Register"

	log := h.log.With(slog.String("op", op), slog.String("client_address", clientAddress(c)))

	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Info("invalid register request", slog.Any("error", err))

		h.fail(c, "register", http.StatusBadRequest, codeParameterNotValid, "userId, password and phoneNumber are required")

		return
	}

	_, err := h.serviceLayer.Register(c.Request.Context(), req.UserID, req.Password, req.PhoneNumber)
	if err != nil {
		h.handleError(c, log, "register", err)

		return
	}

	log.Info("user registered", slog.String("user_id", req.UserID))
	metrics.AuthOperation("register", codeOK)

	newOKResponse(c, http.StatusCreated, gin.H{"userId": strings.TrimSpace(req.UserID)})
}

// POST /api/user/v1/auth/login
func (h *Handler) Login(c *gin.Context) {
	const op = "handler.Login"

	log := h.log.With(slog.String("op", op), slog.String("client_address", clientAddress(c)))

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Info("invalid login request", slog.Any("error", err))

		h.fail(c, "login", http.StatusBadRequest, codeParameterNotValid, "userId and password are required")

		return
	}

	pair, err := h.serviceLayer.Login(c.Request.Context(), clientContext(c), req.UserID, req.Password)
	if err != nil {
		// Unknown user and wrong password look the same to the client.
		if errors.Is(err, service.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			log.Info("login rejected", slog.String("user_id", req.UserID), slog.Any("reason", err))

			h.fail(c, "login", http.StatusUnauthorized, codeInvalidCredentials, "invalid user id or password")

			return
		}
		h.handleError(c, log, "login", err)

		return
	}

	metrics.AuthOperation("login", codeOK)

	newOKResponse(c, http.StatusOK, tokensResponse{
		AccessToken:           pair.Access.Value,
		AccessTokenExpiresAt:  pair.Access.ExpiresAt,
		RefreshToken:          pair.Refresh.Value,
		RefreshTokenExpiresAt: pair.Refresh.ExpiresAt,
	})
}

// POST /api/user/v1/auth/refresh
func (h *Handler) Refresh(c *gin.Context) {
	const op = "handler.Refresh"

	log := h.log.With(slog.String("op", op), slog.String("client_address", clientAddress(c)))

	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Info("not given refresh token", slog.Any("error", err))

		h.fail(c, "refresh", http.StatusBadRequest, codeParameterNotValid, "refreshToken is required")

		return
	}

	access, err := h.serviceLayer.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			log.Info("refresh for deleted account", slog.Any("reason", err))

			h.fail(c, "refresh", http.StatusUnauthorized, codeInvalidToken, "invalid token")

			return
		}
		h.handleError(c, log, "refresh", err)

		return
	}

	metrics.AuthOperation("refresh", codeOK)

	newOKResponse(c, http.StatusOK, accessTokenResponse{
		AccessToken:          access.Value,
		AccessTokenExpiresAt: access.ExpiresAt,
	})
}

// POST /api/user/v1/auth/logout
func (h *Handler) Logout(c *gin.Context) {
	const op = "handler.Logout"

	log := h.log.With(slog.String("op", op), slog.String("client_address", clientAddress(c)))

	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, "logout", http.StatusBadRequest, codeParameterNotValid, "refreshToken is required")

		return
	}

	if err := h.serviceLayer.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		h.handleError(c, log, "logout", err)

		return
	}

	metrics.AuthOperation("logout", codeOK)

	newOKResponse(c, http.StatusOK, nil)
}

// GET /api/user/v1/auth/test
func (h *Handler) Test(c *gin.Context) {
	const op = "handler.Test"

	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		newOKResponse(c, http.StatusOK, apiVersion)

		return
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		newErrorResponse(c, http.StatusUnauthorized, codeInvalidToken, "invalid authorization header")

		return
	}

	userID, err := h.serviceLayer.Authenticate(c.Request.Context(), parts[1])
	if err != nil {
		h.handleError(c, h.log.With(slog.String("op", op)), "test", err)

		return
	}

	newOKResponse(c, http.StatusOK, gin.H{"version": apiVersion, "userId": userID})
}

// GET /api/user/v1/user/profile
func (h *Handler) GetProfile(c *gin.Context) {
	const op = "handler.GetProfile"

	log := h.log.With(slog.String("op", op), slog.String("client_address", clientAddress(c)))

	profile, err := h.serviceLayer.GetProfile(c.Request.Context(), clientContext(c))
	if err != nil {
		h.handleError(c, log, "profile", err)

		return
	}

	newOKResponse(c, http.StatusOK, profile)
}

// GET /backend/user/v1/k8s/liveness
func (h *Handler) Liveness(c *gin.Context) {
	newOKResponse(c, http.StatusOK, "alive")
}

// GET /backend/user/v1/k8s/readiness
func (h *Handler) Readiness(c *gin.Context) {
	const op = "handler.Readiness"

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.readiness.Ping(ctx); err != nil {
		h.log.Warn("not ready", slog.String("op", op), slog.Any("error", err))

		newErrorResponse(c, http.StatusServiceUnavailable, codeNotReady, "dependencies unavailable")

		return
	}

	newOKResponse(c, http.StatusOK, "ready")
}

func (h *Handler) fail(c *gin.Context, opName string, status int, code, message string) {
	metrics.AuthOperation(opName, code)
	newErrorResponse(c, status, code, message)
}

// handleError maps service errors to a status and stable code. Anything not
// in the taxonomy is logged in full and reported generically.
func (h *Handler) handleError(c *gin.Context, log *slog.Logger, opName string, err error) {
	var (
		status  int
		code    string
		message string
	)

	switch {
	case errors.Is(err, service.ErrBadParameter):
		status, code, message = http.StatusBadRequest, codeParameterNotValid, "invalid parameters"
	case errors.Is(err, service.ErrMissingContext):
		status, code, message = http.StatusBadRequest, codeMissingContext, "required gateway header is missing"
	case errors.Is(err, service.ErrDuplicateUser):
		status, code, message = http.StatusConflict, codeDuplicateUser, "user already exists"
	case errors.Is(err, service.ErrUserNotFound):
		status, code, message = http.StatusNotFound, codeUserNotFound, "user not found"
	case errors.Is(err, service.ErrInvalidCredentials):
		status, code, message = http.StatusUnauthorized, codeInvalidCredentials, "invalid user id or password"
	case errors.Is(err, service.ErrInvalidToken):
		status, code, message = http.StatusUnauthorized, codeInvalidToken, "invalid token"
	default:
		log.Error("unexpected error", slog.Any("error", err))

		h.fail(c, opName, http.StatusInternalServerError, codeServerError, messageServerError)

		return
	}

	log.Info("request rejected", slog.String("code", code), slog.Any("reason", err))

	h.fail(c, opName, status, code, message)
}
