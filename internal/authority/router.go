package authority

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/LotlineLogistics/dispatch/internal/assignment"
	"github.com/LotlineLogistics/dispatch/internal/engine"
	"github.com/LotlineLogistics/dispatch/internal/wire"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const tenantContextKey = "dispatch_tenant_id"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingService        = errors.New("authority service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to its subject and tenant.
type TokenValidator interface {
	ValidateToken(token string) (string, string, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	TokenValidator TokenValidator
	Service        *Service
	Logger         *zap.Logger
}

// NewHTTPHandler builds the authority's router: the pull and push endpoints
// behind bearer auth, plus an unauthenticated health probe. Replication
// responses are always marked non-cacheable.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Service == nil {
		return nil, errMissingService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:  deps.TokenValidator,
		service: deps.Service,
		logger:  logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.Use(noStore)
	protected.POST("/assignments/pull", handler.handlePull)
	protected.POST("/assignments/push", handler.handlePush)

	return router, nil
}

type httpHandler struct {
	tokens  TokenValidator
	service *Service
	logger  *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handlePull(c *gin.Context) {
	tenant, ok := h.tenantFromContext(c)
	if !ok {
		return
	}

	var request wire.PullRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	day, err := assignment.NewDayKey(request.DayKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_day"})
		return
	}
	checkpoint, err := engine.ParseCheckpoint(request.Checkpoint)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_checkpoint"})
		return
	}

	page, err := h.service.ListChanged(c.Request.Context(), tenant, day, checkpoint, request.Limit)
	if err != nil {
		h.logger.Error("pull failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pull_failed"})
		return
	}

	records := page.Records
	if records == nil {
		records = []assignment.Record{}
	}
	c.JSON(http.StatusOK, wire.PullResponse{
		Records:    records,
		Checkpoint: engine.EncodeCheckpoint(page.Checkpoint),
		HasMore:    page.HasMore,
	})
}

func (h *httpHandler) handlePush(c *gin.Context) {
	tenant, ok := h.tenantFromContext(c)
	if !ok {
		return
	}

	var request wire.PushRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Mutations) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if len(request.Mutations) > wire.MaxPushBatch {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch_too_large"})
		return
	}

	results, err := h.service.ApplyMutations(c.Request.Context(), tenant, request.Mutations)
	if err != nil {
		h.logger.Error("push failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "push_failed"})
		return
	}

	c.JSON(http.StatusOK, wire.PushResponse{Results: results})
}

func (h *httpHandler) tenantFromContext(c *gin.Context) (assignment.TenantID, bool) {
	raw := c.GetString(tenantContextKey)
	tenant, err := assignment.NewTenantID(raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return tenant, true
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
	_, tenantID, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(tenantContextKey, tenantID)
	c.Next()
}

func noStore(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
	c.Next()
}
