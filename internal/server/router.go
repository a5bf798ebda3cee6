package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/journal/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/journal/backend/internal/consent"
	"github.com/MarcoPoloResearchLab/journal/backend/internal/journal"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ownerContextKey          = "journal_owner_id"
	defaultHeartbeatInterval = 25 * time.Second
	tenantHeader             = "X-TAuth-Tenant"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingOwnerResolver    = errors.New("owner resolver dependency required")
	errMissingJournalService   = errors.New("journal service dependency required")
	errMissingConsentRegistry  = errors.New("consent registry dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type OwnerResolver interface {
	ResolveOwner(ctx context.Context, claims auth.SessionClaims) (journal.OwnerID, error)
}

type JournalService interface {
	Sync(ctx context.Context, owner journal.OwnerID, payload journal.SyncRequestPayload) (journal.SyncResult, error)
	CollectChanges(ctx context.Context, owner journal.OwnerID, token string) (journal.ChangesResult, error)
}

type ConsentRegistry interface {
	SetConsent(ctx context.Context, owner journal.OwnerID, operation, dataClass string, allowed bool) (consent.Grant, error)
	ListGrants(ctx context.Context, owner journal.OwnerID) ([]consent.Grant, error)
}

type Dependencies struct {
	SessionValidator  SessionValidator
	Owners            OwnerResolver
	JournalService    JournalService
	Consent           ConsentRegistry
	Realtime          *RealtimeDispatcher
	Logger            *zap.Logger
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Owners == nil {
		return nil, errMissingOwnerResolver
	}
	if deps.JournalService == nil {
		return nil, errMissingJournalService
	}
	if deps.Consent == nil {
		return nil, errMissingConsentRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:          deps.SessionValidator,
		owners:            deps.Owners,
		journalService:    deps.JournalService,
		consent:           deps.Consent,
		realtime:          deps.Realtime,
		logger:            logger,
		heartbeatInterval: heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync", handler.handleSync)
	protected.GET("/sync/changes", handler.handleChanges)
	protected.GET("/consent", handler.handleListConsent)
	protected.PUT("/consent", handler.handleSetConsent)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	allowed := journal.NewIdentifierSet(allowedOrigins...)
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			return allowed.Len() == 0 || allowed.Contains(origin)
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", tenantHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions          SessionValidator
	owners            OwnerResolver
	journalService    JournalService
	consent           ConsentRegistry
	realtime          *RealtimeDispatcher
	logger            *zap.Logger
	heartbeatInterval time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleSync(c *gin.Context) {
	owner := ownerFromContext(c)
	var request journal.SyncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "reason": "malformed json body"})
		return
	}

	result, err := h.journalService.Sync(c.Request.Context(), owner, request)
	if err != nil {
		h.writeJournalError(c, "sync", owner, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleChanges(c *gin.Context) {
	owner := ownerFromContext(c)
	result, err := h.journalService.CollectChanges(c.Request.Context(), owner, strings.TrimSpace(c.Query("token")))
	if err != nil {
		h.writeJournalError(c, "collect_changes", owner, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type consentRequestPayload struct {
	Operation string `json:"operation" binding:"required"`
	DataClass string `json:"data_class" binding:"required"`
	Allowed   *bool  `json:"allowed" binding:"required"`
}

func (h *httpHandler) handleSetConsent(c *gin.Context) {
	owner := ownerFromContext(c)
	var request consentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	grant, err := h.consent.SetConsent(c.Request.Context(), owner, request.Operation, request.DataClass, *request.Allowed)
	if err != nil {
		if errors.Is(err, consent.ErrInvalidGrant) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "reason": err.Error()})
			return
		}
		h.logger.Error("failed to record consent", zap.String("owner_id", owner.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "consent_update_failed"})
		return
	}
	c.JSON(http.StatusOK, grant)
}

func (h *httpHandler) handleListConsent(c *gin.Context) {
	owner := ownerFromContext(c)
	grants, err := h.consent.ListGrants(c.Request.Context(), owner)
	if err != nil {
		h.logger.Error("failed to list consent", zap.String("owner_id", owner.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "consent_lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"grants": grants})
}

type realtimePayload struct {
	EntryIDs      []string  `json:"entryIds"`
	AttachmentIDs []string  `json:"attachmentIds"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime_unavailable"})
		return
	}
	owner := ownerFromContext(c)
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, owner)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(message.EventType, realtimePayload{
				EntryIDs:      message.EntryIDs,
				AttachmentIDs: message.AttachmentIDs,
				Timestamp:     message.Timestamp,
				Source:        realtimeSourceBackend,
			})
			c.Writer.Flush()
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": tick.UTC(), "source": realtimeSourceBackend})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	owner, err := h.owners.ResolveOwner(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("owner resolution failed", zap.String("subject", claims.Subject), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ownerContextKey, owner)
	c.Next()
}

func (h *httpHandler) writeJournalError(c *gin.Context, operation string, owner journal.OwnerID, err error) {
	var validationErr *journal.ValidationError
	var consentErr *journal.ConsentError
	var serviceErr *journal.ServiceError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid_request",
			"field":  validationErr.Field,
			"reason": validationErr.Reason,
		})
	case errors.As(err, &consentErr):
		c.JSON(http.StatusForbidden, gin.H{
			"error":        "consent_required",
			"operation":    consentErr.Operation,
			"data_classes": consentErr.DataClasses,
		})
	case errors.As(err, &serviceErr):
		h.logger.Error("journal request failed",
			zap.String("operation", operation),
			zap.String("owner_id", owner.String()),
			zap.String("code", serviceErr.Code()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": serviceErr.Code()})
	default:
		h.logger.Error("journal request failed",
			zap.String("operation", operation),
			zap.String("owner_id", owner.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": operation + "_failed"})
	}
}

func ownerFromContext(c *gin.Context) journal.OwnerID {
	value, ok := c.Get(ownerContextKey)
	if !ok {
		return ""
	}
	owner, _ := value.(journal.OwnerID)
	return owner
}
