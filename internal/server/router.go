package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/relaycache/internal/auth"
	"github.com/MarcoPoloResearchLab/relaycache/internal/events"
	"github.com/MarcoPoloResearchLab/relaycache/internal/profiles"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

const (
	subjectContextKey = "relaycache_subject"
	accessTokenQuery  = "access_token"
	dumpFileName      = "relaycache.db"
)

var (
	errMissingStore         = errors.New("event store dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// EventStore is the store surface exposed over HTTP.
type EventStore interface {
	EventBatch(ctx context.Context, evs []*nostr.Event) (bool, error)
	Req(ctx context.Context, requestID string, filter nostr.Filter) []*nostr.Event
	Count(ctx context.Context, filter nostr.Filter) int64
	SQL(ctx context.Context, raw string, params ...any) ([][]any, error)
	Summary(ctx context.Context) map[string]int64
	Dump() []byte
	Subscribe(ctx context.Context, buffer int) (<-chan events.Notification, func())
}

// ProfileSearcher answers fuzzy profile lookups.
type ProfileSearcher interface {
	Search(query string, limit int) []profiles.Match
}

// TokenValidator resolves a bearer token to its subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP handler. A nil Tokens disables authentication
// together with the raw /sql and /dump routes; a nil Profiles omits the
// profile search route.
type Dependencies struct {
	Store             EventStore
	Profiles          ProfileSearcher
	Tokens            TokenValidator
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
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
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		store:     deps.Store,
		profiles:  deps.Profiles,
		tokens:    deps.Tokens,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	if deps.Tokens != nil {
		protected.Use(handler.authorizeRequest)
	}
	protected.POST("/events", handler.handleEvents)
	protected.POST("/req", handler.handleReq)
	protected.POST("/count", handler.handleCount)
	protected.GET("/summary", handler.handleSummary)
	protected.GET("/stream", handler.handleStream)
	if deps.Tokens != nil {
		protected.POST("/sql", handler.handleSQL)
		protected.GET("/dump", handler.handleDump)
	}
	if deps.Profiles != nil {
		protected.GET("/profiles/search", handler.handleProfileSearch)
	}

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	// Credentials are only shared with explicitly listed origins.
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	store     EventStore
	profiles  ProfileSearcher
	tokens    TokenValidator
	heartbeat time.Duration
	logger    *zap.Logger
}

type eventsResponsePayload struct {
	Accepted bool `json:"accepted"`
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	var batch []*nostr.Event
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	accepted, err := h.store.EventBatch(c.Request.Context(), batch)
	if err != nil {
		h.logger.Error("failed to store events", zap.Int("batch_size", len(batch)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_failed"})
		return
	}
	c.JSON(http.StatusOK, eventsResponsePayload{Accepted: accepted})
}

type reqRequestPayload struct {
	ID     string       `json:"id"`
	Filter nostr.Filter `json:"filter"`
}

type reqResponsePayload struct {
	ID     string         `json:"id"`
	Events []*nostr.Event `json:"events"`
}

func (h *httpHandler) handleReq(c *gin.Context) {
	var request reqRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	requestID := strings.TrimSpace(request.ID)
	if requestID == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			h.logger.Error("failed to generate request id", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "request_id_failed"})
			return
		}
		requestID = generated.String()
	}

	c.JSON(http.StatusOK, reqResponsePayload{
		ID:     requestID,
		Events: h.store.Req(c.Request.Context(), requestID, request.Filter),
	})
}

type countRequestPayload struct {
	Filter nostr.Filter `json:"filter"`
}

func (h *httpHandler) handleCount(c *gin.Context) {
	var request countRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": h.store.Count(c.Request.Context(), request.Filter)})
}

type sqlRequestPayload struct {
	Query  string `json:"query"`
	Params []any  `json:"params"`
}

func (h *httpHandler) handleSQL(c *gin.Context) {
	var request sqlRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	rows, err := h.store.SQL(c.Request.Context(), request.Query, request.Params...)
	if err != nil {
		h.logger.Warn("sql statement failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "sql_failed", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

func (h *httpHandler) handleSummary(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.Summary(c.Request.Context()))
}

func (h *httpHandler) handleDump(c *gin.Context) {
	contents := h.store.Dump()
	if len(contents) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dump_unavailable"})
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+dumpFileName)
	c.Data(http.StatusOK, "application/octet-stream", contents)
}

func (h *httpHandler) handleProfileSearch(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_query"})
		return
	}
	limit := profiles.DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	c.JSON(http.StatusOK, gin.H{"profiles": h.profiles.Search(query, limit)})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case header == "":
		token = strings.TrimSpace(c.Query(accessTokenQuery))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}
