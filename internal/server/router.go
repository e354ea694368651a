package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/auth"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/realtime"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/users"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/votes"
	"go.uber.org/zap"
)

const userIDContextKey = "votecast_user_id"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingVoteService      = errors.New("vote service dependency required")
	errMissingHub              = errors.New("realtime hub dependency required")
)

// SessionValidator authenticates incoming requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver records the voter behind a validated session.
type UserResolver interface {
	ResolveUser(ctx context.Context, claims auth.SessionClaims) (users.User, error)
}

// VoteService is the vote surface exposed over HTTP.
type VoteService interface {
	CreateVote(ctx context.Context, draft votes.VoteDraft) (votes.Vote, error)
	GetVote(ctx context.Context, voteID string) (votes.Vote, error)
	CastBallot(ctx context.Context, command votes.CastCommand) (votes.Vote, error)
	EnqueueBallot(ctx context.Context, command votes.CastCommand) error
	Subscribe(ctx context.Context, voteID, userID string) (int, error)
	Unsubscribe(ctx context.Context, voteID, userID string) (int, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Sessions          SessionValidator
	Users             UserResolver
	Votes             VoteService
	Hub               *realtime.Hub
	HeartbeatInterval time.Duration

	// AllowedOrigins lists the browser origins allowed to make credentialed requests and
	// open websockets. Same-origin requests are always allowed.
	AllowedOrigins []string
	Clock          func() time.Time
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Votes == nil {
		return nil, errMissingVoteService
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	origins := newOriginPolicy(deps.AllowedOrigins)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(origins))

	handler := &httpHandler{
		upgrader:  newUpgrader(origins),
		sessions:  deps.Sessions,
		users:     deps.Users,
		votes:     deps.Votes,
		hub:       deps.Hub,
		heartbeat: deps.HeartbeatInterval,
		clock:     clock,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/votes", handler.handleCreateVote)
	protected.GET("/votes/:id", handler.handleGetVote)
	protected.POST("/votes/:id/ballots", handler.handleCastBallot)
	protected.POST("/votes/:id/ballots/deferred", handler.handleEnqueueBallot)
	protected.POST("/votes/:id/subscription", handler.handleSubscribe)
	protected.DELETE("/votes/:id/subscription", handler.handleUnsubscribe)
	protected.GET("/realtime", handler.handleRealtime)

	return router, nil
}

func corsMiddleware(origins originPolicy) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  origins.allows,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	upgrader  websocket.Upgrader
	sessions  SessionValidator
	users     UserResolver
	votes     VoteService
	hub       *realtime.Hub
	heartbeat time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

type createVoteRequest struct {
	Title     string     `json:"title"`
	Subjects  []string   `json:"subjects"`
	MaxCount  *int64     `json:"max_count"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type castBallotRequest struct {
	SubjectID int64 `json:"subject_id"`
}

type subscriptionResponse struct {
	VoteID      string `json:"vote_id"`
	Connections int    `json:"connections"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCreateVote(c *gin.Context) {
	var request createVoteRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	vote, err := h.votes.CreateVote(c.Request.Context(), votes.VoteDraft{
		Title:     request.Title,
		Subjects:  request.Subjects,
		CreatorID: c.GetString(userIDContextKey),
		ExpiresAt: request.ExpiresAt,
		MaxCount:  request.MaxCount,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, vote.View(h.clock()))
}

func (h *httpHandler) handleGetVote(c *gin.Context) {
	vote, err := h.votes.GetVote(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, vote.View(h.clock()))
}

func (h *httpHandler) handleCastBallot(c *gin.Context) {
	command, ok := h.bindCastCommand(c)
	if !ok {
		return
	}
	vote, err := h.votes.CastBallot(c.Request.Context(), command)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, vote.View(h.clock()))
}

func (h *httpHandler) handleEnqueueBallot(c *gin.Context) {
	command, ok := h.bindCastCommand(c)
	if !ok {
		return
	}
	if err := h.votes.EnqueueBallot(c.Request.Context(), command); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *httpHandler) bindCastCommand(c *gin.Context) (votes.CastCommand, bool) {
	var request castBallotRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.SubjectID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return votes.CastCommand{}, false
	}
	return votes.CastCommand{
		VoteID:    c.Param("id"),
		SubjectID: request.SubjectID,
		VoterID:   c.GetString(userIDContextKey),
	}, true
}

func (h *httpHandler) handleSubscribe(c *gin.Context) {
	voteID := c.Param("id")
	joined, err := h.votes.Subscribe(c.Request.Context(), voteID, c.GetString(userIDContextKey))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, subscriptionResponse{VoteID: voteID, Connections: joined})
}

func (h *httpHandler) handleUnsubscribe(c *gin.Context) {
	voteID := c.Param("id")
	left, err := h.votes.Unsubscribe(c.Request.Context(), voteID, c.GetString(userIDContextKey))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, subscriptionResponse{VoteID: voteID, Connections: left})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID := strings.TrimSpace(claims.UserID)
	if h.users != nil {
		user, err := h.users.ResolveUser(c.Request.Context(), claims)
		if err != nil {
			h.logger.Error("failed to resolve voter", zap.String("user_id", userID), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "user_resolution_failed"})
			return
		}
		userID = user.UserID
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// statusForKind maps service error kinds to HTTP statuses.
func statusForKind(kind votes.Kind) int {
	switch kind {
	case votes.KindInvalid:
		return http.StatusBadRequest
	case votes.KindNotFound:
		return http.StatusNotFound
	case votes.KindConflict:
		return http.StatusConflict
	case votes.KindForbidden:
		return http.StatusForbidden
	case votes.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	kind := votes.KindOf(err)
	status := statusForKind(kind)
	code := "internal_error"
	var serviceErr *votes.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("vote request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", code),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}
