package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/realtime"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/votes"
	"go.uber.org/zap"
)

const (
	commandSubscribe   = "subscribe"
	commandUnsubscribe = "unsubscribe"
)

// originPolicy is the set of cross-site origins trusted with session credentials.
type originPolicy map[string]struct{}

func newOriginPolicy(origins []string) originPolicy {
	policy := make(originPolicy, len(origins))
	for _, origin := range origins {
		if normalized := normalizeOrigin(origin); normalized != "" {
			policy[normalized] = struct{}{}
		}
	}
	return policy
}

func (p originPolicy) allows(origin string) bool {
	_, ok := p[normalizeOrigin(origin)]
	return ok
}

// checkSocketOrigin accepts handshakes without an Origin header, same-origin handshakes, and
// listed origins.
func (p originPolicy) checkSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err == nil && strings.EqualFold(parsed.Host, r.Host) {
		return true
	}
	return p.allows(origin)
}

func normalizeOrigin(origin string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
}

func newUpgrader(origins originPolicy) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.checkSocketOrigin,
	}
}

func (h *httpHandler) handleRealtime(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	// Groups are joined before the handshake completes.
	connection, err := h.hub.Connect(userID)
	if err != nil {
		h.logger.Warn("realtime connect failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "realtime_connect_failed"})
		return
	}

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.hub.Disconnect(connection.ID())
		h.logger.Debug("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	h.hub.ServeSocket(c.Request.Context(), socket, connection, realtime.SocketConfig{
		HeartbeatInterval: h.heartbeat,
		OnCommand:         h.handleSocketCommand,
	})
}

func (h *httpHandler) handleSocketCommand(ctx context.Context, connection *realtime.Connection, command realtime.Command) {
	voteID := strings.TrimSpace(command.VoteID)
	var (
		affected int
		err      error
		event    string
	)
	switch strings.ToLower(strings.TrimSpace(command.Action)) {
	case commandSubscribe:
		event = realtime.EventSubscribed
		affected, err = h.votes.Subscribe(ctx, voteID, connection.UserID())
	case commandUnsubscribe:
		event = realtime.EventUnsubscribed
		affected, err = h.votes.Unsubscribe(ctx, voteID, connection.UserID())
	default:
		h.hub.PushToConnection(connection.ID(), realtime.Message{
			Event:   realtime.EventError,
			Payload: gin.H{"error": "unknown_action", "action": command.Action},
		})
		return
	}

	if err != nil {
		code := "internal_error"
		var serviceErr *votes.ServiceError
		if errors.As(err, &serviceErr) {
			code = serviceErr.Code()
		}
		h.hub.PushToConnection(connection.ID(), realtime.Message{
			Event:   realtime.EventError,
			Group:   votes.GroupName(voteID),
			Payload: gin.H{"error": code, "vote_id": voteID},
		})
		return
	}
	h.hub.PushToConnection(connection.ID(), realtime.Message{
		Event:   event,
		Group:   votes.GroupName(voteID),
		Payload: subscriptionResponse{VoteID: voteID, Connections: affected},
	})
}
