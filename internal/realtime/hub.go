package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// LobbyGroup is joined by every connection and carries vote creation events.
	LobbyGroup = "votes"

	EventVoteCreated  = "vote_created"
	EventVoteUpdated  = "vote_updated"
	EventVoteSnapshot = "vote_snapshot"
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventError        = "error"

	defaultBufferSize = 16
)

var (
	ErrMissingUserID      = errors.New("realtime: user id required")
	ErrConnectionNotFound = errors.New("realtime: connection not found")
)

// Message is the frame pushed to connected clients.
type Message struct {
	Event     string    `json:"event"`
	Group     string    `json:"group,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Connection is one live client session owned by the hub.
type Connection struct {
	id     string
	userID string
	stream chan Message
	closed bool
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// UserID returns the owning user identifier.
func (c *Connection) UserID() string {
	return c.userID
}

// Stream delivers messages addressed to the connection. It is closed on Disconnect.
func (c *Connection) Stream() <-chan Message {
	return c.stream
}

// HubConfig configures a Hub.
type HubConfig struct {
	Registry   *Registry
	BufferSize int
	Logger     *zap.Logger
	IDProvider func() string
}

// Hub tracks connections and named groups and fans messages out to them.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	groups      map[string]map[string]*Connection
	userGroups  map[string]map[string]struct{}
	registry    *Registry
	bufferSize  int
	newID       func() string
	logger      *zap.Logger
}

// NewHub constructs a hub. A registry is created when none is supplied.
func NewHub(cfg HubConfig) *Hub {
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	newID := cfg.IDProvider
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		connections: make(map[string]*Connection),
		groups:      make(map[string]map[string]*Connection),
		userGroups:  make(map[string]map[string]struct{}),
		registry:    registry,
		bufferSize:  bufferSize,
		newID:       newID,
		logger:      logger,
	}
}

// Registry exposes the connection registry backing the hub.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Connect opens a connection for userID. The connection joins the lobby group and every
// group the user subscribed to through AddUserToGroup.
func (h *Hub) Connect(userID string) (*Connection, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	connection := &Connection{
		id:     h.newID(),
		userID: userID,
		stream: make(chan Message, h.bufferSize),
	}

	h.mu.Lock()
	h.connections[connection.id] = connection
	h.joinLocked(connection, LobbyGroup)
	for group := range h.userGroups[userID] {
		h.joinLocked(connection, group)
	}
	// Registered under h.mu so AddUserToGroup either lists this connection or is seen above.
	h.registry.Add(userID, connection.id)
	h.mu.Unlock()

	h.logger.Debug("realtime connection opened",
		zap.String("user_id", userID),
		zap.String("connection_id", connection.id))
	return connection, nil
}

// Disconnect removes the connection from every group and closes its stream.
func (h *Hub) Disconnect(connectionID string) {
	h.mu.Lock()
	connection, ok := h.connections[connectionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.connections, connectionID)
	for group, members := range h.groups {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	connection.closed = true
	close(connection.stream)
	h.registry.Remove(connection.userID, connectionID)
	h.mu.Unlock()

	h.logger.Debug("realtime connection closed",
		zap.String("user_id", connection.userID),
		zap.String("connection_id", connectionID))
}

// AddConnectionToGroup adds a connection to a group and reports whether it was newly added.
func (h *Hub) AddConnectionToGroup(connectionID, group string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	connection, ok := h.connections[connectionID]
	if !ok {
		return false, ErrConnectionNotFound
	}
	return h.joinLocked(connection, group), nil
}

// RemoveConnectionFromGroup removes a connection from a group and reports whether it was a member.
func (h *Hub) RemoveConnectionFromGroup(connectionID, group string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.groups[group]
	if _, ok := members[connectionID]; !ok {
		return false
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(h.groups, group)
	}
	return true
}

// AddUserToGroup adds every registered connection of userID to group and returns how many
// connections were newly added. Connections opened later join the group on Connect.
func (h *Hub) AddUserToGroup(userID, group string) int {
	h.mu.Lock()
	groups, ok := h.userGroups[userID]
	if !ok {
		groups = make(map[string]struct{})
		h.userGroups[userID] = groups
	}
	groups[group] = struct{}{}
	h.mu.Unlock()

	added := 0
	for _, connectionID := range h.registry.List(userID) {
		joined, err := h.AddConnectionToGroup(connectionID, group)
		if err != nil {
			h.logger.Debug("registry connection missing from hub",
				zap.String("user_id", userID),
				zap.String("connection_id", connectionID))
			continue
		}
		if joined {
			added++
		}
	}
	return added
}

// RemoveUserFromGroup removes every registered connection of userID from group and returns
// how many connections were members.
func (h *Hub) RemoveUserFromGroup(userID, group string) int {
	h.mu.Lock()
	if groups, ok := h.userGroups[userID]; ok {
		delete(groups, group)
		if len(groups) == 0 {
			delete(h.userGroups, userID)
		}
	}
	h.mu.Unlock()

	removed := 0
	for _, connectionID := range h.registry.List(userID) {
		if h.RemoveConnectionFromGroup(connectionID, group) {
			removed++
		}
	}
	return removed
}

// PushToGroup delivers the message to every member of group and returns the delivered count.
// Slow connections whose buffer is full miss the message.
func (h *Hub) PushToGroup(group string, message Message) int {
	if message.Group == "" {
		message.Group = group
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, connection := range h.groups[group] {
		if h.deliverLocked(connection, message) {
			delivered++
		}
	}
	return delivered
}

// PushToUser delivers the message to every connection of userID.
func (h *Hub) PushToUser(userID string, message Message) int {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	connectionIDs := h.registry.List(userID)
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, connectionID := range connectionIDs {
		connection, ok := h.connections[connectionID]
		if !ok {
			continue
		}
		if h.deliverLocked(connection, message) {
			delivered++
		}
	}
	return delivered
}

// PushToConnection delivers the message to a single connection.
func (h *Hub) PushToConnection(connectionID string, message Message) bool {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	connection, ok := h.connections[connectionID]
	if !ok {
		return false
	}
	return h.deliverLocked(connection, message)
}

// GroupMembers returns the connection identifiers currently in group.
func (h *Hub) GroupMembers(group string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := make([]string, 0, len(h.groups[group]))
	for connectionID := range h.groups[group] {
		members = append(members, connectionID)
	}
	return members
}

func (h *Hub) joinLocked(connection *Connection, group string) bool {
	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]*Connection)
		h.groups[group] = members
	}
	if _, exists := members[connection.id]; exists {
		return false
	}
	members[connection.id] = connection
	return true
}

// deliverLocked requires h.mu held so the stream cannot be closed concurrently.
func (h *Hub) deliverLocked(connection *Connection, message Message) bool {
	if connection.closed {
		return false
	}
	select {
	case connection.stream <- message:
		return true
	default:
		h.logger.Debug("realtime message dropped for slow connection",
			zap.String("connection_id", connection.id),
			zap.String("event", message.Event))
		return false
	}
}
