package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	maxCommandBytes          = 4096
)

// Command is a client-to-server frame received on a websocket.
type Command struct {
	Action string `json:"action"`
	VoteID string `json:"vote_id"`
}

// CommandHandler reacts to a decoded client command.
type CommandHandler func(ctx context.Context, connection *Connection, command Command)

// SocketConfig tunes the websocket pump.
type SocketConfig struct {
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	OnCommand         CommandHandler
}

// ServeSocket pumps the connection stream to the websocket and decodes client commands
// until either side closes. The connection is disconnected from the hub on return.
func (h *Hub) ServeSocket(ctx context.Context, socket *websocket.Conn, connection *Connection, cfg SocketConfig) {
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(ctx, socket, connection, heartbeat, writeTimeout)
	}()

	h.readPump(ctx, socket, connection, heartbeat, cfg.OnCommand)
	cancel()
	h.Disconnect(connection.ID())
	<-writerDone
	_ = socket.Close()
}

func (h *Hub) readPump(ctx context.Context, socket *websocket.Conn, connection *Connection, heartbeat time.Duration, onCommand CommandHandler) {
	socket.SetReadLimit(maxCommandBytes)
	_ = socket.SetReadDeadline(time.Now().Add(2 * heartbeat))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(2 * heartbeat))
	})

	for {
		var command Command
		if err := socket.ReadJSON(&command); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) && ctx.Err() == nil {
				h.logger.Debug("realtime socket read ended",
					zap.String("connection_id", connection.ID()),
					zap.Error(err))
			}
			return
		}
		if onCommand != nil {
			onCommand(ctx, connection, command)
		}
	}
}

func (h *Hub) writePump(ctx context.Context, socket *websocket.Conn, connection *Connection, heartbeat, writeTimeout time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = socket.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		case message, ok := <-connection.Stream():
			if !ok {
				return
			}
			_ = socket.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := socket.WriteJSON(message); err != nil {
				h.logger.Debug("realtime socket write failed",
					zap.String("connection_id", connection.ID()),
					zap.Error(err))
				_ = socket.Close()
				return
			}
		case <-ticker.C:
			if err := socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				_ = socket.Close()
				return
			}
		}
	}
}
