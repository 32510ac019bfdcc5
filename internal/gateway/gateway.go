// Package gateway bridges the Redis event broker onto client WebSocket
// connections. Each connection holds one broker subscription whose topic set
// the client retargets as the user navigates between conversations.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tandem/api/internal/app"
	"tandem/api/internal/topic"
	"tandem/api/internal/transport"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 25 * time.Second
	maxFrameBytes  = 4096
	sendQueueDepth = 64
)

// service is the slice of the application the gateway drives. Satisfied by
// *app.Service.
type service interface {
	SessionFromToken(ctx context.Context, token string) (app.Session, error)
	CanSubscribe(ctx context.Context, session app.Session, topicName string) bool
	TypingStart(ctx context.Context, session app.Session, ref app.ConversationRef)
	TypingStop(ctx context.Context, session app.Session, ref app.ConversationRef)
	PresenceHeartbeat(ctx context.Context, session app.Session, ref app.ConversationRef) (map[string]any, error)
}

type Gateway struct {
	service  service
	broker   *transport.Broker
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func New(service service, broker *transport.Broker, corsOrigin string, logger zerolog.Logger) *Gateway {
	return &Gateway{
		service: service,
		broker:  broker,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if corsOrigin == "*" {
					return true
				}
				origin := r.Header.Get("Origin")
				return origin == "" || origin == corsOrigin
			},
		},
	}
}

// clientFrame is what clients send upstream. Everything else flows
// downstream as broker events.
type clientFrame struct {
	Action string   `json:"action"`
	Topics []string `json:"topics,omitempty"`
	app.ConversationRef
}

// serverFrame wraps a broker event with the topic it arrived on so clients
// can route it to the right view.
type serverFrame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// ServeHTTP upgrades the request and runs the connection until the client
// disconnects. Browsers cannot set an Authorization header on a WebSocket,
// so the token also rides the query string.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if header := r.Header.Get("Authorization"); len(header) > 7 && header[:7] == "Bearer " {
			token = header[7:]
		}
	}
	session, err := g.service.SessionFromToken(r.Context(), token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Every connection listens on the user's own channel so DM fan-out
	// reaches all of their devices.
	sub, err := g.broker.Subscribe(ctx, topic.Self(session.UserID))
	if err != nil {
		g.logger.Error().Err(err).Str("user_id", session.UserID).Msg("gateway subscribe")
		_ = conn.Close()
		return
	}
	defer sub.Close()

	go g.writePump(ctx, cancel, conn, sub)
	g.readPump(ctx, conn, sub, session)
}

func (g *Gateway) readPump(ctx context.Context, conn *websocket.Conn, sub *transport.Subscription, session app.Session) {
	defer conn.Close()

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				g.logger.Debug().Err(err).Str("user_id", session.UserID).Msg("gateway read")
			}
			return
		}

		switch frame.Action {
		case "subscribe":
			allowed := frame.Topics[:0:0]
			for _, name := range frame.Topics {
				if g.service.CanSubscribe(ctx, session, name) {
					allowed = append(allowed, name)
					continue
				}
				g.logger.Warn().Str("user_id", session.UserID).Str("topic", name).Msg("gateway subscribe denied")
			}
			if len(allowed) == 0 {
				continue
			}
			if err := sub.Add(ctx, allowed...); err != nil {
				g.logger.Error().Err(err).Msg("gateway subscribe add")
			}
		case "unsubscribe":
			if len(frame.Topics) == 0 {
				continue
			}
			if err := sub.Remove(ctx, frame.Topics...); err != nil {
				g.logger.Error().Err(err).Msg("gateway subscribe remove")
			}
		case "typing":
			g.service.TypingStart(ctx, session, frame.ConversationRef)
		case "typing-stop":
			g.service.TypingStop(ctx, session, frame.ConversationRef)
		case "heartbeat":
			if _, err := g.service.PresenceHeartbeat(ctx, session, frame.ConversationRef); err != nil {
				g.logger.Error().Err(err).Msg("gateway heartbeat")
			}
		}
	}
}

func (g *Gateway) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub *transport.Subscription) {
	defer cancel()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			frame := serverFrame{Topic: ev.Topic, Event: ev.Event.Name, Payload: ev.Event.Payload}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
