package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/courierlabs/courier/backend/internal/presence"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The socket endpoint serves browser clients from arbitrary
		// origins; authorization happens per event via the credential.
		return true
	},
}

// NewHTTPHandler builds the router hosting the health probe and the realtime
// socket endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	gateway, err := NewGateway(deps)
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ws", gateway.handleSocket)

	return router, nil
}

func (g *Gateway) handleSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newWSClient(conn)
	go client.writePump()

	// Prompt the client to identify itself, mirroring the transport-level
	// connection handshake.
	_ = client.Send(presence.Envelope{Event: EventUserID})

	g.readLoop(c.Request.Context(), client)
}

func (g *Gateway) readLoop(ctx context.Context, client *wsClient) {
	defer g.teardown(client)

	client.conn.SetReadLimit(maxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var envelope inboundEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			g.logger.Debug("malformed inbound envelope", zap.Error(err))
			continue
		}
		g.dispatch(ctx, client, envelope)
	}
}
