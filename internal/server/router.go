package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/formdeck/internal/auth"
	"github.com/MarcoPoloResearchLab/formdeck/internal/collab"
	"github.com/MarcoPoloResearchLab/formdeck/internal/room"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	errMissingVerifier = errors.New("identity verifier dependency required")
	errMissingRegistry = errors.New("room registry dependency required")
)

// IdentityVerifier authenticates a bearer token before the websocket upgrade.
type IdentityVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// Dependencies wires the HTTP handler's collaborators.
type Dependencies struct {
	Verifier       IdentityVerifier
	Registry       *room.Registry
	Logger         *zap.Logger
	Clock          func() time.Time
	IDProvider     collab.IDProvider
	SendBufferSize int
	PongTimeout    time.Duration
}

// NewHTTPHandler builds the gateway router: a health probe and the
// authenticated websocket endpoint for collaborative sessions.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.IDProvider == nil {
		deps.IDProvider = collab.NewUUIDProvider()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers connect from arbitrary origins; access control is the
			// bearer token, checked before the upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", handler.handleWebSocket)

	return router, nil
}

type httpHandler struct {
	deps     Dependencies
	upgrader websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleWebSocket authenticates the caller and, only then, upgrades the
// connection and runs the session. A failed token never creates any state.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	identity, err := h.deps.Verifier.Verify(token)
	if err != nil {
		h.deps.Logger.Warn("websocket token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	connectionID, err := h.deps.IDProvider.NewID()
	if err != nil {
		h.deps.Logger.Error("failed to assign connection id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.deps.Logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.deps.Logger.Info("websocket session started",
		zap.String("connection_id", connectionID),
		zap.String("user_id", identity.UserID))

	conn := newConnection(ws, connectionID, identity, h.deps)
	conn.run(c.Request.Context())

	h.deps.Logger.Info("websocket session ended",
		zap.String("connection_id", connectionID),
		zap.String("user_id", identity.UserID))
}

// bearerToken extracts the credential from the token query parameter or the
// Authorization header. Browser websocket clients cannot set headers, so the
// query parameter takes precedence.
func bearerToken(c *gin.Context) string {
	if token := strings.TrimSpace(c.Query("token")); token != "" {
		return token
	}
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
