package httpapi

import (
	"errors"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/roamly/roamchat/internal/auth"
	"github.com/roamly/roamchat/internal/server/chat"
	"github.com/roamly/roamchat/internal/server/hub"
	"github.com/roamly/roamchat/internal/wire"
	"go.uber.org/zap"
)

// API owns the HTTP surface of the chat server: the REST routes and the
// realtime websocket upgrade.
type API struct {
	service *chat.Service
	hub     *hub.Hub
	tokens  *auth.Tokens
	logger  *zap.Logger
}

// New creates the API.
func New(service *chat.Service, h *hub.Hub, tokens *auth.Tokens, logger *zap.Logger) *API {
	return &API{service: service, hub: h, tokens: tokens, logger: logger}
}

// Router builds the fiber application with all routes registered.
func (a *API) Router() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Get("/api/health", a.handleHealth)

	api := app.Group("/api", a.requireAuth)
	api.Get("/conversations", a.handleListConversations)
	api.Post("/conversations", a.handleResolve)
	api.Get("/conversations/:id", a.handleListMessages)
	api.Patch("/conversations/:id/read", a.handleMarkRead)
	api.Post("/send", a.handleSend)
	api.Delete("/messages/:id", a.handleDeleteMessage)

	// The realtime channel lives beside /api, not under it: clients derive
	// the socket URL by stripping the /api suffix from their REST base.
	app.Use("/ws", a.upgradeWS)
	app.Get("/ws", websocket.New(a.handleWS))

	return app
}

// requireAuth verifies the bearer token and stashes the caller identity
// in locals for the handlers.
func (a *API) requireAuth(c *fiber.Ctx) error {
	token := bearerToken(c.Get(fiber.HeaderAuthorization))
	if token == "" {
		return writeError(c, fiber.StatusUnauthorized, codeAuthExpired, "missing bearer token")
	}
	userID, email, err := a.tokens.Verify(token)
	if err != nil {
		msg := "invalid token"
		if errors.Is(err, auth.ErrExpired) {
			msg = "token expired"
		}
		return writeError(c, fiber.StatusUnauthorized, codeAuthExpired, msg)
	}
	c.Locals("userID", userID)
	c.Locals("email", email)
	return c.Next()
}

// upgradeWS authenticates the websocket handshake. The token rides the
// Authorization header or, for browser clients, the token query param.
func (a *API) upgradeWS(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	token := bearerToken(c.Get(fiber.HeaderAuthorization))
	if token == "" {
		token = c.Query("token")
	}
	userID, email, err := a.tokens.Verify(token)
	if err != nil {
		return writeError(c, fiber.StatusUnauthorized, codeAuthExpired, "invalid token")
	}
	c.Locals("userID", userID)
	c.Locals("email", email)
	return c.Next()
}

// handleWS runs one realtime session until the connection drops.
func (a *API) handleWS(conn *websocket.Conn) {
	userID, _ := conn.Locals("userID").(string)
	client := hub.NewClient(userID, conn)
	a.hub.Register(client)
	go client.WritePump()
	client.ReadPump(a.hub)
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func callerIdentity(c *fiber.Ctx) (userID, email string) {
	userID, _ = c.Locals("userID").(string)
	email, _ = c.Locals("email").(string)
	return userID, email
}

func (a *API) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func writeError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(wire.ErrorResponse{Code: code, Message: message})
}
