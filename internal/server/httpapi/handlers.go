package httpapi

import (
	"github.com/gofiber/fiber/v2"
	"github.com/roamly/roamchat/internal/server/chat"
	"github.com/roamly/roamchat/internal/wire"
)

// handleListConversations GET /api/conversations
func (a *API) handleListConversations(c *fiber.Ctx) error {
	userID, _ := callerIdentity(c)
	convs, err := a.service.ListConversations(userID)
	if err != nil {
		return a.serviceError(c, err)
	}
	return c.JSON(convs)
}

// handleResolve POST /api/conversations
//
// Finds or creates the conversation between the caller and a counterpart,
// scoped by the optional context id. Repeat calls with the same inputs
// return the same conversation.
func (a *API) handleResolve(c *fiber.Ctx) error {
	userID, email := callerIdentity(c)
	var req wire.ResolveRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, fiber.StatusBadRequest, codeValidation, "malformed body")
	}
	conv, err := a.service.Resolve(userID, email, req.RecipientID, req.ContextID)
	if err != nil {
		return a.serviceError(c, err)
	}
	return c.JSON(conv)
}

// handleListMessages GET /api/conversations/:id?page=&limit=
func (a *API) handleListMessages(c *fiber.Ctx) error {
	userID, email := callerIdentity(c)
	msgs, err := a.service.ListMessages(
		c.Params("id"), userID, email,
		c.QueryInt("page", 1), c.QueryInt("limit", 50),
	)
	if err != nil {
		return a.serviceError(c, err)
	}
	return c.JSON(msgs)
}

// handleSend POST /api/send
func (a *API) handleSend(c *fiber.Ctx) error {
	userID, email := callerIdentity(c)
	var req wire.SendRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, fiber.StatusBadRequest, codeValidation, "malformed body")
	}
	msg, convID, err := a.service.Send(chat.SendInput{
		SenderID:       userID,
		SenderEmail:    email,
		RecipientID:    req.RecipientID,
		ConversationID: req.ConversationID,
		Content:        req.Content,
		ContextID:      req.ContextID,
		ClientID:       req.Metadata["clientId"],
	})
	if err != nil {
		return a.serviceError(c, err)
	}
	return c.JSON(wire.SendResponse{Message: *msg, ConversationID: convID})
}

// handleMarkRead PATCH /api/conversations/:id/read
func (a *API) handleMarkRead(c *fiber.Ctx) error {
	userID, email := callerIdentity(c)
	var req wire.MarkReadRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return writeError(c, fiber.StatusBadRequest, codeValidation, "malformed body")
		}
	}
	n, err := a.service.MarkRead(c.Params("id"), userID, email, req.MessageIDs)
	if err != nil {
		return a.serviceError(c, err)
	}
	return c.JSON(wire.MarkReadResponse{Updated: n})
}

// handleDeleteMessage DELETE /api/messages/:id
func (a *API) handleDeleteMessage(c *fiber.Ctx) error {
	userID, email := callerIdentity(c)
	if err := a.service.SoftDelete(c.Params("id"), userID, email); err != nil {
		return a.serviceError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
