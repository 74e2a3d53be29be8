package httpapi

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/roamly/roamchat/internal/server/chat"
	"go.uber.org/zap"
)

// Error codes surfaced in the REST error body so clients can classify
// failures without parsing messages.
const (
	codeValidation       = "validation_error"
	codeAuthExpired      = "auth_expired"
	codePermissionDenied = "permission_denied"
	codeNotFound         = "not_found"
	codeInternal         = "internal"
)

// serviceError maps a chat service error onto the HTTP status and error
// code taxonomy. Unknown errors become 500s and are logged.
func (a *API) serviceError(c *fiber.Ctx, err error) error {
	switch {
	case chat.IsValidation(err):
		return writeError(c, fiber.StatusBadRequest, codeValidation, err.Error())
	case errors.Is(err, chat.ErrPermissionDenied):
		return writeError(c, fiber.StatusForbidden, codePermissionDenied, "not a participant")
	case errors.Is(err, chat.ErrNotFound):
		return writeError(c, fiber.StatusNotFound, codeNotFound, "no such resource")
	default:
		a.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		return writeError(c, fiber.StatusInternalServerError, codeInternal, "internal error")
	}
}
