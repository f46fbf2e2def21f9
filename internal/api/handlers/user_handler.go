package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/maheshrc27/postflow/internal/service"
)

type UserHandler struct {
	s service.UserService
}

func NewUserHandler(service service.UserService) *UserHandler {
	return &UserHandler{s: service}
}

func (h *UserHandler) GetUserInfo(c *fiber.Ctx) error {
	userId := GetUserID(c)

	userInfo, err := h.s.GetUserInfo(c.Context(), userId)
	if err != nil {
		return sendError(c, err)
	}

	return c.JSON(userInfo)
}

func (h *UserHandler) DisconnectAccount(c *fiber.Ctx) error {
	accountID, err := paramID(c)
	if err != nil {
		return sendError(c, err)
	}

	if err := h.s.DisconnectAccount(c.Context(), GetUserID(c), accountID); err != nil {
		return sendError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
