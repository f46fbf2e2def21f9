package handlers

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/maheshrc27/postflow/internal/service"
)

// GetUserID returns the id stored by the auth middleware.
func GetUserID(c *fiber.Ctx) int64 {
	userID, _ := c.Locals("user_id").(int64)
	return userID
}

func paramID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": msg,
	})
}

// sendError maps service errors onto HTTP statuses.
func sendError(c *fiber.Ctx, err error) error {
	var (
		verr  *service.ValidationError
		fiErr *fiber.Error
	)
	switch {
	case errors.As(err, &fiErr):
		return c.Status(fiErr.Code).JSON(fiber.Map{"error": fiErr.Message})
	case errors.As(err, &verr):
		return badRequest(c, verr.Message)
	case errors.Is(err, service.ErrPostNotFound),
		errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrAccountNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, service.ErrPostPublished):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}

	slog.Error("request failed", "method", c.Method(), "path", c.Path(), "err", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Internal Server Error",
	})
}
