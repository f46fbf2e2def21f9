package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/maheshrc27/postflow/internal/service"
)

type MediaHandler struct {
	s service.MediaService
}

func NewMediaHandler(service service.MediaService) *MediaHandler {
	return &MediaHandler{s: service}
}

func (h *MediaHandler) Upload(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "No file selected")
	}
	if fh.Size > service.MaxMediaSize {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error": "File too large",
		})
	}

	f, err := fh.Open()
	if err != nil {
		return sendError(c, err)
	}
	defer f.Close()

	media, err := h.s.Upload(c.Context(), GetUserID(c), f)
	if err != nil {
		return sendError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(media)
}
