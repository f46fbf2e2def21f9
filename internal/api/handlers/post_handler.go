package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/maheshrc27/postflow/internal/service"
	"github.com/maheshrc27/postflow/internal/transfer"
)

type PostHandler struct {
	s service.PostService
}

func NewPostHandler(service service.PostService) *PostHandler {
	return &PostHandler{s: service}
}

func (h *PostHandler) CreatePost(c *fiber.Ctx) error {
	var req transfer.CreatePost
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Unable to parse json")
	}

	post, err := h.s.Create(c.Context(), GetUserID(c), &req)
	if err != nil {
		return sendError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"post": post,
	})
}

func (h *PostHandler) ListPosts(c *fiber.Ctx) error {
	var req transfer.ListPosts
	if err := c.QueryParser(&req); err != nil {
		return badRequest(c, "Invalid query parameters")
	}

	posts, page, err := h.s.List(c.Context(), GetUserID(c), &req)
	if err != nil {
		return sendError(c, err)
	}

	return c.JSON(fiber.Map{
		"posts":      posts,
		"pagination": page,
	})
}

func (h *PostHandler) GetPost(c *fiber.Ctx) error {
	postID, err := paramID(c)
	if err != nil {
		return sendError(c, err)
	}

	post, err := h.s.Get(c.Context(), GetUserID(c), postID)
	if err != nil {
		return sendError(c, err)
	}

	return c.JSON(fiber.Map{
		"post": post,
	})
}

func (h *PostHandler) UpdatePost(c *fiber.Ctx) error {
	postID, err := paramID(c)
	if err != nil {
		return sendError(c, err)
	}

	var req transfer.UpdatePost
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Unable to parse json")
	}

	post, err := h.s.Update(c.Context(), GetUserID(c), postID, &req)
	if err != nil {
		return sendError(c, err)
	}

	return c.JSON(fiber.Map{
		"post": post,
	})
}

func (h *PostHandler) ReschedulePost(c *fiber.Ctx) error {
	postID, err := paramID(c)
	if err != nil {
		return sendError(c, err)
	}

	var req struct {
		ScheduledAt *time.Time `json:"scheduled_at"`
	}
	if err := c.BodyParser(&req); err != nil || req.ScheduledAt == nil {
		return badRequest(c, "scheduled_at is required")
	}

	post, err := h.s.Reschedule(c.Context(), GetUserID(c), postID, *req.ScheduledAt)
	if err != nil {
		return sendError(c, err)
	}

	return c.JSON(fiber.Map{
		"post": post,
	})
}

func (h *PostHandler) RemovePost(c *fiber.Ctx) error {
	postID, err := paramID(c)
	if err != nil {
		return sendError(c, err)
	}

	if err := h.s.Delete(c.Context(), GetUserID(c), postID); err != nil {
		return sendError(c, err)
	}

	return c.JSON(fiber.Map{
		"message": "Post deleted successfully",
	})
}

func (h *PostHandler) PublishNow(c *fiber.Ctx) error {
	postID, err := paramID(c)
	if err != nil {
		return sendError(c, err)
	}

	jobID, err := h.s.PublishNow(c.Context(), GetUserID(c), postID)
	if err != nil {
		return sendError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"message": "Post queued for immediate publishing",
		"job_id":  jobID,
	})
}

func (h *PostHandler) ListScheduled(c *fiber.Ctx) error {
	items, page, err := h.s.ListScheduled(c.Context(), GetUserID(c), c.QueryInt("page", 1), c.QueryInt("limit", 10))
	if err != nil {
		return sendError(c, err)
	}

	return c.JSON(fiber.Map{
		"scheduled_posts": items,
		"pagination":      page,
	})
}

func (h *PostHandler) CancelScheduled(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return sendError(c, err)
	}

	if err := h.s.CancelSchedule(c.Context(), GetUserID(c), id); err != nil {
		return sendError(c, err)
	}

	return c.JSON(fiber.Map{
		"message": "Scheduled post cancelled",
	})
}
