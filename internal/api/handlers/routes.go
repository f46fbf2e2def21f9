package handlers

import "github.com/gofiber/fiber/v2"

// RegisterRoutes mounts the authenticated API on api. Callers attach auth and
// rate limiting to api before calling.
func RegisterRoutes(api fiber.Router, posts *PostHandler, media *MediaHandler, users *UserHandler) {
	api.Get("/me", users.GetUserInfo)
	api.Delete("/accounts/:id", users.DisconnectAccount)

	api.Post("/posts", posts.CreatePost)
	api.Get("/posts", posts.ListPosts)
	api.Get("/posts/:id", posts.GetPost)
	api.Put("/posts/:id", posts.UpdatePost)
	api.Delete("/posts/:id", posts.RemovePost)
	api.Post("/posts/:id/publish", posts.PublishNow)
	api.Post("/posts/:id/schedule", posts.ReschedulePost)

	api.Get("/scheduled-posts", posts.ListScheduled)
	api.Delete("/scheduled-posts/:id", posts.CancelScheduled)

	api.Post("/media", media.Upload)
}
