package transfer

import (
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

type CreatePost struct {
	Content     string            `json:"content" validate:"required,notblank,max=3000"`
	MediaURLs   []string          `json:"media_urls" validate:"omitempty,max=10,dive,url"`
	Platforms   []models.Platform `json:"platforms" validate:"omitempty,unique,dive,oneof=linkedin youtube"`
	ScheduledAt *time.Time        `json:"scheduled_at"`
}

// UpdatePost leaves a field unchanged when it is omitted. A scheduled post
// sent without scheduled_at is unscheduled.
type UpdatePost struct {
	Content     *string            `json:"content" validate:"omitempty,notblank,max=3000"`
	MediaURLs   *[]string          `json:"media_urls" validate:"omitempty,max=10,dive,url"`
	Platforms   *[]models.Platform `json:"platforms" validate:"omitempty,min=1,unique,dive,oneof=linkedin youtube"`
	ScheduledAt *time.Time         `json:"scheduled_at"`
}

type ListPosts struct {
	Status string `query:"status" validate:"omitempty,oneof=draft scheduled published failed"`
	Page   int    `query:"page" validate:"gte=0"`
	Limit  int    `query:"limit" validate:"gte=0,lte=100"`
}

type Pagination struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Pages int `json:"pages"`
}

func NewPagination(total, page, limit int) Pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return Pagination{Total: total, Page: page, Limit: limit, Pages: pages}
}
