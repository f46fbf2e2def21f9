package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type PostStatus string

const (
	PostStatusDraft     PostStatus = "draft"
	PostStatusScheduled PostStatus = "scheduled"
	PostStatusPublished PostStatus = "published"
	PostStatusFailed    PostStatus = "failed"
)

type Platform string

const (
	PlatformLinkedIn Platform = "linkedin"
	PlatformYoutube  Platform = "youtube"
)

const MaxContentLength = 3000

type Post struct {
	ID          int64        `db:"id" json:"id"`
	UserID      int64        `db:"user_id" json:"user_id"`
	Content     string       `db:"content" json:"content"`
	MediaURLs   StringList   `db:"media_urls" json:"media_urls"`
	Platforms   PlatformList `db:"platforms" json:"platforms"`
	Status      PostStatus   `db:"status" json:"status"`
	ScheduledAt *time.Time   `db:"scheduled_at" json:"scheduled_at,omitempty"`
	PublishedAt *time.Time   `db:"published_at" json:"published_at,omitempty"`
	Metadata    PostMetadata `db:"metadata" json:"metadata"`
	IsDeleted   bool         `db:"is_deleted" json:"-"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updated_at"`
}

// RemotePost is what a platform returned for a successful publish.
type RemotePost struct {
	ID          string    `json:"id"`
	PublishedAt time.Time `json:"published_at"`
}

type PublishError struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type PostMetadata struct {
	Remote map[Platform]RemotePost `json:"remote,omitempty"`
	Error  *PublishError           `json:"error,omitempty"`
}

func (m PostMetadata) Published(p Platform) bool {
	_, ok := m.Remote[p]
	return ok
}

func (m *PostMetadata) SetRemote(p Platform, id string, at time.Time) {
	if m.Remote == nil {
		m.Remote = map[Platform]RemotePost{}
	}
	m.Remote[p] = RemotePost{ID: id, PublishedAt: at}
}

func (m PostMetadata) Value() (driver.Value, error) { return jsonValue(m) }
func (m *PostMetadata) Scan(src any) error        { return jsonScan(src, m) }

type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	return jsonValue([]string(l))
}

func (l *StringList) Scan(src any) error { return jsonScan(src, (*[]string)(l)) }

type PlatformList []Platform

func (l PlatformList) Value() (driver.Value, error) {
	if l == nil {
		l = PlatformList{}
	}
	return jsonValue([]Platform(l))
}

func (l *PlatformList) Scan(src any) error { return jsonScan(src, (*[]Platform)(l)) }

func jsonValue(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonScan(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
}
