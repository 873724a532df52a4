package models

import "time"

// Feed is a registered RSS feed URL
type Feed struct {
	Id        int64     `json:"id"`
	Url       string    `json:"url"`
	IsHidden  bool      `json:"isHidden"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SavedLink is a link that was successfully submitted to an archive mirror
type SavedLink struct {
	Id          int64     `json:"id"`
	Link        string    `json:"link"`
	ArchivedUrl string    `json:"archivedUrl"`
	Title       string    `json:"title,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ArchiveRequest is the body accepted by POST /archive, either as JSON or form
type ArchiveRequest struct {
	Url   string `json:"url" form:"url"`
	Title string `json:"title" form:"title"`
}

// ArchiveResponse omits nothing, a failed resolution is reported as null
type ArchiveResponse struct {
	ArchivedUrl *string `json:"archivedUrl"`
}

// FeedRequest is the body accepted by the feed registry endpoints
type FeedRequest struct {
	Id  int64  `json:"id" form:"id"`
	Url string `json:"url" form:"url"`
}

// ArchivedEvent fired when a link was archived
type ArchivedEvent struct {
	Url         string    `json:"url"`
	ArchivedUrl string    `json:"archivedUrl"`
	At          time.Time `json:"at"`
}

// ArchiveFailedEvent fired when every mirror failed for a link
type ArchiveFailedEvent struct {
	Url string    `json:"url"`
	At  time.Time `json:"at"`
}
