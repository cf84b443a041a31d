package domain

import "time"

// Metadata is the page information scraped for a link.
// Every field is optional; an empty string means the page did not provide it.
type Metadata struct {
	// Title from og:title, twitter:title or the <title> tag.
	Title string `json:"title,omitempty"`

	// Description from og:description or the meta description tag.
	Description string `json:"description,omitempty"`

	// ImageURL is the absolute URL of the preview image (e.g., Open Graph image).
	ImageURL string `json:"image_url,omitempty"`
}

// IsZero reports whether no metadata field is present.
func (m Metadata) IsZero() bool {
	return m.Title == "" && m.Description == "" && m.ImageURL == ""
}

// Link represents one URL captured in a chat.
type Link struct {
	// ID is assigned by the store and grows with insertion order.
	ID uint64 `json:"id"`

	// ChatID is the Telegram chat the link was posted in.
	ChatID int64 `json:"chat_id"`

	// URL is the normalized form; it is unique within a chat.
	URL string `json:"url"`

	Metadata

	// SharedBy is the display name of the user who posted the link, if known.
	SharedBy string `json:"shared_by,omitempty"`

	// MessageID is the Telegram message the link was first seen in.
	MessageID int `json:"message_id,omitempty"`

	// CapturedAt indicates when the link was first observed.
	CapturedAt time.Time `json:"captured_at"`
}

// DisplayTitle returns the page title, or the URL itself when no title was found.
func (l Link) DisplayTitle() string {
	if l.Title != "" {
		return l.Title
	}
	return l.URL
}
