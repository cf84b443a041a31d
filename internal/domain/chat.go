package domain

import "time"

// Chat is a Telegram conversation whose links are collected into a feed.
type Chat struct {
	ID int64 `json:"id"`

	// Token is the opaque secret that grants read access to the chat's feed.
	Token string `json:"token"`

	CreatedAt time.Time `json:"created_at"`
}
