package storage

import (
	"context"
	"errors"
	"time"

	"linkfeed/internal/domain"
)

// DefaultListLimit bounds ListLinks when the caller passes no limit.
const DefaultListLimit = 50

var (
	// ErrNotFound is returned when a chat or token does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by InsertLink when the chat already holds the URL.
	ErrConflict = errors.New("link already exists")
	// ErrUnavailable wraps storage engine failures.
	ErrUnavailable = errors.New("store unavailable")
)

// LinkOptions carries optional attributes recorded with a new link.
type LinkOptions struct {
	SharedBy  string
	MessageID int
}

// Stats summarizes the store contents.
type Stats struct {
	Chats int `json:"chats_count"`
	Links int `json:"links_count"`
}

// Repository defines the interface for data storage operations.
// Implementations must be safe for concurrent use and must commit writes
// durably before returning.
type Repository interface {
	// GetOrCreateChat returns the chat, creating it with a fresh token on first use.
	// Concurrent calls for a new chat produce exactly one token.
	GetOrCreateChat(ctx context.Context, chatID int64) (domain.Chat, error)

	// GetChat returns ErrNotFound for a chat never seen before.
	GetChat(ctx context.Context, chatID int64) (domain.Chat, error)

	// LinkExists reports whether the chat already holds the normalized URL.
	LinkExists(ctx context.Context, chatID int64, url string) (bool, error)

	// InsertLink stores a new link. It returns ErrConflict when the URL is already
	// stored for the chat, including when a concurrent insert won the race.
	InsertLink(ctx context.Context, chatID int64, url string, meta domain.Metadata, capturedAt time.Time, opts LinkOptions) (domain.Link, error)

	// ListLinks returns at most limit links of the chat, most recent first.
	ListLinks(ctx context.Context, chatID int64, limit int) ([]domain.Link, error)

	// TokenForChat returns the feed token of an existing chat.
	TokenForChat(ctx context.Context, chatID int64) (string, error)

	// ChatForToken resolves a feed token to its chat, or ErrNotFound.
	ChatForToken(ctx context.Context, token string) (int64, error)

	// RotateToken replaces the chat's token; the old one stops resolving.
	RotateToken(ctx context.Context, chatID int64) (domain.Chat, error)

	// Stats counts stored chats and links.
	Stats(ctx context.Context) (Stats, error)

	// Close gracefully shuts down the repository connection.
	Close() error
}
